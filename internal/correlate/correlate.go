// Package correlate implements the pure matching function between platform
// call-log records and pending calls. Correlate has no side effects and no
// clock: identical inputs always yield identical verdicts.
package correlate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/darbyhtml/proficrm-sub003/internal/types"
)

// Window bounds the accepted record timestamps relative to a pending call's
// start. Call placement can lag the dispatch instant and log writes can lag
// the call, so the window is asymmetric. Both edges are inclusive.
type Window struct {
	Before         time.Duration // how far before startedAt a record may fall
	After          time.Duration // how far after startedAt a record may fall
	ExactProximity time.Duration // |delta| bound for the exact tier
}

// Correlate produces a confidence-ranked verdict for one record against one
// pending call.
func Correlate(record types.CallLogRecord, pending types.PendingCall, window Window) types.Verdict {
	recNum := NormalizeNumber(record.Number)
	penNum := NormalizeNumber(pending.PhoneNumber)
	if recNum == "" || penNum == "" {
		return types.Verdict{Reason: "empty number"}
	}

	tier, tierReason := matchNumbers(recNum, penNum)
	if tier < 0 {
		return types.Verdict{Reason: "number mismatch"}
	}

	delta := record.Timestamp.Sub(pending.StartedAt)
	if delta < -window.Before || delta > window.After {
		return types.Verdict{Reason: fmt.Sprintf("outside window (delta %s)", delta)}
	}

	confidence := types.ConfidenceLow
	reason := tierReason
	switch tier {
	case 0:
		if abs(delta) <= window.ExactProximity {
			confidence = types.ConfidenceExact
			reason = "full number match, tight time proximity"
		} else {
			confidence = types.ConfidenceHigh
		}
	case 1:
		confidence = types.ConfidenceMedium
	case 2:
		confidence = types.ConfidenceLow
	}

	return types.Verdict{
		Matched:        true,
		Confidence:     confidence,
		Reason:         reason,
		Outcome:        deriveOutcome(record),
		IdempotencyKey: IdempotencyKey(recNum, record.Timestamp, pending.ActionSource, pending.ID),
	}
}

// Best runs every record through Correlate and returns the winning verdict.
// Ties on confidence tier are broken by smallest absolute time delta.
func Best(records []types.CallLogRecord, pending types.PendingCall, window Window) (types.Verdict, bool) {
	var best types.Verdict
	var bestDelta time.Duration
	found := false

	for _, rec := range records {
		v := Correlate(rec, pending, window)
		if !v.Matched {
			continue
		}
		delta := abs(rec.Timestamp.Sub(pending.StartedAt))
		if !found || v.Confidence < best.Confidence ||
			(v.Confidence == best.Confidence && delta < bestDelta) {
			best = v
			bestDelta = delta
			found = true
		}
	}
	return best, found
}

// NormalizeNumber reduces a phone number to its digits-only canonical form
func NormalizeNumber(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// matchNumbers returns the number-match tier: 0 full equality, 1 last-10
// suffix, 2 last-7 suffix, -1 no match.
func matchNumbers(a, b string) (int, string) {
	if a == b {
		return 0, "full number match"
	}
	if suffixEqual(a, b, 10) {
		return 1, "last-10-digit match"
	}
	if suffixEqual(a, b, 7) {
		return 2, "last-7-digit match"
	}
	return -1, ""
}

func suffixEqual(a, b string, n int) bool {
	if len(a) < n || len(b) < n {
		return false
	}
	return a[len(a)-n:] == b[len(b)-n:]
}

// deriveOutcome maps a record's type and duration to a terminal outcome
func deriveOutcome(record types.CallLogRecord) types.CallOutcome {
	outcome := types.CallOutcome{
		Direction:       record.Type,
		DurationSeconds: record.DurationSeconds,
		ResolveMethod:   types.ResolveMethodCallLog,
	}

	switch {
	case record.DurationSeconds > 0:
		// A connected call, regardless of direction
		outcome.Status = types.OutcomeConnected
		endedAt := record.Timestamp.Add(time.Duration(record.DurationSeconds) * time.Second)
		outcome.EndedAt = &endedAt
	case record.Type == types.CallTypeRejected:
		outcome.Status = types.OutcomeRejected
	default:
		// Zero duration without an explicit reject. Some vendors log the
		// unanswered leg of a dispatched call as missed, so missed records
		// correlated against a pending call also land here.
		outcome.Status = types.OutcomeNoAnswer
	}
	return outcome
}

// IdempotencyKey derives a key that is stable across repeated observations of
// the same real-world call. Timestamps are bucketed to 10 seconds: narrow
// enough to distinguish two separate calls to the same number placed a
// little apart, wide enough to absorb log-write jitter for one call.
func IdempotencyKey(normalizedNumber string, timestamp time.Time, source types.ActionSource, pendingID string) string {
	bucket := timestamp.Unix() / 10
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s", normalizedNumber, bucket, source, pendingID)))
	return hex.EncodeToString(sum[:16])
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
