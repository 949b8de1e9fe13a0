// Package watcher drives call-outcome resolution: it reacts to scan requests
// and a periodic trigger, queries the call log for each active pending call,
// correlates the evidence, and pushes confirmed outcomes into the delivery
// queue. A separate sweep bounds how long a call can stay unresolved.
package watcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/darbyhtml/proficrm-sub003/internal/calllog"
	"github.com/darbyhtml/proficrm-sub003/internal/correlate"
	"github.com/darbyhtml/proficrm-sub003/internal/health"
	"github.com/darbyhtml/proficrm-sub003/internal/metrics"
	"github.com/darbyhtml/proficrm-sub003/internal/registry"
	"github.com/darbyhtml/proficrm-sub003/internal/store"
	"github.com/darbyhtml/proficrm-sub003/internal/types"
)

// Notifier is told when a call resolves, so high-value telemetry can flush
// immediately.
type Notifier interface {
	CallResolved()
}

// OutcomeQueue accepts resolved call outcomes for reliable delivery.
type OutcomeQueue interface {
	EnqueueCallUpdate(ctx context.Context, call types.PendingCall, outcome types.CallOutcome) error
}

// Options tunes watcher behavior
type Options struct {
	Window         correlate.Window
	ScanInterval   time.Duration
	SweepInterval  time.Duration
	ResolveTimeout time.Duration
}

// Watcher correlates call-log evidence against pending calls
type Watcher struct {
	registry  *registry.Registry
	provider  calllog.Provider
	queue     OutcomeQueue
	store     *store.Store
	metrics   *metrics.Metrics
	readiness *health.Readiness
	notifier  Notifier
	opts      Options

	// scanRequests is a bounded signal queue: change notifications enqueue a
	// request rather than scanning inline, and one worker consumes them.
	scanRequests chan struct{}

	suspended     bool
	everHadAccess bool

	logger zerolog.Logger
}

// New creates a watcher. notifier may be nil.
func New(reg *registry.Registry, provider calllog.Provider, queue OutcomeQueue, st *store.Store,
	m *metrics.Metrics, r *health.Readiness, notifier Notifier, opts Options, logger zerolog.Logger) *Watcher {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 20 * time.Minute
	}
	return &Watcher{
		registry:     reg,
		provider:     provider,
		queue:        queue,
		store:        st,
		metrics:      m,
		readiness:    r,
		notifier:     notifier,
		opts:         opts,
		scanRequests: make(chan struct{}, 1),
		logger:       logger,
	}
}

// RequestScan signals the worker loop to scan soon. Safe to call from any
// goroutine; a request is dropped if one is already queued.
func (w *Watcher) RequestScan() {
	select {
	case w.scanRequests <- struct{}{}:
	default:
	}
}

// Start runs the scan and sweep loops until the context is cancelled
func (w *Watcher) Start(ctx context.Context) {
	scanTicker := time.NewTicker(w.opts.ScanInterval)
	defer scanTicker.Stop()
	sweepTicker := time.NewTicker(w.opts.SweepInterval)
	defer sweepTicker.Stop()

	w.logger.Info().
		Dur("scan_interval", w.opts.ScanInterval).
		Dur("resolve_timeout", w.opts.ResolveTimeout).
		Msg("call event watcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("call event watcher stopped")
			return
		case <-w.scanRequests:
			w.Scan(ctx)
		case <-scanTicker.C:
			w.Scan(ctx)
		case <-sweepTicker.C:
			w.Sweep(ctx)
		}
	}
}

// Scan runs one correlation pass over every active pending call
func (w *Watcher) Scan(ctx context.Context) {
	if w.suspended {
		// Probe for restored access with a cheap query; stay suspended while
		// the log remains unreadable.
		now := time.Now()
		if _, err := w.provider.Query(ctx, now.Add(-time.Minute), now); err != nil {
			return
		}
		w.markAccess()
	}

	active := w.registry.ListActive()
	if len(active) == 0 {
		return
	}
	w.metrics.RecordScan()

	for _, pending := range active {
		if ctx.Err() != nil {
			return
		}

		from := pending.StartedAt.Add(-w.opts.Window.Before)
		to := pending.StartedAt.Add(w.opts.Window.After)
		records, err := w.provider.Query(ctx, from, to)
		if errors.Is(err, calllog.ErrAccessDenied) {
			w.handleAccessDenied(ctx, active)
			return
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				w.logger.Error().Err(err).Str("request_id", pending.ID).Msg("call log query failed")
				w.metrics.RecordScanError()
			}
			continue
		}
		w.markAccess()

		verdict, found := correlate.Best(records, pending, w.opts.Window)
		if !found {
			continue
		}
		w.resolve(ctx, pending.ID, verdict)
	}
}

// resolve runs the claim, enqueue, remove protocol for a matched verdict.
// The claim grants exclusive resolution rights; once taken, the remaining
// steps complete even if the worker is being cancelled.
func (w *Watcher) resolve(ctx context.Context, id string, verdict types.Verdict) {
	if !w.registry.TryClaim(ctx, id) {
		// Another path owns this resolution; expected, not an error.
		return
	}
	// A taken claim must finish its enqueue and removal.
	ctx = context.WithoutCancel(ctx)

	claimed, ok := w.registry.Get(id)
	if !ok {
		return
	}
	w.metrics.RecordMatch(verdict.Confidence.String())

	w.logger.Info().
		Str("request_id", id).
		Str("confidence", verdict.Confidence.String()).
		Str("status", string(verdict.Outcome.Status)).
		Str("reason", verdict.Reason).
		Str("idempotency_key", verdict.IdempotencyKey).
		Msg("pending call matched")

	w.finishResolution(ctx, claimed, verdict.Outcome)
}

// finishResolution writes history, enqueues the outcome, and retires the
// registry entry. History is keyed by request id, so a racing second
// resolution of the same call collapses into one row.
func (w *Watcher) finishResolution(ctx context.Context, call types.PendingCall, outcome types.CallOutcome) {
	entry := types.HistoryEntry{
		ID:              call.ID,
		PhoneNumber:     call.PhoneNumber,
		Status:          outcome.Status,
		Direction:       outcome.Direction,
		DurationSeconds: outcome.DurationSeconds,
		StartedAt:       call.StartedAt,
		EndedAt:         outcome.EndedAt,
		ResolveMethod:   outcome.ResolveMethod,
		ResolveReason:   outcome.ResolveReason,
		ActionSource:    call.ActionSource,
		ResolvedAt:      time.Now(),
	}
	if err := w.store.UpsertHistoryEntry(ctx, entry); err != nil {
		w.logger.Error().Err(err).Str("request_id", call.ID).Msg("failed to write history entry")
	}

	if err := w.queue.EnqueueCallUpdate(ctx, call, outcome); err != nil {
		// Put the entry back in pending so a later scan or sweep retries the
		// enqueue. History is keyed by id, so re-resolution is idempotent.
		w.logger.Error().Err(err).Str("request_id", call.ID).Msg("failed to enqueue outcome")
		if stateErr := w.registry.SetState(ctx, call.ID, types.CallStatePending); stateErr != nil {
			w.logger.Error().Err(stateErr).Str("request_id", call.ID).Msg("failed to reset call state")
		}
		return
	}

	if err := w.registry.SetState(ctx, call.ID, types.CallStateResolved); err != nil {
		w.logger.Error().Err(err).Str("request_id", call.ID).Msg("failed to mark resolved")
	}
	if err := w.registry.Remove(ctx, call.ID); err != nil {
		w.logger.Error().Err(err).Str("request_id", call.ID).Msg("failed to remove resolved call")
	}

	w.metrics.RecordOutcome(string(outcome.Status))
	if w.notifier != nil {
		w.notifier.CallResolved()
	}
}

// handleAccessDenied resolves every active pending call to unknown and
// suspends scanning. Losing log access mid-flight is normal operation, not a
// failure: the user can revoke the permission at any time.
func (w *Watcher) handleAccessDenied(ctx context.Context, active []types.PendingCall) {
	reason := types.ReasonPermissionMissing
	if w.everHadAccess {
		reason = types.ReasonPermissionRevoked
	}

	if !w.suspended {
		w.suspended = true
		w.readiness.SetPermission(false)
		w.metrics.RecordPermissionDenied()
		w.logger.Warn().
			Str("reason", reason).
			Int("active", len(active)).
			Msg("call log access denied, suspending scans")
	}

	ctx = context.WithoutCancel(ctx)
	for _, pending := range active {
		if !w.registry.TryClaim(ctx, pending.ID) {
			continue
		}
		claimed, ok := w.registry.Get(pending.ID)
		if !ok {
			continue
		}
		w.finishResolution(ctx, claimed, types.CallOutcome{
			Status:        types.OutcomeUnknown,
			ResolveMethod: types.ResolveMethodCallLog,
			ResolveReason: reason,
		})
	}
}

// markAccess records a successful call log read, resuming scans if they were
// suspended.
func (w *Watcher) markAccess() {
	w.everHadAccess = true
	if w.suspended {
		w.suspended = false
		w.readiness.SetPermission(true)
		w.logger.Info().Msg("call log access restored, resuming scans")
	} else {
		w.readiness.SetPermission(true)
	}
}

// Sweep expires active pending calls older than the resolve timeout and
// reports them as unknown. ExpireOlderThan transitions each entry to failed
// atomically and returns every id exactly once, which grants the sweep the
// same exclusivity a claim would.
func (w *Watcher) Sweep(ctx context.Context) {
	expired := w.registry.ExpireOlderThan(ctx, w.opts.ResolveTimeout)
	if len(expired) == 0 {
		return
	}
	w.metrics.RecordExpired(len(expired))

	ctx = context.WithoutCancel(ctx)
	for _, id := range expired {
		call, ok := w.registry.Get(id)
		if !ok {
			continue
		}
		w.logger.Info().
			Str("request_id", id).
			Time("started_at", call.StartedAt).
			Msg("pending call expired without a match")

		w.finishResolution(ctx, call, types.CallOutcome{
			Status:        types.OutcomeUnknown,
			ResolveMethod: types.ResolveMethodTimeout,
			ResolveReason: types.ReasonTimeout,
		})
	}
}
