// Package outbox implements the durable delivery queue for all outbound
// state: call-outcome updates, heartbeats, telemetry batches, and log
// bundles. Items survive restarts and are retried with per-item backoff; an
// item is deleted only after a confirmed successful send.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/darbyhtml/proficrm-sub003/internal/api"
	"github.com/darbyhtml/proficrm-sub003/internal/health"
	"github.com/darbyhtml/proficrm-sub003/internal/metrics"
	"github.com/darbyhtml/proficrm-sub003/internal/store"
	"github.com/darbyhtml/proficrm-sub003/internal/types"
)

// Sender posts payloads to the remote service
type Sender interface {
	Send(ctx context.Context, method, endpoint string, payload []byte) error
}

// Options tunes queue behavior
type Options struct {
	DeviceID           string
	MaxRetries         int
	RetryBackoff       []time.Duration
	StuckAlertInterval time.Duration
	GCHorizon          time.Duration
	FlushInterval      time.Duration
	FlushLimit         int
}

// Queue is the durable outbox
type Queue struct {
	store        *store.Store
	sender       Sender
	metrics      *metrics.Metrics
	readiness    *health.Readiness
	opts         Options
	alertLimiter *rate.Limiter
	logger       zerolog.Logger
}

// New creates a delivery queue backed by the given store and sender
func New(st *store.Store, sender Sender, m *metrics.Metrics, r *health.Readiness, opts Options, logger zerolog.Logger) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if len(opts.RetryBackoff) == 0 {
		opts.RetryBackoff = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
	}
	if opts.StuckAlertInterval <= 0 {
		opts.StuckAlertInterval = 5 * time.Minute
	}
	if opts.GCHorizon <= 0 {
		opts.GCHorizon = 7 * 24 * time.Hour
	}
	if opts.FlushLimit <= 0 {
		opts.FlushLimit = 20
	}
	return &Queue{
		store:        st,
		sender:       sender,
		metrics:      m,
		readiness:    r,
		opts:         opts,
		alertLimiter: rate.NewLimiter(rate.Every(opts.StuckAlertInterval), 1),
		logger:       logger,
	}
}

// Enqueue durably stores an outbound message for delivery
func (q *Queue) Enqueue(ctx context.Context, kind types.ItemKind, endpoint, method string, payload []byte) error {
	item := types.QueueItem{
		ID:        uuid.New().String(),
		Kind:      kind,
		Endpoint:  endpoint,
		Method:    method,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := q.store.InsertQueueItem(ctx, item); err != nil {
		return err
	}
	q.metrics.RecordEnqueued()

	q.logger.Debug().
		Str("item_id", item.ID).
		Str("kind", string(kind)).
		Str("endpoint", endpoint).
		Msg("item enqueued")
	return nil
}

// EnqueueCallUpdate builds the extended outcome payload and enqueues it
func (q *Queue) EnqueueCallUpdate(ctx context.Context, call types.PendingCall, outcome types.CallOutcome) error {
	payload, err := BuildCallUpdate(call, outcome)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, types.KindCallUpdate, EndpointCallOutcome, "POST", payload)
}

// Start runs the periodic flush loop until the context is cancelled
func (q *Queue) Start(ctx context.Context) {
	ticker := time.NewTicker(q.opts.FlushInterval)
	defer ticker.Stop()

	q.logger.Info().Dur("interval", q.opts.FlushInterval).Msg("delivery queue started")

	for {
		select {
		case <-ctx.Done():
			q.logger.Info().Msg("delivery queue stopped")
			return
		case <-ticker.C:
			if _, err := q.Flush(ctx, q.opts.FlushLimit); err != nil {
				q.logger.Error().Err(err).Msg("queue flush failed")
			}
		}
	}
}

// Flush attempts delivery of up to limit eligible items, oldest first, and
// returns the number of confirmed sends. Stuck items and items whose backoff
// has not elapsed are skipped.
func (q *Queue) Flush(ctx context.Context, limit int) (int, error) {
	items, err := q.store.ListQueueItems(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	sent := 0
	attempted := 0
	for i := range items {
		if attempted >= limit {
			break
		}
		item := items[i]
		if item.Stuck || !q.eligible(item, now) {
			continue
		}
		attempted++
		if q.sendItem(ctx, item) {
			sent++
		}
		if ctx.Err() != nil {
			break
		}
	}

	q.afterFlush(ctx, now)
	return sent, nil
}

// eligible reports whether the item's per-retry backoff has elapsed
func (q *Queue) eligible(item types.QueueItem, now time.Time) bool {
	if item.LastRetryAt == nil {
		return true
	}
	return !now.Before(item.LastRetryAt.Add(q.backoffStep(item.RetryCount)))
}

func (q *Queue) backoffStep(retryCount int) time.Duration {
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(q.opts.RetryBackoff) {
		idx = len(q.opts.RetryBackoff) - 1
	}
	return q.opts.RetryBackoff[idx]
}

// sendItem attempts one delivery and applies the error taxonomy. Returns
// true on a confirmed send.
func (q *Queue) sendItem(ctx context.Context, item types.QueueItem) bool {
	err := q.sender.Send(ctx, item.Method, item.Endpoint, item.Payload)
	if err == nil {
		q.confirmSent(ctx, item)
		return true
	}

	switch {
	case errors.Is(err, api.ErrSchemaRejected) && item.Kind == types.KindCallUpdate:
		return q.legacyFallback(ctx, item)

	case errors.Is(err, api.ErrRateLimited) && item.Kind == types.KindTelemetry:
		// Requeuing telemetry during rate limiting would amplify load on an
		// already-degraded service; drop it.
		if delErr := q.store.DeleteQueueItem(ctx, item.ID); delErr != nil {
			q.logger.Error().Err(delErr).Str("item_id", item.ID).Msg("failed to drop telemetry item")
			return false
		}
		q.metrics.RecordDropped()
		q.logger.Warn().Str("item_id", item.ID).Msg("telemetry item dropped on rate limit")
		return false

	case errors.Is(err, api.ErrUnauthorized):
		q.readiness.SetAuth(false)
		q.recordFailure(ctx, item, err)
		return false

	default:
		if api.IsRetryable(err) {
			q.readiness.SetConnectivity(false)
		}
		q.recordFailure(ctx, item, err)
		return false
	}
}

func (q *Queue) confirmSent(ctx context.Context, item types.QueueItem) {
	q.readiness.SetConnectivity(true)
	if err := q.store.DeleteQueueItem(ctx, item.ID); err != nil {
		// The item stays queued and will be resent; history dedupe on the
		// server side absorbs the duplicate.
		q.logger.Error().Err(err).Str("item_id", item.ID).Msg("failed to delete sent item")
		return
	}
	q.metrics.RecordSent()

	if item.Kind == types.KindCallUpdate {
		if id := payloadRequestID(item.Payload); id != "" {
			if err := q.store.MarkHistoryDelivered(ctx, id); err != nil {
				q.logger.Error().Err(err).Str("request_id", id).Msg("failed to mark history delivered")
			}
		}
	}

	q.logger.Debug().
		Str("item_id", item.ID).
		Str("kind", string(item.Kind)).
		Int("retries", item.RetryCount).
		Msg("item delivered")
}

// legacyFallback re-encodes a rejected extended call update in the legacy
// schema and resends it once in place. The extended payload is never retried
// as-is after a schema rejection.
func (q *Queue) legacyFallback(ctx context.Context, item types.QueueItem) bool {
	legacy, ok := downgradePayload(item.Payload)
	if !ok {
		// Already legacy and still rejected; nothing further to downgrade.
		q.logger.Error().Str("item_id", item.ID).Msg("legacy payload rejected by server")
		q.recordFailure(ctx, item, api.ErrSchemaRejected)
		return false
	}

	if err := q.store.ReplaceQueueItemPayload(ctx, item.ID, legacy); err != nil {
		q.logger.Error().Err(err).Str("item_id", item.ID).Msg("failed to store legacy payload")
		return false
	}
	q.metrics.RecordLegacyFallback()
	q.logger.Info().Str("item_id", item.ID).Msg("extended payload rejected, falling back to legacy schema")

	item.Payload = legacy
	if err := q.sender.Send(ctx, item.Method, item.Endpoint, item.Payload); err != nil {
		q.recordFailure(ctx, item, err)
		return false
	}
	q.confirmSent(ctx, item)
	return true
}

// recordFailure advances the retry counter and tags the item stuck once its
// retry budget is exhausted. Stuck items remain queued until GC.
func (q *Queue) recordFailure(ctx context.Context, item types.QueueItem, sendErr error) {
	retryCount := item.RetryCount + 1
	stuck := retryCount >= q.opts.MaxRetries

	if err := q.store.UpdateQueueItemRetry(ctx, item.ID, retryCount, stuck, time.Now()); err != nil {
		q.logger.Error().Err(err).Str("item_id", item.ID).Msg("failed to record retry")
		return
	}
	q.metrics.RecordRetry()

	evt := q.logger.Warn().
		Err(sendErr).
		Str("item_id", item.ID).
		Str("kind", string(item.Kind)).
		Int("retry_count", retryCount)
	if stuck {
		q.metrics.RecordStuck()
		evt.Msg("item exhausted retries, tagged stuck")
	} else {
		evt.Msg("item delivery failed, will retry")
	}
}

// afterFlush updates readiness, emits the rate-limited stuck alert, and
// garbage-collects expired items.
func (q *Queue) afterFlush(ctx context.Context, now time.Time) {
	items, err := q.store.ListQueueItems(ctx)
	if err != nil {
		q.logger.Error().Err(err).Msg("failed to inspect queue after flush")
		return
	}

	var stuck []types.QueueItem
	for _, item := range items {
		if item.Stuck {
			stuck = append(stuck, item)
		}
	}
	q.readiness.SetStuckItems(len(stuck))

	if len(stuck) > 0 && q.alertLimiter.Allow() {
		q.emitStuckAlert(ctx, stuck, now)
	}

	removed, err := q.store.DeleteExpiredQueueItems(ctx, now.Add(-q.opts.GCHorizon), q.opts.MaxRetries)
	if err != nil {
		q.logger.Error().Err(err).Msg("queue gc failed")
	} else if removed > 0 {
		q.logger.Info().Int("removed", removed).Msg("expired queue items garbage-collected")
	}
}

// emitStuckAlert sends one aggregate report describing all stuck items. The
// alert goes out-of-band: it is not itself queued.
func (q *Queue) emitStuckAlert(ctx context.Context, stuck []types.QueueItem, now time.Time) {
	alert := types.StuckAlert{
		DeviceID:  q.opts.DeviceID,
		Total:     len(stuck),
		ByKind:    make(map[types.ItemKind]int),
		Timestamp: now,
	}
	oldest := now
	for _, item := range stuck {
		alert.ByKind[item.Kind]++
		if item.CreatedAt.Before(oldest) {
			oldest = item.CreatedAt
		}
	}
	alert.OldestAgeSecs = int64(now.Sub(oldest).Seconds())

	payload, err := encodeAlert(alert)
	if err != nil {
		q.logger.Error().Err(err).Msg("failed to encode stuck alert")
		return
	}
	if err := q.sender.Send(ctx, "POST", EndpointStuckAlert, payload); err != nil {
		q.logger.Warn().Err(err).Msg("failed to send stuck alert")
		return
	}
	q.metrics.RecordStuckAlert()
	q.logger.Info().
		Int("total", alert.Total).
		Int64("oldest_age_secs", alert.OldestAgeSecs).
		Msg("stuck queue alert sent")
}

// Depth returns the number of queued items (heartbeat/diag helper)
func (q *Queue) Depth(ctx context.Context) int {
	n, err := q.store.CountQueueItems(ctx)
	if err != nil {
		q.logger.Error().Err(err).Msg("failed to count queue items")
		return 0
	}
	return n
}

// Stats summarizes queue contents for the diagnostics server
func (q *Queue) Stats(ctx context.Context) (map[string]any, error) {
	items, err := q.store.ListQueueItems(ctx)
	if err != nil {
		return nil, err
	}
	byKind := make(map[types.ItemKind]int)
	stuckCount := 0
	for _, item := range items {
		byKind[item.Kind]++
		if item.Stuck {
			stuckCount++
		}
	}
	return map[string]any{
		"depth":   len(items),
		"stuck":   stuckCount,
		"by_kind": byKind,
	}, nil
}
