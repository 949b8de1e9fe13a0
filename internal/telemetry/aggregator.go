// Package telemetry batches low-priority metric events and flushes them
// directly over the transport, independent of the delivery queue.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/darbyhtml/proficrm-sub003/internal/api"
	"github.com/darbyhtml/proficrm-sub003/internal/metrics"
	"github.com/darbyhtml/proficrm-sub003/internal/types"
)

// Sender posts payloads to the remote service
type Sender interface {
	Send(ctx context.Context, method, endpoint string, payload []byte) error
}

const batchEndpoint = "/v2/telemetry/batch"

// Options tunes aggregator behavior
type Options struct {
	DeviceID      string
	BufferSize    int
	FlushInterval time.Duration
}

// Aggregator buffers telemetry items until a flush trigger fires: the buffer
// reaches its size threshold, the timer since the last flush elapses, or a
// high-value event forces a flush.
type Aggregator struct {
	sender  Sender
	metrics *metrics.Metrics
	opts    Options
	logger  zerolog.Logger

	mu     sync.Mutex
	buffer []types.TelemetryItem

	force chan struct{}
}

func New(sender Sender, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Aggregator {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 25
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Minute
	}
	return &Aggregator{
		sender:  sender,
		metrics: m,
		opts:    opts,
		logger:  logger,
		force:   make(chan struct{}, 1),
	}
}

// Record buffers one telemetry item, forcing a flush when the buffer reaches
// its threshold.
func (a *Aggregator) Record(item types.TelemetryItem) {
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}

	a.mu.Lock()
	a.buffer = append(a.buffer, item)
	full := len(a.buffer) >= a.opts.BufferSize
	a.mu.Unlock()

	if full {
		a.ForceFlush()
	}
}

// ForceFlush requests an immediate flush, cancelling any pending timer
// flush. Safe from any goroutine.
func (a *Aggregator) ForceFlush() {
	select {
	case a.force <- struct{}{}:
	default:
	}
}

// CallResolved implements the watcher's notifier: a resolution is a
// high-value event worth flushing for.
func (a *Aggregator) CallResolved() {
	a.Record(types.TelemetryItem{Type: "call_resolved"})
	a.ForceFlush()
}

// CommandReceived implements the poller's notifier
func (a *Aggregator) CommandReceived() {
	a.Record(types.TelemetryItem{Type: "command_received"})
	a.ForceFlush()
}

// Start runs the flush loop until the context is cancelled. A forced flush
// reschedules the timer.
func (a *Aggregator) Start(ctx context.Context) {
	timer := time.NewTimer(a.opts.FlushInterval)
	defer timer.Stop()

	a.logger.Info().Dur("interval", a.opts.FlushInterval).Msg("telemetry aggregator started")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("telemetry aggregator stopped")
			return
		case <-timer.C:
			a.Flush(ctx)
			timer.Reset(a.opts.FlushInterval)
		case <-a.force:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			a.Flush(ctx)
			timer.Reset(a.opts.FlushInterval)
		}
	}
}

// Flush sends the buffered items as one batch. On transport failure the
// batch is returned to the buffer for the next attempt; on rate limiting it
// is dropped to avoid amplifying load.
func (a *Aggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	batch := a.buffer
	a.buffer = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	payload, err := json.Marshal(types.TelemetryBatch{
		DeviceID: a.opts.DeviceID,
		Items:    batch,
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to marshal telemetry batch")
		return
	}

	if err := a.sender.Send(ctx, "POST", batchEndpoint, payload); err != nil {
		if errors.Is(err, api.ErrRateLimited) {
			a.metrics.RecordDropped()
			a.logger.Warn().Int("items", len(batch)).Msg("telemetry batch dropped on rate limit")
			return
		}
		a.logger.Warn().Err(err).Int("items", len(batch)).Msg("telemetry flush failed, rebuffering")
		a.mu.Lock()
		a.buffer = append(batch, a.buffer...)
		a.mu.Unlock()
		return
	}

	a.metrics.RecordTelemetryFlush(len(batch))
	a.logger.Debug().Int("items", len(batch)).Msg("telemetry batch flushed")
}
