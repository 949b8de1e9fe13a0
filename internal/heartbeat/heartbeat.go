// Package heartbeat periodically enqueues device liveness reports through
// the delivery queue.
package heartbeat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/darbyhtml/proficrm-sub003/internal/outbox"
	"github.com/darbyhtml/proficrm-sub003/internal/poller"
	"github.com/darbyhtml/proficrm-sub003/internal/types"
)

// Loop emits heartbeats on a fixed interval
type Loop struct {
	queue    *outbox.Queue
	poller   *poller.Poller
	deviceID string
	interval time.Duration
	started  time.Time
	logger   zerolog.Logger
}

func New(queue *outbox.Queue, p *poller.Poller, deviceID string, interval time.Duration, logger zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Loop{
		queue:    queue,
		poller:   p,
		deviceID: deviceID,
		interval: interval,
		started:  time.Now(),
		logger:   logger,
	}
}

// Start runs the heartbeat loop until the context is cancelled
func (l *Loop) Start(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info().Dur("interval", l.interval).Msg("heartbeat loop started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("heartbeat loop stopped")
			return
		case <-ticker.C:
			l.beat(ctx)
		}
	}
}

func (l *Loop) beat(ctx context.Context) {
	status := l.poller.Status()
	hb := types.Heartbeat{
		DeviceID:   l.deviceID,
		Timestamp:  time.Now(),
		PollMode:   string(status.Mode),
		LastPollAt: status.LastPollAt,
		QueueDepth: l.queue.Depth(ctx),
		UptimeSecs: int64(time.Since(l.started).Seconds()),
	}

	payload, err := json.Marshal(hb)
	if err != nil {
		l.logger.Error().Err(err).Msg("failed to marshal heartbeat")
		return
	}
	if err := l.queue.Enqueue(ctx, types.KindHeartbeat, outbox.EndpointHeartbeat, "POST", payload); err != nil {
		l.logger.Error().Err(err).Msg("failed to enqueue heartbeat")
	}
}
