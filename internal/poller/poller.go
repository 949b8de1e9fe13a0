// Package poller runs the long-lived loop against the remote command
// channel. It owns the long-poll / burst / degraded mode switching and hands
// received commands straight to the pending-call registry without
// interpreting call semantics.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/darbyhtml/proficrm-sub003/internal/api"
	"github.com/darbyhtml/proficrm-sub003/internal/correlate"
	"github.com/darbyhtml/proficrm-sub003/internal/health"
	"github.com/darbyhtml/proficrm-sub003/internal/metrics"
	"github.com/darbyhtml/proficrm-sub003/internal/registry"
	"github.com/darbyhtml/proficrm-sub003/internal/types"
)

// Mode is the poller's operating mode
type Mode string

const (
	ModeLongPoll Mode = "long_poll"
	ModeBurst    Mode = "burst"
	ModeDegraded Mode = "degraded"
)

// degradedThreshold is the number of consecutive transport failures that
// trips degraded mode.
const degradedThreshold = 3

// CommandSource pulls commands from the remote channel
type CommandSource interface {
	PullCommand(ctx context.Context, waitSeconds int) (*types.Command, error)
}

// ScanRequester asks the watcher for a scan without doing work inline
type ScanRequester interface {
	RequestScan()
}

// Notifier is told when a command arrives, so high-value telemetry can flush
// immediately.
type Notifier interface {
	CommandReceived()
}

// Options tunes poller behavior
type Options struct {
	PollWait        time.Duration
	BurstInterval   time.Duration
	BurstMaxCycles  int
	BurstMaxElapsed time.Duration
	BurstCooldown   time.Duration
	DegradedBackoff []time.Duration
}

// Poller is the command channel worker
type Poller struct {
	source    CommandSource
	registry  *registry.Registry
	scanner   ScanRequester
	metrics   *metrics.Metrics
	readiness *health.Readiness
	notifier  Notifier
	opts      Options
	logger    zerolog.Logger

	mu         sync.Mutex
	mode       Mode
	lastPollAt time.Time

	// burst accounting
	burstCycles  int
	burstStarted time.Time
	cooldownEnds time.Time

	// degraded accounting
	consecutiveFailures int
	degradedStep        int
}

// New creates a poller. notifier may be nil.
func New(source CommandSource, reg *registry.Registry, scanner ScanRequester,
	m *metrics.Metrics, r *health.Readiness, notifier Notifier, opts Options, logger zerolog.Logger) *Poller {
	if opts.PollWait <= 0 {
		opts.PollWait = 25 * time.Second
	}
	if opts.BurstInterval <= 0 {
		opts.BurstInterval = 3 * time.Second
	}
	if opts.BurstMaxCycles <= 0 {
		opts.BurstMaxCycles = 10
	}
	if opts.BurstMaxElapsed <= 0 {
		opts.BurstMaxElapsed = 45 * time.Second
	}
	if opts.BurstCooldown <= 0 {
		opts.BurstCooldown = 2 * time.Minute
	}
	if len(opts.DegradedBackoff) == 0 {
		opts.DegradedBackoff = []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 5 * time.Minute}
	}
	return &Poller{
		source:    source,
		registry:  reg,
		scanner:   scanner,
		metrics:   m,
		readiness: r,
		notifier:  notifier,
		opts:      opts,
		mode:      ModeLongPoll,
		logger:    logger,
	}
}

// Start runs the polling loop until the context is cancelled. Cancellation
// is checked both before each pull and on its return.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info().
		Dur("poll_wait", p.opts.PollWait).
		Dur("burst_interval", p.opts.BurstInterval).
		Msg("command poller started")

	for {
		if ctx.Err() != nil {
			p.logger.Info().Msg("command poller stopped")
			return
		}
		p.cycle(ctx)
	}
}

// cycle performs one poll in the current mode
func (p *Poller) cycle(ctx context.Context) {
	mode := p.Status().Mode
	p.metrics.RecordPoll(string(mode))

	var wait time.Duration
	var pullWait int
	switch mode {
	case ModeBurst:
		wait = p.opts.BurstInterval
		pullWait = 0
	case ModeDegraded:
		wait = p.degradedWait()
		pullWait = int(p.opts.PollWait.Seconds())
	default:
		wait = 0
		pullWait = int(p.opts.PollWait.Seconds())
	}

	if wait > 0 && !sleep(ctx, wait) {
		return
	}

	cmd, err := p.source.PullCommand(ctx, pullWait)
	p.setLastPoll(time.Now())

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		p.handleError(err)
		return
	}

	p.handleSuccess(ctx, cmd)
}

func (p *Poller) handleError(err error) {
	p.metrics.RecordPollError()

	switch {
	case errors.Is(err, api.ErrRateLimited):
		p.escalateDegraded("rate limited")
	case errors.Is(err, api.ErrUnauthorized):
		p.readiness.SetAuth(false)
		p.escalateDegraded("unauthorized")
	default:
		p.readiness.SetConnectivity(false)
		p.mu.Lock()
		p.consecutiveFailures++
		failures := p.consecutiveFailures
		if p.mode == ModeDegraded && p.degradedStep < len(p.opts.DegradedBackoff)-1 {
			p.degradedStep++
		}
		p.mu.Unlock()

		p.logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("poll failed")
		if failures >= degradedThreshold {
			p.enterDegraded("repeated transport failure")
		}
	}
}

func (p *Poller) handleSuccess(ctx context.Context, cmd *types.Command) {
	p.readiness.SetConnectivity(true)

	p.mu.Lock()
	p.consecutiveFailures = 0
	if p.mode == ModeDegraded {
		p.mode = ModeLongPoll
		p.degradedStep = 0
		p.logger.Info().Msg("command channel recovered, leaving degraded mode")
	}
	p.mu.Unlock()

	if cmd != nil {
		p.handleCommand(ctx, cmd)
		return
	}

	// Empty pull: advance burst accounting.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == ModeBurst {
		p.burstCycles++
		if p.burstCycles >= p.opts.BurstMaxCycles || time.Since(p.burstStarted) >= p.opts.BurstMaxElapsed {
			p.mode = ModeLongPoll
			p.cooldownEnds = time.Now().Add(p.opts.BurstCooldown)
			p.logger.Debug().
				Int("cycles", p.burstCycles).
				Msg("burst window exhausted, entering cooldown")
		}
	}
}

// handleCommand creates the pending entry and hands off. The poller does not
// interpret call semantics.
func (p *Poller) handleCommand(ctx context.Context, cmd *types.Command) {
	p.metrics.RecordCommandReceived()

	call := types.PendingCall{
		ID:           cmd.RequestID,
		PhoneNumber:  correlate.NormalizeNumber(cmd.PhoneNumber),
		StartedAt:    time.Now(),
		State:        types.CallStatePending,
		ActionSource: commandSource(cmd),
	}
	if err := p.registry.Add(ctx, call); err != nil {
		p.logger.Error().Err(err).Str("request_id", cmd.RequestID).Msg("failed to track command")
		return
	}

	p.logger.Info().
		Str("request_id", cmd.RequestID).
		Str("source", string(call.ActionSource)).
		Msg("dispatch command received")

	p.scanner.RequestScan()
	if p.notifier != nil {
		p.notifier.CommandReceived()
	}

	// A genuine new command always re-enters burst, cooldown or not.
	p.mu.Lock()
	p.mode = ModeBurst
	p.burstCycles = 0
	p.burstStarted = time.Now()
	p.mu.Unlock()
}

// RequestBurst asks for burst polling after local user activity. Unlike a
// new command, activity-triggered entry is suppressed during cooldown so a
// feedback loop cannot turn into tight polling.
func (p *Poller) RequestBurst() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Now().Before(p.cooldownEnds) {
		p.logger.Debug().Msg("burst request suppressed by cooldown")
		return
	}
	if p.mode == ModeLongPoll {
		p.mode = ModeBurst
		p.burstCycles = 0
		p.burstStarted = time.Now()
	}
}

func (p *Poller) enterDegraded(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode != ModeDegraded {
		p.mode = ModeDegraded
		p.degradedStep = 0
		p.logger.Warn().Str("reason", reason).Msg("entering degraded polling")
	}
}

// escalateDegraded enters degraded mode, or advances the backoff step when
// polling is already degraded. A sustained rate limit backs off further on
// every cycle instead of retrying at the first interval forever.
func (p *Poller) escalateDegraded(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode != ModeDegraded {
		p.mode = ModeDegraded
		p.degradedStep = 0
		p.logger.Warn().Str("reason", reason).Msg("entering degraded polling")
		return
	}
	if p.degradedStep < len(p.opts.DegradedBackoff)-1 {
		p.degradedStep++
	}
}

func (p *Poller) degradedWait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	step := p.degradedStep
	if step >= len(p.opts.DegradedBackoff) {
		step = len(p.opts.DegradedBackoff) - 1
	}
	return p.opts.DegradedBackoff[step]
}

func (p *Poller) setLastPoll(t time.Time) {
	p.mu.Lock()
	p.lastPollAt = t
	p.mu.Unlock()
}

// Status reports the current mode and last poll time for heartbeats and
// diagnostics.
type Status struct {
	Mode       Mode
	LastPollAt time.Time
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{Mode: p.mode, LastPollAt: p.lastPollAt}
}

// sleep waits for d or until the context is cancelled; returns false on
// cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func commandSource(cmd *types.Command) types.ActionSource {
	if cmd.ActionSource == "" {
		return types.ActionSourceRemoteCommand
	}
	return types.ParseActionSource(cmd.ActionSource)
}
