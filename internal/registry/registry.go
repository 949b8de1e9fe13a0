// Package registry tracks calls whose outcome is not yet known. The in-memory
// map is the working copy; every mutation is mirrored to the sqlite
// pending_calls table before the mutex releases, so registry state survives
// process restarts.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/darbyhtml/proficrm-sub003/internal/correlate"
	"github.com/darbyhtml/proficrm-sub003/internal/store"
	"github.com/darbyhtml/proficrm-sub003/internal/types"
)

// Registry is the durable store of pending calls
type Registry struct {
	calls  map[string]*types.PendingCall
	store  *store.Store
	mu     sync.Mutex
	logger zerolog.Logger
}

// New creates a Registry backed by the given store
func New(st *store.Store, logger zerolog.Logger) *Registry {
	return &Registry{
		calls:  make(map[string]*types.PendingCall),
		store:  st,
		logger: logger,
	}
}

// Load rebuilds the in-memory index from the pending_calls table. Call once
// at startup before any worker runs.
func (r *Registry) Load(ctx context.Context) error {
	calls, err := r.store.ListPendingCalls(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range calls {
		c := calls[i]
		// A claim taken before a crash never completed; hand the entry back
		// to the resolvers.
		if c.State == types.CallStateResolving {
			c.State = types.CallStatePending
			if err := r.store.UpsertPendingCall(ctx, c); err != nil {
				return err
			}
		}
		r.calls[c.ID] = &c
	}

	r.logger.Info().Int("pending", len(r.calls)).Msg("pending call registry loaded")
	return nil
}

// Add inserts a pending call. Adding an id that already exists is a no-op.
func (r *Registry) Add(ctx context.Context, call types.PendingCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.ID]; exists {
		r.logger.Debug().Str("request_id", call.ID).Msg("pending call already tracked")
		return nil
	}
	if call.State == "" {
		call.State = types.CallStatePending
	}
	if err := r.store.UpsertPendingCall(ctx, call); err != nil {
		return err
	}
	r.calls[call.ID] = &call

	r.logger.Debug().
		Str("request_id", call.ID).
		Str("source", string(call.ActionSource)).
		Msg("pending call added")
	return nil
}

// AddLocal creates an entry for a call initiated on the device itself
// (manual dial, history redial, notification tap) with a generated id.
func (r *Registry) AddLocal(ctx context.Context, phoneNumber string, source types.ActionSource) (string, error) {
	id := uuid.New().String()
	err := r.Add(ctx, types.PendingCall{
		ID:           id,
		PhoneNumber:  correlate.NormalizeNumber(phoneNumber),
		StartedAt:    time.Now(),
		State:        types.CallStatePending,
		ActionSource: source,
	})
	return id, err
}

// Get returns a copy of the call with the given id
func (r *Registry) Get(id string) (types.PendingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[id]
	if !ok {
		return types.PendingCall{}, false
	}
	return *c, true
}

// ListActive returns copies of every call in pending or resolving state
func (r *Registry) ListActive() []types.PendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := make([]types.PendingCall, 0, len(r.calls))
	for _, c := range r.calls {
		if c.Active() {
			active = append(active, *c)
		}
	}
	return active
}

// TryClaim atomically transitions the call from pending to resolving and
// increments its attempt counter. Exactly one concurrent caller observes
// true; everyone else must abandon their resolution attempt.
func (r *Registry) TryClaim(ctx context.Context, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[id]
	if !ok || c.State != types.CallStatePending {
		return false
	}

	updated := *c
	updated.State = types.CallStateResolving
	updated.Attempts++
	if err := r.store.UpsertPendingCall(ctx, updated); err != nil {
		r.logger.Error().Err(err).Str("request_id", id).Msg("failed to persist claim")
		return false
	}
	*c = updated

	r.logger.Debug().
		Str("request_id", id).
		Int("attempts", c.Attempts).
		Msg("pending call claimed")
	return true
}

// SetState transitions the call to the given state
func (r *Registry) SetState(ctx context.Context, id string, state types.CallState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[id]
	if !ok {
		return store.ErrNotFound
	}
	updated := *c
	updated.State = state
	if err := r.store.UpsertPendingCall(ctx, updated); err != nil {
		return err
	}
	*c = updated
	return nil
}

// Remove deletes the call from the registry and its durable mirror
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[id]; !ok {
		return nil
	}
	if err := r.store.DeletePendingCall(ctx, id); err != nil {
		return err
	}
	delete(r.calls, id)
	return nil
}

// ExpireOlderThan transitions every active call started before the threshold
// to failed and returns the affected ids for downstream unknown-outcome
// handling.
func (r *Registry) ExpireOlderThan(ctx context.Context, age time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-age)
	var expired []string
	for id, c := range r.calls {
		if !c.Active() || !c.StartedAt.Before(cutoff) {
			continue
		}
		updated := *c
		updated.State = types.CallStateFailed
		if err := r.store.UpsertPendingCall(ctx, updated); err != nil {
			r.logger.Error().Err(err).Str("request_id", id).Msg("failed to persist expiry")
			continue
		}
		*c = updated
		expired = append(expired, id)
	}

	if len(expired) > 0 {
		r.logger.Info().
			Int("expired", len(expired)).
			Dur("age", age).
			Msg("pending calls expired")
	}
	return expired
}

// Size returns the number of tracked calls (diag helper)
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
