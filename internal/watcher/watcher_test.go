package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/darbyhtml/proficrm-sub003/internal/calllog"
	"github.com/darbyhtml/proficrm-sub003/internal/correlate"
	"github.com/darbyhtml/proficrm-sub003/internal/health"
	"github.com/darbyhtml/proficrm-sub003/internal/metrics"
	"github.com/darbyhtml/proficrm-sub003/internal/outbox"
	"github.com/darbyhtml/proficrm-sub003/internal/registry"
	"github.com/darbyhtml/proficrm-sub003/internal/store"
	"github.com/darbyhtml/proficrm-sub003/internal/types"
)

// fakeProvider serves a fixed record set, honoring the query range, and can
// be switched to deny access.
type fakeProvider struct {
	records []types.CallLogRecord
	denied  bool
	queries int
}

func (f *fakeProvider) Query(_ context.Context, from, to time.Time) ([]types.CallLogRecord, error) {
	f.queries++
	if f.denied {
		return nil, calllog.ErrAccessDenied
	}
	var out []types.CallLogRecord
	for _, r := range f.records {
		if r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

type okSender struct{}

func (okSender) Send(context.Context, string, string, []byte) error { return nil }

type countingNotifier struct{ resolved int }

func (n *countingNotifier) CallResolved() { n.resolved++ }

type harness struct {
	watcher  *Watcher
	registry *registry.Registry
	store    *store.Store
	queue    *outbox.Queue
	provider *fakeProvider
	ready    *health.Readiness
	notifier *countingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "watcher.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m := metrics.New()
	ready := health.New()
	ready.SetAuth(true)
	ready.SetPermission(true)
	ready.SetConnectivity(true)
	reg := registry.New(st, zerolog.Nop())
	queue := outbox.New(st, okSender{}, m, ready, outbox.Options{}, zerolog.Nop())
	provider := &fakeProvider{}
	notifier := &countingNotifier{}

	w := New(reg, provider, queue, st, m, ready, notifier, Options{
		Window: correlate.Window{
			Before:         2 * time.Minute,
			After:          15 * time.Minute,
			ExactProximity: 90 * time.Second,
		},
		ResolveTimeout: 20 * time.Minute,
	}, zerolog.Nop())

	return &harness{watcher: w, registry: reg, store: st, queue: queue, provider: provider, ready: ready, notifier: notifier}
}

func (h *harness) addPending(t *testing.T, id, number string, startedAt time.Time) {
	t.Helper()
	err := h.registry.Add(context.Background(), types.PendingCall{
		ID:           id,
		PhoneNumber:  number,
		StartedAt:    startedAt,
		State:        types.CallStatePending,
		ActionSource: types.ActionSourceRemoteCommand,
	})
	if err != nil {
		t.Fatalf("add pending: %v", err)
	}
}

func TestScanResolvesMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()

	h.addPending(t, "req-1", "79991234567", now.Add(-time.Minute))
	h.provider.records = []types.CallLogRecord{{
		Number:          "+79991234567",
		Type:            types.CallTypeOutgoing,
		DurationSeconds: 30,
		Timestamp:       now.Add(-30 * time.Second),
	}}

	h.watcher.Scan(ctx)

	if h.registry.Size() != 0 {
		t.Errorf("resolved call should leave the registry, size %d", h.registry.Size())
	}
	if depth := h.queue.Depth(ctx); depth != 1 {
		t.Errorf("expected 1 queued outcome, got %d", depth)
	}
	entry, err := h.store.GetHistoryEntry(ctx, "req-1")
	if err != nil {
		t.Fatalf("history entry missing: %v", err)
	}
	if entry.Status != types.OutcomeConnected || entry.ResolveMethod != types.ResolveMethodCallLog {
		t.Errorf("unexpected history entry: %+v", entry)
	}
	if entry.Delivered {
		t.Error("outcome not yet sent, delivered must be false")
	}
	if h.notifier.resolved != 1 {
		t.Errorf("expected 1 resolution notification, got %d", h.notifier.resolved)
	}
}

func TestScanNoMatchLeavesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addPending(t, "req-2", "79991234567", time.Now())
	h.provider.records = []types.CallLogRecord{{
		Number:    "5550001",
		Type:      types.CallTypeOutgoing,
		Timestamp: time.Now(),
	}}

	h.watcher.Scan(ctx)

	got, ok := h.registry.Get("req-2")
	if !ok {
		t.Fatal("unmatched call vanished from registry")
	}
	if got.State != types.CallStatePending {
		t.Errorf("unmatched call should stay pending, got %s", got.State)
	}
	if depth := h.queue.Depth(ctx); depth != 0 {
		t.Errorf("nothing should be queued, got %d", depth)
	}
}

func TestAccessDeniedResolvesAllUnknown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()

	h.addPending(t, "req-3", "111", now)
	h.addPending(t, "req-4", "222", now)
	h.provider.denied = true

	h.watcher.Scan(ctx)

	if h.registry.Size() != 0 {
		t.Fatalf("all calls should resolve on access denial, %d left", h.registry.Size())
	}
	for _, id := range []string{"req-3", "req-4"} {
		entry, err := h.store.GetHistoryEntry(ctx, id)
		if err != nil {
			t.Fatalf("history for %s: %v", id, err)
		}
		if entry.Status != types.OutcomeUnknown {
			t.Errorf("%s should be unknown, got %s", id, entry.Status)
		}
		if entry.ResolveReason != types.ReasonPermissionMissing {
			t.Errorf("%s reason should be permission_missing (never had access), got %q", id, entry.ResolveReason)
		}
	}
	if h.ready.Snapshot().Permission {
		t.Error("permission readiness should drop on denial")
	}

	// Scans stay suspended while access is denied: only the cheap probe runs.
	before := h.provider.queries
	h.addPending(t, "req-5", "333", time.Now())
	h.watcher.Scan(ctx)
	if h.provider.queries != before+1 {
		t.Errorf("suspended scan should only probe once, queries %d -> %d", before, h.provider.queries)
	}
	if h.registry.Size() != 1 {
		t.Error("pending call must survive a suspended scan")
	}

	// Restored access resumes scanning on the next pass.
	h.provider.denied = false
	h.watcher.Scan(ctx)
	if !h.ready.Snapshot().Permission {
		t.Error("permission readiness should recover once the log is readable")
	}
}

func TestAccessRevokedReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A successful pass first, so the watcher has seen the log readable.
	h.addPending(t, "req-6", "79991234567", time.Now())
	h.watcher.Scan(ctx)

	h.provider.denied = true
	h.watcher.Scan(ctx)

	entry, err := h.store.GetHistoryEntry(ctx, "req-6")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if entry.ResolveReason != types.ReasonPermissionRevoked {
		t.Errorf("expected permission_revoked after prior access, got %q", entry.ResolveReason)
	}
}

func TestSweepExpiresToUnknown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addPending(t, "req-7", "79991234567", time.Now().Add(-30*time.Minute))
	h.addPending(t, "req-8", "79991234567", time.Now())

	h.watcher.Sweep(ctx)

	if _, ok := h.registry.Get("req-7"); ok {
		t.Error("expired call should be removed")
	}
	if _, ok := h.registry.Get("req-8"); !ok {
		t.Error("fresh call must survive the sweep")
	}

	entry, err := h.store.GetHistoryEntry(ctx, "req-7")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if entry.Status != types.OutcomeUnknown ||
		entry.ResolveMethod != types.ResolveMethodTimeout ||
		entry.ResolveReason != types.ReasonTimeout {
		t.Errorf("unexpected expiry entry: %+v", entry)
	}
	if depth := h.queue.Depth(ctx); depth != 1 {
		t.Errorf("expired outcome should be queued, got depth %d", depth)
	}
}

// flakyQueue fails a configured number of enqueues, then delegates.
type flakyQueue struct {
	inner    *outbox.Queue
	failures int
}

func (f *flakyQueue) EnqueueCallUpdate(ctx context.Context, call types.PendingCall, outcome types.CallOutcome) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("enqueue unavailable")
	}
	return f.inner.EnqueueCallUpdate(ctx, call, outcome)
}

func TestSweepRetriesAfterEnqueueFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	flaky := &flakyQueue{inner: h.queue, failures: 1}
	w := New(h.registry, h.provider, flaky, h.store, metrics.New(), h.ready, h.notifier, Options{
		ResolveTimeout: 20 * time.Minute,
	}, zerolog.Nop())

	h.addPending(t, "req-9", "79991234567", time.Now().Add(-30*time.Minute))

	w.Sweep(ctx)

	got, ok := h.registry.Get("req-9")
	if !ok {
		t.Fatal("call must stay registered when the enqueue fails")
	}
	if got.State != types.CallStatePending {
		t.Errorf("failed enqueue should put the call back in pending, got %s", got.State)
	}
	if depth := h.queue.Depth(ctx); depth != 0 {
		t.Errorf("nothing should be queued yet, got depth %d", depth)
	}

	// The next sweep picks the same call up again and delivers the outcome.
	w.Sweep(ctx)

	if _, ok := h.registry.Get("req-9"); ok {
		t.Error("call should be removed once the outcome is queued")
	}
	if depth := h.queue.Depth(ctx); depth != 1 {
		t.Errorf("expected 1 queued outcome, got depth %d", depth)
	}
	entry, err := h.store.GetHistoryEntry(ctx, "req-9")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if entry.Status != types.OutcomeUnknown || entry.ResolveReason != types.ReasonTimeout {
		t.Errorf("unexpected expiry entry: %+v", entry)
	}
}

func TestRequestScanCoalesces(t *testing.T) {
	h := newHarness(t)

	// Burst of notifications collapses into a single queued request.
	for i := 0; i < 10; i++ {
		h.watcher.RequestScan()
	}
	if got := len(h.watcher.scanRequests); got != 1 {
		t.Errorf("expected 1 coalesced scan request, got %d", got)
	}
}
