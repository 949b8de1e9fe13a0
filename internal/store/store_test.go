package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/darbyhtml/proficrm-sub003/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPendingCallRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	call := types.PendingCall{
		ID:           "req-1",
		PhoneNumber:  "79991234567",
		StartedAt:    time.Now().UTC().Truncate(time.Millisecond),
		State:        types.CallStatePending,
		ActionSource: types.ActionSourceRemoteCommand,
	}
	if err := s.UpsertPendingCall(ctx, call); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	calls, err := s.ListPendingCalls(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	got := calls[0]
	if got.ID != call.ID || got.PhoneNumber != call.PhoneNumber ||
		got.State != call.State || got.ActionSource != call.ActionSource {
		t.Errorf("round trip mismatch: %+v vs %+v", got, call)
	}
	if !got.StartedAt.Equal(call.StartedAt) {
		t.Errorf("startedAt mismatch: %v vs %v", got.StartedAt, call.StartedAt)
	}

	// Upsert with a new state replaces the row instead of duplicating it.
	call.State = types.CallStateResolving
	call.Attempts = 2
	if err := s.UpsertPendingCall(ctx, call); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	calls, err = s.ListPendingCalls(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 call after upsert, got %d", len(calls))
	}
	if calls[0].State != types.CallStateResolving || calls[0].Attempts != 2 {
		t.Errorf("upsert did not update row: %+v", calls[0])
	}

	if err := s.DeletePendingCall(ctx, call.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	calls, _ = s.ListPendingCalls(ctx)
	if len(calls) != 0 {
		t.Errorf("expected empty table after delete, got %d rows", len(calls))
	}
}

func TestQueueItemLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	items := []types.QueueItem{
		{ID: "q-2", Kind: types.KindHeartbeat, Endpoint: "/v2/heartbeat", Method: "POST", Payload: []byte(`{}`), CreatedAt: base.Add(time.Second)},
		{ID: "q-1", Kind: types.KindCallUpdate, Endpoint: "/v2/calls/outcome", Method: "POST", Payload: []byte(`{"a":1}`), CreatedAt: base},
	}
	for _, it := range items {
		if err := s.InsertQueueItem(ctx, it); err != nil {
			t.Fatalf("insert %s: %v", it.ID, err)
		}
	}

	got, err := s.ListQueueItems(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	// Oldest created first.
	if got[0].ID != "q-1" || got[1].ID != "q-2" {
		t.Errorf("expected creation order q-1, q-2; got %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].LastRetryAt != nil {
		t.Errorf("fresh item should have nil lastRetryAt")
	}

	retryAt := base.Add(5 * time.Second)
	if err := s.UpdateQueueItemRetry(ctx, "q-1", 3, true, retryAt); err != nil {
		t.Fatalf("update retry: %v", err)
	}
	got, _ = s.ListQueueItems(ctx)
	if got[0].RetryCount != 3 || !got[0].Stuck {
		t.Errorf("retry update not persisted: %+v", got[0])
	}
	if got[0].LastRetryAt == nil || !got[0].LastRetryAt.Equal(retryAt) {
		t.Errorf("lastRetryAt mismatch: %v", got[0].LastRetryAt)
	}

	if err := s.ReplaceQueueItemPayload(ctx, "q-1", []byte(`{"b":2}`)); err != nil {
		t.Fatalf("replace payload: %v", err)
	}
	got, _ = s.ListQueueItems(ctx)
	if string(got[0].Payload) != `{"b":2}` {
		t.Errorf("payload not replaced: %s", got[0].Payload)
	}

	if err := s.UpdateQueueItemRetry(ctx, "missing", 1, false, base); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing item, got %v", err)
	}

	if err := s.DeleteQueueItem(ctx, "q-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	n, err := s.CountQueueItems(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 remaining item, got %d", n)
	}
}

func TestQueueOrderWithinOneSecond(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// 500ms serializes shorter than 510ms under a trailing-zero-trimming
	// layout and would sort after it as text. The stored layout is fixed
	// width, so created_at stays chronological.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	items := []types.QueueItem{
		{ID: "q-later", Kind: types.KindTelemetry, Endpoint: "/v2/telemetry/batch", Method: "POST", Payload: []byte(`{}`), CreatedAt: base.Add(510 * time.Millisecond)},
		{ID: "q-earlier", Kind: types.KindTelemetry, Endpoint: "/v2/telemetry/batch", Method: "POST", Payload: []byte(`{}`), CreatedAt: base.Add(500 * time.Millisecond)},
	}
	for _, it := range items {
		if err := s.InsertQueueItem(ctx, it); err != nil {
			t.Fatalf("insert %s: %v", it.ID, err)
		}
	}

	got, err := s.ListQueueItems(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0].ID != "q-earlier" || got[1].ID != "q-later" {
		t.Errorf("sub-second order broken: %s, %s", got[0].ID, got[1].ID)
	}
	if !got[0].CreatedAt.Equal(base.Add(500 * time.Millisecond)) {
		t.Errorf("createdAt round trip mismatch: %v", got[0].CreatedAt)
	}
}

func TestDeleteExpiredQueueItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	fresh := time.Now().UTC()
	seed := []types.QueueItem{
		{ID: "old-exhausted", Kind: types.KindTelemetry, Endpoint: "/t", Method: "POST", Payload: []byte(`{}`), RetryCount: 3, CreatedAt: old},
		{ID: "old-retryable", Kind: types.KindTelemetry, Endpoint: "/t", Method: "POST", Payload: []byte(`{}`), RetryCount: 1, CreatedAt: old},
		{ID: "fresh-exhausted", Kind: types.KindTelemetry, Endpoint: "/t", Method: "POST", Payload: []byte(`{}`), RetryCount: 3, CreatedAt: fresh},
	}
	for _, it := range seed {
		if err := s.InsertQueueItem(ctx, it); err != nil {
			t.Fatalf("insert %s: %v", it.ID, err)
		}
	}

	removed, err := s.DeleteExpiredQueueItems(ctx, time.Now().UTC().Add(-7*24*time.Hour), 3)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	items, _ := s.ListQueueItems(ctx)
	for _, it := range items {
		if it.ID == "old-exhausted" {
			t.Error("old exhausted item should have been collected")
		}
	}
	if len(items) != 2 {
		t.Errorf("expected 2 survivors, got %d", len(items))
	}
}

func TestHistoryUpsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	entry := types.HistoryEntry{
		ID:            "req-9",
		PhoneNumber:   "79991234567",
		Status:        types.OutcomeConnected,
		Direction:     types.CallTypeOutgoing,
		DurationSeconds: 42,
		StartedAt:     now.Add(-time.Minute),
		ResolveMethod: types.ResolveMethodCallLog,
		ActionSource:  types.ActionSourceRemoteCommand,
		Delivered:     true,
		ResolvedAt:    now,
	}
	if err := s.UpsertHistoryEntry(ctx, entry); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// A second resolution of the same request id updates in place and must
	// not clear the delivered flag.
	second := entry
	second.Status = types.OutcomeUnknown
	second.ResolveMethod = types.ResolveMethodTimeout
	second.ResolveReason = "timeout"
	second.Delivered = false
	if err := s.UpsertHistoryEntry(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	n, err := s.CountHistoryEntries(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 history row, got %d", n)
	}
	got, err := s.GetHistoryEntry(ctx, "req-9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.OutcomeUnknown || got.ResolveReason != "timeout" {
		t.Errorf("second upsert not applied: %+v", got)
	}
	if !got.Delivered {
		t.Error("delivered flag must survive re-upsert")
	}
}

func TestMarkHistoryDelivered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := types.HistoryEntry{
		ID:            "req-10",
		PhoneNumber:   "79991234567",
		Status:        types.OutcomeNoAnswer,
		Direction:     types.CallTypeOutgoing,
		StartedAt:     time.Now().UTC(),
		ResolveMethod: types.ResolveMethodCallLog,
		ActionSource:  types.ActionSourceManualDial,
		ResolvedAt:    time.Now().UTC(),
	}
	if err := s.UpsertHistoryEntry(ctx, entry); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.MarkHistoryDelivered(ctx, "req-10"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	got, err := s.GetHistoryEntry(ctx, "req-10")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Delivered {
		t.Error("expected delivered after mark")
	}

	if _, err := s.GetHistoryEntry(ctx, "no-such"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReopenPreservesData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	call := types.PendingCall{
		ID:          "req-11",
		PhoneNumber: "79991234567",
		StartedAt:   time.Now().UTC(),
		State:       types.CallStatePending,
	}
	if err := s.UpsertPendingCall(ctx, call); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	calls, err := s2.ListPendingCalls(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(calls) != 1 || calls[0].ID != "req-11" {
		t.Errorf("data lost across reopen: %+v", calls)
	}
}
