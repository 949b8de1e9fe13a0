// Package store provides the sqlite-backed local persistence layer: the
// pending-calls mirror, the durable outbox, and the call history table. All
// three survive process restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/darbyhtml/proficrm-sub003/internal/types"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and applies
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- pending calls ---

// UpsertPendingCall writes the full row for a pending call
func (s *Store) UpsertPendingCall(ctx context.Context, call types.PendingCall) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pending_calls(id, phone_number, started_at, state, attempts, action_source)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	phone_number=excluded.phone_number,
	started_at=excluded.started_at,
	state=excluded.state,
	attempts=excluded.attempts,
	action_source=excluded.action_source
`, call.ID, call.PhoneNumber, ts(call.StartedAt), string(call.State), call.Attempts, string(call.ActionSource))
	if err != nil {
		return fmt.Errorf("upsert pending call: %w", err)
	}
	return nil
}

func (s *Store) DeletePendingCall(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_calls WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete pending call: %w", err)
	}
	return nil
}

// ListPendingCalls returns every persisted pending call, oldest first
func (s *Store) ListPendingCalls(ctx context.Context) ([]types.PendingCall, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, phone_number, started_at, state, attempts, action_source
FROM pending_calls ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending calls: %w", err)
	}
	defer rows.Close()

	var calls []types.PendingCall
	for rows.Next() {
		var c types.PendingCall
		var startedAt, state, source string
		if err := rows.Scan(&c.ID, &c.PhoneNumber, &startedAt, &state, &c.Attempts, &source); err != nil {
			return nil, fmt.Errorf("scan pending call: %w", err)
		}
		c.StartedAt, err = parseTS(startedAt)
		if err != nil {
			return nil, fmt.Errorf("pending call %s: %w", c.ID, err)
		}
		c.State = types.ParseCallState(state)
		c.ActionSource = types.ParseActionSource(source)
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// --- outbox ---

func (s *Store) InsertQueueItem(ctx context.Context, item types.QueueItem) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO outbox(id, kind, endpoint, method, payload, retry_count, stuck, created_at, last_retry_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, item.ID, string(item.Kind), item.Endpoint, item.Method, item.Payload,
		item.RetryCount, boolToInt(item.Stuck), ts(item.CreatedAt), nullableTS(item.LastRetryAt))
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// ListQueueItems returns outbox rows oldest-created first
func (s *Store) ListQueueItems(ctx context.Context) ([]types.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, endpoint, method, payload, retry_count, stuck, created_at, last_retry_at
FROM outbox ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var items []types.QueueItem
	for rows.Next() {
		var it types.QueueItem
		var kind, createdAt string
		var stuck int
		var lastRetry sql.NullString
		if err := rows.Scan(&it.ID, &kind, &it.Endpoint, &it.Method, &it.Payload,
			&it.RetryCount, &stuck, &createdAt, &lastRetry); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		it.Kind = types.ItemKind(kind)
		it.Stuck = stuck != 0
		it.CreatedAt, err = parseTS(createdAt)
		if err != nil {
			return nil, fmt.Errorf("queue item %s: %w", it.ID, err)
		}
		if lastRetry.Valid {
			t, err := parseTS(lastRetry.String)
			if err != nil {
				return nil, fmt.Errorf("queue item %s: %w", it.ID, err)
			}
			it.LastRetryAt = &t
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// UpdateQueueItemRetry records a failed send attempt
func (s *Store) UpdateQueueItemRetry(ctx context.Context, id string, retryCount int, stuck bool, lastRetryAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE outbox SET retry_count = ?, stuck = ?, last_retry_at = ? WHERE id = ?`,
		retryCount, boolToInt(stuck), ts(lastRetryAt), id)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceQueueItemPayload swaps an item's payload in place (legacy re-encode)
func (s *Store) ReplaceQueueItemPayload(ctx context.Context, id string, payload []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE outbox SET payload = ? WHERE id = ?`, payload, id)
	if err != nil {
		return fmt.Errorf("replace queue item payload: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}
	return nil
}

// DeleteExpiredQueueItems garbage-collects items older than horizon that have
// exhausted their retries. Returns the number of rows removed.
func (s *Store) DeleteExpiredQueueItems(ctx context.Context, olderThan time.Time, maxRetries int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE created_at < ? AND retry_count >= ?`,
		ts(olderThan), maxRetries)
	if err != nil {
		return 0, fmt.Errorf("gc queue items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountQueueItems returns the number of outbox rows
func (s *Store) CountQueueItems(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue items: %w", err)
	}
	return n, nil
}

// --- history ---

// UpsertHistoryEntry writes a history row keyed by request id. A second
// resolution of the same id overwrites the first rather than duplicating it.
func (s *Store) UpsertHistoryEntry(ctx context.Context, e types.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO history(id, phone_number, status, direction, duration_seconds, started_at,
	ended_at, resolve_method, resolve_reason, action_source, delivered, resolved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status=excluded.status,
	direction=excluded.direction,
	duration_seconds=excluded.duration_seconds,
	ended_at=excluded.ended_at,
	resolve_method=excluded.resolve_method,
	resolve_reason=excluded.resolve_reason,
	resolved_at=excluded.resolved_at
`, e.ID, e.PhoneNumber, string(e.Status), string(e.Direction), e.DurationSeconds,
		ts(e.StartedAt), nullableTS(e.EndedAt), string(e.ResolveMethod), e.ResolveReason,
		string(e.ActionSource), boolToInt(e.Delivered), ts(e.ResolvedAt))
	if err != nil {
		return fmt.Errorf("upsert history entry: %w", err)
	}
	return nil
}

func (s *Store) MarkHistoryDelivered(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE history SET delivered = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark history delivered: %w", err)
	}
	return nil
}

func (s *Store) GetHistoryEntry(ctx context.Context, id string) (*types.HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, phone_number, status, direction, duration_seconds, started_at,
	ended_at, resolve_method, resolve_reason, action_source, delivered, resolved_at
FROM history WHERE id = ?`, id)

	var e types.HistoryEntry
	var status, direction, method, source, startedAt, resolvedAt string
	var reason, endedAt sql.NullString
	var delivered int
	err := row.Scan(&e.ID, &e.PhoneNumber, &status, &direction, &e.DurationSeconds,
		&startedAt, &endedAt, &method, &reason, &source, &delivered, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get history entry: %w", err)
	}
	e.Status = types.OutcomeStatus(status)
	e.Direction = types.ParseCallType(direction)
	e.ResolveMethod = types.ResolveMethod(method)
	e.ResolveReason = reason.String
	e.ActionSource = types.ParseActionSource(source)
	e.Delivered = delivered != 0
	if e.StartedAt, err = parseTS(startedAt); err != nil {
		return nil, fmt.Errorf("history entry %s: %w", id, err)
	}
	if e.ResolvedAt, err = parseTS(resolvedAt); err != nil {
		return nil, fmt.Errorf("history entry %s: %w", id, err)
	}
	if endedAt.Valid {
		t, err := parseTS(endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("history entry %s: %w", id, err)
		}
		e.EndedAt = &t
	}
	return &e, nil
}

// CountHistoryEntries returns the number of history rows (test/diag helper)
func (s *Store) CountHistoryEntries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

// --- helpers ---

// tsLayout is fixed-width so the textual ORDER BY on timestamp columns
// sorts chronologically. RFC3339Nano trims trailing zeros, which breaks
// string ordering within a second.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
