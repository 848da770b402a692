// Package outbox provides the durable local queue of not-yet-confirmed
// writes: data mutations and deferred AI requests. Rows are persisted in an
// embedded SQLite database before the enqueue call returns, which is what
// makes the engine safe against a crash immediately after Mutate().
//
// The store is the only shared mutable resource in the engine; all access is
// serialized through its transactional interface (sole-writer via
// SetMaxOpenConns(1)), so callers never need a lock around it.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit caps the WAL file at 64 MiB.
const walJournalSizeLimit = 67108864

// Store persists queued mutations and AI requests in SQLite. One store per
// project; the database file is project-scoped and opened by the engine's
// Start.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the outbox database at dbPath, applies
// migrations, and returns a ready Store. Use ":memory:" for tests. Any
// failure here is fatal to the engine: it must refuse to start rather than
// silently run without durability.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening outbox database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("outbox: open sqlite: %w", err)
	}

	// Sole-writer: a single connection avoids SQLITE_BUSY between the
	// enqueue path and the dispatcher's status transitions.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// setPragmas configures SQLite for WAL mode and full durability. The
// synchronous=FULL setting is what guarantees an enqueue survives a crash
// the instant the INSERT returns.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("outbox: set pragma %s: %w", p.desc, err)
		}
	}

	return nil
}

// Close releases the database handle. Safe to call more than once.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnqueueMutation validates and durably persists a data mutation, returning
// its ID. The row is on disk before this returns.
func (s *Store) EnqueueMutation(
	ctx context.Context, key EntityKey, op Operation, payload json.RawMessage, projectID string,
) (int64, error) {
	if err := ValidateMutation(key, op, payload); err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO mutations
			(entity_table, entity_row, operation, payload, project_id, created_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.Table, key.RowID, string(op), []byte(payload), projectID,
		time.Now().UnixNano(), StatusPending)
	if err != nil {
		return 0, fmt.Errorf("outbox: enqueue mutation %s: %w", key, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("outbox: enqueue mutation last insert ID: %w", err)
	}

	return id, nil
}

// EnqueueAIRequest validates and durably persists a deferred AI request.
// Idempotent on requestKey: if a row with the same key already exists
// (in any status), its ID is returned and nothing is inserted.
func (s *Store) EnqueueAIRequest(
	ctx context.Context, requestKey string, payload json.RawMessage, projectID string,
) (int64, error) {
	if err := ValidateAIRequest(requestKey, payload); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("outbox: enqueue AI request begin: %w", err)
	}
	defer tx.Rollback()

	var existing int64

	err = tx.QueryRowContext(ctx,
		`SELECT id FROM ai_requests WHERE request_key = ?`, requestKey).Scan(&existing)
	if err == nil {
		// Collapse to the existing entry; the rollback is a no-op.
		return existing, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("outbox: enqueue AI request lookup %q: %w", requestKey, err)
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO ai_requests (request_key, payload, project_id, created_at, status)
		 VALUES (?, ?, ?, ?, ?)`,
		requestKey, []byte(payload), projectID, time.Now().UnixNano(), StatusPending)
	if err != nil {
		return 0, fmt.Errorf("outbox: enqueue AI request %q: %w", requestKey, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("outbox: enqueue AI request last insert ID: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("outbox: enqueue AI request commit: %w", err)
	}

	return id, nil
}

// PeekMutations returns up to limit pending mutations in dispatch order:
// sorted by (entity key, id) so the dispatcher naturally preserves per-key
// causal order when draining across many keys.
//
// A pending row is excluded while an earlier row for the same key is still
// in_flight or failed — a stuck entry blocks exactly its own key's later
// entries, never unrelated keys.
func (s *Store) PeekMutations(ctx context.Context, limit int) ([]Mutation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_table, entity_row, operation, payload, project_id,
			created_at, status, retry_count, last_error
		 FROM mutations p
		 WHERE p.status = ?
		   AND NOT EXISTS (
			SELECT 1 FROM mutations b
			WHERE b.entity_table = p.entity_table
			  AND b.entity_row = p.entity_row
			  AND b.id < p.id
			  AND b.status IN (?, ?)
		   )
		 ORDER BY p.entity_table, p.entity_row, p.id
		 LIMIT ?`,
		StatusPending, StatusInFlight, StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: peek mutations: %w", err)
	}
	defer rows.Close()

	var result []Mutation

	for rows.Next() {
		m, scanErr := scanMutation(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterating mutation rows: %w", err)
	}

	return result, nil
}

// PeekAIRequests returns up to limit pending AI requests in enqueue order.
// AI requests have no cross-key ordering requirement, so a plain id sort
// suffices.
func (s *Store) PeekAIRequests(ctx context.Context, limit int) ([]AIRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_key, payload, project_id, created_at, status,
			retry_count, last_error
		 FROM ai_requests
		 WHERE status = ?
		 ORDER BY id
		 LIMIT ?`, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: peek AI requests: %w", err)
	}
	defer rows.Close()

	var result []AIRequest

	for rows.Next() {
		r, scanErr := scanAIRequest(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterating AI request rows: %w", err)
	}

	return result, nil
}

// MarkInFlight transitions a pending mutation to in_flight before the
// dispatcher submits it. The status guard makes double-dispatch a visible
// error instead of a silent duplicate.
func (s *Store) MarkInFlight(ctx context.Context, id int64) error {
	return s.transition(ctx, "mutations", id, StatusPending, StatusInFlight, "")
}

// MarkApplied transitions an in_flight mutation to applied. Applied rows
// are garbage-collected at the end of the cycle by GC.
func (s *Store) MarkApplied(ctx context.Context, id int64) error {
	return s.transition(ctx, "mutations", id, StatusInFlight, StatusApplied, "")
}

// MarkRetry returns an in_flight mutation to pending after a transient
// failure, incrementing its retry count. Returns the new count so the
// policy can escalate past the retry ceiling.
func (s *Store) MarkRetry(ctx context.Context, id int64, errMsg string) (int, error) {
	return s.retry(ctx, "mutations", id, errMsg)
}

// MarkFailed transitions a mutation to failed. Terminal: failed rows are
// never retried, and block later mutations for the same entity key until
// cleared.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return s.transition(ctx, "mutations", id, StatusInFlight, StatusFailed, errMsg)
}

// MarkAIInFlight transitions a pending AI request to in_flight.
func (s *Store) MarkAIInFlight(ctx context.Context, id int64) error {
	return s.transition(ctx, "ai_requests", id, StatusPending, StatusInFlight, "")
}

// MarkAICompleted transitions an in_flight AI request to completed.
func (s *Store) MarkAICompleted(ctx context.Context, id int64) error {
	return s.transition(ctx, "ai_requests", id, StatusInFlight, StatusCompleted, "")
}

// MarkAIRetry returns an in_flight AI request to pending, incrementing its
// retry count.
func (s *Store) MarkAIRetry(ctx context.Context, id int64, errMsg string) (int, error) {
	return s.retry(ctx, "ai_requests", id, errMsg)
}

// MarkAIFailed transitions an AI request to failed.
func (s *Store) MarkAIFailed(ctx context.Context, id int64, errMsg string) error {
	return s.transition(ctx, "ai_requests", id, StatusInFlight, StatusFailed, errMsg)
}

// transition performs a guarded status update: the row must currently be in
// the from status or the call fails with rows=0.
func (s *Store) transition(ctx context.Context, table string, id int64, from, to, errMsg string) error {
	var result sql.Result

	var err error

	if errMsg != "" {
		result, err = s.db.ExecContext(ctx,
			`UPDATE `+table+` SET status = ?, last_error = ?, claimed_at = NULL
			 WHERE id = ? AND status = ?`, to, errMsg, id, from)
	} else if to == StatusInFlight {
		result, err = s.db.ExecContext(ctx,
			`UPDATE `+table+` SET status = ?, claimed_at = ?
			 WHERE id = ? AND status = ?`, to, time.Now().UnixNano(), id, from)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE `+table+` SET status = ?, claimed_at = NULL
			 WHERE id = ? AND status = ?`, to, id, from)
	}

	if err != nil {
		return fmt.Errorf("outbox: %s %d -> %s: %w", table, id, to, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("outbox: %s %d rows affected: %w", table, id, rowsErr)
	}

	if rows == 0 {
		return fmt.Errorf("outbox: %s %d -> %s: row not %s", table, id, to, from)
	}

	return nil
}

// retry returns an in_flight row to pending and bumps retry_count, reading
// back the new count in the same transaction.
func (s *Store) retry(ctx context.Context, table string, id int64, errMsg string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("outbox: %s retry begin: %w", table, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE `+table+`
		 SET status = ?, retry_count = retry_count + 1, last_error = ?, claimed_at = NULL
		 WHERE id = ? AND status = ?`, StatusPending, errMsg, id, StatusInFlight)
	if err != nil {
		return 0, fmt.Errorf("outbox: %s retry %d: %w", table, id, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return 0, fmt.Errorf("outbox: %s retry %d rows affected: %w", table, id, rowsErr)
	}

	if rows == 0 {
		return 0, fmt.Errorf("outbox: %s retry %d: row not %s", table, id, StatusInFlight)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT retry_count FROM `+table+` WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("outbox: %s retry %d read count: %w", table, id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("outbox: %s retry commit: %w", table, err)
	}

	return count, nil
}

// CountPending returns the number of not-yet-delivered mutations and AI
// requests (pending plus in_flight). Feeds the engine's observable state.
func (s *Store) CountPending(ctx context.Context) (mutations, aiRequests int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations WHERE status IN (?, ?)`,
		StatusPending, StatusInFlight).Scan(&mutations)
	if err != nil {
		return 0, 0, fmt.Errorf("outbox: count pending mutations: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ai_requests WHERE status IN (?, ?)`,
		StatusPending, StatusInFlight).Scan(&aiRequests)
	if err != nil {
		return 0, 0, fmt.Errorf("outbox: count pending AI requests: %w", err)
	}

	return mutations, aiRequests, nil
}

// FailedMutations returns all terminally failed mutations for diagnostics.
// They stay in the outbox, with last_error, until explicitly cleared.
func (s *Store) FailedMutations(ctx context.Context) ([]Mutation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_table, entity_row, operation, payload, project_id,
			created_at, status, retry_count, last_error
		 FROM mutations WHERE status = ? ORDER BY id`, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("outbox: list failed mutations: %w", err)
	}
	defer rows.Close()

	var result []Mutation

	for rows.Next() {
		m, scanErr := scanMutation(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterating failed mutation rows: %w", err)
	}

	return result, nil
}

// FailedAIRequests returns all terminally failed AI requests.
func (s *Store) FailedAIRequests(ctx context.Context) ([]AIRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_key, payload, project_id, created_at, status,
			retry_count, last_error
		 FROM ai_requests WHERE status = ? ORDER BY id`, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("outbox: list failed AI requests: %w", err)
	}
	defer rows.Close()

	var result []AIRequest

	for rows.Next() {
		r, scanErr := scanAIRequest(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterating failed AI request rows: %w", err)
	}

	return result, nil
}

// ClearFailed deletes all failed rows from both queues, unblocking any
// entity keys they were holding. This is the manual clear surfaced by the
// CLI after the user has inspected the failures.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	var total int64

	for _, table := range []string{"mutations", "ai_requests"} {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE status = ?`, StatusFailed)
		if err != nil {
			return total, fmt.Errorf("outbox: clear failed %s: %w", table, err)
		}

		n, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return total, fmt.Errorf("outbox: clear failed %s rows affected: %w", table, rowsErr)
		}

		total += n
	}

	return total, nil
}

// GC deletes applied mutations and completed AI requests. Called at the end
// of each sync cycle, after their outcomes have been acknowledged.
func (s *Store) GC(ctx context.Context) (int64, error) {
	var total int64

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM mutations WHERE status = ?`, StatusApplied)
	if err != nil {
		return 0, fmt.Errorf("outbox: gc applied mutations: %w", err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return 0, fmt.Errorf("outbox: gc rows affected: %w", rowsErr)
	}

	total += n

	result, err = s.db.ExecContext(ctx,
		`DELETE FROM ai_requests WHERE status = ?`, StatusCompleted)
	if err != nil {
		return total, fmt.Errorf("outbox: gc completed AI requests: %w", err)
	}

	n, rowsErr = result.RowsAffected()
	if rowsErr != nil {
		return total, fmt.Errorf("outbox: gc rows affected: %w", rowsErr)
	}

	return total + n, nil
}

// ReclaimInFlight returns all in_flight rows to pending. Called once at
// engine start: any row still in_flight was orphaned by a crash mid-cycle.
// The remote may have already accepted the write, so delivery becomes
// at-least-once — remote operations are idempotent per entity key.
func (s *Store) ReclaimInFlight(ctx context.Context) (int64, error) {
	var total int64

	for _, table := range []string{"mutations", "ai_requests"} {
		result, err := s.db.ExecContext(ctx,
			`UPDATE `+table+` SET status = ?, claimed_at = NULL WHERE status = ?`,
			StatusPending, StatusInFlight)
		if err != nil {
			return total, fmt.Errorf("outbox: reclaim in_flight %s: %w", table, err)
		}

		n, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return total, fmt.Errorf("outbox: reclaim rows affected: %w", rowsErr)
		}

		total += n
	}

	if total > 0 {
		s.logger.Warn("reclaimed in-flight outbox rows after restart",
			slog.Int64("count", total),
		)
	}

	return total, nil
}

// RequeueStale returns in_flight rows claimed before cutoff to pending.
// A row can be stranded in_flight for the life of the process when the
// local write recording its outcome fails; without this it would block its
// entity key until the next restart. The dispatcher runs this at the start
// of each cycle — cycles are single-flight, so a claim old enough to cross
// the cutoff cannot belong to a live submission.
func (s *Store) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64

	for _, table := range []string{"mutations", "ai_requests"} {
		result, err := s.db.ExecContext(ctx,
			`UPDATE `+table+` SET status = ?, claimed_at = NULL
			 WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
			StatusPending, StatusInFlight, cutoff.UnixNano())
		if err != nil {
			return total, fmt.Errorf("outbox: requeue stale %s: %w", table, err)
		}

		n, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return total, fmt.Errorf("outbox: requeue stale rows affected: %w", rowsErr)
		}

		total += n
	}

	if total > 0 {
		s.logger.Warn("requeued stale in-flight outbox rows",
			slog.Int64("count", total),
		)
	}

	return total, nil
}

// scanMutation scans a single mutations row.
func scanMutation(rows *sql.Rows) (*Mutation, error) {
	var (
		m         Mutation
		opStr     string
		payload   []byte
		createdAt int64
		lastError sql.NullString
	)

	err := rows.Scan(&m.ID, &m.Key.Table, &m.Key.RowID, &opStr, &payload,
		&m.ProjectID, &createdAt, &m.Status, &m.RetryCount, &lastError)
	if err != nil {
		return nil, fmt.Errorf("outbox: scanning mutation row: %w", err)
	}

	op, err := ParseOperation(opStr)
	if err != nil {
		return nil, err
	}

	m.Op = op
	m.Payload = payload
	m.CreatedAt = time.Unix(0, createdAt)
	m.LastError = lastError.String

	return &m, nil
}

// scanAIRequest scans a single ai_requests row.
func scanAIRequest(rows *sql.Rows) (*AIRequest, error) {
	var (
		r         AIRequest
		payload   []byte
		createdAt int64
		lastError sql.NullString
	)

	err := rows.Scan(&r.ID, &r.RequestKey, &payload, &r.ProjectID,
		&createdAt, &r.Status, &r.RetryCount, &lastError)
	if err != nil {
		return nil, fmt.Errorf("outbox: scanning AI request row: %w", err)
	}

	r.Payload = payload
	r.CreatedAt = time.Unix(0, createdAt)
	r.LastError = lastError.String

	return &r, nil
}
