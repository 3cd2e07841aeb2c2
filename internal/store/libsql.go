package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/gantry/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/gantry.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Control Events ---

// AppendEvent inserts one event row. Sequence assignment lives in EventLog;
// direct callers must set Sequence themselves.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO control_events (event_id, execution_id, workflow_id, event_type, action, from_state, to_state, requested_by, payload, sequence, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.ExecutionID, nullStr(event.WorkflowID), event.Type,
		nullStr(event.Action), nullStr(event.FromState), nullStr(event.ToState),
		nullStr(event.RequestedBy), nullRaw(event.Payload), event.Sequence, event.OccurredAt,
	)
	return err
}

// GetEvents returns events for an execution with sequence > since, ordered by
// sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, execution_id, workflow_id, event_type, action, from_state, to_state, requested_by, payload, sequence, occurred_at
		 FROM control_events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns events of a specific type matching the filter,
// newest first.
func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*EventRecord, error) {
	query := `SELECT id, event_id, execution_id, workflow_id, event_type, action, from_state, to_state, requested_by, payload, sequence, occurred_at
		 FROM control_events WHERE event_type = ?`
	args := []any{eventType}

	if filter.ExecutionID != "" {
		query += " AND execution_id = ?"
		args = append(args, filter.ExecutionID)
	}
	if !filter.Since.IsZero() {
		query += " AND occurred_at >= ?"
		args = append(args, filter.Since)
	}
	query += " ORDER BY occurred_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*EventRecord, error) {
	var events []*EventRecord
	for rows.Next() {
		e := &EventRecord{}
		var workflowID, action, fromState, toState, requestedBy, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.EventID, &e.ExecutionID, &workflowID, &e.Type,
			&action, &fromState, &toState, &requestedBy, &payload, &e.Sequence, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.WorkflowID = workflowID.String
		e.Action = action.String
		e.FromState = fromState.String
		e.ToState = toState.String
		e.RequestedBy = requestedBy.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Archived Executions ---

func (s *LibSQLStore) ArchiveExecution(ctx context.Context, archived *ArchivedExecution) error {
	if len(archived.Context) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "archived execution has no context payload")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO archived_executions (execution_id, workflow_id, source, final_state, context, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   workflow_id=excluded.workflow_id, source=excluded.source,
		   final_state=excluded.final_state, context=excluded.context, archived_at=excluded.archived_at`,
		archived.ExecutionID, nullStr(archived.WorkflowID), nullStr(archived.Source),
		archived.FinalState, string(archived.Context), timeOrNow(archived.ArchivedAt),
	)
	return err
}

func (s *LibSQLStore) GetArchivedExecution(ctx context.Context, executionID string) (*ArchivedExecution, error) {
	a := &ArchivedExecution{}
	var workflowID, source sql.NullString
	var contextJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, workflow_id, source, final_state, context, archived_at
		 FROM archived_executions WHERE execution_id = ?`, executionID,
	).Scan(&a.ExecutionID, &workflowID, &source, &a.FinalState, &contextJSON, &a.ArchivedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("archived execution", executionID)
	}
	if err != nil {
		return nil, err
	}
	a.WorkflowID = workflowID.String
	a.Source = source.String
	a.Context = json.RawMessage(contextJSON)
	return a, nil
}

func (s *LibSQLStore) ListArchivedExecutions(ctx context.Context, filter ArchiveFilter) ([]*ArchivedExecution, error) {
	query := `SELECT execution_id, workflow_id, source, final_state, context, archived_at FROM archived_executions`
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.FinalState != "" {
		where = append(where, "final_state = ?")
		args = append(args, filter.FinalState)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY archived_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ArchivedExecution
	for rows.Next() {
		a := &ArchivedExecution{}
		var workflowID, source sql.NullString
		var contextJSON string
		if err := rows.Scan(&a.ExecutionID, &workflowID, &source, &a.FinalState, &contextJSON, &a.ArchivedAt); err != nil {
			return nil, err
		}
		a.WorkflowID = workflowID.String
		a.Source = source.String
		a.Context = json.RawMessage(contextJSON)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Archived Checkpoints ---

func (s *LibSQLStore) ArchiveCheckpoint(ctx context.Context, cp *ArchivedCheckpoint) error {
	if len(cp.Snapshot) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "archived checkpoint has no snapshot payload")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO archived_checkpoints (checkpoint_id, execution_id, description, snapshot, digest, created_at, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(checkpoint_id) DO NOTHING`,
		cp.CheckpointID, cp.ExecutionID, nullStr(cp.Description), string(cp.Snapshot),
		nullStr(cp.Digest), timeOrNow(cp.CreatedAt), timeOrNow(cp.ArchivedAt),
	)
	return err
}

func (s *LibSQLStore) ListArchivedCheckpoints(ctx context.Context, executionID string) ([]*ArchivedCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_id, execution_id, description, snapshot, digest, created_at, archived_at
		 FROM archived_checkpoints WHERE execution_id = ? ORDER BY created_at ASC`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ArchivedCheckpoint
	for rows.Next() {
		cp := &ArchivedCheckpoint{}
		var description, digest sql.NullString
		var snapshotJSON string
		if err := rows.Scan(&cp.CheckpointID, &cp.ExecutionID, &description, &snapshotJSON, &digest, &cp.CreatedAt, &cp.ArchivedAt); err != nil {
			return nil, err
		}
		cp.Description = description.String
		cp.Digest = digest.String
		cp.Snapshot = json.RawMessage(snapshotJSON)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// --- Operators ---

func (s *LibSQLStore) RegisterOperator(ctx context.Context, op *Operator) error {
	metadata, err := nullableJSON(op.Metadata)
	if err != nil {
		return fmt.Errorf("marshal operator metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO operators (id, name, type, metadata, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, metadata=excluded.metadata`,
		op.ID, op.Name, op.Type, metadata, timeOrNow(op.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetOperator(ctx context.Context, id string) (*Operator, error) {
	op := &Operator{}
	var metadata sql.NullString
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, metadata, created_at, last_seen_at FROM operators WHERE id = ?`, id,
	).Scan(&op.ID, &op.Name, &op.Type, &metadata, &op.CreatedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("operator", id)
	}
	if err != nil {
		return nil, err
	}
	op.Metadata = rawOrNil(metadata)
	if lastSeen.Valid {
		op.LastSeenAt = &lastSeen.Time
	}
	return op, nil
}

func (s *LibSQLStore) UpdateOperatorSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE operators SET last_seen_at = CURRENT_TIMESTAMP WHERE id = ?`, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "operator", id)
}

func (s *LibSQLStore) ListOperators(ctx context.Context) ([]*Operator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, metadata, created_at, last_seen_at FROM operators ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Operator
	for rows.Next() {
		op := &Operator{}
		var metadata sql.NullString
		var lastSeen sql.NullTime
		if err := rows.Scan(&op.ID, &op.Name, &op.Type, &metadata, &op.CreatedAt, &lastSeen); err != nil {
			return nil, err
		}
		op.Metadata = rawOrNil(metadata)
		if lastSeen.Valid {
			op.LastSeenAt = &lastSeen.Time
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// --- Credentials ---

func (s *LibSQLStore) StoreCredential(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (key, value, created_at, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetCredential(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credential", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteCredential(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "credential", key)
}

func (s *LibSQLStore) ListCredentials(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM credentials ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ControlError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return string(raw), nil
}
