package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store implementation: the document-store
// reference backing for the store interface. FlowRecord, being a nested struct of
// SafeValues, is stored as a single JSON document per row; every indexed
// field used for filtering is also projected into its own column so the
// database can index and filter on it without deserializing the document.
//
// Designed for:
//   - Single-process hosts wanting durability with zero external setup
//   - Development and local reproduction of crash/resume scenarios
//
// Enables WAL journal mode; the pool holds a single connection, so reads
// (including Recovery's periodic scans) and writes are still serialized.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store at
// path. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return s, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS flows (
	flow_id TEXT PRIMARY KEY,
	flow_kind TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	status TEXT NOT NULL,
	pause_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	version INTEGER NOT NULL,
	document TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_flows_status ON flows(status);
CREATE INDEX IF NOT EXISTS idx_flows_principal ON flows(principal_id);
CREATE INDEX IF NOT EXISTS idx_flows_correlation ON flows(correlation_id);
CREATE INDEX IF NOT EXISTS idx_flows_kind ON flows(flow_kind);
CREATE INDEX IF NOT EXISTS idx_flows_created ON flows(created_at);
CREATE INDEX IF NOT EXISTS idx_flows_status_created ON flows(status, created_at);

CREATE TABLE IF NOT EXISTS resume_conditions (
	flow_id TEXT PRIMARY KEY,
	next_check TIMESTAMP NOT NULL,
	document TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resume_next_check ON resume_conditions(next_check);

CREATE TABLE IF NOT EXISTS idempotency_results (
	cache_key TEXT PRIMARY KEY,
	document TEXT NOT NULL
);
`

func (s *SQLiteStore) createTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, rec *FlowRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion int64
	var status string
	err = tx.QueryRowContext(ctx, `SELECT version, status FROM flows WHERE flow_id = ?`, rec.FlowID).Scan(&currentVersion, &status)
	switch {
	case err == sql.ErrNoRows:
		if expectedVersion != 0 {
			return ErrConcurrencyConflict
		}
	case err != nil:
		return fmt.Errorf("store: read current version: %w", err)
	default:
		if currentVersion != expectedVersion || FlowStatus(status).Terminal() {
			return ErrConcurrencyConflict
		}
	}

	rec.Version = expectedVersion + 1
	rec.LastUpdatedAt = time.Now()
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal flow record: %w", err)
	}

	pauseReason := ""
	if rec.Pause != nil {
		pauseReason = rec.Pause.Reason
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO flows (flow_id, flow_kind, principal_id, correlation_id, status, pause_reason, created_at, completed_at, version, document, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET
			flow_kind=excluded.flow_kind, principal_id=excluded.principal_id, correlation_id=excluded.correlation_id,
			status=excluded.status, pause_reason=excluded.pause_reason, completed_at=excluded.completed_at,
			version=excluded.version, document=excluded.document, updated_at=excluded.updated_at
		WHERE flows.version = ?`,
		rec.FlowID, rec.FlowKind, rec.PrincipalID, rec.CorrelationID, string(rec.Status), pauseReason,
		rec.CreatedAt, rec.CompletedAt, rec.Version, string(doc), rec.LastUpdatedAt, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("store: upsert flow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 && currentVersion != 0 {
		return ErrConcurrencyConflict
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadByID(ctx context.Context, id string) (*FlowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM flows WHERE flow_id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load flow: %w", err)
	}
	return unmarshalRecord(doc)
}

func (s *SQLiteStore) LoadByStatuses(ctx context.Context, statuses ...FlowStatus) ([]*FlowRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(st))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT document FROM flows WHERE status IN (%s) ORDER BY created_at DESC`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("store: load by statuses: %w", err)
	}
	defer rows.Close()

	var out []*FlowRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("store: scan flow: %w", err)
		}
		rec, err := unmarshalRecord(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Query(ctx context.Context, criteria Criteria, page, size int) (PagedResult, error) {
	where := "1=1"
	args := []any{}
	if criteria.Status != "" {
		where += " AND status = ?"
		args = append(args, string(criteria.Status))
	}
	if criteria.PrincipalID != "" {
		where += " AND principal_id = ?"
		args = append(args, criteria.PrincipalID)
	}
	if criteria.CorrelationID != "" {
		where += " AND correlation_id = ?"
		args = append(args, criteria.CorrelationID)
	}
	if criteria.FlowKind != "" {
		where += " AND flow_kind = ?"
		args = append(args, criteria.FlowKind)
	}
	if !criteria.CreatedAfter.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, criteria.CreatedAfter)
	}
	if !criteria.CreatedBefore.IsZero() {
		where += " AND created_at <= ?"
		args = append(args, criteria.CreatedBefore)
	}
	if criteria.PauseReason != "" {
		where += " AND pause_reason = ?"
		args = append(args, criteria.PauseReason)
	}

	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM flows WHERE "+where, args...).Scan(&total); err != nil {
		return PagedResult{}, fmt.Errorf("store: count: %w", err)
	}

	pagedArgs := append(append([]any{}, args...), size, (page-1)*size)
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM flows WHERE `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, pagedArgs...)
	if err != nil {
		return PagedResult{}, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	items := make([]Summary, 0, size)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return PagedResult{}, fmt.Errorf("store: scan: %w", err)
		}
		rec, err := unmarshalRecord(doc)
		if err != nil {
			return PagedResult{}, err
		}
		items = append(items, toSummary(rec))
	}
	return PagedResult{Items: items, Page: page, Size: size, TotalItems: total}, rows.Err()
}

func (s *SQLiteStore) DeleteTerminalOlderThan(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM flows WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purge: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) SaveResumeCondition(ctx context.Context, cond ResumeCondition) error {
	doc, err := json.Marshal(cond)
	if err != nil {
		return fmt.Errorf("store: marshal resume condition: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resume_conditions (flow_id, next_check, document) VALUES (?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET next_check=excluded.next_check, document=excluded.document`,
		cond.FlowID, cond.NextCheck, string(doc))
	return err
}

func (s *SQLiteStore) DeleteResumeCondition(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM resume_conditions WHERE flow_id = ?`, flowID)
	return err
}

func (s *SQLiteStore) DueResumeConditions(ctx context.Context, asOf time.Time) ([]ResumeCondition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT document FROM resume_conditions WHERE next_check <= ?`, asOf)
	if err != nil {
		return nil, fmt.Errorf("store: due resume conditions: %w", err)
	}
	defer rows.Close()

	var out []ResumeCondition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var cond ResumeCondition
		if err := json.Unmarshal([]byte(doc), &cond); err != nil {
			return nil, fmt.Errorf("store: unmarshal resume condition: %w", err)
		}
		out = append(out, cond)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveIdempotentResult(ctx context.Context, flowID, stepName, key string, result StepResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: marshal idempotent result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotency_results (cache_key, document) VALUES (?, ?)
		ON CONFLICT(cache_key) DO NOTHING`,
		idempotencyCacheKey(flowID, stepName, key), string(doc))
	return err
}

func (s *SQLiteStore) LoadIdempotentResult(ctx context.Context, flowID, stepName, key string) (StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM idempotency_results WHERE cache_key = ?`,
		idempotencyCacheKey(flowID, stepName, key)).Scan(&doc)
	if err == sql.ErrNoRows {
		return StepResult{}, ErrNotFound
	}
	if err != nil {
		return StepResult{}, fmt.Errorf("store: load idempotent result: %w", err)
	}

	var result StepResult
	if err := json.Unmarshal([]byte(doc), &result); err != nil {
		return StepResult{}, fmt.Errorf("store: unmarshal idempotent result: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func unmarshalRecord(doc string) (*FlowRecord, error) {
	var rec FlowRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("store: unmarshal flow record: %w", err)
	}
	return &rec, nil
}
