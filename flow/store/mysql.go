package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed Store implementation, proving the
// Store interface is backing-agnostic: the same FlowRecord-as-document
// layout as SQLiteStore, but suitable for multi-host production deployments
// where several engine processes share one database.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a connection pool against dsn (a standard
// go-sql-driver/mysql DSN, e.g. "user:pass@tcp(host:3306)/dbname") and
// ensures the required schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(time.Hour)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return s, nil
}

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS flows (
	flow_id VARCHAR(64) PRIMARY KEY,
	flow_kind VARCHAR(128) NOT NULL,
	principal_id VARCHAR(128) NOT NULL DEFAULT '',
	correlation_id VARCHAR(128) NOT NULL DEFAULT '',
	status VARCHAR(16) NOT NULL,
	pause_reason VARCHAR(128) NOT NULL DEFAULT '',
	created_at DATETIME(6) NOT NULL,
	completed_at DATETIME(6) NULL,
	version BIGINT NOT NULL,
	document LONGTEXT NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	INDEX idx_status (status),
	INDEX idx_principal (principal_id),
	INDEX idx_correlation (correlation_id),
	INDEX idx_kind (flow_kind),
	INDEX idx_created (created_at),
	INDEX idx_status_created (status, created_at)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS resume_conditions (
	flow_id VARCHAR(64) PRIMARY KEY,
	next_check DATETIME(6) NOT NULL,
	document LONGTEXT NOT NULL,
	INDEX idx_next_check (next_check)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS idempotency_results (
	cache_key VARCHAR(255) PRIMARY KEY,
	document LONGTEXT NOT NULL
) ENGINE=InnoDB;
`

func (s *MySQLStore) createTables(ctx context.Context) error {
	for _, stmt := range splitStatements(mysqlSchema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func splitStatements(schema string) []string {
	var out []string
	start := 0
	for i, c := range schema {
		if c == ';' {
			if stmt := trimSpace(schema[start:i]); stmt != "" {
				out = append(out, stmt)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == '\n' || s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

// Save performs the optimistic-version CAS via a row lock: it reads the
// current version FOR UPDATE inside a transaction, then only commits the
// write if it still matches expectedVersion, mirroring SQLiteStore's
// conditional-UPDATE approach under MySQL's transactional semantics.
func (s *MySQLStore) Save(ctx context.Context, rec *FlowRecord, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion int64
	var status string
	err = tx.QueryRowContext(ctx, `SELECT version, status FROM flows WHERE flow_id = ? FOR UPDATE`, rec.FlowID).Scan(&currentVersion, &status)
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO flows (flow_id, flow_kind, principal_id, correlation_id, status, pause_reason, created_at, completed_at, version, document, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			flow_kind=VALUES(flow_kind), principal_id=VALUES(principal_id), correlation_id=VALUES(correlation_id),
			status=VALUES(status), pause_reason=VALUES(pause_reason), completed_at=VALUES(completed_at),
			version=VALUES(version), document=VALUES(document), updated_at=VALUES(updated_at)`,
		rec.FlowID, rec.FlowKind, rec.PrincipalID, rec.CorrelationID, string(rec.Status), pauseReason,
		rec.CreatedAt, rec.CompletedAt, rec.Version, string(doc), rec.LastUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert flow: %w", err)
	}

	return tx.Commit()
}

func (s *MySQLStore) LoadByID(ctx context.Context, id string) (*FlowRecord, error) {
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

func (s *MySQLStore) LoadByStatuses(ctx context.Context, statuses ...FlowStatus) ([]*FlowRecord, error) {
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
			return nil, err
		}
		rec, err := unmarshalRecord(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *MySQLStore) Query(ctx context.Context, criteria Criteria, page, size int) (PagedResult, error) {
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
			return PagedResult{}, err
		}
		rec, err := unmarshalRecord(doc)
		if err != nil {
			return PagedResult{}, err
		}
		items = append(items, toSummary(rec))
	}
	return PagedResult{Items: items, Page: page, Size: size, TotalItems: total}, rows.Err()
}

func (s *MySQLStore) DeleteTerminalOlderThan(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM flows WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purge: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *MySQLStore) SaveResumeCondition(ctx context.Context, cond ResumeCondition) error {
	doc, err := json.Marshal(cond)
	if err != nil {
		return fmt.Errorf("store: marshal resume condition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resume_conditions (flow_id, next_check, document) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE next_check=VALUES(next_check), document=VALUES(document)`,
		cond.FlowID, cond.NextCheck, string(doc))
	return err
}

func (s *MySQLStore) DeleteResumeCondition(ctx context.Context, flowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM resume_conditions WHERE flow_id = ?`, flowID)
	return err
}

func (s *MySQLStore) DueResumeConditions(ctx context.Context, asOf time.Time) ([]ResumeCondition, error) {
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

func (s *MySQLStore) SaveIdempotentResult(ctx context.Context, flowID, stepName, key string, result StepResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: marshal idempotent result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotency_results (cache_key, document) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE cache_key=cache_key`,
		idempotencyCacheKey(flowID, stepName, key), string(doc))
	return err
}

func (s *MySQLStore) LoadIdempotentResult(ctx context.Context, flowID, stepName, key string) (StepResult, error) {
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

func (s *MySQLStore) Close() error {
	return s.db.Close()
}
