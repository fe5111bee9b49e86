package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cliniquery/backend/pkg/logger"
)

// Record is one audited request. Records are append-only: the store
// exposes no update or delete path, and compliance reads never mutate.
type Record struct {
	ID             int64     `json:"id"`
	RequestID      string    `json:"request_id"`
	UserID         string    `json:"user_id"`
	RawText        string    `json:"raw_text"`
	NormalizedText string    `json:"normalized_text"`
	Fingerprint    string    `json:"fingerprint"`
	SchemaVersion  string    `json:"schema_version"`
	ChosenSQL      string    `json:"chosen_sql,omitempty"`
	Decision       string    `json:"decision"`
	Status         string    `json:"status"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Violations     string    `json:"violations,omitempty"`
	Tables         []string  `json:"tables,omitempty"`
	Confidence     float64   `json:"confidence"`
	CacheHit       bool      `json:"cache_hit"`
	RowCount       int       `json:"row_count"`
	LatencyMS      int       `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Filter bounds a compliance read. Zero values mean "no constraint".
type Filter struct {
	From   time.Time
	To     time.Time
	UserID string
	Status string
	Limit  int
}

type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("Audit store initialized", zap.String("path", dbPath))
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		user_id TEXT,
		raw_text TEXT NOT NULL,
		normalized_text TEXT,
		fingerprint TEXT,
		schema_version TEXT,
		chosen_sql TEXT,
		decision TEXT,
		status TEXT NOT NULL,
		error_kind TEXT,
		violations TEXT,
		tables_json TEXT,
		confidence REAL,
		cache_hit INTEGER DEFAULT 0,
		row_count INTEGER DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_records(request_id);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_records(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_records(status);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_records(created_at);

	CREATE TABLE IF NOT EXISTS pattern_accuracy (
		pattern TEXT PRIMARY KEY,
		accuracy REAL NOT NULL,
		samples INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	logger.Info("Audit schema initialized")
	return nil
}

func (s *Store) Append(ctx context.Context, record *Record) error {
	tablesJSON, _ := json.Marshal(record.Tables)

	query := `
		INSERT INTO audit_records (request_id, user_id, raw_text, normalized_text,
			fingerprint, schema_version, chosen_sql, decision, status, error_kind,
			violations, tables_json, confidence, cache_hit, row_count, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	cacheHit := 0
	if record.CacheHit {
		cacheHit = 1
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		record.RequestID,
		record.UserID,
		record.RawText,
		record.NormalizedText,
		record.Fingerprint,
		record.SchemaVersion,
		record.ChosenSQL,
		record.Decision,
		record.Status,
		record.ErrorKind,
		record.Violations,
		string(tablesJSON),
		record.Confidence,
		cacheHit,
		record.RowCount,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	logger.Info("Request audited",
		zap.String("request_id", record.RequestID),
		zap.String("status", record.Status),
		zap.String("decision", record.Decision),
		zap.Bool("cache_hit", record.CacheHit),
	)
	return nil
}

func (s *Store) Query(ctx context.Context, filter Filter) ([]Record, error) {
	query := `
		SELECT id, request_id, user_id, raw_text, normalized_text, fingerprint,
			schema_version, chosen_sql, decision, status, error_kind, violations,
			tables_json, confidence, cache_hit, row_count, latency_ms, created_at
		FROM audit_records
		WHERE 1=1
	`
	var args []any

	if !filter.From.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.From.Unix())
	}
	if !filter.To.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, filter.To.Unix())
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}

	return records, nil
}

func (s *Store) GetByRequestID(ctx context.Context, requestID string) (*Record, error) {
	query := `
		SELECT id, request_id, user_id, raw_text, normalized_text, fingerprint,
			schema_version, chosen_sql, decision, status, error_kind, violations,
			tables_json, confidence, cache_hit, row_count, latency_ms, created_at
		FROM audit_records
		WHERE request_id = ?
		ORDER BY id DESC
		LIMIT 1
	`

	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get audit record: %w", err)
		}
		return nil, sql.ErrNoRows
	}
	record, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var r Record
	var tablesJSON string
	var cacheHit int
	var createdAt int64

	err := rows.Scan(&r.ID, &r.RequestID, &r.UserID, &r.RawText, &r.NormalizedText,
		&r.Fingerprint, &r.SchemaVersion, &r.ChosenSQL, &r.Decision, &r.Status,
		&r.ErrorKind, &r.Violations, &tablesJSON, &r.Confidence, &cacheHit,
		&r.RowCount, &r.LatencyMS, &createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("failed to scan audit record: %w", err)
	}

	json.Unmarshal([]byte(tablesJSON), &r.Tables)
	r.CacheHit = cacheHit == 1
	r.CreatedAt = time.Unix(createdAt, 0)
	return r, nil
}

// PatternAccuracy returns the moving accuracy for a query pattern, or
// ok=false when the pattern has never been reviewed.
func (s *Store) PatternAccuracy(ctx context.Context, pattern string) (float64, bool, error) {
	var accuracy float64
	err := s.db.QueryRowContext(ctx,
		`SELECT accuracy FROM pattern_accuracy WHERE pattern = ?`, pattern,
	).Scan(&accuracy)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get pattern accuracy: %w", err)
	}
	return accuracy, true, nil
}

// alpha weights new review outcomes in the moving average. Recent
// reviews dominate without a single bad review erasing history.
const alpha = 0.2

// RecordOutcome folds one human review outcome into the pattern's
// exponentially weighted moving accuracy.
func (s *Store) RecordOutcome(ctx context.Context, pattern string, correct bool) error {
	observed := 0.0
	if correct {
		observed = 1.0
	}

	query := `
		INSERT INTO pattern_accuracy (pattern, accuracy, samples, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(pattern) DO UPDATE SET
			accuracy = ? * ? + (1.0 - ?) * accuracy,
			samples = samples + 1,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		pattern, observed, time.Now().Unix(),
		alpha, observed, alpha,
	)
	if err != nil {
		return fmt.Errorf("failed to record pattern outcome: %w", err)
	}

	logger.Debug("Pattern accuracy updated",
		zap.String("pattern", pattern),
		zap.Bool("correct", correct),
	)
	return nil
}
