package pipeline

import (
	"github.com/cliniquery/backend/internal/sqlsafe"
)

type Status string

const (
	StatusExecuted    Status = "EXECUTED"
	StatusNeedsReview Status = "NEEDS_REVIEW"
	StatusRejected    Status = "REJECTED"
	StatusFailed      Status = "FAILED"
)

// FailureKind classifies FAILED outcomes for callers and for audit.
type FailureKind string

const (
	FailureInput     FailureKind = "input"
	FailureInference FailureKind = "inference"
	FailureExecution FailureKind = "execution"
	FailureInternal  FailureKind = "internal"
)

// Outcome is the single response shape of SubmitQuery. Which fields are
// populated depends on Status: EXECUTED carries rows, NEEDS_REVIEW
// carries the SQL and confidence for out-of-band approval, REJECTED
// carries the specific violations, FAILED carries the error kind.
type Outcome struct {
	RequestID  string              `json:"request_id"`
	Status     Status              `json:"status"`
	SQL        string              `json:"sql,omitempty"`
	Columns    []string            `json:"columns,omitempty"`
	Rows       [][]any             `json:"rows,omitempty"`
	RowCount   int                 `json:"row_count"`
	Truncated  bool                `json:"truncated"`
	Confidence float64             `json:"confidence"`
	Violations []sqlsafe.Violation `json:"violations,omitempty"`
	ErrorKind  FailureKind         `json:"error_kind,omitempty"`
	Message    string              `json:"message,omitempty"`
	CacheHit   bool                `json:"cache_hit"`
	LatencyMS  int                 `json:"latency_ms"`
}

// cachedOutcome is the slice of an Outcome worth replaying to later
// callers with the same fingerprint. Request-scoped fields (id, latency,
// cache_hit) are never cached.
type cachedOutcome struct {
	Status     Status              `json:"status"`
	SQL        string              `json:"sql,omitempty"`
	Columns    []string            `json:"columns,omitempty"`
	Rows       [][]any             `json:"rows,omitempty"`
	RowCount   int                 `json:"row_count"`
	Truncated  bool                `json:"truncated"`
	Confidence float64             `json:"confidence"`
	Violations []sqlsafe.Violation `json:"violations,omitempty"`
	Tables     []string            `json:"tables,omitempty"`
}
