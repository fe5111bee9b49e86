package execute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cliniquery/backend/pkg/logger"
)

var ErrTimeout = errors.New("statement timed out")

// Result is the bounded output of one executed statement. Rows never
// exceed the row cap; Truncated reports whether the statement produced
// more than was returned.
type Result struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
	Duration  time.Duration
}

// Engine runs validated SELECT statements on a connection pool opened
// with the read-only credential. Every statement runs inside a
// read-only transaction with a deadline, so even a validator bug cannot
// produce a write.
type Engine struct {
	db      *sql.DB
	timeout time.Duration
}

func NewEngine(db *sql.DB, timeout time.Duration) *Engine {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Engine{db: db, timeout: timeout}
}

func (e *Engine) Execute(ctx context.Context, sqlText string, maxRows int) (Result, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Result{}, wrapExecError("failed to begin read-only transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		return Result{}, wrapExecError("failed to execute statement", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, wrapExecError("failed to read result columns", err)
	}

	result := Result{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if result.RowCount >= maxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return Result{}, wrapExecError("failed to scan result row", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
		result.RowCount++
	}
	if err := rows.Err(); err != nil {
		return Result{}, wrapExecError("error iterating result rows", err)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, wrapExecError("failed to commit read-only transaction", err)
	}

	result.Duration = time.Since(start)
	logger.Debug("Statement executed",
		zap.Int("row_count", result.RowCount),
		zap.Bool("truncated", result.Truncated),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func wrapExecError(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
