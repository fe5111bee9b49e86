package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cliniquery/backend/internal/audit"
	"github.com/cliniquery/backend/internal/cache"
	"github.com/cliniquery/backend/internal/catalog"
	"github.com/cliniquery/backend/internal/execute"
	"github.com/cliniquery/backend/internal/inference"
	"github.com/cliniquery/backend/internal/metrics"
	"github.com/cliniquery/backend/internal/preprocess"
	"github.com/cliniquery/backend/internal/score"
	"github.com/cliniquery/backend/internal/sqlsafe"
	"github.com/cliniquery/backend/pkg/logger"
	"github.com/cliniquery/backend/pkg/retry"
)

// Executor runs one validated statement under the read-only role.
type Executor interface {
	Execute(ctx context.Context, sqlText string, maxRows int) (execute.Result, error)
}

// Auditor appends one record per request; the pipeline calls it on
// every terminal path without exception.
type Auditor interface {
	Append(ctx context.Context, record *audit.Record) error
	GetByRequestID(ctx context.Context, requestID string) (*audit.Record, error)
}

type Deps struct {
	Preprocessor *preprocess.Preprocessor
	Catalog      *catalog.Catalog
	Generator    inference.Generator
	Validator    *sqlsafe.Validator
	Scorer       *score.Scorer
	Cache        *cache.Cache
	Executor     Executor
	Auditor      Auditor
	Stream       *audit.Stream
}

type Config struct {
	MaxConcurrent int
}

// Pipeline drives one request through the full state machine:
// preprocess, cache lookup, generation, validation, scoring, optional
// execution, cache write, audit. Stages within a request are strictly
// sequential; across requests only the single-flight property orders
// anything.
type Pipeline struct {
	deps Deps
	sem  chan struct{}

	execRetry retry.Config
}

func New(deps Deps, cfg Config) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	return &Pipeline{
		deps: deps,
		sem:  make(chan struct{}, cfg.MaxConcurrent),
		execRetry: retry.Config{
			MaxAttempts:     2,
			InitialDelay:    100 * time.Millisecond,
			MaxDelay:        500 * time.Millisecond,
			Multiplier:      2.0,
			RetryableErrors: []error{execute.ErrTimeout},
			Logger:          logger.GetLogger(),
		},
	}
}

// SubmitQuery processes one clinical question end to end. Every path,
// including failures, yields exactly one audit record; the returned
// Outcome mirrors what was audited.
func (p *Pipeline) SubmitQuery(ctx context.Context, rawText, userID string) Outcome {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return Outcome{
			RequestID: uuid.New().String(),
			Status:    StatusFailed,
			ErrorKind: FailureInternal,
			Message:   "request cancelled while waiting for a worker",
		}
	}

	start := time.Now()
	requestID := uuid.New().String()

	logger.Info("Processing query",
		zap.String("request_id", requestID),
		zap.String("user_id", userID),
	)

	record := &audit.Record{
		RequestID: requestID,
		UserID:    userID,
		RawText:   rawText,
	}

	normalized, err := p.deps.Preprocessor.Normalize(rawText)
	if err != nil {
		return p.fail(ctx, record, start, FailureInput, err)
	}
	record.NormalizedText = normalized

	snap := p.deps.Catalog.Current()
	if snap == nil {
		return p.fail(ctx, record, start, FailureInternal, errors.New("schema catalog not loaded"))
	}
	record.SchemaVersion = snap.Version

	fingerprint := cache.Fingerprint(normalized, snap.Version)
	record.Fingerprint = fingerprint

	if entry, ok := p.deps.Cache.Get(ctx, snap.Version, fingerprint); ok {
		metrics.CacheHits.Inc()
		return p.replay(ctx, record, start, entry)
	}
	metrics.CacheMisses.Inc()

	claimed := p.deps.Cache.BeginFlight(ctx, snap.Version, fingerprint)
	if !claimed {
		if entry, ok := p.deps.Cache.WaitForEntry(ctx, snap.Version, fingerprint); ok {
			metrics.CacheHits.Inc()
			return p.replay(ctx, record, start, entry)
		}
		// The flight holder is gone or too slow; generate independently
		// rather than queue behind it forever.
	}
	completed := false
	if claimed {
		defer func() {
			if !completed {
				p.deps.Cache.Abandon(ctx, snap.Version, fingerprint)
			}
		}()
	}

	candidates, err := p.deps.Generator.Generate(ctx, normalized, snap)
	if err != nil {
		metrics.InferenceCalls.WithLabelValues("error").Inc()
		return p.fail(ctx, record, start, FailureInference, err)
	}
	metrics.InferenceCalls.WithLabelValues("ok").Inc()

	chosen, validation := p.selectCandidate(snap, candidates)
	record.Tables = validation.Tables

	modelProbability := 0.0
	if chosen != nil {
		modelProbability = chosen.Probability
		record.ChosenSQL = validation.SanitizedSQL
	} else {
		violationsJSON, _ := json.Marshal(validation.Violations)
		record.Violations = string(violationsJSON)
	}

	scored := p.deps.Scorer.Score(ctx, modelProbability, validation.Safe, validation.Tables)
	record.Decision = string(scored.Decision)
	record.Confidence = scored.Value
	metrics.Confidence.Observe(scored.Value)

	outcome := Outcome{
		RequestID:  requestID,
		Confidence: scored.Value,
		SQL:        record.ChosenSQL,
		Violations: validation.Violations,
	}

	switch scored.Decision {
	case score.DecisionRejected:
		outcome.Status = StatusRejected

	case score.DecisionNeedsReview:
		outcome.Status = StatusNeedsReview

	case score.DecisionAutoExecute:
		result, err := p.executeWithRetry(ctx, validation.SanitizedSQL)
		if err != nil {
			return p.fail(ctx, record, start, FailureExecution, err)
		}
		metrics.ExecutionDuration.Observe(result.Duration.Seconds())
		outcome.Status = StatusExecuted
		outcome.Columns = result.Columns
		outcome.Rows = result.Rows
		outcome.RowCount = result.RowCount
		outcome.Truncated = result.Truncated
		record.RowCount = result.RowCount
	}

	if claimed {
		payload, err := json.Marshal(cachedOutcome{
			Status:     outcome.Status,
			SQL:        outcome.SQL,
			Columns:    outcome.Columns,
			Rows:       outcome.Rows,
			RowCount:   outcome.RowCount,
			Truncated:  outcome.Truncated,
			Confidence: outcome.Confidence,
			Violations: outcome.Violations,
			Tables:     validation.Tables,
		})
		if err == nil {
			p.deps.Cache.Complete(ctx, snap.Version, fingerprint, record.ChosenSQL, payload)
			completed = true
		}
	}

	record.Status = string(outcome.Status)
	p.finish(ctx, record, &outcome, start)
	return outcome
}

// selectCandidate validates candidates in rank order until one passes.
// When none passes, the top candidate's validation result (carrying its
// violations) is returned with a nil choice.
func (p *Pipeline) selectCandidate(snap *catalog.Snapshot, candidates []inference.Candidate) (*inference.Candidate, sqlsafe.Result) {
	var firstFailure sqlsafe.Result
	for i, candidate := range candidates {
		result := p.deps.Validator.Validate(snap, candidate.SQL)
		if result.Safe {
			c := candidate
			return &c, result
		}
		for _, v := range result.Violations {
			metrics.ValidationRejections.WithLabelValues(string(v.Kind)).Inc()
		}
		if i == 0 {
			firstFailure = result
		}
	}
	return nil, firstFailure
}

func (p *Pipeline) executeWithRetry(ctx context.Context, sqlText string) (execute.Result, error) {
	var result execute.Result
	err := retry.Do(ctx, p.execRetry, func() error {
		var execErr error
		result, execErr = p.deps.Executor.Execute(ctx, sqlText, p.deps.Validator.MaxRows())
		return execErr
	})
	return result, err
}

// replay serves a cached entry, still producing a full audit record
// marked as cache-served.
func (p *Pipeline) replay(ctx context.Context, record *audit.Record, start time.Time, entry *cache.Entry) Outcome {
	var cached cachedOutcome
	if err := json.Unmarshal(entry.Payload, &cached); err != nil {
		logger.Warn("Corrupt cache payload, discarding", zap.Error(err))
		return p.fail(ctx, record, start, FailureInternal, fmt.Errorf("corrupt cache entry: %w", err))
	}

	outcome := Outcome{
		RequestID:  record.RequestID,
		Status:     cached.Status,
		SQL:        cached.SQL,
		Columns:    cached.Columns,
		Rows:       cached.Rows,
		RowCount:   cached.RowCount,
		Truncated:  cached.Truncated,
		Confidence: cached.Confidence,
		Violations: cached.Violations,
		CacheHit:   true,
	}

	record.Status = string(cached.Status)
	record.ChosenSQL = cached.SQL
	record.Confidence = cached.Confidence
	record.Tables = cached.Tables
	record.RowCount = cached.RowCount
	record.CacheHit = true
	if len(cached.Violations) > 0 {
		violationsJSON, _ := json.Marshal(cached.Violations)
		record.Violations = string(violationsJSON)
	}

	p.finish(ctx, record, &outcome, start)
	return outcome
}

func (p *Pipeline) fail(ctx context.Context, record *audit.Record, start time.Time, kind FailureKind, err error) Outcome {
	outcome := Outcome{
		RequestID: record.RequestID,
		Status:    StatusFailed,
		ErrorKind: kind,
		Message:   err.Error(),
	}
	record.Status = string(StatusFailed)
	record.ErrorKind = string(kind)

	logger.Warn("Query failed",
		zap.String("request_id", record.RequestID),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)

	p.finish(ctx, record, &outcome, start)
	return outcome
}

// finish stamps latency, appends the audit record, publishes it to live
// subscribers, and records metrics. Audit append uses a detached
// context so a cancelled request is still accounted for.
func (p *Pipeline) finish(_ context.Context, record *audit.Record, outcome *Outcome, start time.Time) {
	latency := int(time.Since(start).Milliseconds())
	record.LatencyMS = latency
	outcome.LatencyMS = latency
	record.CreatedAt = time.Now()

	auditCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.deps.Auditor.Append(auditCtx, record); err != nil {
		logger.Error("Failed to append audit record",
			zap.String("request_id", record.RequestID),
			zap.Error(err),
		)
	}
	if p.deps.Stream != nil {
		p.deps.Stream.Publish(*record)
	}

	metrics.RequestTotal.WithLabelValues(record.Status).Inc()
	metrics.RequestDuration.WithLabelValues(record.Status).Observe(time.Since(start).Seconds())
}

// RecordFeedback applies a human review outcome to the pattern history
// used by the confidence scorer.
func (p *Pipeline) RecordFeedback(ctx context.Context, requestID string, approved bool) error {
	record, err := p.deps.Auditor.GetByRequestID(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to look up request %s: %w", requestID, err)
	}
	if record.ChosenSQL == "" {
		return fmt.Errorf("request %s has no generated SQL to review", requestID)
	}
	return p.deps.Scorer.RecordFeedback(ctx, record.Tables, approved)
}
