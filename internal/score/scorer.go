package score

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/cliniquery/backend/pkg/logger"
)

type Decision string

const (
	DecisionAutoExecute Decision = "AUTO_EXECUTE"
	DecisionNeedsReview Decision = "NEEDS_REVIEW"
	DecisionRejected    Decision = "REJECTED"
)

// Components are the raw signals the score was fused from, kept for
// audit and for threshold tuning.
type Components struct {
	ModelProbability   float64 `json:"model_probability"`
	ValidationPassed   bool    `json:"validation_passed"`
	HistoricalAccuracy float64 `json:"historical_accuracy"`
}

type Score struct {
	Value      float64    `json:"value"`
	Components Components `json:"components"`
	Decision   Decision   `json:"decision"`
}

// HistoryStore tracks a moving accuracy statistic per query pattern,
// updated from human review outcomes.
type HistoryStore interface {
	PatternAccuracy(ctx context.Context, pattern string) (float64, bool, error)
	RecordOutcome(ctx context.Context, pattern string, correct bool) error
}

type Config struct {
	AutoExecuteThreshold float64
	ModelWeight          float64
	ValidationWeight     float64
	HistoryWeight        float64
	// DefaultAccuracy seeds patterns that have never been reviewed.
	DefaultAccuracy float64
}

// Scorer fuses model probability, the validation verdict, and pattern
// history into one scalar and a routing decision. Thresholds and
// weights are configuration so tuning never requires a code change.
type Scorer struct {
	cfg     Config
	history HistoryStore
}

func NewScorer(cfg Config, history HistoryStore) *Scorer {
	if cfg.ModelWeight == 0 && cfg.ValidationWeight == 0 && cfg.HistoryWeight == 0 {
		cfg.ModelWeight = 0.5
		cfg.ValidationWeight = 0.2
		cfg.HistoryWeight = 0.3
	}
	if cfg.AutoExecuteThreshold == 0 {
		cfg.AutoExecuteThreshold = 0.8
	}
	if cfg.DefaultAccuracy == 0 {
		cfg.DefaultAccuracy = 0.5
	}
	return &Scorer{cfg: cfg, history: history}
}

// PatternKey canonicalizes the referenced-table set; structurally
// similar queries share history through it.
func PatternKey(tables []string) string {
	if len(tables) == 0 {
		return "(none)"
	}
	return strings.Join(tables, ",")
}

// Score computes the fused confidence for a request. A failed
// validation always routes to REJECTED no matter how confident the
// model was; validation passing but scoring under the threshold routes
// to human review.
func (s *Scorer) Score(ctx context.Context, modelProbability float64, validationPassed bool, tables []string) Score {
	accuracy := s.cfg.DefaultAccuracy
	if s.history != nil {
		if value, ok, err := s.history.PatternAccuracy(ctx, PatternKey(tables)); err != nil {
			logger.Warn("Pattern accuracy lookup failed, using default", zap.Error(err))
		} else if ok {
			accuracy = value
		}
	}

	validationSignal := 0.0
	if validationPassed {
		validationSignal = 1.0
	}

	totalWeight := s.cfg.ModelWeight + s.cfg.ValidationWeight + s.cfg.HistoryWeight
	value := (s.cfg.ModelWeight*modelProbability +
		s.cfg.ValidationWeight*validationSignal +
		s.cfg.HistoryWeight*accuracy) / totalWeight

	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}

	decision := DecisionNeedsReview
	switch {
	case !validationPassed:
		decision = DecisionRejected
	case value >= s.cfg.AutoExecuteThreshold:
		decision = DecisionAutoExecute
	}

	return Score{
		Value: value,
		Components: Components{
			ModelProbability:   modelProbability,
			ValidationPassed:   validationPassed,
			HistoricalAccuracy: accuracy,
		},
		Decision: decision,
	}
}

// RecordFeedback feeds a human review outcome back into the pattern
// history.
func (s *Scorer) RecordFeedback(ctx context.Context, tables []string, correct bool) error {
	if s.history == nil {
		return nil
	}
	return s.history.RecordOutcome(ctx, PatternKey(tables), correct)
}
