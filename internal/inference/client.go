package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/cliniquery/backend/internal/catalog"
	"github.com/cliniquery/backend/pkg/circuitbreaker"
	"github.com/cliniquery/backend/pkg/logger"
	"github.com/cliniquery/backend/pkg/retry"
)

var (
	ErrTimeout      = errors.New("inference timed out")
	ErrUnavailable  = errors.New("inference backend unavailable")
	ErrNoCandidates = errors.New("model returned no usable candidates")
)

// Candidate is one ranked SQL hypothesis from the model.
type Candidate struct {
	Rank        int     `json:"rank"`
	SQL         string  `json:"sql"`
	Probability float64 `json:"probability"`
}

// Generator produces ranked candidates for a normalized question against
// one pinned schema snapshot. Implementations are stateless per call.
type Generator interface {
	Generate(ctx context.Context, normalizedText string, snap *catalog.Snapshot) ([]Candidate, error)
}

type Config struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	BeamWidth   int
}

// Client wraps the chat-completions API behind a circuit breaker and
// retry policy, the same treatment every external dependency gets.
type Client struct {
	api         *openai.Client
	cfg         Config
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(apiKey string, cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.BeamWidth == 0 {
		cfg.BeamWidth = 5
	}

	cb := circuitbreaker.NewCircuitBreaker("inference", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    2,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Inference client initialized",
		zap.String("model", cfg.Model),
		zap.Int("beam_width", cfg.BeamWidth),
	)

	return &Client{
		api:         openai.NewClient(apiKey),
		cfg:         cfg,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (c *Client) Generate(ctx context.Context, normalizedText string, snap *catalog.Snapshot) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var content string

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       c.cfg.Model,
				Temperature: c.cfg.Temperature,
				MaxTokens:   c.cfg.MaxTokens,
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(snap, c.cfg.BeamWidth)},
					{Role: openai.ChatMessageRoleUser, Content: userPrompt(normalizedText)},
				},
			})
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}
			content = resp.Choices[0].Message.Content
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return nil, ErrUnavailable
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	candidates, err := ParseCandidates(content, c.cfg.BeamWidth)
	if err != nil {
		return nil, err
	}

	logger.Debug("Candidates generated",
		zap.Int("count", len(candidates)),
		zap.Float64("top_probability", candidates[0].Probability),
	)
	return candidates, nil
}

// ParseCandidates decodes the model response into ranked candidates.
// The model is asked for strict JSON but code fences and trailing prose
// are tolerated; ordering is imposed here, never inherited.
func ParseCandidates(content string, beamWidth int) ([]Candidate, error) {
	payload := extractJSONArray(content)
	if payload == "" {
		return nil, fmt.Errorf("%w: no JSON array in response", ErrNoCandidates)
	}

	var raw []struct {
		SQL         string  `json:"sql"`
		Probability float64 `json:"probability"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCandidates, err)
	}

	candidates := make([]Candidate, 0, len(raw))
	for _, r := range raw {
		sqlText := strings.TrimSpace(r.SQL)
		if sqlText == "" {
			continue
		}
		prob := r.Probability
		if prob < 0 {
			prob = 0
		}
		if prob > 1 {
			prob = 1
		}
		candidates = append(candidates, Candidate{SQL: sqlText, Probability: prob})
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Probability > candidates[j].Probability
	})
	if len(candidates) > beamWidth {
		candidates = candidates[:beamWidth]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	return candidates, nil
}

func extractJSONArray(content string) string {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

func systemPrompt(snap *catalog.Snapshot, beamWidth int) string {
	var b strings.Builder
	b.WriteString("You translate clinical questions into PostgreSQL SELECT statements.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Generate read-only SELECT statements only, one statement each.\n")
	b.WriteString("- Use only the tables and columns listed below.\n")
	b.WriteString("- Prefer explicit column lists over SELECT *.\n")
	fmt.Fprintf(&b, "- Return a JSON array of at most %d objects, ordered by confidence:\n", beamWidth)
	b.WriteString(`  [{"sql": "...", "probability": 0.95}]` + "\n")
	b.WriteString("- Return JSON only, no explanation.\n\n")
	b.WriteString("Schema:\n")
	b.WriteString(DescribeSchema(snap))
	return b.String()
}

func userPrompt(normalizedText string) string {
	return fmt.Sprintf("Question: %s", normalizedText)
}

// DescribeSchema serializes a snapshot into the compact table listing
// embedded in the prompt.
func DescribeSchema(snap *catalog.Snapshot) string {
	var b strings.Builder
	for _, name := range snap.TableNames() {
		table, _ := snap.Table(name)
		fmt.Fprintf(&b, "TABLE %s (\n", name)
		for _, col := range table.Columns {
			nullable := "NOT NULL"
			if col.Nullable {
				nullable = "NULL"
			}
			fmt.Fprintf(&b, "  %s %s %s\n", col.Name, col.DataType, nullable)
		}
		for _, fk := range table.ForeignKeys {
			fmt.Fprintf(&b, "  FOREIGN KEY %s REFERENCES %s(%s)\n", fk.Column, fk.RefTable, fk.RefColumn)
		}
		b.WriteString(")\n")
	}
	return b.String()
}
