package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cliniquery/backend/internal/pipeline"
	"github.com/cliniquery/backend/pkg/logger"
)

type QueryHandler struct {
	pipeline *pipeline.Pipeline
}

func NewQueryHandler(p *pipeline.Pipeline) *QueryHandler {
	return &QueryHandler{pipeline: p}
}

// HandleQuery is the submitQuery operation. All terminal pipeline
// statuses map to 200 with a structured body; only malformed requests
// and input-kind failures are client errors.
func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Query  string `json:"query"`
		UserID string `json:"user_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}

	outcome := h.pipeline.SubmitQuery(c.Context(), req.Query, req.UserID)

	status := fiber.StatusOK
	if outcome.Status == pipeline.StatusFailed {
		if outcome.ErrorKind == pipeline.FailureInput {
			status = fiber.StatusBadRequest
		} else {
			status = fiber.StatusBadGateway
		}
	}

	return c.Status(status).JSON(outcome)
}

type FeedbackHandler struct {
	pipeline *pipeline.Pipeline
}

func NewFeedbackHandler(p *pipeline.Pipeline) *FeedbackHandler {
	return &FeedbackHandler{pipeline: p}
}

// HandleFeedback records a human review verdict for a past request,
// feeding the pattern-accuracy history behind the confidence scorer.
func (h *FeedbackHandler) HandleFeedback(c *fiber.Ctx) error {
	var req struct {
		RequestID string `json:"request_id"`
		Approved  bool   `json:"approved"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.RequestID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "request_id is required",
		})
	}

	if err := h.pipeline.RecordFeedback(c.Context(), req.RequestID, req.Approved); err != nil {
		logger.Error("Failed to record feedback", zap.Error(err))
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{"status": "recorded"})
}
