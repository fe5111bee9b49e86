package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/cliniquery/backend/internal/audit"
	"github.com/cliniquery/backend/pkg/logger"
)

type AuditHandler struct {
	store  *audit.Store
	stream *audit.Stream
}

func NewAuditHandler(store *audit.Store, stream *audit.Stream) *AuditHandler {
	return &AuditHandler{store: store, stream: stream}
}

// HandleQuery is the compliance read: audit records filtered by time
// range, user, and status.
func (h *AuditHandler) HandleQuery(c *fiber.Ctx) error {
	filter := audit.Filter{
		UserID: c.Query("user_id"),
		Status: c.Query("status"),
	}

	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "from must be RFC3339",
			})
		}
		filter.From = t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "to must be RFC3339",
			})
		}
		filter.To = t
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be a positive integer",
			})
		}
		filter.Limit = n
	}

	records, err := h.store.Query(c.Context(), filter)
	if err != nil {
		logger.Error("Failed to query audit records", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to query audit records",
		})
	}

	if records == nil {
		records = []audit.Record{}
	}
	return c.JSON(fiber.Map{
		"records": records,
		"count":   len(records),
	})
}

// streamConn is the slice of the websocket connection the audit tail
// uses, split out so the loop can be driven by a fake in tests.
type streamConn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// HandleStream tails new audit records over a websocket until the
// client disconnects.
func (h *AuditHandler) HandleStream(c *websocket.Conn) {
	h.streamRecords(c)
}

func (h *AuditHandler) streamRecords(conn streamConn) {
	logger.Info("Audit stream connection established")

	records, cancel := h.stream.Subscribe()
	defer func() {
		cancel()
		conn.Close()
		logger.Info("Audit stream connection closed")
	}()

	// Clients never send anything; the read pump exists to notice a
	// disconnect even when no records are flowing. Cancelling the
	// subscription closes the records channel and ends the write loop.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for record := range records {
		if err := conn.WriteJSON(record); err != nil {
			logger.Debug("Audit stream write failed", zap.Error(err))
			return
		}
	}
}
