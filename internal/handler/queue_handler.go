package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/voucherplatform/claim-system/internal/queue"
)

// QueueMetrics is the subset of *internal/queue.Queue the handler needs.
type QueueMetrics interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// QueueHandler handles GET /vouchers/queue/metrics.
type QueueHandler struct {
	queue QueueMetrics
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(q QueueMetrics) *QueueHandler {
	return &QueueHandler{queue: q}
}

// Metrics handles GET /vouchers/queue/metrics.
func (h *QueueHandler) Metrics(c *fiber.Ctx) error {
	counts, err := h.queue.Counts(c.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to read queue metrics")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"waiting":   counts.Waiting,
		"active":    counts.Active,
		"completed": counts.Completed,
		"failed":    counts.Failed,
		"delayed":   counts.Delayed,
	})
}
