package handler

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/voucherplatform/claim-system/internal/model"
)

// RefundServiceInterface is the subset of *service.RefundCoordinator the
// handler needs.
type RefundServiceInterface interface {
	Refund(ctx context.Context, claimID, reason string, adminID *string) error
}

// AdminGate authorizes the caller of POST /vouchers/refund. Its
// implementation (JWT/session role checks) is out of scope per spec §1;
// only this call site is in scope.
type AdminGate interface {
	IsAdmin(c *fiber.Ctx) (adminID string, ok bool)
}

// RefundHandler handles POST /vouchers/refund.
type RefundHandler struct {
	service   RefundServiceInterface
	gate      AdminGate
	validator *validator.Validate
}

// NewRefundHandler creates a new RefundHandler.
func NewRefundHandler(svc RefundServiceInterface, gate AdminGate, v *validator.Validate) *RefundHandler {
	return &RefundHandler{service: svc, gate: gate, validator: v}
}

// Refund handles POST /vouchers/refund.
func (h *RefundHandler) Refund(c *fiber.Ctx) error {
	adminID, ok := h.gate.IsAdmin(c)
	if !ok {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	}

	var body model.RefundBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := h.validator.Struct(body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request: claimId and reason are required"})
	}

	if err := h.service.Refund(c.Context(), body.ClaimID, body.Reason, &adminID); err != nil {
		log.Error().Err(err).Str("claim_id", body.ClaimID).Str("admin_id", adminID).Msg("refund failed")
		return respondError(c, err)
	}

	log.Info().Str("claim_id", body.ClaimID).Str("admin_id", adminID).Msg("claim refunded")
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": true})
}
