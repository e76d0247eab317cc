package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/voucherplatform/claim-system/internal/model"
	"github.com/voucherplatform/claim-system/internal/service"
)

// ClaimServiceInterface is the subset of *service.ClaimCoordinator the
// handler needs.
type ClaimServiceInterface interface {
	Claim(ctx context.Context, req model.ClaimRequest) (service.Outcome, error)
}

// ClaimHistoryInterface looks up past claims for a user, backing
// GET /vouchers/history and GET /vouchers/claim/:requestId.
type ClaimHistoryInterface interface {
	ListByUser(ctx context.Context, userID string) ([]model.Claim, error)
	GetByRequestID(ctx context.Context, requestID string) (*model.Claim, error)
}

// ClaimHandler handles the claim-facing HTTP surface of spec §6.
type ClaimHandler struct {
	service   ClaimServiceInterface
	history   ClaimHistoryInterface
	validator *validator.Validate
}

// NewClaimHandler creates a new ClaimHandler with the given collaborators.
func NewClaimHandler(svc ClaimServiceInterface, history ClaimHistoryInterface, v *validator.Validate) *ClaimHandler {
	return &ClaimHandler{service: svc, history: history, validator: v}
}

func formatClaimValidationError(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			field := fe.Field()
			tag := fe.Tag()

			switch field {
			case "VoucherCode":
				if tag == "required" {
					return "invalid request: voucherCode is required"
				}
				if tag == "max" {
					return "invalid request: voucherCode exceeds maximum length of 50"
				}
				return "invalid request: voucherCode is invalid"
			case "DeviceID":
				return "invalid request: deviceId exceeds maximum length of 255"
			default:
				if tag == "required" {
					return "invalid request: " + field + " is required"
				}
				return "invalid request: " + field + " is invalid"
			}
		}
	}
	return "invalid request"
}

// Claim handles POST /vouchers/claim.
func (h *ClaimHandler) Claim(c *fiber.Ctx) error {
	userID, err := userIDFromContext(c)
	if err != nil {
		return respondError(c, err)
	}

	var body model.ClaimBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := h.validator.Struct(body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": formatClaimValidationError(err)})
	}

	req := model.ClaimRequest{
		UserID:    userID,
		Code:      body.VoucherCode,
		DeviceID:  body.DeviceID,
		IP:        clientIP(c),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		RequestID: idempotencyKey(c),
	}

	outcome, err := h.service.Claim(c.Context(), req)
	setRateLimitHeaders(c, outcome.RateLimit)
	if err != nil {
		if outcome.RateLimited {
			c.Set(fiber.HeaderRetryAfter, retryAfterSeconds(outcome.RateLimit))
		}
		log.Error().
			Err(err).
			Str("request_id", req.RequestID).
			Str("user_id", userID).
			Str("voucher_code", req.Code).
			Msg("claim rejected")
		return respondError(c, err)
	}

	// The non-premium path returns 202 Accepted since the claim is only
	// queued, not yet applied (spec §9 item 2).
	if outcome.Result.Status == string(model.ClaimPending) {
		return c.Status(fiber.StatusAccepted).JSON(outcome.Result)
	}
	return c.Status(fiber.StatusOK).JSON(outcome.Result)
}

// GetByRequestID handles GET /vouchers/claim/:requestId.
func (h *ClaimHandler) GetByRequestID(c *fiber.Ctx) error {
	requestID := c.Params("requestId")
	if requestID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request: requestId is required"})
	}

	claim, err := h.history.GetByRequestID(c.Context(), requestID)
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("failed to load claim by request id")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}
	if claim == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "claim not found"})
	}

	return c.Status(fiber.StatusOK).JSON(claim)
}

// History handles GET /vouchers/history.
func (h *ClaimHandler) History(c *fiber.Ctx) error {
	userID, err := userIDFromContext(c)
	if err != nil {
		return respondError(c, err)
	}

	claims, err := h.history.ListByUser(c.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to list claim history")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}

	return c.Status(fiber.StatusOK).JSON(model.ClaimHistoryResponse{Data: claims})
}
