package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/voucherplatform/claim-system/internal/model"
)

// UserLookupInterface is the subset of *internal/repository.UserRepository
// the handler needs.
type UserLookupInterface interface {
	Get(ctx context.Context, userID string) (*model.User, error)
}

// UserHandler handles GET /vouchers/user/summary.
type UserHandler struct {
	users UserLookupInterface
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(users UserLookupInterface) *UserHandler {
	return &UserHandler{users: users}
}

// Summary handles GET /vouchers/user/summary.
func (h *UserHandler) Summary(c *fiber.Ctx) error {
	userID, err := userIDFromContext(c)
	if err != nil {
		return respondError(c, err)
	}

	user, err := h.users.Get(c.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to load user summary")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}
	if user == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "user not found"})
	}

	return c.Status(fiber.StatusOK).JSON(model.UserSummary{
		ID:      user.ID,
		Email:   user.Email,
		Claimed: user.Claimed,
		Limit:   user.Limit,
		Premium: user.Premium,
	})
}
