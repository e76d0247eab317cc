package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// SessionRevoker revokes the caller's current session/token. Its
// implementation (session store, token blacklist) is out of scope per
// spec §1; only this call site is in scope.
type SessionRevoker interface {
	Revoke(c *fiber.Ctx) error
}

// SessionHandler handles POST /vouchers/logout.
type SessionHandler struct {
	revoker SessionRevoker
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(revoker SessionRevoker) *SessionHandler {
	return &SessionHandler{revoker: revoker}
}

// Logout handles POST /vouchers/logout.
func (h *SessionHandler) Logout(c *fiber.Ctx) error {
	if err := h.revoker.Revoke(c); err != nil {
		log.Error().Err(err).Msg("session revocation failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": true})
}
