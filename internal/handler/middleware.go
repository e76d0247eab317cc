package handler

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/voucherplatform/claim-system/internal/ratelimit"
	"github.com/voucherplatform/claim-system/internal/service"
)

// environment gates whether respondError's 500 body carries the opaque
// teacher-era message or the underlying error text. Set once at startup
// via SetEnvironment; defaults to the safer, opaque production behavior.
var environment = "production"

// SetEnvironment configures the opacity of internal-error response bodies.
// Call once during wiring, before the server starts accepting requests.
func SetEnvironment(env string) { environment = env }

func internalErrorMessage(err error) string {
	if environment == "development" {
		return err.Error()
	}
	return "internal server error"
}

// localsUserID is the key an upstream (out-of-scope) auth collaborator is
// expected to populate with the bearer token's subject before a request
// reaches any handler in this package.
const localsUserID = "userID"

// userIDFromContext reads the authenticated user id set by the auth
// collaborator. Its absence means no valid bearer token was presented.
func userIDFromContext(c *fiber.Ctx) (string, error) {
	userID, ok := c.Locals(localsUserID).(string)
	if !ok || userID == "" {
		return "", service.ErrUnauthorized
	}
	return userID, nil
}

// clientIP implements spec §6's client-identity extraction order:
// x-forwarded-for, then x-real-ip, then the socket peer.
func clientIP(c *fiber.Ctx) string {
	if fwd := c.Get("x-forwarded-for"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if real := c.Get("x-real-ip"); real != "" {
		return real
	}
	return c.IP()
}

// idempotencyKey reads the Idempotency-Key header, minting one when the
// client omitted it (spec §6).
func idempotencyKey(c *fiber.Ctx) string {
	key := c.Get("idempotency-key")
	if key == "" {
		key = uuid.NewString()
	}
	return key
}

// setRateLimitHeaders decorates the response with X-RateLimit-* per spec
// §6, using the decision the coordinator already computed. d.Max reflects
// whichever window (user or IP) actually produced the decision, so the
// Limit and Remaining values are always reported against the same window.
func setRateLimitHeaders(c *fiber.Ctx, d ratelimit.Decision) {
	c.Set("X-RateLimit-Limit", strconv.Itoa(d.Max))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Reset.IsZero() {
		c.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	}
}

// retryAfterSeconds computes the Retry-After value (seconds, floored at 1)
// for a rejected request.
func retryAfterSeconds(d ratelimit.Decision) string {
	secs := int(time.Until(d.Reset).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// respondError maps the closed error sum of spec §7 to HTTP status codes.
// internal/service never imports fiber; this boundary is the only place
// that translation happens.
func respondError(c *fiber.Ctx, err error) error {
	if reason, ok := service.IsInvalidVoucher(err); ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid voucher", "reason": reason})
	}

	switch {
	case errors.Is(err, service.ErrLimitExceeded):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "claim limit exceeded"})
	case errors.Is(err, service.ErrRateLimited):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
	case errors.Is(err, service.ErrInvalidRequest):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	case errors.Is(err, service.ErrUnauthorized):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	case errors.Is(err, service.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	case errors.Is(err, service.ErrUserNotFound), errors.Is(err, service.ErrVoucherNotFound), errors.Is(err, service.ErrClaimNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	case errors.Is(err, service.ErrAlreadyRefunded):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "claim already refunded"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": internalErrorMessage(err)})
	}
}
