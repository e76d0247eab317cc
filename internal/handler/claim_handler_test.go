package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vvalidator "github.com/voucherplatform/claim-system/internal/validator"

	"github.com/voucherplatform/claim-system/internal/model"
	"github.com/voucherplatform/claim-system/internal/ratelimit"
	"github.com/voucherplatform/claim-system/internal/service"
)

type fakeClaimService struct {
	outcome service.Outcome
	err     error
}

func (f *fakeClaimService) Claim(ctx context.Context, req model.ClaimRequest) (service.Outcome, error) {
	return f.outcome, f.err
}

type fakeClaimHistory struct {
	claims  []model.Claim
	byReq   map[string]*model.Claim
	listErr error
	getErr  error
}

func (f *fakeClaimHistory) ListByUser(ctx context.Context, userID string) ([]model.Claim, error) {
	return f.claims, f.listErr
}

func (f *fakeClaimHistory) GetByRequestID(ctx context.Context, requestID string) (*model.Claim, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.byReq[requestID], nil
}

func newTestApp(userID string, route func(app *fiber.App)) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if userID != "" {
			c.Locals(localsUserID, userID)
		}
		return c.Next()
	})
	route(app)
	return app
}

func TestClaimHandler_Claim_Success(t *testing.T) {
	svc := &fakeClaimService{outcome: service.Outcome{
		Result:    &model.ClaimResult{Success: true, Message: "ok", RequestID: "r1"},
		RateLimit: ratelimit.Decision{Allowed: true, Remaining: 9},
	}}
	history := &fakeClaimHistory{}
	h := NewClaimHandler(svc, history, vvalidator.New())
	app := newTestApp("u1", func(app *fiber.App) { app.Post("/vouchers/claim", h.Claim) })

	body, _ := json.Marshal(model.ClaimBody{VoucherCode: "SUMMER2024"})
	req := httptest.NewRequest("POST", "/vouchers/claim", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "9", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestClaimHandler_Claim_Unauthorized(t *testing.T) {
	h := NewClaimHandler(&fakeClaimService{}, &fakeClaimHistory{}, vvalidator.New())
	app := newTestApp("", func(app *fiber.App) { app.Post("/vouchers/claim", h.Claim) })

	body, _ := json.Marshal(model.ClaimBody{VoucherCode: "SUMMER2024"})
	req := httptest.NewRequest("POST", "/vouchers/claim", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestClaimHandler_Claim_ValidationFailure(t *testing.T) {
	h := NewClaimHandler(&fakeClaimService{}, &fakeClaimHistory{}, vvalidator.New())
	app := newTestApp("u1", func(app *fiber.App) { app.Post("/vouchers/claim", h.Claim) })

	body, _ := json.Marshal(model.ClaimBody{VoucherCode: ""})
	req := httptest.NewRequest("POST", "/vouchers/claim", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestClaimHandler_Claim_RateLimited(t *testing.T) {
	svc := &fakeClaimService{
		outcome: service.Outcome{RateLimit: ratelimit.Decision{Allowed: false, Remaining: 0}, RateLimited: true},
		err:     service.ErrRateLimited,
	}
	h := NewClaimHandler(svc, &fakeClaimHistory{}, vvalidator.New())
	app := newTestApp("u1", func(app *fiber.App) { app.Post("/vouchers/claim", h.Claim) })

	body, _ := json.Marshal(model.ClaimBody{VoucherCode: "SUMMER2024"})
	req := httptest.NewRequest("POST", "/vouchers/claim", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestClaimHandler_Claim_InvalidVoucher(t *testing.T) {
	svc := &fakeClaimService{err: &service.InvalidVoucherError{Reason: "expired"}}
	h := NewClaimHandler(svc, &fakeClaimHistory{}, vvalidator.New())
	app := newTestApp("u1", func(app *fiber.App) { app.Post("/vouchers/claim", h.Claim) })

	body, _ := json.Marshal(model.ClaimBody{VoucherCode: "SUMMER2024"})
	req := httptest.NewRequest("POST", "/vouchers/claim", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "expired")
}

func TestClaimHandler_GetByRequestID_Found(t *testing.T) {
	history := &fakeClaimHistory{byReq: map[string]*model.Claim{"r1": {ID: "claim-1", RequestID: "r1"}}}
	h := NewClaimHandler(&fakeClaimService{}, history, vvalidator.New())
	app := fiber.New()
	app.Get("/vouchers/claim/:requestId", h.GetByRequestID)

	req := httptest.NewRequest("GET", "/vouchers/claim/r1", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestClaimHandler_GetByRequestID_NotFound(t *testing.T) {
	history := &fakeClaimHistory{byReq: map[string]*model.Claim{}}
	h := NewClaimHandler(&fakeClaimService{}, history, vvalidator.New())
	app := fiber.New()
	app.Get("/vouchers/claim/:requestId", h.GetByRequestID)

	req := httptest.NewRequest("GET", "/vouchers/claim/missing", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestClaimHandler_History_ReturnsClaims(t *testing.T) {
	history := &fakeClaimHistory{claims: []model.Claim{{ID: "claim-1"}, {ID: "claim-2"}}}
	h := NewClaimHandler(&fakeClaimService{}, history, vvalidator.New())
	app := newTestApp("u1", func(app *fiber.App) { app.Get("/vouchers/history", h.History) })

	req := httptest.NewRequest("GET", "/vouchers/history", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var parsed model.ClaimHistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Len(t, parsed.Data, 2)
}

func TestClaimHandler_History_Unauthorized(t *testing.T) {
	h := NewClaimHandler(&fakeClaimService{}, &fakeClaimHistory{}, vvalidator.New())
	app := newTestApp("", func(app *fiber.App) { app.Get("/vouchers/history", h.History) })

	req := httptest.NewRequest("GET", "/vouchers/history", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestClaimHandler_History_StoreError(t *testing.T) {
	history := &fakeClaimHistory{listErr: errors.New("connection reset")}
	h := NewClaimHandler(&fakeClaimService{}, history, vvalidator.New())
	app := newTestApp("u1", func(app *fiber.App) { app.Get("/vouchers/history", h.History) })

	req := httptest.NewRequest("GET", "/vouchers/history", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}
