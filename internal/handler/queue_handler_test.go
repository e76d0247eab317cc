package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voucherplatform/claim-system/internal/queue"
)

type fakeQueueMetrics struct {
	counts queue.Counts
	err    error
}

func (f *fakeQueueMetrics) Counts(ctx context.Context) (queue.Counts, error) {
	return f.counts, f.err
}

func TestQueueHandler_Metrics_Success(t *testing.T) {
	h := NewQueueHandler(&fakeQueueMetrics{counts: queue.Counts{Waiting: 3, Active: 1, Completed: 10, Failed: 2}})
	app := fiber.New()
	app.Get("/vouchers/queue/metrics", h.Metrics)

	req := httptest.NewRequest("GET", "/vouchers/queue/metrics", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var parsed map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, int64(3), parsed["waiting"])
	assert.Equal(t, int64(10), parsed["completed"])
}

func TestQueueHandler_Metrics_Error(t *testing.T) {
	h := NewQueueHandler(&fakeQueueMetrics{err: errors.New("kv unavailable")})
	app := fiber.New()
	app.Get("/vouchers/queue/metrics", h.Metrics)

	req := httptest.NewRequest("GET", "/vouchers/queue/metrics", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}
