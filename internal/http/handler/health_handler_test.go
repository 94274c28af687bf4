package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/NanoLink/internal/app/service"
)

type fixedStats struct{ stats service.AccumulatorStats }

func (f fixedStats) Stats() service.AccumulatorStats { return f.stats }

func TestHealthHandler_Ready(t *testing.T) {
	storeErr := error(nil)
	app := fiber.New()
	NewHealthHandler(HealthDeps{
		Store: PingFunc(func(ctx context.Context) error { return storeErr }),
		Checks: map[string]Pinger{
			"redis": PingFunc(func(ctx context.Context) error { return nil }),
		},
	}).Register(app)

	resp, err := app.Test(httptest.NewRequest("GET", "/ready", nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	storeErr = errors.New("connection refused")
	resp, err = app.Test(httptest.NewRequest("GET", "/ready", nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the store is down, got %d", resp.StatusCode)
	}
}

func TestHealthHandler_HealthAndStats(t *testing.T) {
	app := fiber.New()
	NewHealthHandler(HealthDeps{
		Clicks: fixedStats{stats: service.AccumulatorStats{Recorded: 7, Flushed: 5}},
	}).Register(app)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/api/stats", nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	var stats service.AccumulatorStats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Recorded != 7 || stats.Flushed != 5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
