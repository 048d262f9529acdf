package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/setu-sync/internal/config"
)

type healthEnvelope struct {
	Success bool           `json:"success"`
	Data    HealthResponse `json:"data"`
	Details HealthResponse `json:"details"`
}

type fixedSessions int

func (f fixedSessions) Active() int { return int(f) }

func TestHealthCheck(t *testing.T) {
	cfg := config.Config{
		AppName:    "Setu Sync",
		AppEnv:     "test",
		FeedSource: config.FeedSourceService,
	}

	app := fiber.New()
	app.Get("/api/v1/health", HealthCheck(cfg, map[string]Probe{
		"database": func(context.Context) error { return nil },
	}))

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var payload healthEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.True(t, payload.Success)
	require.Equal(t, "ok", payload.Data.Status)
	require.Equal(t, cfg.AppName, payload.Data.Service)
	require.Equal(t, cfg.AppEnv, payload.Data.Environment)
	require.Equal(t, config.FeedSourceService, payload.Data.FeedSource)
	require.Equal(t, "ok", payload.Data.Components["database"])
	require.WithinDuration(t, time.Now().UTC(), payload.Data.Timestamp, 2*time.Second)
}

func TestHealthCheckReportsFailingProbe(t *testing.T) {
	app := fiber.New()
	app.Get("/api/v1/health", HealthCheck(config.Config{AppName: "Setu Sync"}, map[string]Probe{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}))

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	var payload healthEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.False(t, payload.Success)
	require.Equal(t, "degraded", payload.Details.Status)
	require.Equal(t, "connection refused", payload.Details.Components["redis"])
	require.Equal(t, "ok", payload.Details.Components["database"])
}

func TestSessionStats(t *testing.T) {
	app := fiber.New()
	app.Get("/sessions", SessionStats(fixedSessions(3)))

	resp, err := app.Test(httptest.NewRequest("GET", "/sessions", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var payload struct {
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, 3, payload.Data["active"])
}
