package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/setu-sync/internal/config"
	"github.com/noah-isme/setu-sync/internal/utils"
)

const probeTimeout = 2 * time.Second

// Probe reports whether a backing dependency is reachable.
type Probe func(ctx context.Context) error

// SessionCounter reports live sessions.
type SessionCounter interface {
	Active() int
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Service     string            `json:"service"`
	Environment string            `json:"environment"`
	FeedSource  string            `json:"feed_source"`
	Components  map[string]string `json:"components,omitempty"`
}

// HealthCheck returns a handler that reports application health information. A failing probe
// degrades the response to 503.
func HealthCheck(cfg config.Config, probes map[string]Probe) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			FeedSource:  cfg.FeedSource,
		}

		if len(probes) > 0 {
			ctx, cancel := context.WithTimeout(requestContext(c), probeTimeout)
			defer cancel()

			payload.Components = make(map[string]string, len(probes))
			for name, probe := range probes {
				if err := probe(ctx); err != nil {
					payload.Components[name] = err.Error()
					payload.Status = "degraded"
					continue
				}
				payload.Components[name] = "ok"
			}
		}

		if payload.Status != "ok" {
			return utils.Fail(c, fiber.StatusServiceUnavailable, "service degraded", payload)
		}
		return utils.SendSuccess(c, "service healthy", payload)
	}
}

// SessionStats reports how many user sessions this node holds.
func SessionStats(sessions SessionCounter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return utils.SendSuccess(c, "sessions", fiber.Map{"active": sessions.Active()})
	}
}
