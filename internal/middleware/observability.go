package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/setu-sync/internal/observability"
)

// Observability records request metrics and logs one line per API request. Websocket and
// SSE routes stay open for the whole session, so they are counted but kept out of the latency
// histogram.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		path := c.Path()
		if !strings.HasPrefix(path, "/api/") || strings.HasSuffix(path, "/metrics") {
			return err
		}

		route := routeTemplate(c)
		method := c.Method()
		status := c.Response().StatusCode()
		statusLabel := strconv.Itoa(status)
		streaming := isStreamingRoute(route)

		observability.HTTPRequests().WithLabelValues(method, route, statusLabel).Inc()
		if !streaming {
			observability.HTTPLatency().WithLabelValues(method, route).Observe(duration.Seconds())
		}
		if status >= fiber.StatusBadRequest {
			observability.HTTPErrors().WithLabelValues(method, route, statusLabel).Inc()
		}

		event := logger.With().
			Str("correlation_id", GetCorrelationID(c)).
			Str("route", route).
			Str("method", method).
			Int("status", status).
			Float64("latency_ms", float64(duration)/float64(time.Millisecond)).
			Logger()

		switch {
		case status >= fiber.StatusInternalServerError:
			event.Error().Msg("request failed")
		case status >= fiber.StatusBadRequest:
			event.Warn().Msg("request completed with client error")
		case streaming:
			event.Info().Msg("stream closed")
		default:
			event.Info().Str("latency_bucket", latencyBucket(duration)).Msg("request completed")
		}

		return err
	}
}

func isStreamingRoute(route string) bool {
	return strings.HasSuffix(route, "/ws") || strings.HasSuffix(route, "/stream")
}

func routeTemplate(c *fiber.Ctx) string {
	if c.Route() != nil && c.Route().Path != "" {
		return c.Route().Path
	}
	return c.Path()
}

func latencyBucket(duration time.Duration) string {
	switch {
	case duration <= 25*time.Millisecond:
		return "<=25ms"
	case duration <= 50*time.Millisecond:
		return "<=50ms"
	case duration <= 100*time.Millisecond:
		return "<=100ms"
	case duration <= 250*time.Millisecond:
		return "<=250ms"
	case duration <= 500*time.Millisecond:
		return "<=500ms"
	default:
		return ">500ms"
	}
}
