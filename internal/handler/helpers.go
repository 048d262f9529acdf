package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/setu-sync/internal/middleware"
	"github.com/noah-isme/setu-sync/internal/service"
	"github.com/noah-isme/setu-sync/internal/session"
	"github.com/noah-isme/setu-sync/internal/utils"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func userIDStringFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_id"); v != nil {
		switch id := v.(type) {
		case string:
			return strings.TrimSpace(id)
		case uint:
			return strconv.FormatUint(uint64(id), 10)
		case int:
			if id < 0 {
				return ""
			}
			return strconv.Itoa(id)
		case fmt.Stringer:
			return strings.TrimSpace(id.String())
		}
	}
	return ""
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case isValidationError(err), errors.Is(err, service.ErrEmptyMessage):
		return fiber.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, service.ErrNotMember), errors.Is(err, service.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, session.ErrNoActiveConversation), errors.Is(err, session.ErrSuperseded):
		return fiber.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return fiber.StatusGone
	default:
		return fiber.StatusInternalServerError
	}
}

func validationDetails(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details[fieldErr.Field()] = fieldErr.Tag()
	}
	return details
}

func sendServiceError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	status := statusForError(err)
	if details := validationDetails(err); details != nil {
		return utils.Fail(c, status, "validation failed", details)
	}
	if status >= fiber.StatusInternalServerError {
		requestLogger(logger, c).Error().Err(err).Str("path", c.Path()).Msg("request failed")
		return utils.SendError(c, status, "internal server error")
	}
	return utils.SendError(c, status, err.Error())
}
