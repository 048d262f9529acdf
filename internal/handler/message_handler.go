package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/setu-sync/internal/dto"
	"github.com/noah-isme/setu-sync/internal/realtime"
	"github.com/noah-isme/setu-sync/internal/utils"
)

// MessageHandler edits, deletes and reacts to single messages.
type MessageHandler struct {
	data      realtime.DataService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewMessageHandler constructs a message handler.
func NewMessageHandler(data realtime.DataService, validate *validator.Validate, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		data:      data,
		validator: validate,
		logger:    logger.With().Str("component", "message_handler").Logger(),
	}
}

// Register binds the message routes.
func (h *MessageHandler) Register(router fiber.Router) {
	router.Patch("/:id", h.edit)
	router.Delete("/:id", h.delete)
	router.Post("/:id/reactions", h.react)
}

func (h *MessageHandler) edit(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var req dto.EditMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(req); err != nil {
		return sendServiceError(c, h.logger, err)
	}

	message, err := h.data.EditMessage(requestContext(c), userID, c.Params("id"), req.Content)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message updated", message)
}

func (h *MessageHandler) delete(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	message, err := h.data.DeleteMessage(requestContext(c), userID, c.Params("id"))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message deleted", message)
}

func (h *MessageHandler) react(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var req dto.ReactionRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(req); err != nil {
		return sendServiceError(c, h.logger, err)
	}

	message, err := h.data.ToggleReaction(requestContext(c), userID, c.Params("id"), req.Reaction)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "reaction toggled", message)
}
