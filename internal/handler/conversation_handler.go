package handler

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/setu-sync/internal/dto"
	"github.com/noah-isme/setu-sync/internal/realtime"
	"github.com/noah-isme/setu-sync/internal/utils"
)

// ConversationHandler exposes conversations and their message history over REST.
type ConversationHandler struct {
	data      realtime.DataService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewConversationHandler constructs a conversation handler.
func NewConversationHandler(data realtime.DataService, validate *validator.Validate, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		data:      data,
		validator: validate,
		logger:    logger.With().Str("component", "conversation_handler").Logger(),
	}
}

// Register binds the conversation routes.
func (h *ConversationHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Get("/:id", h.get)
	router.Get("/:id/messages", h.messages)
	router.Post("/:id/messages", h.send)
}

func (h *ConversationHandler) list(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	conversations, err := h.data.ListConversations(requestContext(c), userID)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "conversations", dto.NewConversationSummarySlice(conversations))
}

func (h *ConversationHandler) get(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	conversation, err := h.data.GetConversation(requestContext(c), userID, c.Params("id"))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "conversation", conversation)
}

func (h *ConversationHandler) messages(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var query dto.MessageHistoryQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}
	query.Cursor = strings.TrimSpace(query.Cursor)
	if err := h.validator.Struct(query); err != nil {
		return sendServiceError(c, h.logger, err)
	}

	var cursor *time.Time
	if query.Cursor != "" {
		parsed, err := time.Parse(time.RFC3339Nano, query.Cursor)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid cursor")
		}
		cursor = &parsed
	}

	page, err := h.data.ListMessages(requestContext(c), userID, c.Params("id"), cursor, query.Limit)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "messages", page)
}

func (h *ConversationHandler) send(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	message, err := h.data.PostMessage(requestContext(c), userID, c.Params("id"), req)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", message)
}
