package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/setu-sync/internal/dto"
	"github.com/noah-isme/setu-sync/internal/middleware"
	"github.com/noah-isme/setu-sync/internal/observability"
	"github.com/noah-isme/setu-sync/internal/session"
)

// Gateway frame types.
const (
	FrameSnapshot = "snapshot"
	FrameScrollTo = "scroll_to"
	FrameAck      = "ack"
	FrameError    = "error"
)

const (
	gatewayOutboundBuffer = 32
	gatewayWriteTimeout   = 10 * time.Second
)

const sessionCommandSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["open", "close", "send", "typing", "viewport", "load_more", "visibility", "edit", "delete", "react"]},
    "request_id": {"type": "string", "maxLength": 64},
    "conversation_id": {"type": "string", "minLength": 1, "maxLength": 64},
    "message_id": {"type": "string", "minLength": 1, "maxLength": 64},
    "content": {"type": "string", "minLength": 1, "maxLength": 4000},
    "reaction": {"type": "string", "minLength": 1, "maxLength": 32},
    "hidden": {"type": "boolean"},
    "message": {"type": "object"},
    "viewport": {
      "type": "object",
      "required": ["scroll_top", "scroll_height", "client_height"],
      "properties": {
        "scroll_top": {"type": "number"},
        "scroll_height": {"type": "number", "minimum": 0},
        "client_height": {"type": "number", "minimum": 0},
        "divider_offset": {"type": ["number", "null"]}
      }
    }
  },
  "allOf": [
    {"if": {"properties": {"type": {"const": "open"}}}, "then": {"required": ["conversation_id"]}},
    {"if": {"properties": {"type": {"const": "send"}}}, "then": {"required": ["message"]}},
    {"if": {"properties": {"type": {"const": "viewport"}}}, "then": {"required": ["viewport"]}},
    {"if": {"properties": {"type": {"const": "visibility"}}}, "then": {"required": ["hidden"]}},
    {"if": {"properties": {"type": {"const": "edit"}}}, "then": {"required": ["message_id", "content"]}},
    {"if": {"properties": {"type": {"const": "delete"}}}, "then": {"required": ["message_id"]}},
    {"if": {"properties": {"type": {"const": "react"}}}, "then": {"required": ["message_id", "reaction"]}}
  ]
}`

// SessionProvider hands out per-tab sessions shared by the connections of that tab.
type SessionProvider interface {
	Acquire(ctx context.Context, userID, tabID string) (*session.Session, func(), error)
}

// GatewayCommand is a client instruction received over the session websocket.
type GatewayCommand struct {
	Type           string                   `json:"type"`
	RequestID      string                   `json:"request_id,omitempty"`
	ConversationID string                   `json:"conversation_id,omitempty"`
	MessageID      string                   `json:"message_id,omitempty"`
	Content        string                   `json:"content,omitempty"`
	Reaction       string                   `json:"reaction,omitempty"`
	Hidden         *bool                    `json:"hidden,omitempty"`
	Message        *dto.SendMessageRequest  `json:"message,omitempty"`
	Viewport       *session.ViewportMetrics `json:"viewport,omitempty"`
}

// GatewayFrame is a server message pushed over the session websocket.
type GatewayFrame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Top       *float64    `json:"top,omitempty"`
}

// SessionGatewayHandler lets a UI drive its session over a websocket and receive snapshots.
type SessionGatewayHandler struct {
	sessions SessionProvider
	schema   *jsonschema.Schema
	logger   zerolog.Logger
}

// NewSessionGatewayHandler constructs the gateway.
func NewSessionGatewayHandler(sessions SessionProvider, logger zerolog.Logger) (*SessionGatewayHandler, error) {
	schema, err := jsonschema.CompileString("session_command.json", sessionCommandSchema)
	if err != nil {
		return nil, fmt.Errorf("compile session command schema: %w", err)
	}
	return &SessionGatewayHandler{
		sessions: sessions,
		schema:   schema,
		logger:   logger.With().Str("component", "session_gateway").Logger(),
	}, nil
}

// Register binds the websocket route under the provided router group.
func (h *SessionGatewayHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			ctx := context.WithoutCancel(requestContext(c))
			ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
			c.Locals("request_ctx", ctx)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *SessionGatewayHandler) handleConnection(conn *websocket.Conn) {
	userID := websocketUserID(conn)
	if userID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user id missing"))
		_ = conn.Close()
		return
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	tabID := strings.TrimSpace(conn.Query("tab_id"))
	if tabID == "" {
		tabID = uuid.NewString()
	}
	logger := h.logger.With().Str("user_id", userID).Str("tab_id", tabID).Logger()

	sess, release, err := h.sessions.Acquire(ctx, userID, tabID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to acquire session")
		_ = conn.WriteJSON(GatewayFrame{Type: FrameError, Message: "session unavailable"})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"))
		_ = conn.Close()
		return
	}
	defer release()

	observability.GatewayConnections().Inc()
	defer observability.GatewayConnections().Dec()
	logger.Info().Msg("session gateway connected")

	outbound := make(chan GatewayFrame, gatewayOutboundBuffer)
	enqueue := func(frame GatewayFrame) {
		select {
		case outbound <- frame:
		case <-ctx.Done():
		default:
			observability.FeedDropped().WithLabelValues("gateway").Inc()
			logger.Warn().Str("frame", frame.Type).Msg("dropping gateway frame for slow client")
		}
	}

	changes, stopWatch := sess.Store().Watch()
	defer stopWatch()
	stopScroll := sess.OnScroll(func(top float64) {
		enqueue(GatewayFrame{Type: FrameScrollTo, Top: &top})
	})
	defer stopScroll()

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		defer cancel()
		h.writeLoop(ctx, conn, sess, changes, outbound, logger)
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("session gateway read ended")
			}
			break
		}

		command, err := h.decode(payload)
		if err != nil {
			enqueue(GatewayFrame{Type: FrameError, Message: err.Error()})
			continue
		}

		data, err := h.dispatch(ctx, sess, command)
		if err != nil {
			enqueue(GatewayFrame{Type: FrameError, RequestID: command.RequestID, Message: gatewayErrorMessage(err)})
			continue
		}
		if command.RequestID != "" {
			enqueue(GatewayFrame{Type: FrameAck, RequestID: command.RequestID, Data: data})
		}
	}

	cancel()
	writer.Wait()
	logger.Info().Msg("session gateway disconnected")
}

func (h *SessionGatewayHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, changes <-chan struct{}, outbound <-chan GatewayFrame, logger zerolog.Logger) {
	write := func(frame GatewayFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			logger.Debug().Err(err).Str("frame", frame.Type).Msg("failed to write gateway frame")
			return false
		}
		return true
	}

	if !write(GatewayFrame{Type: FrameSnapshot, Data: sess.View()}) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if !write(GatewayFrame{Type: FrameSnapshot, Data: sess.View()}) {
				return
			}
		case frame := <-outbound:
			if !write(frame) {
				return
			}
		}
	}
}

func (h *SessionGatewayHandler) decode(payload []byte) (GatewayCommand, error) {
	var raw interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return GatewayCommand{}, errors.New("command is not valid json")
	}
	if err := h.schema.Validate(raw); err != nil {
		return GatewayCommand{}, fmt.Errorf("invalid command: %v", err)
	}

	var command GatewayCommand
	if err := json.Unmarshal(payload, &command); err != nil {
		return GatewayCommand{}, fmt.Errorf("invalid command: %v", err)
	}
	return command, nil
}

func (h *SessionGatewayHandler) dispatch(ctx context.Context, sess *session.Session, command GatewayCommand) (interface{}, error) {
	switch command.Type {
	case "open":
		return nil, sess.Open(ctx, command.ConversationID)
	case "close":
		sess.CloseConversation()
		return nil, nil
	case "send":
		message, err := sess.Send(ctx, *command.Message)
		if err != nil {
			return nil, err
		}
		return message, nil
	case "typing":
		return nil, sess.SendTyping()
	case "viewport":
		loaded, err := sess.ReportViewport(ctx, *command.Viewport)
		return fiber.Map{"loaded": loaded}, err
	case "load_more":
		loaded, err := sess.LoadMore(ctx)
		return fiber.Map{"loaded": loaded}, err
	case "visibility":
		sess.SetVisibility(ctx, *command.Hidden)
		return nil, nil
	case "edit":
		return sess.Edit(ctx, command.MessageID, command.Content)
	case "delete":
		return sess.Delete(ctx, command.MessageID)
	case "react":
		return sess.React(ctx, command.MessageID, command.Reaction)
	default:
		return nil, fmt.Errorf("unknown command %q", command.Type)
	}
}

func gatewayErrorMessage(err error) string {
	if statusForError(err) >= fiber.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func websocketUserID(conn *websocket.Conn) string {
	if value := conn.Locals("user_id"); value != nil {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}
