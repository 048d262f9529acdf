package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/setu-sync/internal/database"
	"github.com/noah-isme/setu-sync/internal/feed"
	"github.com/noah-isme/setu-sync/internal/middleware"
	"github.com/noah-isme/setu-sync/internal/models"
	"github.com/noah-isme/setu-sync/internal/repository"
	"github.com/noah-isme/setu-sync/internal/service"
	"github.com/noah-isme/setu-sync/internal/session"
)

type chatFixture struct {
	app           *fiber.App
	db            *gorm.DB
	hub           *feed.Hub
	data          *service.DataService
	notifications service.NotificationService
	sessions      *session.Manager
}

type apiEnvelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Meta    map[string]any    `json:"meta"`
	Details map[string]string `json:"details"`
}

func setupChatApp(t *testing.T) *chatFixture {
	t.Helper()

	db, err := database.ConnectSQLite(fmt.Sprintf("file:handler_%d?mode=memory&cache=shared", time.Now().UnixNano()))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	hub := feed.NewHub(zerolog.Nop())
	t.Cleanup(hub.Close)

	validate := validator.New(validator.WithRequiredStructEnabled())
	data := service.NewDataService(service.DataRepositories{
		Conversations: repository.NewConversationRepository(db),
		Messages:      repository.NewMessageRepository(db),
		Profiles:      repository.NewProfileRepository(db),
		Receipts:      repository.NewReadReceiptRepository(db),
	}, nil, "", 0, hub, validate, zerolog.Nop())
	notifications := service.NewNotificationService(repository.NewNotificationRepository(db), validate, zerolog.Nop())

	baseCtx, cancel := context.WithCancel(context.Background())
	sessions := session.NewManager(baseCtx, session.Dependencies{
		Data:     data,
		Feed:     hub,
		Notifier: notifications,
		Logger:   zerolog.Nop(),
	}, session.DefaultConfig())
	t.Cleanup(func() {
		sessions.CloseAll(context.Background())
		cancel()
	})

	gateway, err := NewSessionGatewayHandler(sessions, zerolog.Nop())
	require.NoError(t, err)

	app := fiber.New()
	app.Use(middleware.CorrelationID())
	v2 := app.Group("/api/v2", func(c *fiber.Ctx) error {
		if user := c.Get("X-Test-User"); user != "" {
			c.Locals("user_id", user)
		}
		return c.Next()
	})
	NewConversationHandler(data, validate, zerolog.Nop()).Register(v2.Group("/conversations"))
	NewMessageHandler(data, validate, zerolog.Nop()).Register(v2.Group("/messages"))
	NewNotificationHandler(notifications, zerolog.Nop(), 200*time.Millisecond).Register(v2.Group("/notifications"))
	gateway.Register(v2.Group("/session"))

	for _, profile := range []models.Profile{
		{ID: "alice", Username: "alice", FirstName: "Alice"},
		{ID: "bob", Username: "bob", FirstName: "Bob"},
		{ID: "eve", Username: "eve", FirstName: "Eve"},
	} {
		require.NoError(t, db.Create(&profile).Error)
	}
	require.NoError(t, db.Create(&models.Conversation{ID: "c1", Type: models.ConversationPrivate, CreatedBy: "alice"}).Error)
	for _, member := range []string{"alice", "bob"} {
		require.NoError(t, db.Create(&models.ConversationMember{ConversationID: "c1", UserID: member, Role: models.MemberRoleMember}).Error)
	}

	return &chatFixture{
		app:           app,
		db:            db,
		hub:           hub,
		data:          data,
		notifications: notifications,
		sessions:      sessions,
	}
}

func (f *chatFixture) do(t *testing.T, method, path, user string, body interface{}) (*http.Response, apiEnvelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}

	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope apiEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp, envelope
}

func decodeData(t *testing.T, envelope apiEnvelope, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func startFiberServer(t *testing.T, app *fiber.App) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()

	t.Cleanup(func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	})

	return listener.Addr().String()
}
