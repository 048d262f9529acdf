package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/setu-sync/internal/dto"
	"github.com/noah-isme/setu-sync/internal/feed"
	"github.com/noah-isme/setu-sync/internal/models"
	"github.com/noah-isme/setu-sync/internal/realtime"
	"github.com/noah-isme/setu-sync/internal/repository"
)

var _ realtime.Notifier = NotificationService(nil)

func setupNotificationDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:notifications_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Notification{}))
	return db
}

func newNotificationService(db *gorm.DB, client *redis.Client) NotificationService {
	validate := validator.New(validator.WithRequiredStructEnabled())
	var relays []feed.Relay
	if relay := feed.NewRedisRelay(client, "setu", NotificationStream); relay != nil {
		relays = append(relays, relay)
	}
	return NewNotificationService(repository.NewNotificationRepository(db), validate, zerolog.Nop(), relays...)
}

func TestNotifyStoresAndStreamsToSubscribers(t *testing.T) {
	svc := newNotificationService(setupNotificationDB(t), nil)
	ctx := context.Background()

	stream, cancel := svc.Subscribe("alice")
	defer cancel()
	other, cancelOther := svc.Subscribe("bob")
	defer cancelOther()

	err := svc.Notify(ctx, models.Notification{
		UserID:         "alice",
		Type:           models.NotificationGroup,
		Title:          "<b>Team</b>",
		Body:           "Bob: ship it",
		ConversationID: "c1",
	})
	require.NoError(t, err)

	select {
	case notification := <-stream:
		require.Equal(t, "Team", notification.Title)
		require.Equal(t, "Bob: ship it", notification.Body)
		require.Equal(t, "c1", notification.ConversationID)
		require.False(t, notification.Read)
	case <-time.After(time.Second):
		t.Fatal("expected notification on stream")
	}

	select {
	case notification := <-other:
		t.Fatalf("unexpected notification for bob: %+v", notification)
	default:
	}
}

func TestPublishValidatesPayload(t *testing.T) {
	svc := newNotificationService(setupNotificationDB(t), nil)

	_, err := svc.Publish(context.Background(), dto.NotificationCreateRequest{UserID: "alice", Type: "marketing", Title: "hi"})
	require.Error(t, err)

	_, err = svc.Publish(context.Background(), dto.NotificationCreateRequest{UserID: "alice", Type: models.NotificationSystem, Title: "<i></i>"})
	require.Error(t, err)
}

func TestNotificationCenterReadAndClear(t *testing.T) {
	svc := newNotificationService(setupNotificationDB(t), nil)
	ctx := context.Background()

	var first dto.NotificationResponse
	for i := 0; i < 3; i++ {
		created, err := svc.Publish(ctx, dto.NotificationCreateRequest{UserID: "alice", Type: models.NotificationMessage, Title: fmt.Sprintf("Bob %d", i)})
		require.NoError(t, err)
		if i == 0 {
			first = created
		}
	}

	list, err := svc.List(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, list.Items, 3)
	require.Equal(t, int64(3), list.UnreadCount)

	marked, err := svc.MarkRead(ctx, first.ID, "alice")
	require.NoError(t, err)
	require.True(t, marked.Read)

	_, err = svc.MarkRead(ctx, first.ID, "bob")
	require.ErrorIs(t, err, ErrNotFound)

	affected, err := svc.MarkAllRead(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(2), affected)

	list, err = svc.List(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Zero(t, list.UnreadCount)

	cleared, err := svc.Clear(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(3), cleared)

	_, err = svc.List(ctx, " ", 10, 0)
	require.Error(t, err)
}

func TestSubscribeCleanupClosesStream(t *testing.T) {
	svc := newNotificationService(setupNotificationDB(t), nil)

	stream, cancel := svc.Subscribe("alice")
	cancel()
	cancel()

	_, open := <-stream
	require.False(t, open)
}

func TestNotificationsFanOutAcrossNodesViaRedis(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	db := setupNotificationDB(t)
	origin := newNotificationService(db, client)
	remote := newNotificationService(db, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	origin.Start(ctx)
	remote.Start(ctx)
	require.Eventually(t, func() bool {
		return server.PubSubNumSub("setu:notifications")["setu:notifications"] == 2
	}, time.Second, 10*time.Millisecond)

	local, cancelLocal := origin.Subscribe("alice")
	defer cancelLocal()
	far, cancelFar := remote.Subscribe("alice")
	defer cancelFar()

	_, err = origin.Publish(context.Background(), dto.NotificationCreateRequest{UserID: "alice", Type: models.NotificationMessage, Title: "Bob"})
	require.NoError(t, err)

	select {
	case notification := <-far:
		require.Equal(t, "Bob", notification.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("expected relayed notification")
	}

	require.Len(t, local, 1, "origin delivers locally once and drops its own echo")
	time.Sleep(50 * time.Millisecond)
	require.Len(t, local, 1)
}
