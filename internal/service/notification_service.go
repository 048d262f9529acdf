package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/setu-sync/internal/dto"
	"github.com/noah-isme/setu-sync/internal/feed"
	"github.com/noah-isme/setu-sync/internal/models"
	"github.com/noah-isme/setu-sync/internal/observability"
	"github.com/noah-isme/setu-sync/internal/repository"
)

const notificationBufferSize = 16

// NotificationService stores desktop notifications and streams them to end users via SSE.
type NotificationService interface {
	Notify(ctx context.Context, notification models.Notification) error
	Publish(ctx context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error)
	List(ctx context.Context, userID string, limit, offset int) (dto.NotificationListResponse, error)
	MarkRead(ctx context.Context, id uint, userID string) (dto.NotificationResponse, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Clear(ctx context.Context, userID string) (int64, error)
	Subscribe(userID string) (<-chan dto.NotificationResponse, func())
	Start(ctx context.Context)
}

type notificationService struct {
	repo      repository.NotificationRepository
	relays    []feed.Relay
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	sanitizer *bluemonday.Policy
	broker    *notificationBroker
	nodeID    string
}

type notificationEvent struct {
	Source       string                   `json:"source"`
	Notification dto.NotificationResponse `json:"notification"`
	SentAt       time.Time                `json:"sent_at"`
}

type notificationBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan dto.NotificationResponse]struct{}
}

// NotificationStream is the relay stream carrying notifications between nodes.
const NotificationStream = "notifications"

// NewNotificationService constructs a notification service. Each relay fans notifications out
// to the SSE clients connected to other nodes.
func NewNotificationService(repo repository.NotificationRepository, validate *validator.Validate, logger zerolog.Logger, relays ...feed.Relay) NotificationService {
	return &notificationService{
		repo:      repo,
		relays:    relays,
		validator: validate,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/setu-sync/internal/service/notification"),
		sanitizer: bluemonday.StrictPolicy(),
		broker: &notificationBroker{
			subscribers: make(map[string]map[chan dto.NotificationResponse]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

func (s *notificationService) Start(ctx context.Context) {
	for _, relay := range s.relays {
		relay := relay
		go func() {
			if err := relay.Consume(ctx, s.handleEvent); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Str("relay", relay.Name()).Msg("notification relay consumer stopped")
			}
		}()
	}
}

// Notify records a notification raised by a session's sidebar engine.
func (s *notificationService) Notify(ctx context.Context, notification models.Notification) error {
	_, err := s.Publish(ctx, dto.NotificationCreateRequest{
		UserID:         notification.UserID,
		Type:           notification.Type,
		Title:          notification.Title,
		Body:           notification.Body,
		ConversationID: notification.ConversationID,
		MessageID:      notification.MessageID,
	})
	return err
}

func (s *notificationService) Publish(ctx context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.NotificationResponse{}, err
	}

	cleanTitle := strings.TrimSpace(s.sanitizer.Sanitize(payload.Title))
	if cleanTitle == "" {
		return dto.NotificationResponse{}, errors.New("notification title empty after sanitization")
	}
	cleanBody := strings.TrimSpace(s.sanitizer.Sanitize(payload.Body))

	attrs := []attribute.KeyValue{
		attribute.String("notification.user_id", payload.UserID),
		attribute.String("notification.type", payload.Type),
	}

	spanCtx, span := s.tracer.Start(ctx, "notifications.publish", trace.WithAttributes(attrs...))
	defer span.End()

	model := models.Notification{
		UserID:         payload.UserID,
		Type:           payload.Type,
		Title:          cleanTitle,
		Body:           cleanBody,
		ConversationID: payload.ConversationID,
		MessageID:      payload.MessageID,
	}

	if err := s.repo.Create(spanCtx, &model); err != nil {
		span.RecordError(err)
		return dto.NotificationResponse{}, err
	}

	response := dto.NewNotificationResponse(model)
	s.broadcast(response)
	if err := s.publish(spanCtx, response); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish notification to broker")
	}

	return response, nil
}

func (s *notificationService) List(ctx context.Context, userID string, limit, offset int) (dto.NotificationListResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return dto.NotificationListResponse{}, errors.New("user id is required")
	}

	notifications, err := s.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return dto.NotificationListResponse{}, err
	}
	unread, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return dto.NotificationListResponse{}, err
	}

	return dto.NotificationListResponse{
		Items:       dto.NewNotificationResponseSlice(notifications),
		UnreadCount: unread,
	}, nil
}

func (s *notificationService) MarkRead(ctx context.Context, id uint, userID string) (dto.NotificationResponse, error) {
	attrs := []attribute.KeyValue{
		attribute.String("notification.user_id", userID),
	}
	spanCtx, span := s.tracer.Start(ctx, "notifications.mark_read", trace.WithAttributes(attrs...))
	defer span.End()

	notification, err := s.repo.MarkRead(spanCtx, id, userID)
	if err != nil {
		span.RecordError(err)
		return dto.NotificationResponse{}, translate(err)
	}

	return dto.NewNotificationResponse(notification), nil
}

func (s *notificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	spanCtx, span := s.tracer.Start(ctx, "notifications.mark_all_read", trace.WithAttributes(attribute.String("notification.user_id", userID)))
	defer span.End()

	affected, err := s.repo.MarkAllRead(spanCtx, userID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return affected, nil
}

func (s *notificationService) Clear(ctx context.Context, userID string) (int64, error) {
	spanCtx, span := s.tracer.Start(ctx, "notifications.clear", trace.WithAttributes(attribute.String("notification.user_id", userID)))
	defer span.End()

	affected, err := s.repo.Clear(spanCtx, userID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return affected, nil
}

func (s *notificationService) Subscribe(userID string) (<-chan dto.NotificationResponse, func()) {
	channel := make(chan dto.NotificationResponse, notificationBufferSize)

	s.broker.subscribe(userID, channel)
	observability.SSEClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.broker.unsubscribe(userID, channel)
			observability.SSEClientsActive().Dec()
		})
	}

	return channel, cleanup
}

func (s *notificationService) broadcast(notification dto.NotificationResponse) {
	s.broker.broadcast(notification.UserID, notification)
}

func (s *notificationService) publish(ctx context.Context, notification dto.NotificationResponse) error {
	if len(s.relays) == 0 {
		return nil
	}

	payload, err := json.Marshal(notificationEvent{
		Source:       s.nodeID,
		Notification: notification,
		SentAt:       time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, relay := range s.relays {
		if err := relay.Publish(ctx, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s relay: %w", relay.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *notificationService) handleEvent(payload []byte) {
	var event notificationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid notification event payload")
		return
	}

	if event.Source == s.nodeID {
		return
	}

	notification := event.Notification
	if notification.Type == "" {
		notification.Type = models.NotificationSystem
	}

	s.broadcast(notification)
}

func (b *notificationBroker) subscribe(userID string, ch chan dto.NotificationResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[userID]; !exists {
		b.subscribers[userID] = make(map[chan dto.NotificationResponse]struct{})
	}
	b.subscribers[userID][ch] = struct{}{}
}

func (b *notificationBroker) unsubscribe(userID string, ch chan dto.NotificationResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[userID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, userID)
		}
	}
}

func (b *notificationBroker) broadcast(userID string, notification dto.NotificationResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers := b.subscribers[userID]
	for ch := range subscribers {
		select {
		case ch <- notification:
		default:
		}
	}
}
