package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/setu-sync/internal/dto"
	"github.com/noah-isme/setu-sync/internal/feed"
	"github.com/noah-isme/setu-sync/internal/models"
	"github.com/noah-isme/setu-sync/internal/observability"
	"github.com/noah-isme/setu-sync/internal/repository"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotMember is returned when the caller does not belong to the conversation.
	ErrNotMember = errors.New("not a member of this conversation")
	// ErrForbidden is returned when the caller may not modify the row.
	ErrForbidden = errors.New("forbidden")
	// ErrEmptyMessage is returned when a message carries neither text nor a file.
	ErrEmptyMessage = errors.New("message needs content or a file")
)

const defaultProfileCacheTTL = 5 * time.Minute

// DataRepositories groups the repositories backing the data service.
type DataRepositories struct {
	Conversations repository.ConversationRepository
	Messages      repository.MessageRepository
	Profiles      repository.ProfileRepository
	Receipts      repository.ReadReceiptRepository
}

// DataService serves conversation, message and profile requests and emits the resulting row
// changes onto the change feed.
type DataService struct {
	repos       DataRepositories
	cache       *redis.Client
	cachePrefix string
	cacheTTL    time.Duration
	publisher   feed.Publisher
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	tracer      trace.Tracer
	logger      zerolog.Logger
	now         func() time.Time
}

// NewDataService constructs the data service. cache and publisher may be nil; without a
// publisher row changes are expected to come from the database itself.
func NewDataService(repos DataRepositories, cache *redis.Client, channelBase string, cacheTTL time.Duration, publisher feed.Publisher, validate *validator.Validate, logger zerolog.Logger) *DataService {
	if cacheTTL <= 0 {
		cacheTTL = defaultProfileCacheTTL
	}
	cachePrefix := "profile"
	if channelBase != "" {
		cachePrefix = channelBase + ":profile"
	}

	return &DataService{
		repos:       repos,
		cache:       cache,
		cachePrefix: cachePrefix,
		cacheTTL:    cacheTTL,
		publisher:   publisher,
		validator:   validate,
		sanitizer:   bluemonday.UGCPolicy(),
		tracer:      otel.Tracer("github.com/noah-isme/setu-sync/internal/service/data"),
		logger:      logger.With().Str("component", "data_service").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *DataService) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	key := s.cachePrefix + ":" + userID
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, key).Result()
		if err == nil {
			var profile models.Profile
			if unmarshalErr := json.Unmarshal([]byte(cached), &profile); unmarshalErr == nil {
				return profile, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read profile cache")
		}
	}

	profile, err := s.repos.Profiles.FindByID(ctx, userID)
	if err != nil {
		return models.Profile{}, translate(err)
	}

	if s.cache != nil {
		if payload, err := json.Marshal(profile); err == nil {
			if err := s.cache.Set(ctx, key, payload, s.cacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store profile cache")
			}
		}
	}
	return profile, nil
}

func (s *DataService) GetReplySnapshot(ctx context.Context, messageID string) (models.ReplySnapshot, error) {
	message, err := s.repos.Messages.FindByID(ctx, messageID)
	if err != nil {
		return models.ReplySnapshot{}, translate(err)
	}
	return models.ReplySnapshot{
		ID:          message.ID,
		Content:     message.Content,
		MessageType: message.MessageType,
		SenderID:    message.SenderID,
		Sender:      message.Sender,
	}, nil
}

func (s *DataService) GetConversation(ctx context.Context, userID, conversationID string) (models.Conversation, error) {
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return models.Conversation{}, err
	}
	conversation, err := s.repos.Conversations.FindByID(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, translate(err)
	}
	if err := s.decorate(ctx, userID, &conversation); err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}

func (s *DataService) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	conversations, err := s.repos.Conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range conversations {
		if err := s.decorate(ctx, userID, &conversations[i]); err != nil {
			return nil, err
		}
	}
	return conversations, nil
}

// ListMessages returns one page of history ending before cursor. The newest page also reports
// the caller's unread count and moves their read receipt to the newest message.
func (s *DataService) ListMessages(ctx context.Context, userID, conversationID string, cursor *time.Time, limit int) (dto.MessagePage, error) {
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return dto.MessagePage{}, err
	}
	if limit <= 0 || limit > 100 {
		limit = dto.DefaultPageSize
	}

	messages, err := s.repos.Messages.ListByConversation(ctx, conversationID, cursor, limit)
	if err != nil {
		return dto.MessagePage{}, err
	}
	for i := range messages {
		s.attachReply(ctx, &messages[i])
	}

	page := dto.MessagePage{Data: messages, HasMore: len(messages) == limit}
	if len(messages) > 0 {
		oldest := messages[0].CreatedAt
		page.NextCursor = &oldest
	}

	if cursor == nil {
		unread, err := s.unreadCount(ctx, conversationID, userID)
		if err != nil {
			return dto.MessagePage{}, err
		}
		page.UnreadCount = unread
		if len(messages) > 0 {
			newest := messages[len(messages)-1]
			if err := s.UpsertReadReceipt(ctx, userID, conversationID, newest.ID); err != nil {
				s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to update read receipt")
			}
		}
	}
	return page, nil
}

func (s *DataService) PostMessage(ctx context.Context, userID, conversationID string, req dto.SendMessageRequest) (models.Message, error) {
	if err := s.validator.Struct(req); err != nil {
		return models.Message{}, err
	}

	messageType := req.MessageType
	if messageType == "" {
		messageType = models.MessageText
	}

	var content *string
	if req.Content != nil {
		clean := strings.TrimSpace(s.sanitizer.Sanitize(*req.Content))
		if clean != "" {
			content = &clean
		}
	}
	if content == nil && req.FileURL == nil {
		return models.Message{}, ErrEmptyMessage
	}

	spanCtx, span := s.tracer.Start(ctx, "messages.post", trace.WithAttributes(
		attribute.String("message.conversation_id", conversationID),
		attribute.String("message.type", string(messageType)),
	))
	defer span.End()

	if err := s.requireMember(spanCtx, conversationID, userID); err != nil {
		span.SetStatus(codes.Error, "not_member")
		return models.Message{}, err
	}

	now := s.now()
	message := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		MessageType:    messageType,
		FileURL:        req.FileURL,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		ReplyTo:        req.ReplyTo,
		ForwardedFrom:  req.ForwardedFrom,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repos.Messages.Create(spanCtx, &message); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create_failed")
		return models.Message{}, err
	}
	s.emit(spanCtx, feed.EventInsert, feed.TableMessages, messageRow(message), nil)

	conversation, err := s.repos.Conversations.TouchLastMessage(spanCtx, conversationID, now)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to update last message time")
	} else {
		conversation.Members = nil
		s.emit(spanCtx, feed.EventUpdate, feed.TableConversations, conversation, nil)
	}

	if err := s.UpsertReadReceipt(spanCtx, userID, conversationID, message.ID); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to update read receipt")
	}

	observability.MessagesSent().WithLabelValues(string(messageType)).Inc()

	stored, err := s.repos.Messages.FindByID(spanCtx, message.ID)
	if err != nil {
		return message, nil
	}
	s.attachReply(spanCtx, &stored)
	return stored, nil
}

func (s *DataService) EditMessage(ctx context.Context, userID, messageID, content string) (models.Message, error) {
	if err := s.validator.Struct(dto.EditMessageRequest{Content: content}); err != nil {
		return models.Message{}, err
	}
	clean := strings.TrimSpace(s.sanitizer.Sanitize(content))
	if clean == "" {
		return models.Message{}, ErrEmptyMessage
	}

	spanCtx, span := s.tracer.Start(ctx, "messages.edit", trace.WithAttributes(attribute.String("message.id", messageID)))
	defer span.End()

	message, err := s.repos.Messages.UpdateContent(spanCtx, messageID, userID, clean)
	if err != nil {
		span.RecordError(err)
		return models.Message{}, s.ownershipError(spanCtx, messageID, userID, err)
	}
	s.emit(spanCtx, feed.EventUpdate, feed.TableMessages, messageRow(message), nil)
	s.attachReply(spanCtx, &message)
	return message, nil
}

func (s *DataService) DeleteMessage(ctx context.Context, userID, messageID string) (models.Message, error) {
	spanCtx, span := s.tracer.Start(ctx, "messages.delete", trace.WithAttributes(attribute.String("message.id", messageID)))
	defer span.End()

	message, err := s.repos.Messages.SoftDelete(spanCtx, messageID, userID)
	if err != nil {
		span.RecordError(err)
		return models.Message{}, s.ownershipError(spanCtx, messageID, userID, err)
	}
	s.emit(spanCtx, feed.EventUpdate, feed.TableMessages, messageRow(message), nil)
	return message, nil
}

// ToggleReaction adds or removes a reaction of userID and returns the message with its current
// reactions.
func (s *DataService) ToggleReaction(ctx context.Context, userID, messageID, reaction string) (models.Message, error) {
	if err := s.validator.Struct(dto.ReactionRequest{Reaction: reaction}); err != nil {
		return models.Message{}, err
	}

	spanCtx, span := s.tracer.Start(ctx, "messages.react", trace.WithAttributes(attribute.String("message.id", messageID)))
	defer span.End()

	message, err := s.repos.Messages.FindByID(spanCtx, messageID)
	if err != nil {
		return models.Message{}, translate(err)
	}
	if err := s.requireMember(spanCtx, message.ConversationID, userID); err != nil {
		return models.Message{}, err
	}

	row, added, err := s.repos.Messages.ToggleReaction(spanCtx, messageID, userID, reaction)
	if err != nil {
		span.RecordError(err)
		return models.Message{}, err
	}
	if added {
		s.emit(spanCtx, feed.EventInsert, feed.TableMessageReactions, row, nil)
	} else {
		s.emit(spanCtx, feed.EventDelete, feed.TableMessageReactions, nil, row)
	}

	reactions, err := s.repos.Messages.ListReactions(spanCtx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if reactions == nil {
		reactions = []models.MessageReaction{}
	}
	message.Reactions = reactions
	return message, nil
}

func (s *DataService) UpdatePresence(ctx context.Context, userID string, online bool) error {
	profile, err := s.repos.Profiles.UpdatePresence(ctx, userID, online, s.now())
	if err != nil {
		return translate(err)
	}
	if s.cache != nil {
		if err := s.cache.Del(ctx, s.cachePrefix+":"+userID).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to invalidate profile cache")
		}
	}
	s.emit(ctx, feed.EventUpdate, feed.TableProfiles, profile, nil)
	return nil
}

func (s *DataService) UpsertReadReceipt(ctx context.Context, userID, conversationID, messageID string) error {
	return s.repos.Receipts.Upsert(ctx, models.ReadReceipt{
		ConversationID:    conversationID,
		UserID:            userID,
		LastReadMessageID: messageID,
		LastReadAt:        s.now(),
	})
}

func (s *DataService) requireMember(ctx context.Context, conversationID, userID string) error {
	member, err := s.repos.Conversations.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotMember
	}
	return nil
}

func (s *DataService) decorate(ctx context.Context, userID string, conversation *models.Conversation) error {
	latest, err := s.repos.Messages.Latest(ctx, conversation.ID)
	switch {
	case err == nil:
		conversation.LastMessage = &latest
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}

	unread, err := s.unreadCount(ctx, conversation.ID, userID)
	if err != nil {
		return err
	}
	conversation.UnreadCount = unread
	return nil
}

// unreadCount counts messages from others after the caller's read receipt. Without a receipt
// nothing is unread.
func (s *DataService) unreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	receipt, err := s.repos.Receipts.Find(ctx, conversationID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count, err := s.repos.Messages.CountUnread(ctx, conversationID, userID, receipt.LastReadAt)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *DataService) attachReply(ctx context.Context, message *models.Message) {
	if message.ReplyTo == nil || *message.ReplyTo == "" {
		return
	}
	reply, err := s.GetReplySnapshot(ctx, *message.ReplyTo)
	if err != nil {
		s.logger.Debug().Err(err).Str("message_id", message.ID).Msg("reply snapshot unavailable")
		return
	}
	message.ReplyMessage = &reply
}

func (s *DataService) ownershipError(ctx context.Context, messageID, userID string, err error) error {
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	existing, findErr := s.repos.Messages.FindByID(ctx, messageID)
	if findErr != nil {
		return ErrNotFound
	}
	if existing.SenderID != userID {
		return ErrForbidden
	}
	return ErrNotFound
}

func (s *DataService) emit(ctx context.Context, event feed.EventType, table string, newRow, oldRow interface{}) {
	if s.publisher == nil {
		return
	}
	change, err := feed.NewChange(event, table, newRow, oldRow)
	if err != nil {
		s.logger.Error().Err(err).Str("table", table).Msg("failed to encode row change")
		return
	}
	if err := s.publisher.PublishChange(ctx, change); err != nil {
		s.logger.Warn().Err(err).Str("table", table).Str("event", string(event)).Msg("failed to publish row change")
	}
}

// messageRow strips hydrated snapshots so the change carries the bare row.
func messageRow(message models.Message) models.Message {
	row := message
	row.Sender = nil
	row.ReplyMessage = nil
	row.Reactions = nil
	return row
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
