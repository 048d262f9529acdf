package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/setu-sync/internal/feed"
	"github.com/noah-isme/setu-sync/internal/models"
	"github.com/noah-isme/setu-sync/internal/observability"
	"github.com/noah-isme/setu-sync/internal/store"
)

// MessageSync keeps the loaded message window of one open conversation live.
//
// Inserts from the local user are discarded: their optimistic copy is already in the store.
// A sender who reloads while a send is in flight misses the echo until the next fetch.
// Lookups for different events overlap, but messages are appended in the order their events
// arrived, so remote messages keep the feed's commit order. They are never resorted against
// optimistic local sends.
type MessageSync struct {
	feed           feed.Client
	profiles       ProfileLookup
	store          *store.Store
	conversationID string
	localUserID    string
	logger         zerolog.Logger
	onAppend       func(models.Message)

	dispatch *dispatcher
	mu       sync.Mutex
	sub      *feed.Subscription
}

// MessageSyncOption customises a MessageSync.
type MessageSyncOption func(*MessageSync)

// WithAppendHook registers fn to run after a remote message is appended.
func WithAppendHook(fn func(models.Message)) MessageSyncOption {
	return func(e *MessageSync) {
		e.onAppend = fn
	}
}

// WithMessageConcurrency bounds concurrent event handlers.
func WithMessageConcurrency(n int) MessageSyncOption {
	return func(e *MessageSync) {
		e.dispatch = newDispatcher(n)
	}
}

// NewMessageSync constructs the engine for one conversation. It does nothing until Start.
func NewMessageSync(client feed.Client, profiles ProfileLookup, st *store.Store, conversationID, localUserID string, logger zerolog.Logger, opts ...MessageSyncOption) *MessageSync {
	engine := &MessageSync{
		feed:           client,
		profiles:       profiles,
		store:          st,
		conversationID: conversationID,
		localUserID:    localUserID,
		logger: logger.With().
			Str("component", "message_sync").
			Str("conversation_id", conversationID).
			Logger(),
		dispatch: newDispatcher(DefaultHandlerConcurrency),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Start opens the message subscription for inserts and updates of this conversation.
func (e *MessageSync) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dispatch.isStopped() {
		return ErrStopped
	}
	if e.sub != nil {
		return nil
	}

	sub, err := e.feed.Subscribe(ctx, MessageTopic(e.conversationID),
		feed.Eq(feed.TableMessages, feed.EventInsert, "conversation_id", e.conversationID),
		feed.Eq(feed.TableMessages, feed.EventUpdate, "conversation_id", e.conversationID),
	)
	if err != nil {
		return err
	}
	e.sub = sub
	e.dispatch.consume(ctx, sub, e.handle)
	return nil
}

// Stop closes the subscription. Lookups already in flight finish but their results are dropped.
func (e *MessageSync) Stop() {
	if !e.dispatch.stop() {
		return
	}
	e.mu.Lock()
	sub := e.sub
	e.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// Wait blocks until all handlers have returned.
func (e *MessageSync) Wait() {
	e.dispatch.wait()
}

func (e *MessageSync) handle(ctx context.Context, change feed.Change) func() func() {
	switch change.Event {
	case feed.EventInsert:
		return e.handleInsert(ctx, change)
	case feed.EventUpdate:
		return e.handleUpdate(change)
	}
	return nil
}

func (e *MessageSync) handleInsert(ctx context.Context, change feed.Change) func() func() {
	var row models.Message
	if err := change.DecodeNew(&row); err != nil {
		e.logger.Warn().Err(err).Msg("invalid message insert payload")
		return nil
	}
	if row.SenderID == e.localUserID {
		return nil
	}
	if e.store.HasMessage(row.ID) {
		return nil
	}

	sender, err := e.profiles.GetProfile(ctx, row.SenderID)
	if err != nil {
		observability.SyncFailures().WithLabelValues("messages", "sender").Inc()
		e.logger.Error().Err(err).Str("message_id", row.ID).Str("sender_id", row.SenderID).Msg("failed to resolve sender, skipping message")
		return nil
	}
	row.Sender = &sender

	if row.ReplyTo != nil && *row.ReplyTo != "" {
		reply, err := e.profiles.GetReplySnapshot(ctx, *row.ReplyTo)
		if err != nil {
			observability.SyncFailures().WithLabelValues("messages", "reply").Inc()
			e.logger.Warn().Err(err).Str("message_id", row.ID).Str("reply_to", *row.ReplyTo).Msg("failed to resolve reply, appending without it")
		} else {
			row.ReplyMessage = &reply
		}
	}
	row.Origin = models.OriginRemote

	return func() func() {
		if !e.store.AddMessageIfAbsent(row) || e.onAppend == nil {
			return nil
		}
		return func() { e.onAppend(row) }
	}
}

func (e *MessageSync) handleUpdate(change feed.Change) func() func() {
	var row models.Message
	if err := change.DecodeNew(&row); err != nil {
		e.logger.Warn().Err(err).Msg("invalid message update payload")
		return nil
	}
	return func() func() {
		e.store.UpdateMessage(row.ID, func(m *models.Message) {
			m.MergeRow(row)
		})
		return nil
	}
}
