package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/setu-sync/internal/feed"
	"github.com/noah-isme/setu-sync/internal/models"
	"github.com/noah-isme/setu-sync/internal/observability"
	"github.com/noah-isme/setu-sync/internal/store"
)

// SidebarLookups are the calls the sidebar needs to hydrate events.
type SidebarLookups interface {
	ProfileLookup
	ConversationLookup
}

// SidebarSync keeps the conversation list live: membership removals, conversation metadata,
// last message previews, unread counters and discovery of conversations not loaded yet.
// It never reorders the list.
type SidebarSync struct {
	feed        feed.Client
	data        SidebarLookups
	store       *store.Store
	localUserID string
	notifier    Notifier
	visibility  *Visibility
	logger      zerolog.Logger

	dispatch *dispatcher
	mu       sync.Mutex
	subs     []*feed.Subscription
}

// SidebarOption customises a SidebarSync.
type SidebarOption func(*SidebarSync)

// WithNotifier sets the desktop-notification sink.
func WithNotifier(notifier Notifier) SidebarOption {
	return func(e *SidebarSync) {
		e.notifier = notifier
	}
}

// WithVisibility shares the tab visibility flag used for notification gating.
func WithVisibility(visibility *Visibility) SidebarOption {
	return func(e *SidebarSync) {
		e.visibility = visibility
	}
}

// WithSidebarConcurrency bounds concurrent event handlers.
func WithSidebarConcurrency(n int) SidebarOption {
	return func(e *SidebarSync) {
		e.dispatch = newDispatcher(n)
	}
}

// NewSidebarSync constructs the global sidebar engine for localUserID.
func NewSidebarSync(client feed.Client, data SidebarLookups, st *store.Store, localUserID string, logger zerolog.Logger, opts ...SidebarOption) *SidebarSync {
	engine := &SidebarSync{
		feed:        client,
		data:        data,
		store:       st,
		localUserID: localUserID,
		visibility:  &Visibility{},
		logger:      logger.With().Str("component", "sidebar_sync").Str("user_id", localUserID).Logger(),
		dispatch:    newDispatcher(DefaultHandlerConcurrency),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Start opens the member, conversation and message subscriptions.
func (e *SidebarSync) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dispatch.isStopped() {
		return ErrStopped
	}
	if len(e.subs) > 0 {
		return nil
	}

	specs := []struct {
		topic   string
		filter  feed.Filter
		handler handler
	}{
		{"sidebar:members:" + e.localUserID, feed.Eq(feed.TableConversationMembers, feed.EventDelete, "user_id", e.localUserID), e.handleMemberDelete},
		{"sidebar:conversations", feed.Filter{Table: feed.TableConversations, Event: feed.EventUpdate}, e.handleConversationUpdate},
		{"sidebar:messages", feed.Filter{Table: feed.TableMessages, Event: feed.EventInsert}, e.handleMessageInsert},
	}

	subs := make([]*feed.Subscription, 0, len(specs))
	for _, spec := range specs {
		sub, err := e.feed.Subscribe(ctx, spec.topic, spec.filter)
		if err != nil {
			for _, opened := range subs {
				opened.Close()
			}
			return err
		}
		subs = append(subs, sub)
	}
	for i, sub := range subs {
		e.dispatch.consume(ctx, sub, specs[i].handler)
	}
	e.subs = subs
	return nil
}

// Stop closes every subscription. In-flight handlers drop their effect.
func (e *SidebarSync) Stop() {
	if !e.dispatch.stop() {
		return
	}
	e.mu.Lock()
	subs := e.subs
	e.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Wait blocks until all handlers have returned.
func (e *SidebarSync) Wait() {
	e.dispatch.wait()
}

func (e *SidebarSync) handleMemberDelete(_ context.Context, change feed.Change) func() func() {
	var member models.ConversationMember
	if err := change.DecodeOld(&member); err != nil {
		e.logger.Warn().Err(err).Msg("invalid membership delete payload")
		return nil
	}
	return func() func() {
		e.store.RemoveConversation(member.ConversationID)
		return nil
	}
}

func (e *SidebarSync) handleConversationUpdate(_ context.Context, change feed.Change) func() func() {
	var row models.Conversation
	if err := change.DecodeNew(&row); err != nil {
		e.logger.Warn().Err(err).Msg("invalid conversation update payload")
		return nil
	}
	return func() func() {
		e.store.UpdateConversation(row.ID, func(c *models.Conversation) {
			if row.LastMessageAt != nil && (c.LastMessageAt == nil || row.LastMessageAt.After(*c.LastMessageAt)) {
				at := *row.LastMessageAt
				c.LastMessageAt = &at
			}
			c.Name = row.Name
			c.Description = row.Description
			c.AvatarURL = row.AvatarURL
		})
		return nil
	}
}

func (e *SidebarSync) handleMessageInsert(ctx context.Context, change feed.Change) func() func() {
	var row models.Message
	if err := change.DecodeNew(&row); err != nil {
		e.logger.Warn().Err(err).Msg("invalid message insert payload")
		return nil
	}
	row.Origin = models.OriginRemote
	if row.SenderID == e.localUserID {
		row.Origin = models.OriginLocal
	}

	var fetched *models.Conversation
	if _, loaded := e.store.Conversation(row.ConversationID); !loaded {
		conversation, err := e.data.GetConversation(ctx, e.localUserID, row.ConversationID)
		if err != nil {
			// messages of conversations the user does not belong to land here as well
			observability.SyncFailures().WithLabelValues("sidebar", "conversation").Inc()
			e.logger.Debug().Err(err).Str("conversation_id", row.ConversationID).Msg("conversation lookup failed, dropping message")
			return nil
		}
		fetched = &conversation
	}
	e.hydrateSender(ctx, &row)

	return func() func() {
		var notify *models.Conversation
		if fetched != nil {
			notify = e.discover(*fetched, row)
		} else {
			_, notify = e.applyToExisting(row)
		}
		if notify == nil {
			return nil
		}
		conversation := *notify
		return func() { e.raise(ctx, conversation, row) }
	}
}

func (e *SidebarSync) hydrateSender(ctx context.Context, row *models.Message) {
	sender, err := e.data.GetProfile(ctx, row.SenderID)
	if err != nil {
		observability.SyncFailures().WithLabelValues("sidebar", "sender").Inc()
		e.logger.Warn().Err(err).Str("message_id", row.ID).Str("sender_id", row.SenderID).Msg("failed to resolve sender for preview")
		row.Sender = nil
		return
	}
	row.Sender = &sender
}

// applyToExisting updates a loaded conversation from the state it holds right now. The preview
// only moves forward in time; the unread counter counts every new message from others. found is
// false when the conversation is not in the store; notify carries the conversation when a
// notification is due.
func (e *SidebarSync) applyToExisting(row models.Message) (found bool, notify *models.Conversation) {
	found = e.store.UpdateConversationState(row.ConversationID, func(c *models.Conversation, active bool) {
		if c.LastMessage != nil && c.LastMessage.ID == row.ID {
			return
		}
		setLastMessage(c, row)
		if row.SenderID != e.localUserID && !active {
			c.UnreadCount++
		}
		if ShouldNotify(c.Type, row.SenderID, e.localUserID, active, e.visibility.Hidden()) {
			snapshot := c.Clone()
			notify = &snapshot
		}
	})
	return found, notify
}

// discover inserts a conversation first seen through one of its messages.
func (e *SidebarSync) discover(conversation models.Conversation, row models.Message) *models.Conversation {
	setLastMessage(&conversation, row)
	conversation.UnreadCount = 0
	if row.SenderID != e.localUserID {
		conversation.UnreadCount = 1
	}

	if !e.store.AddConversation(conversation) {
		// loaded in the meantime, by an earlier event or a list reload
		_, notify := e.applyToExisting(row)
		return notify
	}

	if ShouldNotify(conversation.Type, row.SenderID, e.localUserID, e.store.IsActive(conversation.ID), e.visibility.Hidden()) {
		return &conversation
	}
	return nil
}

// setLastMessage makes row the preview of c unless c already shows a newer message.
func setLastMessage(c *models.Conversation, row models.Message) {
	if c.LastMessage != nil && row.CreatedAt.Before(c.LastMessage.CreatedAt) {
		return
	}
	last := row.Clone()
	c.LastMessage = &last
	if c.LastMessageAt == nil || !row.CreatedAt.Before(*c.LastMessageAt) {
		createdAt := row.CreatedAt
		c.LastMessageAt = &createdAt
	}
}

func (e *SidebarSync) raise(ctx context.Context, conversation models.Conversation, row models.Message) {
	if e.notifier == nil {
		return
	}
	notification := BuildNotification(e.localUserID, conversation, row)
	if err := e.notifier.Notify(ctx, notification); err != nil {
		e.logger.Warn().Err(err).Str("conversation_id", conversation.ID).Msg("failed to raise notification")
		return
	}
	observability.NotificationsRaised().WithLabelValues(notification.Type).Inc()
}

// SortedByActivity returns a copy of list ordered by last activity, newest first. The sidebar
// engine never reorders the store; presentation layers may.
func SortedByActivity(list []models.Conversation) []models.Conversation {
	out := make([]models.Conversation, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool {
		return activity(out[i]).After(activity(out[j]))
	})
	return out
}

func activity(c models.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}
