// Package session owns the per-login state of one user: the conversation store and the sync
// engines that feed it. A session is built when the user signs in and closed on logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/setu-sync/internal/dto"
	"github.com/noah-isme/setu-sync/internal/feed"
	"github.com/noah-isme/setu-sync/internal/models"
	"github.com/noah-isme/setu-sync/internal/observability"
	"github.com/noah-isme/setu-sync/internal/realtime"
	"github.com/noah-isme/setu-sync/internal/store"
)

var (
	// ErrNoActiveConversation is returned by conversation operations while none is open.
	ErrNoActiveConversation = errors.New("session: no active conversation")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrSuperseded is returned by Open when another Open or a close replaced it before it
	// finished loading.
	ErrSuperseded = errors.New("session: conversation open superseded")
)

// Config tunes the engines of a session.
type Config struct {
	Timings     realtime.Timings
	PageSize    int
	Concurrency int
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		Timings:     realtime.DefaultTimings(),
		PageSize:    dto.DefaultPageSize,
		Concurrency: realtime.DefaultHandlerConcurrency,
	}
}

// Dependencies are the collaborators shared by every session.
type Dependencies struct {
	Data     realtime.DataService
	Feed     feed.Client
	Notifier realtime.Notifier
	Logger   zerolog.Logger
}

// View is everything a client renders.
type View struct {
	store.Snapshot
	Pager        *realtime.PagerState `json:"pager,omitempty"`
	DividerIndex int                  `json:"divider_index"`
	TypingLabel  string               `json:"typing_label,omitempty"`
}

type conversationView struct {
	id       string
	messages *realtime.MessageSync
	typing   *realtime.Typing
	pager    *realtime.Pager
	scroll   *realtime.ScrollController
	viewport *RemoteViewport
}

// Session is one browser tab of a signed-in user: its conversation list, open conversation and
// scroll position. Presence and notifications are shared with the user's other tabs.
type Session struct {
	user       models.Profile
	tabID      string
	data       realtime.DataService
	feed       feed.Client
	cfg        Config
	logger     zerolog.Logger
	store      *store.Store
	visibility *realtime.Visibility
	sidebar    *realtime.SidebarSync
	tabs       *tabGroup

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	view    *conversationView
	pending *conversationView
	started bool
	closed  bool

	scrollMu      sync.RWMutex
	scrollSinks   map[int]func(float64)
	nextScrollSub int
}

// New assembles a single-tab session for user. Nothing runs until Start.
func New(user models.Profile, deps Dependencies, cfg Config) *Session {
	cfg = withDefaults(cfg)
	return newTab(user, uuid.NewString(), deps, cfg, newTabGroup(nil, user.ID, deps, cfg.Timings.PresenceHeartbeat))
}

func withDefaults(cfg Config) Config {
	if cfg.PageSize <= 0 {
		cfg.PageSize = dto.DefaultPageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = realtime.DefaultHandlerConcurrency
	}
	if cfg.Timings == (realtime.Timings{}) {
		cfg.Timings = realtime.DefaultTimings()
	}
	return cfg
}

func newTab(user models.Profile, tabID string, deps Dependencies, cfg Config, tabs *tabGroup) *Session {
	logger := deps.Logger.With().Str("component", "session").Str("user_id", user.ID).Str("tab_id", tabID).Logger()
	st := store.New()
	visibility := &realtime.Visibility{}

	return &Session{
		user:       user,
		tabID:      tabID,
		data:       deps.Data,
		feed:       deps.Feed,
		cfg:        cfg,
		logger:     logger,
		store:      st,
		visibility: visibility,
		sidebar: realtime.NewSidebarSync(deps.Feed, deps.Data, st, user.ID, deps.Logger,
			realtime.WithVisibility(visibility),
			realtime.WithSidebarConcurrency(cfg.Concurrency),
			realtime.WithNotifier(tabs),
		),
		tabs:        tabs,
		scrollSinks: make(map[int]func(float64)),
	}
}

// User returns the profile the session belongs to.
func (s *Session) User() models.Profile {
	return s.user
}

// TabID identifies the browser tab the session belongs to.
func (s *Session) TabID() string {
	return s.tabID
}

// Store exposes the session's state container.
func (s *Session) Store() *store.Store {
	return s.store
}

// Start loads the conversation list and starts the sidebar and presence engines. ctx bounds the
// whole session lifetime.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	conversations, err := s.data.ListConversations(ctx, s.user.ID)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	s.store.SetConversations(conversations)

	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.sidebar.Start(s.ctx); err != nil {
		s.cancel()
		return fmt.Errorf("start sidebar sync: %w", err)
	}
	s.tabs.join(s.ctx, s)
	s.started = true

	observability.SessionsActive().Inc()
	s.logger.Info().Int("conversations", len(conversations)).Msg("session started")
	return nil
}

// Open makes conversationID the active conversation: resets its unread counter, loads the latest
// page and starts message and typing sync. Any previously open conversation is closed first.
// Lookups run without holding the session; an Open overtaken by a newer Open or a close returns
// ErrSuperseded.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed || !s.started {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closeViewLocked()
	view := s.newView(conversationID)
	s.pending = view
	s.store.ResetUnreadCount(conversationID)
	if known, ok := s.store.Conversation(conversationID); ok {
		s.store.SetActiveConversation(&known)
	}
	s.mu.Unlock()

	conversation, err := s.data.GetConversation(ctx, s.user.ID, conversationID)
	if err != nil {
		s.abandon(view)
		return fmt.Errorf("open conversation %s: %w", conversationID, err)
	}
	if err := view.pager.LoadInitial(ctx); err != nil && !errors.Is(err, realtime.ErrStopped) {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("initial history load failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.pending != view {
		return ErrSuperseded
	}
	s.pending = nil

	conversation.UnreadCount = 0
	s.store.AddConversation(conversation)
	s.store.SetActiveConversation(&conversation)

	if err := view.messages.Start(s.ctx); err != nil {
		view.pager.Close()
		s.clearConversationLocked()
		return fmt.Errorf("start message sync: %w", err)
	}
	if err := view.typing.Start(s.ctx); err != nil {
		view.messages.Stop()
		view.pager.Close()
		s.clearConversationLocked()
		return fmt.Errorf("start typing: %w", err)
	}

	s.view = view
	return nil
}

func (s *Session) newView(conversationID string) *conversationView {
	view := &conversationView{id: conversationID}
	view.pager = realtime.NewPager(s.data, s.store, s.user.ID, conversationID, s.cfg.PageSize, s.logger)
	view.viewport = NewRemoteViewport(s.emitScroll)
	view.scroll = realtime.NewScrollController(view.viewport, view.pager)
	view.messages = realtime.NewMessageSync(s.feed, s.data, s.store, conversationID, s.user.ID, s.logger,
		realtime.WithAppendHook(func(m models.Message) { view.scroll.OnMessageAppended(m.Origin) }),
		realtime.WithMessageConcurrency(s.cfg.Concurrency),
	)
	view.typing = realtime.NewTyping(s.feed, s.store, conversationID, s.user, s.cfg.Timings, s.logger)
	return view
}

// abandon drops a pending open that failed, unless something newer replaced it already.
func (s *Session) abandon(view *conversationView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != view {
		return
	}
	s.pending = nil
	view.pager.Close()
	s.clearConversationLocked()
}

// CloseConversation leaves the open conversation. The conversation list is kept.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeViewLocked()
}

// ActiveConversationID returns the open conversation or "".
func (s *Session) ActiveConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == nil {
		return ""
	}
	return s.view.id
}

// Send posts a message into the open conversation. The message shows up at once with a
// temporary id and is replaced by the stored row when the post succeeds. On failure the
// optimistic copy stays in place and the error is returned.
func (s *Session) Send(ctx context.Context, req dto.SendMessageRequest) (models.Message, error) {
	view, err := s.currentView()
	if err != nil {
		return models.Message{}, err
	}

	view.pager.ClearDivider()
	view.typing.StopTyping()
	s.store.ResetUnreadCount(view.id)

	optimistic := s.optimisticMessage(view.id, req)
	s.store.AddMessage(optimistic)
	view.scroll.OnMessageAppended(models.OriginLocal)

	row, err := s.data.PostMessage(ctx, s.user.ID, view.id, req)
	if err != nil {
		observability.OptimisticSendFailures().Inc()
		s.logger.Error().Err(err).Str("conversation_id", view.id).Str("temp_id", optimistic.ID).Msg("failed to send message")
		return optimistic, fmt.Errorf("send message: %w", err)
	}

	s.store.UpdateMessage(optimistic.ID, func(m *models.Message) {
		reconcile(m, row)
	})
	row.Origin = models.OriginLocal
	return row, nil
}

// Edit replaces the content of one of the user's messages.
func (s *Session) Edit(ctx context.Context, messageID, content string) (models.Message, error) {
	row, err := s.data.EditMessage(ctx, s.user.ID, messageID, content)
	if err != nil {
		return models.Message{}, fmt.Errorf("edit message: %w", err)
	}
	s.applyRow(row)
	return row, nil
}

// Delete soft-deletes one of the user's messages.
func (s *Session) Delete(ctx context.Context, messageID string) (models.Message, error) {
	row, err := s.data.DeleteMessage(ctx, s.user.ID, messageID)
	if err != nil {
		return models.Message{}, fmt.Errorf("delete message: %w", err)
	}
	s.applyRow(row)
	return row, nil
}

// React toggles a reaction of the user on a message.
func (s *Session) React(ctx context.Context, messageID, reaction string) (models.Message, error) {
	row, err := s.data.ToggleReaction(ctx, s.user.ID, messageID, reaction)
	if err != nil {
		return models.Message{}, fmt.Errorf("toggle reaction: %w", err)
	}
	if row.Reactions == nil {
		row.Reactions = []models.MessageReaction{}
	}
	s.applyRow(row)
	return row, nil
}

// SendTyping records a keystroke in the open conversation.
func (s *Session) SendTyping() error {
	view, err := s.currentView()
	if err != nil {
		return err
	}
	view.typing.SendTyping()
	return nil
}

// ReportViewport records the client's scroll metrics, performs the one-time initial
// positioning and loads older history when the client is near the top.
func (s *Session) ReportViewport(ctx context.Context, metrics ViewportMetrics) (bool, error) {
	view, err := s.currentView()
	if err != nil {
		return false, err
	}
	view.viewport.Update(metrics)
	if view.scroll.InitialPosition() || view.scroll.InitialPending() {
		return false, nil
	}
	return view.scroll.HandleScroll(ctx)
}

// LoadMore fetches the next older page of the open conversation.
func (s *Session) LoadMore(ctx context.Context) (bool, error) {
	view, err := s.currentView()
	if err != nil {
		return false, err
	}
	return view.pager.LoadMore(ctx)
}

// SetVisibility records whether the tab is hidden. The user shows as online while any of their
// tabs is visible.
func (s *Session) SetVisibility(ctx context.Context, hidden bool) {
	s.visibility.SetHidden(hidden)
	s.tabs.visibilityChanged(ctx)
}

// OnScroll registers fn to receive scroll requests for the client viewport.
func (s *Session) OnScroll(fn func(top float64)) func() {
	s.scrollMu.Lock()
	id := s.nextScrollSub
	s.nextScrollSub++
	s.scrollSinks[id] = fn
	s.scrollMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.scrollMu.Lock()
			delete(s.scrollSinks, id)
			s.scrollMu.Unlock()
		})
	}
}

// View renders the current state.
func (s *Session) View() View {
	view := View{Snapshot: s.store.Snapshot(), DividerIndex: -1}
	view.TypingLabel = realtime.TypingLabel(view.TypingUsers)

	s.mu.Lock()
	current := s.view
	s.mu.Unlock()
	if current != nil {
		state := current.pager.State()
		view.Pager = &state
		view.DividerIndex = current.pager.DividerIndex()
	}
	return view
}

// Close stops every engine, leaves the user's tab group and clears the store. Closing the last tab
// marks the user offline.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeViewLocked()
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	s.sidebar.Stop()
	if started {
		s.tabs.leave(ctx, s)
		observability.SessionsActive().Dec()
	}
	if cancel != nil {
		cancel()
	}
	s.store.Reset()
	s.logger.Info().Msg("session closed")
}

func (s *Session) closeViewLocked() {
	if s.pending == nil && s.view == nil {
		return
	}
	if s.pending != nil {
		s.pending.pager.Close()
		s.pending = nil
	}
	if s.view != nil {
		s.view.messages.Stop()
		s.view.typing.Stop()
		s.view.pager.Close()
		s.view = nil
	}
	s.clearConversationLocked()
}

func (s *Session) clearConversationLocked() {
	s.store.SetMessages(nil)
	s.store.SetActiveConversation(nil)
	s.store.SetTypingUsers(nil)
}

func (s *Session) currentView() (*conversationView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.view == nil {
		return nil, ErrNoActiveConversation
	}
	return s.view, nil
}

func (s *Session) applyRow(row models.Message) {
	s.store.UpdateMessage(row.ID, func(m *models.Message) {
		m.MergeRow(row)
	})
}

func (s *Session) emitScroll(top float64) {
	s.scrollMu.RLock()
	defer s.scrollMu.RUnlock()
	for _, fn := range s.scrollSinks {
		fn(top)
	}
}

func (s *Session) optimisticMessage(conversationID string, req dto.SendMessageRequest) models.Message {
	now := time.Now().UTC()
	messageType := req.MessageType
	if messageType == "" {
		messageType = models.MessageText
	}
	sender := s.user

	message := models.Message{
		ID:             models.TempIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.user.ID,
		Content:        req.Content,
		MessageType:    messageType,
		FileURL:        req.FileURL,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		ReplyTo:        req.ReplyTo,
		ForwardedFrom:  req.ForwardedFrom,
		CreatedAt:      now,
		UpdatedAt:      now,
		Sender:         &sender,
		Origin:         models.OriginLocal,
	}

	if req.ReplyTo != nil {
		for _, loaded := range s.store.Messages() {
			if loaded.ID == *req.ReplyTo {
				message.ReplyMessage = &models.ReplySnapshot{
					ID:          loaded.ID,
					Content:     loaded.Content,
					MessageType: loaded.MessageType,
					SenderID:    loaded.SenderID,
					Sender:      loaded.Sender,
				}
				break
			}
		}
	}
	return message
}

// reconcile swaps an optimistic message for its stored row, keeping snapshots the row lacks.
func reconcile(m *models.Message, row models.Message) {
	sender, reply := m.Sender, m.ReplyMessage
	*m = row.Clone()
	m.Origin = models.OriginLocal
	if m.Sender == nil {
		m.Sender = sender
	}
	if m.ReplyMessage == nil {
		m.ReplyMessage = reply
	}
}
