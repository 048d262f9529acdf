package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/setu-sync/internal/dto"
	"github.com/noah-isme/setu-sync/internal/observability"
	"github.com/noah-isme/setu-sync/internal/store"
)

// PagerState is what the UI needs to pick between skeleton, empty state and the list.
type PagerState struct {
	Loading       bool `json:"loading"`
	InitialLoaded bool `json:"initial_loaded"`
	Empty         bool `json:"empty"`
	HasMore       bool `json:"has_more"`
	UnreadCount   int  `json:"unread_count"`
}

// Pager loads message history newest page first and then older pages by creation cursor.
type Pager struct {
	history        MessageHistory
	store          *store.Store
	userID         string
	conversationID string
	limit          int
	logger         zerolog.Logger

	mu            sync.Mutex
	loading       bool
	initialLoaded bool
	hasMore       bool
	cursor        *time.Time
	unread        int
	closed        bool
}

// NewPager constructs a pager for one conversation. A non-positive limit uses dto.DefaultPageSize.
func NewPager(history MessageHistory, st *store.Store, userID, conversationID string, limit int, logger zerolog.Logger) *Pager {
	if limit <= 0 {
		limit = dto.DefaultPageSize
	}
	return &Pager{
		history:        history,
		store:          st,
		userID:         userID,
		conversationID: conversationID,
		limit:          limit,
		logger: logger.With().
			Str("component", "pager").
			Str("conversation_id", conversationID).
			Logger(),
	}
}

// LoadInitial fetches the newest page and replaces the message window with it. On failure the
// state is left as it was.
func (p *Pager) LoadInitial(ctx context.Context) error {
	if !p.begin() {
		return nil
	}

	page, err := p.history.ListMessages(ctx, p.userID, p.conversationID, nil, p.limit)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading = false
	if err != nil {
		observability.SyncFailures().WithLabelValues("pager", "initial").Inc()
		p.logger.Error().Err(err).Msg("failed to load latest messages")
		return err
	}
	if p.closed {
		return ErrStopped
	}

	p.store.SetMessages(page.Data)
	p.hasMore = page.HasMore
	p.cursor = page.NextCursor
	p.unread = page.UnreadCount
	p.initialLoaded = true
	return nil
}

// LoadMore prepends the next older page. It reports whether a page was fetched; it is a no-op
// while a load is running, when history is exhausted or before the first load set a cursor.
func (p *Pager) LoadMore(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.closed || p.loading || !p.hasMore || p.cursor == nil {
		p.mu.Unlock()
		return false, nil
	}
	p.loading = true
	cursor := *p.cursor
	p.mu.Unlock()

	page, err := p.history.ListMessages(ctx, p.userID, p.conversationID, &cursor, p.limit)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading = false
	if err != nil {
		observability.SyncFailures().WithLabelValues("pager", "older").Inc()
		p.logger.Error().Err(err).Time("cursor", cursor).Msg("failed to load older messages")
		return false, err
	}
	if p.closed {
		return false, ErrStopped
	}

	p.store.PrependMessages(page.Data)
	p.hasMore = page.HasMore && len(page.Data) > 0
	if page.NextCursor != nil {
		p.cursor = page.NextCursor
	}
	return true, nil
}

// Loading reports whether a fetch is running.
func (p *Pager) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// HasMore reports whether older history may exist.
func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// Cursor returns the creation time of the oldest loaded message.
func (p *Pager) Cursor() *time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor == nil {
		return nil
	}
	cursor := *p.cursor
	return &cursor
}

// State reports the loading flags and unread count.
func (p *Pager) State() PagerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PagerState{
		Loading:       p.loading,
		InitialLoaded: p.initialLoaded,
		Empty:         p.initialLoaded && len(p.store.Messages()) == 0,
		HasMore:       p.hasMore,
		UnreadCount:   p.unread,
	}
}

// DividerIndex returns the index of the first unread message, or -1 when there is none.
func (p *Pager) DividerIndex() int {
	p.mu.Lock()
	unread := p.unread
	p.mu.Unlock()

	count := len(p.store.Messages())
	if unread <= 0 || count == 0 {
		return -1
	}
	index := count - unread
	if index < 0 {
		index = 0
	}
	return index
}

// ClearDivider drops the unread divider, for example after a local send.
func (p *Pager) ClearDivider() {
	p.mu.Lock()
	p.unread = 0
	p.mu.Unlock()
}

// Close discards the results of fetches still in flight.
func (p *Pager) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *Pager) begin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.loading {
		return false
	}
	p.loading = true
	return true
}
