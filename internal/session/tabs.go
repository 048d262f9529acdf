package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/setu-sync/internal/models"
	"github.com/noah-isme/setu-sync/internal/realtime"
)

// notifiedWindow is how many recent message ids a tab group remembers for deduplication.
const notifiedWindow = 256

// tabGroup is what the tabs of one user share: the presence heartbeat, which stays online while
// any tab is visible, and the notification sink, which raises each message once.
type tabGroup struct {
	userID   string
	updater  realtime.PresenceUpdater
	notifier realtime.Notifier
	interval time.Duration
	base     context.Context
	logger   zerolog.Logger

	mu       sync.Mutex
	tabs     map[*Session]struct{}
	presence *realtime.Presence
	notified map[string]struct{}
	order    []string
}

func newTabGroup(base context.Context, userID string, deps Dependencies, interval time.Duration) *tabGroup {
	return &tabGroup{
		userID:   userID,
		updater:  deps.Data,
		notifier: deps.Notifier,
		interval: interval,
		base:     base,
		logger:   deps.Logger,
		tabs:     make(map[*Session]struct{}),
		notified: make(map[string]struct{}),
	}
}

// join adds a started tab. The first tab brings the user online.
func (g *tabGroup) join(ctx context.Context, s *Session) {
	g.mu.Lock()
	g.tabs[s] = struct{}{}
	var presence *realtime.Presence
	if g.presence == nil {
		// a stopped Presence cannot be restarted
		g.presence = realtime.NewPresence(g.updater, g.userID, g.interval, g.logger)
		presence = g.presence
	}
	g.mu.Unlock()

	if presence != nil {
		base := g.base
		if base == nil {
			base = ctx
		}
		presence.Start(base)
	}
}

// leave removes a tab. The last tab takes the user offline.
func (g *tabGroup) leave(ctx context.Context, s *Session) {
	g.mu.Lock()
	if _, ok := g.tabs[s]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.tabs, s)
	var presence *realtime.Presence
	if len(g.tabs) == 0 {
		presence = g.presence
		g.presence = nil
	}
	g.mu.Unlock()

	if presence != nil {
		presence.Stop(ctx)
	}
}

// visibilityChanged recomputes presence after a tab was shown or hidden.
func (g *tabGroup) visibilityChanged(ctx context.Context) {
	g.mu.Lock()
	presence := g.presence
	hidden := true
	for tab := range g.tabs {
		if !tab.visibility.Hidden() {
			hidden = false
			break
		}
	}
	g.mu.Unlock()

	if presence != nil {
		presence.SetHidden(ctx, hidden)
	}
}

// Notify raises notification unless it was raised already by another tab or a visible tab is
// showing its conversation.
func (g *tabGroup) Notify(ctx context.Context, notification models.Notification) error {
	g.mu.Lock()
	if notification.MessageID != "" {
		if _, seen := g.notified[notification.MessageID]; seen {
			g.mu.Unlock()
			return nil
		}
		g.remember(notification.MessageID)
	}
	for tab := range g.tabs {
		if !tab.visibility.Hidden() && tab.store.IsActive(notification.ConversationID) {
			g.mu.Unlock()
			return nil
		}
	}
	notifier := g.notifier
	g.mu.Unlock()

	if notifier == nil {
		return nil
	}
	return notifier.Notify(ctx, notification)
}

func (g *tabGroup) remember(messageID string) {
	g.notified[messageID] = struct{}{}
	g.order = append(g.order, messageID)
	if len(g.order) > notifiedWindow {
		delete(g.notified, g.order[0])
		g.order = g.order[1:]
	}
}

func (g *tabGroup) empty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tabs) == 0
}
