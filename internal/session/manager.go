package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

type entry struct {
	session *Session
	refs    int
}

type tabKey struct {
	userID string
	tabID  string
}

// Manager keeps one session per browser tab, shared by the connections of that tab. A session
// lives while at least one connection holds it. Tabs of the same user share presence and
// notifications.
type Manager struct {
	deps   Dependencies
	cfg    Config
	base   context.Context
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[tabKey]*entry
	groups   map[string]*tabGroup
}

// NewManager creates a manager whose sessions run under base.
func NewManager(base context.Context, deps Dependencies, cfg Config) *Manager {
	return &Manager{
		deps:     deps,
		cfg:      withDefaults(cfg),
		base:     base,
		logger:   deps.Logger.With().Str("component", "session_manager").Logger(),
		sessions: make(map[tabKey]*entry),
		groups:   make(map[string]*tabGroup),
	}
}

// Acquire returns the session of the tab tabID of userID, starting it on first use. The returned
// release func must be called once the caller is done with the session.
func (m *Manager) Acquire(ctx context.Context, userID, tabID string) (*Session, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tabKey{userID: userID, tabID: tabID}
	if current, ok := m.sessions[key]; ok {
		current.refs++
		return current.session, m.releaser(key, current), nil
	}

	profile, err := m.deps.Data.GetProfile(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load profile: %w", err)
	}

	group, ok := m.groups[userID]
	if !ok {
		group = newTabGroup(m.base, userID, m.deps, m.cfg.Timings.PresenceHeartbeat)
		m.groups[userID] = group
	}

	session := newTab(profile, tabID, m.deps, m.cfg, group)
	if err := session.Start(m.base); err != nil {
		session.Close(ctx)
		m.dropGroupLocked(userID, group)
		return nil, nil, err
	}

	created := &entry{session: session, refs: 1}
	m.sessions[key] = created
	m.logger.Debug().Str("user_id", userID).Str("tab_id", tabID).Msg("session created")
	return session, m.releaser(key, created), nil
}

// Active returns the number of live tab sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Users returns the number of users with at least one live tab.
func (m *Manager) Users() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// CloseAll closes every session regardless of holders.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[tabKey]*entry)
	m.groups = make(map[string]*tabGroup)
	m.mu.Unlock()

	for _, current := range sessions {
		current.session.Close(ctx)
	}
}

func (m *Manager) releaser(key tabKey, held *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			held.refs--
			last := held.refs == 0
			if last && m.sessions[key] == held {
				delete(m.sessions, key)
			}
			m.mu.Unlock()

			if !last {
				return
			}
			held.session.Close(context.WithoutCancel(m.base))

			m.mu.Lock()
			m.dropGroupLocked(key.userID, held.session.tabs)
			m.mu.Unlock()
		})
	}
}

// dropGroupLocked forgets group once its last tab has left. A tab that joined in the meantime
// keeps it alive.
func (m *Manager) dropGroupLocked(userID string, group *tabGroup) {
	if m.groups[userID] == group && group.empty() {
		delete(m.groups, userID)
	}
}
