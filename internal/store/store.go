// Package store holds the in-memory conversation state of one signed-in session.
//
// Every operation is synchronous and last-write-wins. There is no transactional grouping:
// callers that need several fields to move together do it inside a single Update* callback,
// which runs against the current value under the store lock.
package store

import (
	"sync"

	"github.com/noah-isme/setu-sync/internal/models"
)

// Snapshot is a consistent copy of the whole store.
type Snapshot struct {
	Conversations      []models.Conversation `json:"conversations"`
	ActiveConversation *models.Conversation  `json:"active_conversation"`
	Messages           []models.Message      `json:"messages"`
	TypingUsers        []models.TypingUser   `json:"typing_users"`
}

// Store is the single source of truth for the conversation list, the open conversation, its
// message window and the typing set.
type Store struct {
	mu            sync.RWMutex
	conversations []models.Conversation
	active        *models.Conversation
	messages      []models.Message
	typing        []models.TypingUser

	watchMu  sync.Mutex
	watchers map[int]chan struct{}
	nextID   int
}

// New returns an empty store.
func New() *Store {
	return &Store{watchers: make(map[int]chan struct{})}
}

// SetConversations replaces the conversation list.
func (s *Store) SetConversations(list []models.Conversation) {
	s.mu.Lock()
	s.conversations = cloneConversations(list)
	s.mu.Unlock()
	s.notify()
}

// AddConversation inserts c at the head of the list. It reports false when c.ID is already present.
func (s *Store) AddConversation(c models.Conversation) bool {
	s.mu.Lock()
	if s.indexOfConversation(c.ID) >= 0 {
		s.mu.Unlock()
		return false
	}
	s.conversations = append([]models.Conversation{c.Clone()}, s.conversations...)
	s.mu.Unlock()
	s.notify()
	return true
}

// UpdateConversation applies fn to the stored conversation with id. It reports false when absent.
func (s *Store) UpdateConversation(id string, fn func(*models.Conversation)) bool {
	return s.UpdateConversationState(id, func(c *models.Conversation, _ bool) {
		fn(c)
	})
}

// UpdateConversationState is UpdateConversation with the active flag read under the same lock.
// The active conversation copy is kept in step.
func (s *Store) UpdateConversationState(id string, fn func(c *models.Conversation, active bool)) bool {
	s.mu.Lock()
	idx := s.indexOfConversation(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	isActive := s.active != nil && s.active.ID == id
	fn(&s.conversations[idx], isActive)
	if isActive {
		active := s.conversations[idx].Clone()
		s.active = &active
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// RemoveConversation drops the conversation with id from the list.
func (s *Store) RemoveConversation(id string) {
	s.mu.Lock()
	idx := s.indexOfConversation(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.conversations = append(s.conversations[:idx:idx], s.conversations[idx+1:]...)
	s.mu.Unlock()
	s.notify()
}

// IncrementUnreadCount adds one to the unread counter. Whether to call it is the caller's decision.
func (s *Store) IncrementUnreadCount(id string) {
	s.UpdateConversation(id, func(c *models.Conversation) {
		c.UnreadCount++
	})
}

// ResetUnreadCount zeroes the unread counter of one conversation.
func (s *Store) ResetUnreadCount(id string) {
	s.UpdateConversation(id, func(c *models.Conversation) {
		c.UnreadCount = 0
	})
}

// Conversations returns a copy of the conversation list in stored order.
func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConversations(s.conversations)
}

// Conversation returns a copy of one conversation.
func (s *Store) Conversation(id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexOfConversation(id)
	if idx < 0 {
		return models.Conversation{}, false
	}
	return s.conversations[idx].Clone(), true
}

// SetActiveConversation marks c as the open conversation; nil clears it.
func (s *Store) SetActiveConversation(c *models.Conversation) {
	s.mu.Lock()
	if c == nil {
		s.active = nil
	} else {
		active := c.Clone()
		s.active = &active
	}
	s.mu.Unlock()
	s.notify()
}

// ActiveConversation returns a copy of the open conversation.
func (s *Store) ActiveConversation() (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return models.Conversation{}, false
	}
	return s.active.Clone(), true
}

// ActiveConversationID returns the id of the open conversation or "".
func (s *Store) ActiveConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return ""
	}
	return s.active.ID
}

// IsActive reports whether id is the open conversation.
func (s *Store) IsActive(id string) bool {
	return id != "" && s.ActiveConversationID() == id
}

// SetMessages replaces the loaded message window.
func (s *Store) SetMessages(list []models.Message) {
	s.mu.Lock()
	s.messages = cloneMessages(list)
	s.mu.Unlock()
	s.notify()
}

// AddMessage appends m. Dedup is the caller's responsibility.
func (s *Store) AddMessage(m models.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m.Clone())
	s.mu.Unlock()
	s.notify()
}

// AddMessageIfAbsent appends m unless a message with the same id is loaded.
func (s *Store) AddMessageIfAbsent(m models.Message) bool {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == m.ID {
			s.mu.Unlock()
			return false
		}
	}
	s.messages = append(s.messages, m.Clone())
	s.mu.Unlock()
	s.notify()
	return true
}

// PrependMessages inserts an older page at the head of the window.
func (s *Store) PrependMessages(list []models.Message) {
	if len(list) == 0 {
		return
	}
	s.mu.Lock()
	merged := make([]models.Message, 0, len(list)+len(s.messages))
	merged = append(merged, cloneMessages(list)...)
	merged = append(merged, s.messages...)
	s.messages = merged
	s.mu.Unlock()
	s.notify()
}

// UpdateMessage applies fn to the loaded message with id. It reports false when absent.
func (s *Store) UpdateMessage(id string, fn func(*models.Message)) bool {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			fn(&s.messages[i])
			s.mu.Unlock()
			s.notify()
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// HasMessage reports whether a message with id is loaded.
func (s *Store) HasMessage(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			return true
		}
	}
	return false
}

// Messages returns a copy of the loaded window.
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.messages)
}

// AddTypingUser adds u to the typing set or refreshes the existing entry for u.UserID.
func (s *Store) AddTypingUser(u models.TypingUser) {
	s.mu.Lock()
	replaced := false
	for i := range s.typing {
		if s.typing[i].UserID == u.UserID {
			s.typing[i] = u
			replaced = true
			break
		}
	}
	if !replaced {
		s.typing = append(s.typing, u)
	}
	s.mu.Unlock()
	s.notify()
}

// RemoveTypingUser drops userID from the typing set.
func (s *Store) RemoveTypingUser(userID string) {
	s.mu.Lock()
	for i := range s.typing {
		if s.typing[i].UserID == userID {
			s.typing = append(s.typing[:i:i], s.typing[i+1:]...)
			s.mu.Unlock()
			s.notify()
			return
		}
	}
	s.mu.Unlock()
}

// SetTypingUsers replaces the typing set.
func (s *Store) SetTypingUsers(list []models.TypingUser) {
	s.mu.Lock()
	s.typing = append([]models.TypingUser(nil), list...)
	s.mu.Unlock()
	s.notify()
}

// TypingUsers returns a copy of the typing set.
func (s *Store) TypingUsers() []models.TypingUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.TypingUser(nil), s.typing...)
}

// Snapshot copies the whole store at once.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := Snapshot{
		Conversations: cloneConversations(s.conversations),
		Messages:      cloneMessages(s.messages),
		TypingUsers:   append([]models.TypingUser(nil), s.typing...),
	}
	if s.active != nil {
		active := s.active.Clone()
		snapshot.ActiveConversation = &active
	}
	return snapshot
}

// Reset clears all state. Called when the session ends.
func (s *Store) Reset() {
	s.mu.Lock()
	s.conversations = nil
	s.active = nil
	s.messages = nil
	s.typing = nil
	s.mu.Unlock()
	s.notify()
}

// Watch returns a channel signalled after mutations. Signals coalesce: a receiver that falls
// behind sees one pending signal, not one per mutation.
func (s *Store) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
		})
	}
	return ch, cancel
}

func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) indexOfConversation(id string) int {
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneConversations(list []models.Conversation) []models.Conversation {
	if list == nil {
		return nil
	}
	out := make([]models.Conversation, len(list))
	for i := range list {
		out[i] = list[i].Clone()
	}
	return out
}

func cloneMessages(list []models.Message) []models.Message {
	if list == nil {
		return nil
	}
	out := make([]models.Message, len(list))
	for i := range list {
		out[i] = list[i].Clone()
	}
	return out
}
