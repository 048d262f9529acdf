package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/setu-sync/internal/dto"
	"github.com/noah-isme/setu-sync/internal/feed"
	"github.com/noah-isme/setu-sync/internal/models"
)

var errLookup = errors.New("lookup failed")

type presenceCall struct {
	userID string
	online bool
}

type fakeData struct {
	mu            sync.Mutex
	profiles      map[string]models.Profile
	replies       map[string]models.ReplySnapshot
	conversations map[string]models.Conversation
	pages         []dto.MessagePage
	pageErr       error
	cursors       []*time.Time
	presence      []presenceCall
	profileGate   chan struct{}
	profileDelay  map[string]time.Duration
}

func newFakeData() *fakeData {
	return &fakeData{
		profiles: map[string]models.Profile{
			"alice": {ID: "alice", Username: "alice", FirstName: "Alice", LastName: "Anders"},
			"bob":   {ID: "bob", Username: "bob", FirstName: "Bob"},
			"carol": {ID: "carol", Username: "carol"},
		},
		replies:       map[string]models.ReplySnapshot{},
		conversations: map[string]models.Conversation{},
		profileDelay:  map[string]time.Duration{},
	}
}

func (f *fakeData) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	f.mu.Lock()
	gate := f.profileGate
	delay := f.profileDelay[userID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[userID]
	if !ok {
		return models.Profile{}, errLookup
	}
	return profile, nil
}

func (f *fakeData) GetReplySnapshot(ctx context.Context, messageID string) (models.ReplySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reply, ok := f.replies[messageID]
	if !ok {
		return models.ReplySnapshot{}, errLookup
	}
	return reply, nil
}

func (f *fakeData) GetConversation(ctx context.Context, userID, conversationID string) (models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conversation, ok := f.conversations[conversationID]
	if !ok {
		return models.Conversation{}, errLookup
	}
	return conversation.Clone(), nil
}

func (f *fakeData) ListMessages(ctx context.Context, userID, conversationID string, cursor *time.Time, limit int) (dto.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	if f.pageErr != nil {
		return dto.MessagePage{}, f.pageErr
	}
	if len(f.pages) == 0 {
		return dto.MessagePage{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeData) UpdatePresence(ctx context.Context, userID string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, presenceCall{userID: userID, online: online})
	return nil
}

func (f *fakeData) presenceCalls() []presenceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presenceCall(nil), f.presence...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *recordingNotifier) all() []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Notification(nil), n.sent...)
}

func strPtr(value string) *string {
	return &value
}

func newMessage(id, conversationID, senderID, content string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        strPtr(content),
		MessageType:    models.MessageText,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func publish(t *testing.T, hub *feed.Hub, event feed.EventType, table string, newRow, oldRow interface{}) {
	t.Helper()
	change, err := feed.NewChange(event, table, newRow, oldRow)
	require.NoError(t, err)
	require.NoError(t, hub.PublishChange(context.Background(), change))
}
