package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/setu-sync/internal/feed"
	"github.com/noah-isme/setu-sync/internal/models"
	"github.com/noah-isme/setu-sync/internal/observability"
	"github.com/noah-isme/setu-sync/internal/store"
)

// Broadcast events on the typing channel.
const (
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"
)

type typingPayload struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type outgoing struct {
	event   string
	payload typingPayload
}

// Typing runs the typing indicator of one conversation.
//
// Sender side: a typing signal goes out at most once per throttle window, and a stop signal
// follows after the inactivity delay. Receiver side: each remote user is either absent or
// active until a deadline that every typing signal pushes back. All deadlines share one timer
// armed at the earliest of them.
type Typing struct {
	feed           feed.Client
	store          *store.Store
	conversationID string
	local          models.Profile
	timings        Timings
	logger         zerolog.Logger

	now      func() time.Time
	schedule func(d time.Duration, fn func()) (cancel func() bool)

	mu           sync.Mutex
	ctx          context.Context
	channel      *feed.BroadcastChannel
	lastSent     time.Time
	stopDeadline time.Time
	remote       map[string]time.Time
	cancelTimer  func() bool
	started      bool
	stopped      bool
}

// NewTyping constructs the engine for one conversation and local user.
func NewTyping(client feed.Client, st *store.Store, conversationID string, local models.Profile, timings Timings, logger zerolog.Logger) *Typing {
	return &Typing{
		feed:           client,
		store:          st,
		conversationID: conversationID,
		local:          local,
		timings:        timings,
		logger: logger.With().
			Str("component", "typing").
			Str("conversation_id", conversationID).
			Logger(),
		now: time.Now,
		schedule: func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		},
		remote: make(map[string]time.Time),
	}
}

// Start joins the conversation's typing channel.
func (t *Typing) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrStopped
	}
	if t.started {
		return nil
	}

	channel, err := t.feed.JoinBroadcast(ctx, TypingTopic(t.conversationID))
	if err != nil {
		return err
	}
	t.ctx = ctx
	t.channel = channel
	t.started = true

	go func() {
		for message := range channel.Messages() {
			t.receive(message, t.now())
		}
	}()
	return nil
}

// SendTyping records a keystroke of the local user.
func (t *Typing) SendTyping() {
	t.keystroke(t.now())
}

// StopTyping ends the local typing state right away, for example after a send.
func (t *Typing) StopTyping() {
	t.mu.Lock()
	if t.stopped || t.stopDeadline.IsZero() {
		t.mu.Unlock()
		return
	}
	now := t.now()
	msg := t.stopLocked()
	t.rescheduleLocked(now)
	t.mu.Unlock()
	t.send(msg)
}

// Stop leaves the channel and clears the typing set without signalling anyone.
func (t *Typing) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	if t.cancelTimer != nil {
		t.cancelTimer()
		t.cancelTimer = nil
	}
	t.remote = make(map[string]time.Time)
	t.stopDeadline = time.Time{}
	t.lastSent = time.Time{}
	channel := t.channel
	t.mu.Unlock()

	t.store.SetTypingUsers(nil)
	if channel != nil {
		channel.Close()
	}
}

func (t *Typing) keystroke(now time.Time) {
	t.mu.Lock()
	if t.stopped || !t.started {
		t.mu.Unlock()
		return
	}

	var msgs []outgoing
	if t.lastSent.IsZero() || now.Sub(t.lastSent) >= t.timings.TypingThrottle {
		t.lastSent = now
		msgs = append(msgs, outgoing{event: EventTyping, payload: typingPayload{
			UserID:    t.local.ID,
			Username:  t.local.Username,
			Timestamp: now.UnixMilli(),
		}})
	}
	t.stopDeadline = now.Add(t.timings.StopTypingDelay)
	t.rescheduleLocked(now)
	t.mu.Unlock()

	t.send(msgs...)
}

func (t *Typing) receive(message feed.Broadcast, now time.Time) {
	var payload typingPayload
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		t.logger.Warn().Err(err).Str("event", message.Event).Msg("invalid typing payload")
		return
	}
	if payload.UserID == "" || payload.UserID == t.local.ID {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	switch message.Event {
	case EventTyping:
		t.remote[payload.UserID] = now.Add(t.timings.TypingExpiry)
		timestamp := payload.Timestamp
		if timestamp == 0 {
			timestamp = now.UnixMilli()
		}
		t.store.AddTypingUser(models.TypingUser{UserID: payload.UserID, Username: payload.Username, Timestamp: timestamp})
	case EventStopTyping:
		delete(t.remote, payload.UserID)
		t.store.RemoveTypingUser(payload.UserID)
	default:
		return
	}
	t.rescheduleLocked(now)
}

// tick fires every deadline that is due at now.
func (t *Typing) tick(now time.Time) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	var msgs []outgoing
	if !t.stopDeadline.IsZero() && !now.Before(t.stopDeadline) {
		msgs = append(msgs, t.stopLocked())
	}
	for userID, deadline := range t.remote {
		if !now.Before(deadline) {
			delete(t.remote, userID)
			t.store.RemoveTypingUser(userID)
		}
	}
	t.rescheduleLocked(now)
	t.mu.Unlock()

	t.send(msgs...)
}

func (t *Typing) stopLocked() outgoing {
	t.stopDeadline = time.Time{}
	t.lastSent = time.Time{}
	return outgoing{event: EventStopTyping, payload: typingPayload{UserID: t.local.ID}}
}

func (t *Typing) rescheduleLocked(now time.Time) {
	if t.cancelTimer != nil {
		t.cancelTimer()
		t.cancelTimer = nil
	}

	next := t.stopDeadline
	for _, deadline := range t.remote {
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
	}
	if next.IsZero() {
		return
	}

	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	t.cancelTimer = t.schedule(delay, func() {
		t.tick(t.now())
	})
}

func (t *Typing) send(msgs ...outgoing) {
	if len(msgs) == 0 {
		return
	}
	t.mu.Lock()
	channel, ctx := t.channel, t.ctx
	t.mu.Unlock()
	if channel == nil {
		return
	}

	for _, msg := range msgs {
		if err := channel.Send(ctx, msg.event, msg.payload); err != nil {
			t.logger.Warn().Err(err).Str("event", msg.event).Msg("failed to send typing signal")
			continue
		}
		observability.TypingSignals().WithLabelValues(msg.event).Inc()
	}
}

// TypingLabel renders the "is typing" line for the given users.
func TypingLabel(users []models.TypingUser) string {
	names := make([]string, 0, len(users))
	for _, user := range users {
		name := user.Username
		if name == "" {
			name = "Someone"
		}
		names = append(names, name)
	}

	switch len(names) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing…", names[0])
	case 2:
		return fmt.Sprintf("%s and %s are typing…", names[0], names[1])
	default:
		return fmt.Sprintf("%s and %d others are typing…", names[0], len(names)-1)
	}
}
