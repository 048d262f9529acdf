package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/setu-sync/internal/observability"
)

const defaultBufferSize = 256

// Client is the subscription side of the change feed consumed by the sync engines.
type Client interface {
	Subscribe(ctx context.Context, topic string, filters ...Filter) (*Subscription, error)
	JoinBroadcast(ctx context.Context, topic string) (*BroadcastChannel, error)
}

// Publisher accepts row changes produced by the data service.
type Publisher interface {
	PublishChange(ctx context.Context, change Change) error
}

// Envelope is the cross-node wire format exchanged through relays.
type Envelope struct {
	Source    string     `json:"source"`
	Change    *Change    `json:"change,omitempty"`
	Broadcast *Broadcast `json:"broadcast,omitempty"`
	SentAt    time.Time  `json:"sent_at"`
}

// Hub fans change events and broadcasts out to in-process subscribers and, through relays,
// to the other nodes. Slow subscribers lose events instead of blocking the publisher.
type Hub struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	channels   map[string]map[uint64]*BroadcastChannel
	nextID     uint64
	bufferSize int
	relays     []Relay
	nodeID     string
	logger     zerolog.Logger
	closed     bool
}

// Option customises a hub.
type Option func(*Hub)

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.bufferSize = size
		}
	}
}

// WithRelay attaches a cross-node relay.
func WithRelay(relay Relay) Option {
	return func(h *Hub) {
		if relay != nil {
			h.relays = append(h.relays, relay)
		}
	}
}

// NewHub constructs a hub with a fresh node identifier.
func NewHub(logger zerolog.Logger, opts ...Option) *Hub {
	hub := &Hub{
		subs:       make(map[uint64]*Subscription),
		channels:   make(map[string]map[uint64]*BroadcastChannel),
		bufferSize: defaultBufferSize,
		nodeID:     uuid.NewString(),
		logger:     logger.With().Str("component", "feed_hub").Logger(),
	}
	for _, opt := range opts {
		opt(hub)
	}
	return hub
}

// NodeID identifies this hub on the relays.
func (h *Hub) NodeID() string {
	return h.nodeID
}

// Start launches one consumer per relay. Consumers stop when ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	for _, relay := range h.relays {
		relay := relay
		go func() {
			if err := relay.Consume(ctx, h.handleEnvelope); err != nil && !errors.Is(err, context.Canceled) {
				h.logger.Error().Err(err).Str("relay", relay.Name()).Msg("feed relay consumer stopped")
			}
		}()
	}
}

// Subscribe registers a change subscription. The subscription is closed when ctx is done or
// Close is called, whichever happens first.
func (h *Hub) Subscribe(ctx context.Context, topic string, filters ...Filter) (*Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.nextID++
	sub := &Subscription{
		id:      h.nextID,
		topic:   topic,
		filters: append([]Filter(nil), filters...),
		events:  make(chan Change, h.bufferSize),
		done:    make(chan struct{}),
		hub:     h,
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	observability.FeedSubscriptionsActive().Inc()
	h.logger.Debug().Str("topic", topic).Uint64("subscription", sub.id).Msg("feed subscription opened")

	watchContext(ctx, sub.done, sub.Close)
	return sub, nil
}

// JoinBroadcast joins a named broadcast channel.
func (h *Hub) JoinBroadcast(ctx context.Context, topic string) (*BroadcastChannel, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.nextID++
	channel := &BroadcastChannel{
		id:       h.nextID,
		topic:    topic,
		messages: make(chan Broadcast, h.bufferSize),
		done:     make(chan struct{}),
		hub:      h,
	}
	if _, exists := h.channels[topic]; !exists {
		h.channels[topic] = make(map[uint64]*BroadcastChannel)
	}
	h.channels[topic][channel.id] = channel
	h.mu.Unlock()

	watchContext(ctx, channel.done, channel.Close)
	return channel, nil
}

// PublishChange delivers a change locally and forwards it to every relay.
func (h *Hub) PublishChange(ctx context.Context, change Change) error {
	h.Deliver(change)
	return h.relay(ctx, Envelope{Change: &change})
}

// Deliver hands a change to local subscribers only. Sources that already run on every node
// (the Postgres listener) use it directly.
func (h *Hub) Deliver(change Change) {
	observability.FeedEvents().WithLabelValues(change.Table, string(change.Event)).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchesAny(sub.filters, change) {
			continue
		}
		select {
		case sub.events <- change:
		default:
			observability.FeedDropped().WithLabelValues("change").Inc()
			h.logger.Warn().Str("topic", sub.topic).Str("table", change.Table).Msg("dropping change for slow subscriber")
		}
	}
}

// Close shuts every subscription and channel down. Further subscriptions fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	var channels []*BroadcastChannel
	for _, topic := range h.channels {
		for _, channel := range topic {
			channels = append(channels, channel)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	for _, channel := range channels {
		channel.Close()
	}
}

func (h *Hub) broadcast(ctx context.Context, message Broadcast, senderID uint64) error {
	h.deliverBroadcast(message, senderID)
	return h.relay(ctx, Envelope{Broadcast: &message})
}

func (h *Hub) deliverBroadcast(message Broadcast, senderID uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, channel := range h.channels[message.Topic] {
		if id == senderID {
			continue
		}
		select {
		case channel.messages <- message:
		default:
			observability.FeedDropped().WithLabelValues("broadcast").Inc()
			h.logger.Warn().Str("topic", message.Topic).Str("event", message.Event).Msg("dropping broadcast for slow listener")
		}
	}
}

func (h *Hub) relay(ctx context.Context, envelope Envelope) error {
	if len(h.relays) == 0 {
		return nil
	}

	envelope.Source = h.nodeID
	envelope.SentAt = time.Now().UTC()
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal feed envelope: %w", err)
	}

	var errs []error
	for _, relay := range h.relays {
		if err := relay.Publish(ctx, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s relay: %w", relay.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) handleEnvelope(payload []byte) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		h.logger.Warn().Err(err).Msg("invalid feed envelope")
		return
	}

	if envelope.Source == h.nodeID {
		return
	}

	if envelope.Change != nil {
		h.Deliver(*envelope.Change)
	}
	if envelope.Broadcast != nil {
		h.deliverBroadcast(*envelope.Broadcast, 0)
	}
}

func (h *Hub) removeSubscription(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[id]
	if !ok {
		return false
	}
	delete(h.subs, id)
	close(sub.events)
	return true
}

func (h *Hub) removeChannel(topic string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	listeners, ok := h.channels[topic]
	if !ok {
		return
	}
	channel, ok := listeners[id]
	if !ok {
		return
	}
	delete(listeners, id)
	close(channel.messages)
	if len(listeners) == 0 {
		delete(h.channels, topic)
	}
}

func watchContext(ctx context.Context, done <-chan struct{}, cleanup func()) {
	if ctx == nil || ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
}

// Subscription is a scoped change stream. Events is closed once the subscription ends.
type Subscription struct {
	id      uint64
	topic   string
	filters []Filter
	events  chan Change
	done    chan struct{}
	once    sync.Once
	hub     *Hub
}

// Topic returns the name the subscription was opened under.
func (s *Subscription) Topic() string {
	return s.topic
}

// Events streams matching changes in delivery order.
func (s *Subscription) Events() <-chan Change {
	return s.events
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.hub.removeSubscription(s.id) {
			observability.FeedSubscriptionsActive().Dec()
		}
		close(s.done)
		s.hub.logger.Debug().Str("topic", s.topic).Uint64("subscription", s.id).Msg("feed subscription closed")
	})
}

// BroadcastChannel is a joined ephemeral channel. A sender never receives its own messages.
type BroadcastChannel struct {
	id       uint64
	topic    string
	messages chan Broadcast
	done     chan struct{}
	once     sync.Once
	hub      *Hub
}

// Topic returns the channel name.
func (c *BroadcastChannel) Topic() string {
	return c.topic
}

// Messages streams broadcasts from other participants.
func (c *BroadcastChannel) Messages() <-chan Broadcast {
	return c.messages
}

// Send publishes payload under event to every other listener of the channel.
func (c *BroadcastChannel) Send(ctx context.Context, event string, payload interface{}) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}
	return c.hub.broadcast(ctx, Broadcast{Topic: c.topic, Event: event, Payload: raw}, c.id)
}

// Close leaves the channel. It is safe to call more than once.
func (c *BroadcastChannel) Close() {
	c.once.Do(func() {
		c.hub.removeChannel(c.topic, c.id)
		close(c.done)
	})
}
