package feed

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// FeedStream is the relay stream carrying change envelopes.
const FeedStream = "feed"

// Relay carries feed envelopes between nodes.
type Relay interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	// Consume blocks, handing every received payload to handle, until ctx is done.
	Consume(ctx context.Context, handle func([]byte)) error
}

// RedisRelay relays envelopes over a Redis pub/sub channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
}

// NewRedisRelay returns nil when either the client or the channel base is missing. stream names
// the traffic carried, e.g. "feed" or "notifications".
func NewRedisRelay(client *redis.Client, channelBase, stream string) *RedisRelay {
	if client == nil || channelBase == "" {
		return nil
	}
	return &RedisRelay{client: client, channel: channelBase + ":" + stream}
}

func (r *RedisRelay) Name() string { return "redis" }

// Channel returns the pub/sub channel in use.
func (r *RedisRelay) Channel() string { return r.channel }

func (r *RedisRelay) Publish(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisRelay) Consume(ctx context.Context, handle func([]byte)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		handle([]byte(msg.Payload))
	}
}

// NATSRelay relays envelopes over a NATS subject. Every node needs every event, so it uses a
// plain subscription rather than a queue group.
type NATSRelay struct {
	conn    *nats.Conn
	subject string
}

// NewNATSRelay returns nil when either the connection or the channel base is missing.
func NewNATSRelay(conn *nats.Conn, channelBase, stream string) *NATSRelay {
	if conn == nil || channelBase == "" {
		return nil
	}
	return &NATSRelay{conn: conn, subject: strings.ReplaceAll(channelBase, ":", ".") + "." + stream}
}

func (r *NATSRelay) Name() string { return "nats" }

// Subject returns the NATS subject in use.
func (r *NATSRelay) Subject() string { return r.subject }

func (r *NATSRelay) Publish(_ context.Context, payload []byte) error {
	return r.conn.Publish(r.subject, payload)
}

func (r *NATSRelay) Consume(ctx context.Context, handle func([]byte)) error {
	sub, err := r.conn.Subscribe(r.subject, func(msg *nats.Msg) {
		handle(msg.Data)
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return err
	}
	return context.Canceled
}
