package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// DefaultNotifyChannel is the Postgres NOTIFY channel the change triggers write to.
const DefaultNotifyChannel = "setu_changes"

// ChangeTriggerSQL installs a trigger function publishing row changes as JSON through
// pg_notify. It is applied by database.InstallChangeTriggers for each feed table.
const ChangeTriggerSQL = `
CREATE OR REPLACE FUNCTION setu_notify_change() RETURNS trigger AS $$
DECLARE
	payload json;
BEGIN
	payload := json_build_object(
		'event', lower(TG_OP),
		'table', TG_TABLE_NAME,
		'new', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
		'old', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END,
		'committed_at', now()
	);
	PERFORM pg_notify('` + DefaultNotifyChannel + `', payload::text);
	RETURN COALESCE(NEW, OLD);
END;
$$ LANGUAGE plpgsql;`

// PGSource turns Postgres notifications into hub deliveries.
type PGSource struct {
	dsn     string
	channel string
	logger  zerolog.Logger
}

// NewPGSource constructs a listener for the given DSN and channel.
func NewPGSource(dsn, channel string, logger zerolog.Logger) *PGSource {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &PGSource{
		dsn:     dsn,
		channel: channel,
		logger:  logger.With().Str("component", "feed_pg_source").Logger(),
	}
}

// Run listens until ctx is done, delivering each decoded change to the hub.
func (s *PGSource) Run(ctx context.Context, hub *Hub) error {
	listener := pq.NewListener(s.dsn, time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn().Err(err).Int("event", int(event)).Msg("postgres listener event")
		}
	})
	defer func() { _ = listener.Close() }()

	if err := listener.Listen(s.channel); err != nil {
		return fmt.Errorf("listen on %s: %w", s.channel, err)
	}

	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case notification := <-listener.Notify:
			// nil is sent after a reconnect; changes in the gap are lost
			if notification == nil {
				s.logger.Warn().Msg("postgres listener reconnected")
				continue
			}
			change, err := DecodeNotification(notification.Extra)
			if err != nil {
				s.logger.Warn().Err(err).Msg("invalid change notification")
				continue
			}
			hub.Deliver(change)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				s.logger.Warn().Err(err).Msg("postgres listener ping failed")
			}
		}
	}
}

// DecodeNotification parses a trigger payload.
func DecodeNotification(payload string) (Change, error) {
	var change Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return Change{}, fmt.Errorf("decode change notification: %w", err)
	}
	if change.Table == "" || change.Event == "" {
		return Change{}, fmt.Errorf("change notification missing table or event")
	}
	if string(change.New) == "null" {
		change.New = nil
	}
	if string(change.Old) == "null" {
		change.Old = nil
	}
	return change, nil
}
