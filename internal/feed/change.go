package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType is the row operation carried by a change.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Tables emitting changes.
const (
	TableMessages            = "messages"
	TableConversations       = "conversations"
	TableConversationMembers = "conversation_members"
	TableMessageReactions    = "message_reactions"
	TableProfiles            = "profiles"
)

// ErrClosed is returned when operating on a closed hub, subscription or channel.
var ErrClosed = errors.New("feed: closed")

// Change is a single row-level notification.
type Change struct {
	Event       EventType       `json:"event"`
	Table       string          `json:"table"`
	New         json.RawMessage `json:"new,omitempty"`
	Old         json.RawMessage `json:"old,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}

// NewChange marshals the row images into a change.
func NewChange(event EventType, table string, newRow, oldRow interface{}) (Change, error) {
	change := Change{Event: event, Table: table, CommittedAt: time.Now().UTC()}
	if newRow != nil {
		raw, err := json.Marshal(newRow)
		if err != nil {
			return Change{}, fmt.Errorf("marshal new row: %w", err)
		}
		change.New = raw
	}
	if oldRow != nil {
		raw, err := json.Marshal(oldRow)
		if err != nil {
			return Change{}, fmt.Errorf("marshal old row: %w", err)
		}
		change.Old = raw
	}
	return change, nil
}

// DecodeNew unmarshals the new row image into v.
func (c Change) DecodeNew(v interface{}) error {
	if len(c.New) == 0 {
		return fmt.Errorf("change on %s has no new row", c.Table)
	}
	return json.Unmarshal(c.New, v)
}

// DecodeOld unmarshals the old row image into v.
func (c Change) DecodeOld(v interface{}) error {
	if len(c.Old) == 0 {
		return fmt.Errorf("change on %s has no old row", c.Table)
	}
	return json.Unmarshal(c.Old, v)
}

// column returns the string form of a column from the row image a filter should look at.
// Deletes only carry the old image.
func (c Change) column(name string) (string, bool) {
	raw := c.New
	if c.Event == EventDelete || len(raw) == 0 {
		raw = c.Old
	}
	if len(raw) == 0 {
		return "", false
	}

	var row map[string]json.RawMessage
	if err := json.Unmarshal(raw, &row); err != nil {
		return "", false
	}
	value, ok := row[name]
	if !ok {
		return "", false
	}

	var str string
	if err := json.Unmarshal(value, &str); err == nil {
		return str, true
	}
	// numbers and booleans compare on their JSON text
	return string(value), true
}

// Filter selects the changes a subscription receives. Empty fields match anything.
type Filter struct {
	Table  string
	Event  EventType
	Column string
	Value  string
}

// Eq builds a column equality filter for one table and event.
func Eq(table string, event EventType, column, value string) Filter {
	return Filter{Table: table, Event: event, Column: column, Value: value}
}

// Matches reports whether the change passes the filter.
func (f Filter) Matches(c Change) bool {
	if f.Table != "" && f.Table != c.Table {
		return false
	}
	if f.Event != "" && f.Event != c.Event {
		return false
	}
	if f.Column == "" {
		return true
	}
	value, ok := c.column(f.Column)
	return ok && value == f.Value
}

func matchesAny(filters []Filter, c Change) bool {
	if len(filters) == 0 {
		return true
	}
	for _, filter := range filters {
		if filter.Matches(c) {
			return true
		}
	}
	return false
}

// Broadcast is an ephemeral message published on a named channel.
type Broadcast struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the broadcast payload into v.
func (b Broadcast) Decode(v interface{}) error {
	return json.Unmarshal(b.Payload, v)
}
