package domain

import (
	"encoding/json"
	"time"
)

// EventKind tags a relayed event on the wire.
type EventKind string

const (
	EventFollow      EventKind = "follow"
	EventRaid        EventKind = "raid"
	EventChatMessage EventKind = "message"
)

// AllEventKinds lists every kind the relay subscribes to.
var AllEventKinds = []EventKind{EventFollow, EventRaid, EventChatMessage}

// RelayedEvent is a normalized engagement notification. Implementations are
// plain values and never mutated after construction.
type RelayedEvent interface {
	Kind() EventKind
	Source() string
}

type FollowEvent struct {
	Service    string    `json:"service"`
	UserID     string    `json:"user_id"`
	UserLogin  string    `json:"user_login"`
	UserName   string    `json:"user_name"`
	FollowedAt time.Time `json:"followed_at"`
}

func (FollowEvent) Kind() EventKind  { return EventFollow }
func (e FollowEvent) Source() string { return e.Service }

func (e FollowEvent) MarshalJSON() ([]byte, error) {
	type plain FollowEvent
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{EventFollow, plain(e)})
}

type RaidEvent struct {
	Service   string `json:"service"`
	FromID    string `json:"from_id"`
	FromLogin string `json:"from_login"`
	FromName  string `json:"from_name"`
	Viewers   int    `json:"viewers"`
}

func (RaidEvent) Kind() EventKind  { return EventRaid }
func (e RaidEvent) Source() string { return e.Service }

func (e RaidEvent) MarshalJSON() ([]byte, error) {
	type plain RaidEvent
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{EventRaid, plain(e)})
}

type ChatMessageEvent struct {
	Service   string `json:"service"`
	MessageID string `json:"id"`
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
	Text      string `json:"text"`
	Color     string `json:"color,omitempty"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

func (ChatMessageEvent) Kind() EventKind  { return EventChatMessage }
func (e ChatMessageEvent) Source() string { return e.Service }

func (e ChatMessageEvent) MarshalJSON() ([]byte, error) {
	type plain ChatMessageEvent
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		plain
	}{EventChatMessage, plain(e)})
}
