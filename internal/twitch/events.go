package twitch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/moralrecordings/mrstream/internal/domain"
)

// EventSub websocket message types.
const (
	messageWelcome      = "session_welcome"
	messageKeepalive    = "session_keepalive"
	messageNotification = "notification"
	messageReconnect    = "session_reconnect"
	messageRevocation   = "revocation"
)

type envelope struct {
	Metadata struct {
		MessageID        string    `json:"message_id"`
		MessageType      string    `json:"message_type"`
		MessageTimestamp time.Time `json:"message_timestamp"`
		SubscriptionType string    `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		Status                  string `json:"status"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

type followEvent struct {
	UserID     string    `json:"user_id"`
	UserLogin  string    `json:"user_login"`
	UserName   string    `json:"user_name"`
	FollowedAt time.Time `json:"followed_at"`
}

type raidEvent struct {
	FromBroadcasterUserID    string `json:"from_broadcaster_user_id"`
	FromBroadcasterUserLogin string `json:"from_broadcaster_user_login"`
	FromBroadcasterUserName  string `json:"from_broadcaster_user_name"`
	Viewers                  int    `json:"viewers"`
}

type chatMessageEvent struct {
	ChatterUserID    string `json:"chatter_user_id"`
	ChatterUserLogin string `json:"chatter_user_login"`
	ChatterUserName  string `json:"chatter_user_name"`
	MessageID        string `json:"message_id"`
	Message          struct {
		Text string `json:"text"`
	} `json:"message"`
	Color string `json:"color"`
	Reply *struct {
		ParentMessageID string `json:"parent_message_id"`
	} `json:"reply"`
}

// eventKindFor maps a subscription type onto the relayed event kind.
func eventKindFor(subscriptionType string) (domain.EventKind, bool) {
	switch subscriptionType {
	case subscriptionFollow:
		return domain.EventFollow, true
	case subscriptionRaid:
		return domain.EventRaid, true
	case subscriptionChatMessage:
		return domain.EventChatMessage, true
	default:
		return "", false
	}
}

// decodeEvent turns a notification payload into an immutable relayed event
// attributed to service.
func decodeEvent(service string, kind domain.EventKind, raw json.RawMessage) (domain.RelayedEvent, error) {
	switch kind {
	case domain.EventFollow:
		var e followEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("failed to decode follow event: %w", err)
		}
		return domain.FollowEvent{
			Service:    service,
			UserID:     e.UserID,
			UserLogin:  e.UserLogin,
			UserName:   e.UserName,
			FollowedAt: e.FollowedAt,
		}, nil

	case domain.EventRaid:
		var e raidEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("failed to decode raid event: %w", err)
		}
		return domain.RaidEvent{
			Service:   service,
			FromID:    e.FromBroadcasterUserID,
			FromLogin: e.FromBroadcasterUserLogin,
			FromName:  e.FromBroadcasterUserName,
			Viewers:   e.Viewers,
		}, nil

	case domain.EventChatMessage:
		var e chatMessageEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("failed to decode chat message event: %w", err)
		}
		msg := domain.ChatMessageEvent{
			Service:   service,
			MessageID: e.MessageID,
			UserID:    e.ChatterUserID,
			UserLogin: e.ChatterUserLogin,
			UserName:  e.ChatterUserName,
			Text:      e.Message.Text,
			Color:     e.Color,
		}
		if e.Reply != nil {
			msg.ReplyToID = e.Reply.ParentMessageID
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("unsupported event kind %q", kind)
	}
}
