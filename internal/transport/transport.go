// Package transport provides the publish/subscribe primitive the realtime
// core is built on: named channels carrying row-change events, ephemeral
// broadcasts, and presence join/leave/sync tracking.
package transport

import (
	"context"
	"fmt"

	"github.com/pawsitter/chatcore/internal/chat"
)

// EventKind discriminates what an Event carries.
type EventKind string

const (
	EventInsert    EventKind = "insert"
	EventUpdate    EventKind = "update"
	EventDelete    EventKind = "delete"
	EventBroadcast EventKind = "broadcast"
	EventJoin      EventKind = "join"
	EventLeave     EventKind = "leave"
	EventSync      EventKind = "sync"
	EventError     EventKind = "error"
)

// Event is the unit delivered to subscribers. Exactly one payload field is
// set, matching Kind. Consumers are all in-process, so payloads are typed
// pointers; wire transports do their own encoding at their boundary.
type Event struct {
	Kind    EventKind `json:"kind"`
	Channel string    `json:"channel"`

	Message      *chat.Message      `json:"message,omitempty"`
	Conversation *chat.Conversation `json:"conversation,omitempty"`
	DeletedID    string             `json:"deleted_id,omitempty"`
	Typing       *chat.TypingSignal `json:"typing,omitempty"`
	Member       string             `json:"member,omitempty"`
	Members      []string           `json:"members,omitempty"`
	Err          error              `json:"-"`
}

// Subscription is a live attachment to one channel. Events() is closed when
// the subscription is closed; Close is idempotent.
type Subscription interface {
	Events() <-chan Event
	Channel() string
	Close() error
}

// Transport is the channel pub/sub contract. Presence channels additionally
// use Track/Untrack; a new subscriber always receives one Sync event with
// the channel's current member set (possibly empty) before any live event.
type Transport interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Publish(ctx context.Context, channel string, ev Event) error
	Track(ctx context.Context, channel, memberID string) error
	Untrack(ctx context.Context, channel, memberID string) error
	Close() error
}

// Channel naming: one channel per concern per conversation, plus one
// feed channel per user.

func MessagesChannel(conversationID string) string {
	return fmt.Sprintf("messages:%s", conversationID)
}

func TypingChannel(conversationID string) string {
	return fmt.Sprintf("typing:%s", conversationID)
}

func PresenceChannel(conversationID string) string {
	return fmt.Sprintf("presence:%s", conversationID)
}

func ConversationsChannel(userID string) string {
	return fmt.Sprintf("conversations:%s", userID)
}
