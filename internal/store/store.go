// Package store holds the durable message store contract and its
// implementations. The core reads and writes conversations and messages
// exclusively through this interface.
package store

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pawsitter/chatcore/internal/chat"
	"github.com/pawsitter/chatcore/internal/transport"
)

// Store is the repository contract for conversations and messages.
//
// ListMessages returns newest-first as stored; callers reverse for
// rendering. A limit <= 0 means no limit, in every implementation.
// MarkRead is idempotent and monotonic: it stamps only rows that
// have no read timestamp yet and never clears one. GetOrCreateConversation
// is idempotent on the unordered participant pair. DeleteConversation
// verifies the requester is a participant and removes messages before the
// conversation row.
type Store interface {
	ListMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]chat.Message, error)
	InsertMessage(ctx context.Context, conversationID, senderID, content string, kind chat.MessageKind) (*chat.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) error
	GetOrCreateConversation(ctx context.Context, ownerID, caretakerID string) (*chat.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID, requesterID string) error

	// Feed read model: annotated with last-message summary and unread count
	// for the viewing user.
	ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error)
	GetConversation(ctx context.Context, conversationID, viewerID string) (*chat.Conversation, error)
}

// Publisher is the slice of the transport a store needs to announce row
// changes on the live channels.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev transport.Event) error
}

// fanout publishes row-change events after successful writes. Publish
// failures are logged, never surfaced: the write already happened and
// subscribers recover missed rows on their next load.
type fanout struct {
	pub Publisher
}

func (f fanout) publish(ctx context.Context, channel string, ev transport.Event) {
	if f.pub == nil {
		return
	}
	if err := f.pub.Publish(ctx, channel, ev); err != nil {
		log.Warn().Str("channel", channel).Err(err).Msg("publishing row change")
	}
}

func (f fanout) messageInserted(ctx context.Context, conv *chat.Conversation, msg *chat.Message) {
	f.publish(ctx, transport.MessagesChannel(conv.ID), transport.Event{Kind: transport.EventInsert, Message: msg})
	f.conversationChanged(ctx, conv)
}

func (f fanout) messagesRead(ctx context.Context, conv *chat.Conversation) {
	f.publish(ctx, transport.MessagesChannel(conv.ID), transport.Event{Kind: transport.EventUpdate, Conversation: conv})
	f.conversationChanged(ctx, conv)
}

func (f fanout) conversationChanged(ctx context.Context, conv *chat.Conversation) {
	ev := transport.Event{Kind: transport.EventUpdate, Conversation: conv}
	f.publish(ctx, transport.ConversationsChannel(conv.OwnerID), ev)
	f.publish(ctx, transport.ConversationsChannel(conv.CounterpartyID), ev)
}

func (f fanout) conversationCreated(ctx context.Context, conv *chat.Conversation) {
	ev := transport.Event{Kind: transport.EventInsert, Conversation: conv}
	f.publish(ctx, transport.ConversationsChannel(conv.OwnerID), ev)
	f.publish(ctx, transport.ConversationsChannel(conv.CounterpartyID), ev)
}

func (f fanout) conversationDeleted(ctx context.Context, conv *chat.Conversation) {
	ev := transport.Event{Kind: transport.EventDelete, DeletedID: conv.ID}
	f.publish(ctx, transport.MessagesChannel(conv.ID), ev)
	f.publish(ctx, transport.ConversationsChannel(conv.OwnerID), ev)
	f.publish(ctx, transport.ConversationsChannel(conv.CounterpartyID), ev)
}
