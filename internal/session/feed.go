package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pawsitter/chatcore/internal/chat"
	"github.com/pawsitter/chatcore/internal/transport"
)

// DefaultEmptySummary is shown for a conversation with no messages yet.
// The UI layer swaps in its localized string via Session options.
const DefaultEmptySummary = "No messages yet"

// FeedUpdateKind discriminates feed change notifications.
type FeedUpdateKind string

const (
	FeedUpsert FeedUpdateKind = "upsert"
	FeedRemove FeedUpdateKind = "remove"
	FeedError  FeedUpdateKind = "error"
)

// FeedUpdate is one change to the conversation list.
type FeedUpdate struct {
	Kind         FeedUpdateKind
	Conversation *chat.Conversation
	RemovedID    string
	Err          error
}

// Feed keeps the unread-annotated conversation list of one user current.
type Feed struct {
	deps   *deps
	userID string

	emptySummary string

	mu      sync.Mutex
	closed  bool
	updates chan FeedUpdate
}

func newFeed(d *deps, userID, emptySummary string) *Feed {
	return &Feed{
		deps:         d,
		userID:       userID,
		emptySummary: emptySummary,
		updates:      make(chan FeedUpdate, updateBufferSize),
	}
}

// Updates delivers feed changes. The channel closes when the feed does.
func (f *Feed) Updates() <-chan FeedUpdate { return f.updates }

// Load fetches the full annotated list: every conversation the user
// participates in, newest activity first, unread counts clamped at zero.
func (f *Feed) Load(ctx context.Context) ([]chat.Conversation, error) {
	convs, err := f.deps.store.ListConversations(ctx, f.userID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation feed: %w", err)
	}
	for i := range convs {
		f.fill(&convs[i])
	}
	return convs, nil
}

// fill replaces a missing last-message summary with the empty-state text
// and clamps the unread count.
func (f *Feed) fill(conv *chat.Conversation) {
	if conv.LastMessage == nil {
		conv.LastMessage = &chat.MessageSummary{
			Content:   f.emptySummary,
			CreatedAt: conv.CreatedAt,
		}
	}
	if conv.UnreadCount < 0 {
		conv.UnreadCount = 0
	}
}

// subscribe opens the per-user conversations channel and starts the event
// loop. Called on session start and again on every reconnect rebuild.
func (f *Feed) subscribe(ctx context.Context) error {
	channel := transport.ConversationsChannel(f.userID)
	sub, err := f.deps.transport.Subscribe(ctx, channel)
	if err != nil {
		return &chat.TransportError{Channel: channel, Err: err}
	}
	if err := f.deps.manager.Add(channel, sub); err != nil {
		_ = sub.Close()
		return err
	}
	go f.loop(sub)
	return nil
}

func (f *Feed) loop(sub transport.Subscription) {
	for ev := range sub.Events() {
		switch ev.Kind {
		case transport.EventInsert, transport.EventUpdate:
			if ev.Conversation == nil {
				continue
			}
			f.rederive(ev.Conversation.ID)
		case transport.EventDelete:
			f.emit(FeedUpdate{Kind: FeedRemove, RemovedID: ev.DeletedID})
		case transport.EventError:
			f.emit(FeedUpdate{Kind: FeedError, Err: ev.Err})
			f.deps.transportLost(ev.Err)
		}
	}
}

// rederive re-reads the annotated row rather than trusting the raw change
// payload: last-message summary and unread count are computed fields.
func (f *Feed) rederive(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	conv, err := f.deps.store.GetConversation(ctx, conversationID, f.userID)
	if err != nil {
		if chat.IsNotFound(err) {
			f.emit(FeedUpdate{Kind: FeedRemove, RemovedID: conversationID})
			return
		}
		log.Warn().Str("conversation_id", conversationID).Err(err).Msg("re-deriving feed entry")
		f.emit(FeedUpdate{Kind: FeedError, Err: err})
		return
	}
	f.fill(conv)
	f.emit(FeedUpdate{Kind: FeedUpsert, Conversation: conv})
}

func (f *Feed) emit(u FeedUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.updates <- u:
	default:
		log.Warn().Str("user_id", f.userID).Msg("feed consumer too slow, dropping update")
	}
}

// Close releases the feed subscription. Late events become no-ops.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.updates)
	f.mu.Unlock()

	f.deps.manager.Remove(transport.ConversationsChannel(f.userID))
}
