package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pawsitter/chatcore/internal/chat"
	"github.com/pawsitter/chatcore/internal/transport"
)

// StreamState is the lifecycle of one open message view.
type StreamState string

const (
	StreamLoading StreamState = "loading"
	StreamReady   StreamState = "ready"
	// StreamFailed is terminal until the view is reopened with a fresh
	// attempt.
	StreamFailed StreamState = "failed"
	// StreamGone means the conversation vanished underneath the view, e.g.
	// deleted by the other participant. Terminal; the UI returns to the feed.
	StreamGone StreamState = "gone"
)

// StreamUpdate is one change to an open message view: a new message-list
// snapshot, a state transition, or both.
type StreamUpdate struct {
	State    StreamState
	Messages []chat.Message
	Err      error
}

// Stream is the ordered, deduplicated, read-tracked message history of one
// open conversation. It merges the paginated initial load with the live
// insert channel: the two can race and double-deliver the same row, so
// every apply is guarded by id.
type Stream struct {
	deps           *deps
	conversationID string
	selfID         string
	loadLimit      int

	mu       sync.Mutex
	state    StreamState
	messages []chat.Message
	known    map[string]struct{} // confirmed ids present in messages
	buffer   []chat.Message      // live inserts that arrived while loading
	closed   bool
	updates  chan StreamUpdate
}

func newStream(d *deps, conversationID, selfID string, loadLimit int) *Stream {
	return &Stream{
		deps:           d,
		conversationID: conversationID,
		selfID:         selfID,
		loadLimit:      loadLimit,
		state:          StreamLoading,
		known:          make(map[string]struct{}),
		updates:        make(chan StreamUpdate, updateBufferSize),
	}
}

// Updates delivers view changes. The channel closes when the stream does.
func (s *Stream) Updates() <-chan StreamUpdate { return s.updates }

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a snapshot of the rendered list, oldest first.
func (s *Stream) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages...)
}

// open subscribes the live channel and kicks the initial load. Also the
// reconnect rebuild path: the reload picks up anything missed while the
// transport was down.
func (s *Stream) open(ctx context.Context) error {
	channel := transport.MessagesChannel(s.conversationID)
	sub, err := s.deps.transport.Subscribe(ctx, channel)
	if err != nil {
		return &chat.TransportError{Channel: channel, Err: err}
	}
	if err := s.deps.manager.Add(channel, sub); err != nil {
		_ = sub.Close()
		return err
	}

	s.mu.Lock()
	s.state = StreamLoading
	s.mu.Unlock()

	go s.loop(sub)
	go s.loadInitial()
	return nil
}

// loadInitial fetches the newest loadLimit messages, flips the view to
// ready (flushing anything buffered meanwhile), and batch-marks unread
// foreign messages as read.
func (s *Stream) loadInitial() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	fetched, err := s.deps.store.ListMessages(ctx, s.conversationID, s.loadLimit, nil)
	if err != nil {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if chat.IsNotFound(err) {
			s.state = StreamGone
		} else {
			s.state = StreamFailed
		}
		state := s.state
		s.mu.Unlock()
		s.emit(StreamUpdate{State: state, Err: err})
		return
	}

	// Store order is newest first; the view renders oldest first.
	reverse(fetched)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Carry over optimistic echoes sent while the load was in flight.
	var pending []chat.Message
	for i := range s.messages {
		if s.messages[i].Pending {
			pending = append(pending, s.messages[i])
		}
	}
	// The fetch is the new source of truth: reset the rendered list AND the
	// id set together, or a reload (reconnect rebuild) would reject every
	// re-fetched row as a duplicate of its discarded copy.
	s.messages = s.messages[:0]
	s.known = make(map[string]struct{})
	for i := range fetched {
		s.applyLocked(fetched[i])
	}
	for i := range s.buffer {
		s.applyLocked(s.buffer[i])
	}
	s.buffer = nil
	for i := range pending {
		s.applyLocked(pending[i])
	}
	s.state = StreamReady

	unreadFromOther := false
	for i := range s.messages {
		m := &s.messages[i]
		if m.SenderID != s.selfID && m.ReadAt == nil {
			unreadFromOther = true
			break
		}
	}
	snapshot := append([]chat.Message(nil), s.messages...)
	s.mu.Unlock()

	s.emit(StreamUpdate{State: StreamReady, Messages: snapshot})

	if unreadFromOther {
		if err := s.MarkRead(ctx); err != nil {
			log.Warn().Str("conversation_id", s.conversationID).Err(err).Msg("marking conversation read after load")
		}
	}
}

// applyLocked inserts m into the ordered list unless its id is already
// present. Returns whether the list changed.
func (s *Stream) applyLocked(m chat.Message) bool {
	if _, dup := s.known[m.ID]; dup {
		return false
	}
	s.known[m.ID] = struct{}{}

	// Most arrivals are appends; walk back only as far as needed.
	i := len(s.messages)
	for i > 0 && m.Before(&s.messages[i-1]) {
		i--
	}
	s.messages = append(s.messages, chat.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	return true
}

func (s *Stream) loop(sub transport.Subscription) {
	for ev := range sub.Events() {
		switch ev.Kind {
		case transport.EventInsert:
			if ev.Message != nil {
				s.onLiveInsert(*ev.Message)
			}
		case transport.EventDelete:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.state = StreamGone
			s.mu.Unlock()
			s.emit(StreamUpdate{State: StreamGone, Err: &chat.NotFoundError{Kind: "conversation", ID: s.conversationID}})
		case transport.EventError:
			s.deps.transportLost(ev.Err)
		}
	}
}

// onLiveInsert merges one live-arriving row. While loading it is buffered;
// while ready it is applied with duplicate suppression. A foreign-author
// message also triggers the read marker and a notification.
func (s *Stream) onLiveInsert(m chat.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case StreamLoading:
		s.buffer = append(s.buffer, m)
		s.mu.Unlock()
		return
	case StreamFailed, StreamGone:
		// An unpopulated view must not accept live rows.
		s.mu.Unlock()
		return
	}

	changed := s.applyLocked(m)
	snapshot := append([]chat.Message(nil), s.messages...)
	s.mu.Unlock()

	if !changed {
		return
	}
	s.emit(StreamUpdate{State: StreamReady, Messages: snapshot})

	if m.SenderID != s.selfID {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := s.MarkRead(ctx); err != nil {
			log.Warn().Str("conversation_id", s.conversationID).Err(err).Msg("marking live message read")
		}
		s.deps.notifyMessage(&m)
	}
}

// Send writes a message authored by the local user. The view shows an
// optimistic pending echo immediately, keyed by a client-generated
// correlation id; the echo is swapped for the confirmed row on success and
// retracted if the write fails.
func (s *Stream) Send(ctx context.Context, content string) (*chat.Message, error) {
	if err := chat.ValidateContent(content); err != nil {
		return nil, err
	}

	clientID := uuid.NewString()
	pending := chat.Message{
		ID:             clientID,
		ConversationID: s.conversationID,
		SenderID:       s.selfID,
		Content:        content,
		Kind:           chat.KindText,
		CreatedAt:      time.Now().UTC(),
		Pending:        true,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("conversation view is closed")
	}
	if s.state == StreamGone {
		s.mu.Unlock()
		return nil, &chat.NotFoundError{Kind: "conversation", ID: s.conversationID}
	}
	s.messages = append(s.messages, pending)
	snapshot := append([]chat.Message(nil), s.messages...)
	state := s.state
	s.mu.Unlock()
	s.emit(StreamUpdate{State: state, Messages: snapshot})

	msg, err := s.deps.store.InsertMessage(ctx, s.conversationID, s.selfID, content, chat.KindText)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
	s.retractPendingLocked(clientID)
	if err == nil {
		// The live echo may have landed first; applyLocked dedupes by id.
		s.applyLocked(*msg)
	}
	snapshot = append([]chat.Message(nil), s.messages...)
	state = s.state
	s.mu.Unlock()

	s.emit(StreamUpdate{State: state, Messages: snapshot})
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	return msg, nil
}

func (s *Stream) retractPendingLocked(clientID string) {
	for i := range s.messages {
		if s.messages[i].ID == clientID && s.messages[i].Pending {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// MarkRead stamps every currently-unread message not authored by the local
// user. Idempotent; read timestamps are set once and never cleared.
func (s *Stream) MarkRead(ctx context.Context) error {
	return s.deps.store.MarkRead(ctx, s.conversationID, s.selfID)
}

func (s *Stream) emit(u StreamUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- u:
	default:
		log.Warn().Str("conversation_id", s.conversationID).Msg("stream consumer too slow, dropping update")
	}
}

// close releases the live subscription; late events and late load results
// become no-ops.
func (s *Stream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.updates)
	s.mu.Unlock()

	s.deps.manager.Remove(transport.MessagesChannel(s.conversationID))
}

func reverse(msgs []chat.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
