package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pawsitter/chatcore/internal/chat"
)

// Memory is a mutex-guarded in-process Store. It backs tests and the
// single-process demo deployment; the durable implementation is Postgres.
type Memory struct {
	fanout

	mu            sync.Mutex
	conversations map[string]*chat.Conversation
	messages      map[string][]*chat.Message // keyed by conversation id
	now           func() time.Time
}

// NewMemory constructs an empty store. pub may be nil when no live
// channels are wanted.
func NewMemory(pub Publisher) *Memory {
	return &Memory{
		fanout:        fanout{pub: pub},
		conversations: make(map[string]*chat.Conversation),
		messages:      make(map[string][]*chat.Message),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func copyMessage(m *chat.Message) *chat.Message {
	cp := *m
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		cp.ReadAt = &t
	}
	return &cp
}

func copyConversation(c *chat.Conversation) *chat.Conversation {
	cp := *c
	if c.LastMessage != nil {
		s := *c.LastMessage
		cp.LastMessage = &s
	}
	return &cp
}

// annotateLocked fills the computed view fields for viewerID.
func (s *Memory) annotateLocked(conv *chat.Conversation, viewerID string) *chat.Conversation {
	out := copyConversation(conv)
	out.LastMessage = nil
	out.UnreadCount = 0

	msgs := s.messages[conv.ID]
	var last *chat.Message
	for _, m := range msgs {
		if last == nil || last.Before(m) {
			last = m
		}
		if m.SenderID != viewerID && m.ReadAt == nil {
			out.UnreadCount++
		}
	}
	if last != nil {
		out.LastMessage = &chat.MessageSummary{
			Content:   last.Content,
			SenderID:  last.SenderID,
			CreatedAt: last.CreatedAt,
		}
	}
	return out
}

func (s *Memory) ListMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, &chat.NotFoundError{Kind: "conversation", ID: conversationID}
	}

	msgs := make([]*chat.Message, 0, len(s.messages[conversationID]))
	for _, m := range s.messages[conversationID] {
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		msgs = append(msgs, m)
	}
	// Newest first, ties broken by id, matching the durable store's order.
	sort.Slice(msgs, func(i, j int) bool { return msgs[j].Before(msgs[i]) })

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		out[i] = *copyMessage(m)
	}
	return out, nil
}

func (s *Memory) InsertMessage(ctx context.Context, conversationID, senderID, content string, kind chat.MessageKind) (*chat.Message, error) {
	if err := chat.ValidateContent(content); err != nil {
		return nil, err
	}

	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, &chat.NotFoundError{Kind: "conversation", ID: conversationID}
	}
	if !conv.HasParticipant(senderID) {
		s.mu.Unlock()
		return nil, &chat.AuthorizationError{UserID: senderID, Op: "send in conversation " + conversationID}
	}
	if conv.Status == chat.ConversationClosed {
		s.mu.Unlock()
		return nil, &chat.ValidationError{Field: "conversation", Reason: "conversation is closed"}
	}

	msg := &chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Kind:           kind,
		CreatedAt:      s.now(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	conv.LastMessageAt = msg.CreatedAt

	ownerView := s.annotateLocked(conv, conv.OwnerID)
	s.mu.Unlock()

	s.messageInserted(ctx, ownerView, copyMessage(msg))
	return copyMessage(msg), nil
}

func (s *Memory) MarkRead(ctx context.Context, conversationID, readerID string) error {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return &chat.NotFoundError{Kind: "conversation", ID: conversationID}
	}
	if !conv.HasParticipant(readerID) {
		s.mu.Unlock()
		return &chat.AuthorizationError{UserID: readerID, Op: "mark conversation " + conversationID + " read"}
	}

	stamped := 0
	now := s.now()
	for _, m := range s.messages[conversationID] {
		if m.SenderID != readerID && m.ReadAt == nil {
			t := now
			m.ReadAt = &t
			stamped++
		}
	}
	view := s.annotateLocked(conv, conv.OwnerID)
	s.mu.Unlock()

	if stamped > 0 {
		s.messagesRead(ctx, view)
	}
	return nil
}

func (s *Memory) GetOrCreateConversation(ctx context.Context, ownerID, caretakerID string) (*chat.Conversation, error) {
	if ownerID == "" || caretakerID == "" || ownerID == caretakerID {
		return nil, &chat.ValidationError{Field: "participants", Reason: "a conversation needs two distinct participants"}
	}

	s.mu.Lock()
	for _, conv := range s.conversations {
		samePair := (conv.OwnerID == ownerID && conv.CounterpartyID == caretakerID) ||
			(conv.OwnerID == caretakerID && conv.CounterpartyID == ownerID)
		if samePair {
			out := s.annotateLocked(conv, ownerID)
			s.mu.Unlock()
			return out, nil
		}
	}

	now := s.now()
	conv := &chat.Conversation{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		CounterpartyID: caretakerID,
		Status:         chat.ConversationActive,
		LastMessageAt:  now,
		CreatedAt:      now,
	}
	s.conversations[conv.ID] = conv
	out := copyConversation(conv)
	s.mu.Unlock()

	s.conversationCreated(ctx, out)
	return out, nil
}

func (s *Memory) DeleteConversation(ctx context.Context, conversationID, requesterID string) error {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return &chat.NotFoundError{Kind: "conversation", ID: conversationID}
	}
	if !conv.HasParticipant(requesterID) {
		s.mu.Unlock()
		return &chat.AuthorizationError{UserID: requesterID, Op: "delete conversation " + conversationID}
	}

	// Messages first, then the row, matching the durable store's
	// referential order.
	delete(s.messages, conversationID)
	delete(s.conversations, conversationID)
	out := copyConversation(conv)
	s.mu.Unlock()

	s.conversationDeleted(ctx, out)
	return nil
}

func (s *Memory) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	s.mu.Lock()
	out := make([]chat.Conversation, 0)
	for _, conv := range s.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		out = append(out, *s.annotateLocked(conv, userID))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *Memory) GetConversation(ctx context.Context, conversationID, viewerID string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, &chat.NotFoundError{Kind: "conversation", ID: conversationID}
	}
	if !conv.HasParticipant(viewerID) {
		return nil, &chat.AuthorizationError{UserID: viewerID, Op: "view conversation " + conversationID}
	}
	return s.annotateLocked(conv, viewerID), nil
}

var _ Store = (*Memory)(nil)
