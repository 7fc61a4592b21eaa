package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawsitter/chatcore/internal/chat"
	"github.com/pawsitter/chatcore/internal/transport"
)

const (
	owner  = "owner-1"
	sitter = "sitter-1"
)

func TestGetOrCreateConversationIsIdempotentOnPair(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	first, err := s.GetOrCreateConversation(ctx, owner, sitter)
	require.NoError(t, err)

	// Same pair in either order resolves to the same row.
	again, err := s.GetOrCreateConversation(ctx, owner, sitter)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	flipped, err := s.GetOrCreateConversation(ctx, sitter, owner)
	require.NoError(t, err)
	assert.Equal(t, first.ID, flipped.ID)

	convs, err := s.ListConversations(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestGetOrCreateConversationConcurrentFirstContact(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := owner, sitter
			if i%2 == 1 {
				a, b = sitter, owner
			}
			conv, err := s.GetOrCreateConversation(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
}

func TestGetOrCreateConversationRejectsBadPairs(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	_, err := s.GetOrCreateConversation(ctx, owner, owner)
	assert.Error(t, err)
	_, err = s.GetOrCreateConversation(ctx, "", sitter)
	assert.Error(t, err)
}

func TestInsertMessageAnnotatesConversation(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, owner, sitter)
	require.NoError(t, err)

	_, err = s.InsertMessage(ctx, conv.ID, sitter, "hello there", chat.KindText)
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, conv.ID, sitter, "anyone home?", chat.KindText)
	require.NoError(t, err)

	view, err := s.GetConversation(ctx, conv.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, 2, view.UnreadCount)
	require.NotNil(t, view.LastMessage)
	assert.Equal(t, "anyone home?", view.LastMessage.Content)
	assert.Equal(t, sitter, view.LastMessage.SenderID)

	// The sender's own view has nothing unread.
	senderView, err := s.GetConversation(ctx, conv.ID, sitter)
	require.NoError(t, err)
	assert.Equal(t, 0, senderView.UnreadCount)
}

func TestInsertMessageRejections(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, owner, sitter)
	require.NoError(t, err)

	t.Run("EmptyContent", func(t *testing.T) {
		_, err := s.InsertMessage(ctx, conv.ID, owner, "   ", chat.KindText)
		var ve *chat.ValidationError
		assert.ErrorAs(t, err, &ve)
	})

	t.Run("NonParticipant", func(t *testing.T) {
		_, err := s.InsertMessage(ctx, conv.ID, "stranger", "hi", chat.KindText)
		assert.True(t, chat.IsAuthorization(err))
	})

	t.Run("MissingConversation", func(t *testing.T) {
		_, err := s.InsertMessage(ctx, "no-such-conversation", owner, "hi", chat.KindText)
		assert.True(t, chat.IsNotFound(err))
	})
}

func TestListMessagesNewestFirstWithLimit(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	conv, err := s.GetOrCreateConversation(ctx, owner, sitter)
	require.NoError(t, err)

	var ids []string
	for _, text := range []string{"one", "two", "three", "four"} {
		m, err := s.InsertMessage(ctx, conv.ID, owner, text, chat.KindText)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 2, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ids[3], msgs[0].ID)
	assert.Equal(t, ids[2], msgs[1].ID)

	// Pagination cursor excludes everything at or after the bound.
	before := msgs[1].CreatedAt
	older, err := s.ListMessages(ctx, conv.ID, 10, &before)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, ids[1], older[0].ID)
	assert.Equal(t, ids[0], older[1].ID)

	// limit <= 0 means no limit, per the Store contract.
	for _, limit := range []int{0, -1} {
		all, err := s.ListMessages(ctx, conv.ID, limit, nil)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	}
}

func TestMarkReadIsIdempotentAndMonotonic(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, owner, sitter)
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, conv.ID, sitter, "unread until opened", chat.KindText)
	require.NoError(t, err)
	own, err := s.InsertMessage(ctx, conv.ID, owner, "my own message", chat.KindText)
	require.NoError(t, err)

	require.NoError(t, s.MarkRead(ctx, conv.ID, owner))

	msgs, err := s.ListMessages(ctx, conv.ID, 10, nil)
	require.NoError(t, err)
	var stamped time.Time
	for _, m := range msgs {
		if m.ID == own.ID {
			assert.Nil(t, m.ReadAt, "own messages are never stamped by the reader")
			continue
		}
		require.NotNil(t, m.ReadAt)
		stamped = *m.ReadAt
	}

	view, err := s.GetConversation(ctx, conv.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, 0, view.UnreadCount)

	// A second pass changes nothing: read timestamps are set once.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.MarkRead(ctx, conv.ID, owner))
	msgs, err = s.ListMessages(ctx, conv.ID, 10, nil)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.ID != own.ID {
			assert.True(t, m.ReadAt.Equal(stamped), "read timestamp must not move")
		}
	}

	assert.True(t, chat.IsAuthorization(s.MarkRead(ctx, conv.ID, "stranger")))
}

func TestDeleteConversationCascades(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, owner, sitter)
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, conv.ID, owner, "soon gone", chat.KindText)
	require.NoError(t, err)

	t.Run("NonParticipantRejected", func(t *testing.T) {
		err := s.DeleteConversation(ctx, conv.ID, "stranger")
		assert.True(t, chat.IsAuthorization(err))
	})

	require.NoError(t, s.DeleteConversation(ctx, conv.ID, sitter))

	_, err = s.GetConversation(ctx, conv.ID, owner)
	assert.True(t, chat.IsNotFound(err))
	_, err = s.ListMessages(ctx, conv.ID, 10, nil)
	assert.True(t, chat.IsNotFound(err))

	assert.True(t, chat.IsNotFound(s.DeleteConversation(ctx, conv.ID, owner)))
}

func TestListConversationsOrdering(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	quiet, err := s.GetOrCreateConversation(ctx, owner, "sitter-quiet")
	require.NoError(t, err)
	busy, err := s.GetOrCreateConversation(ctx, owner, "sitter-busy")
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, busy.ID, "sitter-busy", "ping", chat.KindText)
	require.NoError(t, err)

	convs, err := s.ListConversations(ctx, owner)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, busy.ID, convs[0].ID, "latest activity first")
	assert.Equal(t, quiet.ID, convs[1].ID)

	// A conversation with no messages carries no summary; the feed layer
	// substitutes the empty-state text.
	assert.Nil(t, convs[1].LastMessage)
	assert.Equal(t, 0, convs[1].UnreadCount)
	assert.Equal(t, 1, convs[0].UnreadCount)
}

func TestWritePublishesRowChanges(t *testing.T) {
	hub := transport.NewMemory()
	defer hub.Close()
	s := NewMemory(hub)
	ctx := context.Background()

	feedSub, err := hub.Subscribe(ctx, transport.ConversationsChannel(owner))
	require.NoError(t, err)
	<-feedSub.Events() // sync

	conv, err := s.GetOrCreateConversation(ctx, owner, sitter)
	require.NoError(t, err)
	ev := <-feedSub.Events()
	assert.Equal(t, transport.EventInsert, ev.Kind)
	require.NotNil(t, ev.Conversation)
	assert.Equal(t, conv.ID, ev.Conversation.ID)

	msgSub, err := hub.Subscribe(ctx, transport.MessagesChannel(conv.ID))
	require.NoError(t, err)
	<-msgSub.Events() // sync

	sent, err := s.InsertMessage(ctx, conv.ID, sitter, "hello", chat.KindText)
	require.NoError(t, err)
	ev = <-msgSub.Events()
	assert.Equal(t, transport.EventInsert, ev.Kind)
	require.NotNil(t, ev.Message)
	assert.Equal(t, sent.ID, ev.Message.ID)

	require.NoError(t, s.DeleteConversation(ctx, conv.ID, owner))
	ev = <-msgSub.Events()
	assert.Equal(t, transport.EventDelete, ev.Kind)
	assert.Equal(t, conv.ID, ev.DeletedID)
}
