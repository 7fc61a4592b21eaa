package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pawsitter/chatcore/internal/chat"
	"github.com/pawsitter/chatcore/internal/connection"
	"github.com/pawsitter/chatcore/internal/store"
	"github.com/pawsitter/chatcore/internal/transport"
)

const (
	ownerID  = "owner-1"
	sitterID = "sitter-1"
)

// testEnv is one user's worth of wiring over a shared store and hub.
type testEnv struct {
	deps *deps
	st   store.Store
	hub  *transport.Memory
}

func newHub(t *testing.T) (*transport.Memory, *store.Memory) {
	t.Helper()
	hub := transport.NewMemory()
	t.Cleanup(func() { _ = hub.Close() })
	return hub, store.NewMemory(hub)
}

// newEnv builds per-user deps on top of shared infrastructure, with
// no-op hooks unless a test swaps them.
func newEnv(hub *transport.Memory, st store.Store) *testEnv {
	return &testEnv{
		deps: &deps{
			store:         st,
			transport:     hub,
			manager:       connection.New(connection.DefaultConfig(), nil),
			transportLost: func(error) {},
			notifyMessage: func(*chat.Message) {},
		},
		st:  st,
		hub: hub,
	}
}

func makeConversation(t *testing.T, st store.Store) *chat.Conversation {
	t.Helper()
	conv, err := st.GetOrCreateConversation(context.Background(), ownerID, sitterID)
	require.NoError(t, err)
	return conv
}

func waitStreamState(t *testing.T, s *Stream, want StreamState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		2*time.Second, 5*time.Millisecond, "stream never reached state %s", want)
}

// settle gives in-flight event deliveries a moment to land before a
// negative assertion.
func settle() {
	time.Sleep(100 * time.Millisecond)
}

func contentCount(msgs []chat.Message, content string) int {
	n := 0
	for _, m := range msgs {
		if m.Content == content {
			n++
		}
	}
	return n
}

func idCount(msgs []chat.Message, id string) int {
	n := 0
	for _, m := range msgs {
		if m.ID == id {
			n++
		}
	}
	return n
}
