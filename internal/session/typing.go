package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pawsitter/chatcore/internal/chat"
	"github.com/pawsitter/chatcore/internal/transport"
)

const (
	// typingIdleTimeout is how long after the last keystroke a stop signal
	// fires automatically.
	typingIdleTimeout = 2 * time.Second
	// typingReceiverTTL bounds how long a received start signal keeps the
	// indicator up when the matching stop is lost in transit.
	typingReceiverTTL = 4 * time.Second
)

// TypingUpdate reports whether the other participant is typing.
type TypingUpdate struct {
	OtherTyping bool
}

// Typing is the lossy, low-latency typing indicator for one conversation.
// Signals are ephemeral broadcasts: not persisted, delivery not guaranteed.
//
// Sender side: one start per idle-to-typing transition, stop on explicit
// send or cleared input, and an automatic stop after two idle seconds (the
// timer refreshes on every keystroke). Receiver side: a start carries an
// implicit TTL so a lost stop cannot wedge the indicator.
type Typing struct {
	deps           *deps
	conversationID string
	selfID         string

	idleTimeout time.Duration
	receiverTTL time.Duration

	mu          sync.Mutex
	closed      bool
	selfTyping  bool
	otherTyping bool
	idleTimer   *time.Timer
	ttlTimer    *time.Timer
	updates     chan TypingUpdate
}

func newTyping(d *deps, conversationID, selfID string) *Typing {
	return &Typing{
		deps:           d,
		conversationID: conversationID,
		selfID:         selfID,
		idleTimeout:    typingIdleTimeout,
		receiverTTL:    typingReceiverTTL,
		updates:        make(chan TypingUpdate, updateBufferSize),
	}
}

// Updates delivers other-party typing changes. Closed with the coordinator.
func (t *Typing) Updates() <-chan TypingUpdate { return t.updates }

// OtherTyping returns the current indicator state.
func (t *Typing) OtherTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.otherTyping
}

func (t *Typing) open(ctx context.Context) error {
	channel := transport.TypingChannel(t.conversationID)
	sub, err := t.deps.transport.Subscribe(ctx, channel)
	if err != nil {
		return &chat.TransportError{Channel: channel, Err: err}
	}
	if err := t.deps.manager.Add(channel, sub); err != nil {
		_ = sub.Close()
		return err
	}
	go t.loop(sub)
	return nil
}

// Keystroke records local typing activity: the first keystroke after idle
// broadcasts a start, every keystroke pushes the auto-stop out again.
func (t *Typing) Keystroke(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	fireStart := !t.selfTyping
	t.selfTyping = true
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.idleTimeout, t.autoStop)
	t.mu.Unlock()

	if fireStart {
		t.broadcast(ctx, true)
	}
}

// Stop signals the end of typing explicitly (message sent or input
// cleared). No-op when not typing.
func (t *Typing) Stop(ctx context.Context) {
	t.mu.Lock()
	if t.closed || !t.selfTyping {
		t.mu.Unlock()
		return
	}
	t.selfTyping = false
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	t.mu.Unlock()

	t.broadcast(ctx, false)
}

func (t *Typing) autoStop() {
	t.mu.Lock()
	if t.closed || !t.selfTyping {
		t.mu.Unlock()
		return
	}
	t.selfTyping = false
	t.idleTimer = nil
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	t.broadcast(ctx, false)
}

func (t *Typing) broadcast(ctx context.Context, isTyping bool) {
	ev := transport.Event{
		Kind: transport.EventBroadcast,
		Typing: &chat.TypingSignal{
			UserID:         t.selfID,
			ConversationID: t.conversationID,
			IsTyping:       isTyping,
		},
	}
	if err := t.deps.transport.Publish(ctx, transport.TypingChannel(t.conversationID), ev); err != nil {
		// Lossy by contract; a dropped signal corrects itself via the TTL.
		log.Debug().Str("conversation_id", t.conversationID).Err(err).Msg("typing broadcast failed")
	}
}

func (t *Typing) loop(sub transport.Subscription) {
	for ev := range sub.Events() {
		switch ev.Kind {
		case transport.EventBroadcast:
			if ev.Typing == nil || ev.Typing.UserID == t.selfID {
				continue
			}
			t.setOther(ev.Typing.IsTyping)
		case transport.EventError:
			t.deps.transportLost(ev.Err)
		}
	}
}

func (t *Typing) setOther(typing bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.ttlTimer != nil {
		t.ttlTimer.Stop()
		t.ttlTimer = nil
	}
	if typing {
		t.ttlTimer = time.AfterFunc(t.receiverTTL, t.ttlExpire)
	}
	changed := t.otherTyping != typing
	t.otherTyping = typing
	if changed {
		select {
		case t.updates <- TypingUpdate{OtherTyping: typing}:
		default:
			log.Warn().Str("conversation_id", t.conversationID).Msg("typing consumer too slow, dropping update")
		}
	}
	t.mu.Unlock()
}

func (t *Typing) ttlExpire() {
	t.mu.Lock()
	if t.closed || !t.otherTyping {
		t.mu.Unlock()
		return
	}
	t.otherTyping = false
	t.ttlTimer = nil
	select {
	case t.updates <- TypingUpdate{OtherTyping: false}:
	default:
	}
	t.mu.Unlock()
}

// close cancels both timers and releases the subscription; a timer that
// already fired finds the closed flag and does nothing.
func (t *Typing) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	if t.ttlTimer != nil {
		t.ttlTimer.Stop()
		t.ttlTimer = nil
	}
	close(t.updates)
	t.mu.Unlock()

	t.deps.manager.Remove(transport.TypingChannel(t.conversationID))
}
