package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pawsitter/chatcore/internal/chat"
	"github.com/pawsitter/chatcore/internal/transport"
)

// PresenceUpdate reports whether the other participant currently has an
// active client. Liveness only: there is no last-seen timestamp when
// offline — the UI falls back to the conversation's last-message time.
type PresenceUpdate struct {
	OtherOnline bool
}

// Presence tracks the other party's liveness for one open conversation.
// The local participant is announced on open and filtered out of every
// join/leave/sync before callbacks fire: a user is never reported online
// to themselves.
type Presence struct {
	deps           *deps
	conversationID string
	selfID         string

	mu          sync.Mutex
	closed      bool
	otherOnline bool
	updates     chan PresenceUpdate
}

func newPresence(d *deps, conversationID, selfID string) *Presence {
	return &Presence{
		deps:           d,
		conversationID: conversationID,
		selfID:         selfID,
		updates:        make(chan PresenceUpdate, updateBufferSize),
	}
}

// Updates delivers liveness changes. Closed when the tracker closes.
func (p *Presence) Updates() <-chan PresenceUpdate { return p.updates }

// OtherOnline returns the current liveness of the other participant.
func (p *Presence) OtherOnline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.otherOnline
}

// open subscribes the presence channel and announces the local participant.
func (p *Presence) open(ctx context.Context) error {
	channel := transport.PresenceChannel(p.conversationID)
	sub, err := p.deps.transport.Subscribe(ctx, channel)
	if err != nil {
		return &chat.TransportError{Channel: channel, Err: err}
	}
	if err := p.deps.manager.Add(channel, sub); err != nil {
		_ = sub.Close()
		return err
	}
	go p.loop(sub)

	if err := p.deps.transport.Track(ctx, channel, p.selfID); err != nil {
		log.Warn().Str("channel", channel).Err(err).Msg("announcing presence")
	}
	return nil
}

func (p *Presence) loop(sub transport.Subscription) {
	for ev := range sub.Events() {
		switch ev.Kind {
		case transport.EventSync:
			online := false
			for _, member := range ev.Members {
				if member != p.selfID {
					online = true
					break
				}
			}
			p.set(online)
		case transport.EventJoin:
			if ev.Member != p.selfID {
				p.set(true)
			}
		case transport.EventLeave:
			if ev.Member != p.selfID {
				p.set(false)
			}
		case transport.EventError:
			p.deps.transportLost(ev.Err)
		}
	}
}

func (p *Presence) set(online bool) {
	p.mu.Lock()
	if p.closed || p.otherOnline == online {
		p.mu.Unlock()
		return
	}
	p.otherOnline = online
	select {
	case p.updates <- PresenceUpdate{OtherOnline: online}:
	default:
		log.Warn().Str("conversation_id", p.conversationID).Msg("presence consumer too slow, dropping update")
	}
	p.mu.Unlock()
}

// close withdraws the local participant and releases the subscription.
func (p *Presence) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.updates)
	p.mu.Unlock()

	channel := transport.PresenceChannel(p.conversationID)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := p.deps.transport.Untrack(ctx, channel, p.selfID); err != nil {
		log.Warn().Str("channel", channel).Err(err).Msg("withdrawing presence")
	}
	p.deps.manager.Remove(channel)
}
