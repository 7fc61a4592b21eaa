package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// subscriber buffer size. Overflowing events are dropped rather than
// blocking the publisher; ephemeral signals tolerate loss and row changes
// are re-derived from the store on reconnect.
const memoryBufferSize = 64

// Memory is an in-process Transport: a hub of named channels with a
// subscriber set and a presence member set per channel. It backs tests and
// single-process deployments.
type Memory struct {
	mu       sync.Mutex
	channels map[string]*memoryChannel
	closed   bool
}

type memoryChannel struct {
	subs    map[*memorySub]struct{}
	members map[string]struct{}
}

type memorySub struct {
	hub     *Memory
	channel string
	events  chan Event
	once    sync.Once
}

// NewMemory constructs an empty in-process transport.
func NewMemory() *Memory {
	return &Memory{channels: make(map[string]*memoryChannel)}
}

func (m *Memory) channelLocked(name string) *memoryChannel {
	ch, ok := m.channels[name]
	if !ok {
		ch = &memoryChannel{
			subs:    make(map[*memorySub]struct{}),
			members: make(map[string]struct{}),
		}
		m.channels[name] = ch
	}
	return ch
}

// Subscribe attaches to a channel. The initial Sync event carries the
// channel's current presence member set.
func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("transport closed")
	}

	ch := m.channelLocked(channel)
	sub := &memorySub{
		hub:     m,
		channel: channel,
		events:  make(chan Event, memoryBufferSize),
	}
	ch.subs[sub] = struct{}{}

	sub.events <- Event{Kind: EventSync, Channel: channel, Members: memberList(ch.members)}
	return sub, nil
}

// Publish fans ev out to every subscriber of channel. Never blocks: a full
// subscriber buffer drops the event.
func (m *Memory) Publish(ctx context.Context, channel string, ev Event) error {
	ev.Channel = channel

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("transport closed")
	}
	ch, ok := m.channels[channel]
	if !ok {
		return nil
	}
	for sub := range ch.subs {
		select {
		case sub.events <- ev:
		default:
			log.Warn().Str("channel", channel).Str("kind", string(ev.Kind)).
				Msg("subscriber buffer full, dropping event")
		}
	}
	return nil
}

// Track registers memberID as present on channel and announces the join.
func (m *Memory) Track(ctx context.Context, channel, memberID string) error {
	m.mu.Lock()
	ch := m.channelLocked(channel)
	if _, already := ch.members[memberID]; already {
		m.mu.Unlock()
		return nil
	}
	ch.members[memberID] = struct{}{}
	m.mu.Unlock()

	return m.Publish(ctx, channel, Event{Kind: EventJoin, Member: memberID})
}

// Untrack removes memberID from channel and announces the leave. No-op for
// an untracked member.
func (m *Memory) Untrack(ctx context.Context, channel, memberID string) error {
	m.mu.Lock()
	ch, ok := m.channels[channel]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if _, present := ch.members[memberID]; !present {
		m.mu.Unlock()
		return nil
	}
	delete(ch.members, memberID)
	m.mu.Unlock()

	return m.Publish(ctx, channel, Event{Kind: EventLeave, Member: memberID})
}

// Close tears down the hub and closes every open subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ch := range m.channels {
		for sub := range ch.subs {
			sub.once.Do(func() { close(sub.events) })
		}
	}
	m.channels = make(map[string]*memoryChannel)
	return nil
}

func (s *memorySub) Events() <-chan Event { return s.events }

func (s *memorySub) Channel() string { return s.channel }

// Close detaches the subscription from the hub and closes its event stream.
// Safe to call more than once.
func (s *memorySub) Close() error {
	s.hub.mu.Lock()
	if ch, ok := s.hub.channels[s.channel]; ok {
		delete(ch.subs, s)
	}
	s.hub.mu.Unlock()

	s.once.Do(func() { close(s.events) })
	return nil
}

func memberList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
