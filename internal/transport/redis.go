package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis is a Transport over redis PUBLISH/SUBSCRIBE, for deployments where
// more than one chatd process serves the same users. Presence membership
// lives in a set per channel so late subscribers can build their sync view.
type Redis struct {
	client *redis.Client

	mu     sync.Mutex
	closed bool
}

// NewRedis connects to url and verifies the connection with a short ping,
// failing construction rather than the first publish.
func NewRedis(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Redis{client: client}, nil
}

func membersKey(channel string) string {
	return "presence-members:" + channel
}

type redisSub struct {
	channel string
	pubsub  *redis.PubSub
	events  chan Event
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Subscribe opens a redis subscription on channel and emits the presence
// sync snapshot before relaying live events.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("redis: transport closed")
	}
	r.mu.Unlock()

	pubsub := r.client.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round-trip so a bad channel fails here.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	members, err := r.client.SMembers(ctx, membersKey(channel)).Result()
	if err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: members %s: %w", channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{
		channel: channel,
		pubsub:  pubsub,
		events:  make(chan Event, memoryBufferSize),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	sub.events <- Event{Kind: EventSync, Channel: channel, Members: members}

	go sub.readLoop(loopCtx)
	return sub, nil
}

// readLoop relays redis messages until the subscription ends. It owns the
// events channel: only this goroutine sends on it and it closes it on exit.
func (s *redisSub) readLoop(ctx context.Context) {
	defer func() {
		close(s.events)
		close(s.done)
	}()

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					// Underlying connection gone; surface as a transport
					// error so the owner can trigger reconnection.
					s.deliver(Event{Kind: EventError, Channel: s.channel,
						Err: fmt.Errorf("redis: subscription %s dropped", s.channel)})
				}
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Str("channel", s.channel).Err(err).Msg("discarding malformed channel payload")
				continue
			}
			ev.Channel = s.channel
			s.deliver(ev)
		}
	}
}

func (s *redisSub) deliver(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("channel", s.channel).Str("kind", string(ev.Kind)).
			Msg("subscriber buffer full, dropping event")
	}
}

func (s *redisSub) Events() <-chan Event { return s.events }

func (s *redisSub) Channel() string { return s.channel }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

// Publish encodes ev as JSON and broadcasts it on channel.
func (r *Redis) Publish(ctx context.Context, channel string, ev Event) error {
	ev.Channel = channel
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: encode event: %w", err)
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Track adds memberID to the channel's presence set and announces the join.
func (r *Redis) Track(ctx context.Context, channel, memberID string) error {
	added, err := r.client.SAdd(ctx, membersKey(channel), memberID).Result()
	if err != nil {
		return fmt.Errorf("redis: track %s on %s: %w", memberID, channel, err)
	}
	if added == 0 {
		return nil
	}
	return r.Publish(ctx, channel, Event{Kind: EventJoin, Member: memberID})
}

// Untrack removes memberID from the channel's presence set and announces
// the leave.
func (r *Redis) Untrack(ctx context.Context, channel, memberID string) error {
	removed, err := r.client.SRem(ctx, membersKey(channel), memberID).Result()
	if err != nil {
		return fmt.Errorf("redis: untrack %s on %s: %w", memberID, channel, err)
	}
	if removed == 0 {
		return nil
	}
	return r.Publish(ctx, channel, Event{Kind: EventLeave, Member: memberID})
}

// Close shuts the underlying client; open subscriptions end with an error
// event from their read loops.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
