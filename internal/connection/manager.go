// Package connection owns the set of active channel subscriptions for one
// session and drives reconnection with exponential backoff when the
// transport drops. It is purely lifecycle: it never interprets payloads.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pawsitter/chatcore/internal/chat"
)

// ErrDuplicateKey is returned when a subscription is registered under a key
// that is already in use. The existing handle is left untouched; the caller
// must Remove first. Registering twice is a programming error and is made
// loud rather than silently leaking the old subscription.
var ErrDuplicateKey = errors.New("subscription key already registered")

// Handle is the closeable token stored per subscription key.
// transport.Subscription satisfies it.
type Handle interface {
	Close() error
}

// Config tunes the reconnect backoff. Delays follow
// min(BaseDelay * 2^(attempt-1), MaxDelay); after MaxAttempts consecutive
// failures the manager goes into a persistent offline state.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultConfig matches the observed production tuning: 1s, 2s, 4s, 8s, 16s,
// then give up.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxDelay:    16 * time.Second,
		MaxAttempts: 5,
	}
}

// Manager is the single source of truth for transport health in a session.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	subs     map[string]Handle
	attempts int
	offline  bool

	onOffline func()

	// sleep is swappable in tests; the default waits ctx-aware.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Manager. onOffline (optional) fires once when the
// attempt cap is exhausted.
func New(cfg Config, onOffline func()) *Manager {
	return &Manager{
		cfg:       cfg,
		subs:      make(map[string]Handle),
		onOffline: onOffline,
		sleep:     ctxSleep,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Add stores handle under key. A duplicate key is rejected loudly and the
// stored handle is left as it was.
func (m *Manager) Add(key string, handle Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subs[key]; exists {
		log.Error().Str("key", key).Msg("duplicate subscription key; remove the old handle first")
		return ErrDuplicateKey
	}
	m.subs[key] = handle
	return nil
}

// Remove closes and discards the handle under key; no-op if absent.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	handle, ok := m.subs[key]
	delete(m.subs, key)
	m.mu.Unlock()

	if ok {
		if err := handle.Close(); err != nil {
			log.Warn().Str("key", key).Err(err).Msg("closing subscription")
		}
	}
}

// RemoveAll closes every stored handle. Idempotent, and safe to call from a
// teardown path racing an in-flight reconnect.
func (m *Manager) RemoveAll() {
	m.mu.Lock()
	handles := m.subs
	m.subs = make(map[string]Handle)
	m.mu.Unlock()

	for key, handle := range handles {
		if err := handle.Close(); err != nil {
			log.Warn().Str("key", key).Err(err).Msg("closing subscription")
		}
	}
}

// Has reports whether a handle is registered under key.
func (m *Manager) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[key]
	return ok
}

// Count returns the number of registered subscriptions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Online reports whether the manager has given up reconnecting.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.offline
}

// ResetOffline re-arms the manager after the cap was hit, for a manual
// retry affordance in the UI.
func (m *Manager) ResetOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = false
	m.attempts = 0
}

// Reconnect runs the backoff loop: wait, drop every stale subscription,
// then let rebuild re-create them. Success resets the attempt counter;
// MaxAttempts consecutive failures flip the manager offline and return
// chat.ErrOffline.
func (m *Manager) Reconnect(ctx context.Context, rebuild func(ctx context.Context) error) error {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return chat.ErrOffline
	}
	m.mu.Unlock()

	for {
		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		delay := m.backoffDelay(attempt)
		log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("transport lost, reconnecting")

		if err := m.sleep(ctx, delay); err != nil {
			return err
		}

		m.RemoveAll()

		if err := rebuild(ctx); err == nil {
			m.mu.Lock()
			m.attempts = 0
			m.mu.Unlock()
			log.Info().Int("attempt", attempt).Msg("reconnected")
			return nil
		} else {
			log.Warn().Int("attempt", attempt).Err(err).Msg("reconnect attempt failed")
		}

		m.mu.Lock()
		exhausted := m.attempts >= m.cfg.MaxAttempts
		if exhausted {
			m.offline = true
		}
		m.mu.Unlock()

		if exhausted {
			log.Error().Int("attempts", m.cfg.MaxAttempts).Msg("reconnect attempts exhausted, going offline")
			if m.onOffline != nil {
				m.onOffline()
			}
			return chat.ErrOffline
		}
	}
}

// backoffDelay returns min(BaseDelay * 2^(attempt-1), MaxDelay).
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.cfg.MaxDelay {
			return m.cfg.MaxDelay
		}
	}
	if delay > m.cfg.MaxDelay {
		return m.cfg.MaxDelay
	}
	return delay
}
