package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pawsitter/chatcore/internal/chat"
)

type fakeHandle struct {
	mu     sync.Mutex
	closed int
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeHandle) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestManager(onOffline func()) (*Manager, *[]time.Duration) {
	m := New(DefaultConfig(), onOffline)
	delays := &[]time.Duration{}
	m.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return m, delays
}

func TestAddRejectsDuplicateKey(t *testing.T) {
	m, _ := newTestManager(nil)

	first := &fakeHandle{}
	second := &fakeHandle{}

	if err := m.Add("messages:c1", first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := m.Add("messages:c1", second)
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	// The original handle stays registered and untouched.
	if first.closeCount() != 0 {
		t.Errorf("original handle was closed")
	}
	m.Remove("messages:c1")
	if first.closeCount() != 1 {
		t.Errorf("expected original handle closed on Remove, got %d", first.closeCount())
	}
	if second.closeCount() != 0 {
		t.Errorf("rejected handle must not be adopted")
	}
}

func TestRemoveIsNoOpWhenAbsent(t *testing.T) {
	m, _ := newTestManager(nil)
	m.Remove("never-added")
}

func TestRemoveAllIsIdempotent(t *testing.T) {
	m, _ := newTestManager(nil)

	handles := []*fakeHandle{{}, {}, {}}
	for i, h := range handles {
		if err := m.Add(string(rune('a'+i)), h); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	m.RemoveAll()
	m.RemoveAll()

	for i, h := range handles {
		if h.closeCount() != 1 {
			t.Errorf("handle %d closed %d times, want 1", i, h.closeCount())
		}
	}
	if m.Count() != 0 {
		t.Errorf("expected empty registry, got %d", m.Count())
	}
}

func TestRemoveAllSafeConcurrently(t *testing.T) {
	m, _ := newTestManager(nil)
	for i := 0; i < 16; i++ {
		_ = m.Add(string(rune('a'+i)), &fakeHandle{})
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RemoveAll()
		}()
	}
	wg.Wait()

	if m.Count() != 0 {
		t.Errorf("expected empty registry, got %d", m.Count())
	}
}

func TestReconnectBackoffSequence(t *testing.T) {
	offlineCalls := 0
	m, delays := newTestManager(func() { offlineCalls++ })

	err := m.Reconnect(context.Background(), func(ctx context.Context) error {
		return errors.New("still down")
	})
	if !errors.Is(err, chat.ErrOffline) {
		t.Fatalf("expected ErrOffline after attempt cap, got %v", err)
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	if len(*delays) != len(want) {
		t.Fatalf("expected %d attempts, got %d (%v)", len(want), len(*delays), *delays)
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Errorf("attempt %d delay = %v, want %v", i+1, (*delays)[i], d)
		}
	}

	if offlineCalls != 1 {
		t.Errorf("offline callback fired %d times, want 1", offlineCalls)
	}
	if m.Online() {
		t.Error("manager should be offline after exhausting attempts")
	}

	// A sixth failure does not retry: the manager stays offline without
	// sleeping again.
	before := len(*delays)
	if err := m.Reconnect(context.Background(), func(ctx context.Context) error { return nil }); !errors.Is(err, chat.ErrOffline) {
		t.Fatalf("expected immediate ErrOffline while offline, got %v", err)
	}
	if len(*delays) != before {
		t.Error("offline manager must not schedule further attempts")
	}
}

func TestReconnectResetsAttemptsOnSuccess(t *testing.T) {
	m, delays := newTestManager(nil)

	failures := 2
	rebuild := func(ctx context.Context) error {
		if failures > 0 {
			failures--
			return errors.New("not yet")
		}
		return nil
	}
	if err := m.Reconnect(context.Background(), rebuild); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !m.Online() {
		t.Error("manager should be online after success")
	}

	// A later loss starts the backoff from the base delay again.
	*delays = (*delays)[:0]
	if err := m.Reconnect(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if (*delays)[0] != time.Second {
		t.Errorf("first delay after reset = %v, want 1s", (*delays)[0])
	}
}

func TestReconnectDropsStaleSubscriptions(t *testing.T) {
	m, _ := newTestManager(nil)

	stale := &fakeHandle{}
	_ = m.Add("messages:c1", stale)

	err := m.Reconnect(context.Background(), func(ctx context.Context) error {
		if m.Count() != 0 {
			t.Error("rebuild must start from an empty registry")
		}
		return m.Add("messages:c1", &fakeHandle{})
	})
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if stale.closeCount() != 1 {
		t.Errorf("stale handle closed %d times, want 1", stale.closeCount())
	}
	if !m.Has("messages:c1") {
		t.Error("rebuilt subscription missing")
	}
}

func TestResetOfflineReArms(t *testing.T) {
	m, delays := newTestManager(nil)

	_ = m.Reconnect(context.Background(), func(ctx context.Context) error {
		return errors.New("down")
	})
	if m.Online() {
		t.Fatal("expected offline")
	}

	m.ResetOffline()
	*delays = (*delays)[:0]
	if err := m.Reconnect(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("reconnect after reset: %v", err)
	}
	if !m.Online() {
		t.Error("expected online after manual retry")
	}
	if (*delays)[0] != time.Second {
		t.Errorf("first delay after reset = %v, want 1s", (*delays)[0])
	}
}

func TestBackoffDelayCap(t *testing.T) {
	m := New(Config{BaseDelay: time.Second, MaxDelay: 16 * time.Second, MaxAttempts: 10}, nil)
	for attempt, want := range map[int]time.Duration{
		1: 1 * time.Second,
		2: 2 * time.Second,
		5: 16 * time.Second,
		8: 16 * time.Second,
	} {
		if got := m.backoffDelay(attempt); got != want {
			t.Errorf("backoffDelay(%d) = %v, want %v", attempt, got, want)
		}
	}
}
