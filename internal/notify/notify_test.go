package notify

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedNotification struct {
	tag   string
	title string
	body  string
}

type fakeSink struct {
	mu     sync.Mutex
	shown  []recordedNotification
	sounds int
}

func (f *fakeSink) Show(tag, title, body string, onClick func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, recordedNotification{tag: tag, title: title, body: body})
}

func (f *fakeSink) PlaySound() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sounds++
}

func (f *fakeSink) all() []recordedNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedNotification(nil), f.shown...)
}

func newGranted(t *testing.T, sink Sink, visible func() bool) *Dispatcher {
	t.Helper()
	d, err := New("", sink, visible)
	require.NoError(t, err)
	require.NoError(t, d.SetPermission(PermissionGranted))
	return d
}

func TestNotifySuppression(t *testing.T) {
	hidden := func() bool { return false }
	visible := func() bool { return true }

	t.Run("PermissionNotGranted", func(t *testing.T) {
		sink := &fakeSink{}
		d, err := New("", sink, hidden)
		require.NoError(t, err)

		d.Notify("Anna", "hi", "c1", nil)
		assert.Empty(t, sink.all(), "default permission must suppress")

		require.NoError(t, d.SetPermission(PermissionDenied))
		d.Notify("Anna", "hi", "c1", nil)
		assert.Empty(t, sink.all())
	})

	t.Run("DisabledInSettings", func(t *testing.T) {
		sink := &fakeSink{}
		d := newGranted(t, sink, hidden)
		require.NoError(t, d.SetEnabled(false))

		d.Notify("Anna", "hi", "c1", nil)
		assert.Empty(t, sink.all())
	})

	t.Run("PageVisible", func(t *testing.T) {
		sink := &fakeSink{}
		d := newGranted(t, sink, visible)

		d.Notify("Anna", "hi", "c1", nil)
		assert.Empty(t, sink.all(), "a visible page must not also pop a notification")
	})

	t.Run("AllConditionsMet", func(t *testing.T) {
		sink := &fakeSink{}
		d := newGranted(t, sink, hidden)

		d.Notify("Anna", "hi", "c1", nil)
		shown := sink.all()
		require.Len(t, shown, 1)
		assert.Equal(t, "c1", shown[0].tag)
		assert.Equal(t, "Anna", shown[0].title)
		assert.Equal(t, "hi", shown[0].body)
		assert.Equal(t, 1, sink.sounds)
	})

	t.Run("SoundDisabled", func(t *testing.T) {
		sink := &fakeSink{}
		d := newGranted(t, sink, hidden)
		require.NoError(t, d.SetSound(false))

		d.Notify("Anna", "hi", "c1", nil)
		require.Len(t, sink.all(), 1)
		assert.Equal(t, 0, sink.sounds)
	})
}

func TestNotifyTruncatesLongContent(t *testing.T) {
	sink := &fakeSink{}
	d := newGranted(t, sink, func() bool { return false })

	exactly50 := strings.Repeat("a", 50)
	d.Notify("Anna", exactly50, "c1", nil)

	over := strings.Repeat("b", 51)
	d.Notify("Anna", over, "c1", nil)

	// Multi-byte content truncates on rune boundaries.
	umlauts := strings.Repeat("ü", 60)
	d.Notify("Anna", umlauts, "c1", nil)

	shown := sink.all()
	require.Len(t, shown, 3)
	assert.Equal(t, exactly50, shown[0].body)
	assert.Equal(t, strings.Repeat("b", 50)+"…", shown[1].body)
	assert.Equal(t, strings.Repeat("ü", 50)+"…", shown[2].body)
}

func TestNotifyCoalescesPerConversation(t *testing.T) {
	sink := &fakeSink{}
	d := newGranted(t, sink, func() bool { return false })

	d.Notify("Anna", "first", "c1", nil)
	d.Notify("Anna", "second", "c1", nil)
	d.Notify("Ben", "other thread", "c2", nil)

	shown := sink.all()
	require.Len(t, shown, 3)
	// A burst from one conversation reuses one addressable tag, so the OS
	// replaces instead of stacking.
	assert.Equal(t, shown[0].tag, shown[1].tag)
	assert.NotEqual(t, shown[0].tag, shown[2].tag)
}

func TestSettingsPersistAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.toml")

	d, err := New(path, &fakeSink{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), d.Settings())

	require.NoError(t, d.SetPermission(PermissionGranted))
	require.NoError(t, d.SetEnabled(false))
	require.NoError(t, d.SetSound(false))

	reloaded, err := New(path, &fakeSink{}, nil)
	require.NoError(t, err)
	got := reloaded.Settings()
	assert.False(t, got.Enabled)
	assert.False(t, got.Sound)
	assert.Equal(t, PermissionGranted, got.Permission)
}
