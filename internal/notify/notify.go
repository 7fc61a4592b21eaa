// Package notify decides whether an incoming message becomes a
// user-visible system notification and/or sound. The actual OS surface is
// behind the Sink interface, supplied by the hosting UI layer.
package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

// bodyLimit is the notification body length before ellipsis truncation.
const bodyLimit = 50

// Permission mirrors the host platform's notification permission state.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Settings is the user's persisted notification configuration. It has no
// expiry; it survives until the user changes it.
type Settings struct {
	Enabled    bool       `koanf:"enabled"`
	Sound      bool       `koanf:"sound"`
	Permission Permission `koanf:"permission"`
}

// DefaultSettings enables notifications and sound; permission starts
// unrequested.
func DefaultSettings() Settings {
	return Settings{Enabled: true, Sound: true, Permission: PermissionDefault}
}

// Sink is the host-supplied notification surface. Showing a tag that is
// already displayed replaces the existing notification instead of stacking
// a new one.
type Sink interface {
	Show(tag, title, body string, onClick func())
	PlaySound()
}

// LogSink is the fallback Sink for headless runs: it logs instead of
// rendering.
type LogSink struct{}

func (LogSink) Show(tag, title, body string, onClick func()) {
	log.Info().Str("tag", tag).Str("title", title).Str("body", body).Msg("notification")
}

func (LogSink) PlaySound() {}

// Dispatcher applies the suppression rules and forwards to the sink.
type Dispatcher struct {
	sink    Sink
	visible func() bool

	mu       sync.Mutex
	settings Settings
	path     string
}

// New constructs a Dispatcher. settingsPath is where settings persist as
// TOML; a missing file yields defaults. visible reports whether the hosting
// page is currently foregrounded (nil means never visible, i.e. a headless
// consumer that always wants dispatch).
func New(settingsPath string, sink Sink, visible func() bool) (*Dispatcher, error) {
	if sink == nil {
		sink = LogSink{}
	}
	d := &Dispatcher{
		sink:     sink,
		visible:  visible,
		settings: DefaultSettings(),
		path:     settingsPath,
	}
	if settingsPath != "" {
		if _, err := os.Stat(settingsPath); err == nil {
			k := koanf.New(".")
			if err := k.Load(file.Provider(settingsPath), toml.Parser()); err != nil {
				return nil, fmt.Errorf("error loading notification settings: %w", err)
			}
			var s Settings
			if err := k.Unmarshal("notifications", &s); err != nil {
				return nil, fmt.Errorf("error unmarshalling notification settings: %w", err)
			}
			d.settings = s
		}
	}
	return d, nil
}

// Notify surfaces one incoming message, unless suppressed. Suppression
// applies when permission was never granted, when the user disabled
// notifications, or when the page is visible — a message arriving while
// the user is looking at the conversation must not also pop a system
// notification. The conversation id doubles as the coalescing tag, so a
// burst from one conversation occupies a single OS notification.
func (d *Dispatcher) Notify(senderName, content, conversationID string, onClick func()) {
	d.mu.Lock()
	s := d.settings
	d.mu.Unlock()

	if s.Permission != PermissionGranted || !s.Enabled {
		return
	}
	if d.visible != nil && d.visible() {
		return
	}

	d.sink.Show(conversationID, senderName, truncate(content), onClick)
	if s.Sound {
		d.sink.PlaySound()
	}
}

// truncate limits body text to bodyLimit runes plus an ellipsis.
func truncate(content string) string {
	runes := []rune(content)
	if len(runes) <= bodyLimit {
		return content
	}
	return string(runes[:bodyLimit]) + "…"
}

// Settings returns the current settings.
func (d *Dispatcher) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// SetEnabled toggles notifications and persists immediately.
func (d *Dispatcher) SetEnabled(enabled bool) error {
	return d.update(func(s *Settings) { s.Enabled = enabled })
}

// SetSound toggles the notification sound and persists immediately.
func (d *Dispatcher) SetSound(sound bool) error {
	return d.update(func(s *Settings) { s.Sound = sound })
}

// SetPermission records the platform permission outcome and persists
// immediately.
func (d *Dispatcher) SetPermission(p Permission) error {
	return d.update(func(s *Settings) { s.Permission = p })
}

func (d *Dispatcher) update(mutate func(*Settings)) error {
	d.mu.Lock()
	mutate(&d.settings)
	s := d.settings
	path := d.path
	d.mu.Unlock()

	if path == "" {
		return nil
	}
	return save(path, s)
}

func save(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	content := fmt.Sprintf(`# Notification settings

[notifications]
enabled = %t
sound = %t
permission = %q
`, s.Enabled, s.Sound, s.Permission)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to save notification settings: %w", err)
	}
	return nil
}
