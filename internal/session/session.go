// Package session ties the realtime core together for one signed-in user:
// the conversation feed, per-conversation views (message stream, presence,
// typing), the subscription manager, and notification dispatch. A Session
// is an explicit, constructor-injected instance owned by the application
// context; there are no package-level singletons.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pawsitter/chatcore/internal/chat"
	"github.com/pawsitter/chatcore/internal/connection"
	"github.com/pawsitter/chatcore/internal/notify"
	"github.com/pawsitter/chatcore/internal/store"
	"github.com/pawsitter/chatcore/internal/transport"
)

const (
	// updateBufferSize bounds every consumer-facing update channel.
	updateBufferSize = 64
	// opTimeout caps store calls made from event-loop context.
	opTimeout = 10 * time.Second
	// defaultLoadLimit is the initial page size of an opened conversation.
	defaultLoadLimit = 50
)

// deps is the shared wiring handed to each component.
type deps struct {
	store     store.Store
	transport transport.Transport
	manager   *connection.Manager

	// transportLost reports a dropped channel; the session turns it into
	// one reconnect cycle.
	transportLost func(err error)
	// notifyMessage forwards a foreign-author live message to the
	// notification dispatcher.
	notifyMessage func(m *chat.Message)
}

// Options tunes a Session.
type Options struct {
	// LoadLimit is the initial message page size (default 50).
	LoadLimit int
	// EmptySummary is the localized text shown for a conversation with no
	// messages (default DefaultEmptySummary).
	EmptySummary string
	// ResolveName maps a user id to a display name for notifications.
	ResolveName func(userID string) string
	// OnNotificationClick is invoked with the conversation id when the
	// user activates a notification.
	OnNotificationClick func(conversationID string)
	// OnOffline fires once when reconnection gives up for good.
	OnOffline func()
	// Reconnect overrides the backoff tuning; zero value means defaults.
	Reconnect connection.Config
}

// ConversationView bundles the three live components of one open
// conversation. Obtained from OpenConversation, released by
// CloseConversation.
type ConversationView struct {
	Conversation *chat.Conversation
	Stream       *Stream
	Presence     *Presence
	Typing       *Typing
}

// Session is the top-level realtime service instance for one user.
type Session struct {
	deps       *deps
	userID     string
	dispatcher *notify.Dispatcher
	opts       Options

	mu           sync.Mutex
	feed         *Feed
	views        map[string]*ConversationView
	closed       bool
	reconnecting bool
}

// New constructs a Session. dispatcher may be nil to disable notifications.
func New(st store.Store, tr transport.Transport, dispatcher *notify.Dispatcher, userID string, opts Options) *Session {
	if opts.LoadLimit <= 0 {
		opts.LoadLimit = defaultLoadLimit
	}
	if opts.EmptySummary == "" {
		opts.EmptySummary = DefaultEmptySummary
	}
	if opts.Reconnect.MaxAttempts == 0 {
		opts.Reconnect = connection.DefaultConfig()
	}

	s := &Session{
		userID:     userID,
		dispatcher: dispatcher,
		opts:       opts,
		views:      make(map[string]*ConversationView),
	}
	s.deps = &deps{
		store:         st,
		transport:     tr,
		manager:       connection.New(opts.Reconnect, opts.OnOffline),
		transportLost: s.transportLost,
		notifyMessage: s.notifyMessage,
	}
	return s
}

// Start opens the feed subscription. Call once after construction.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session is closed")
	}
	if s.feed != nil {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	feed := newFeed(s.deps, s.userID, s.opts.EmptySummary)
	s.feed = feed
	s.mu.Unlock()

	return feed.subscribe(ctx)
}

// Feed returns the conversation feed; nil before Start.
func (s *Session) Feed() *Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feed
}

// Manager exposes the connection manager, chiefly for health inspection.
func (s *Session) Manager() *connection.Manager { return s.deps.manager }

// Offline reports whether reconnection has given up.
func (s *Session) Offline() bool { return !s.deps.manager.Online() }

// StartConversation looks up or creates the conversation with the given
// counterparty. Both orders of the pair resolve to the same row.
func (s *Session) StartConversation(ctx context.Context, counterpartyID string) (*chat.Conversation, error) {
	return s.deps.store.GetOrCreateConversation(ctx, s.userID, counterpartyID)
}

// OpenConversation opens the live view of one conversation: message stream,
// presence tracker, and typing coordinator, each on its own channel.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) (*ConversationView, error) {
	conv, err := s.deps.store.GetConversation(ctx, conversationID, s.userID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session is closed")
	}
	if existing, ok := s.views[conversationID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	view := &ConversationView{
		Conversation: conv,
		Stream:       newStream(s.deps, conversationID, s.userID, s.opts.LoadLimit),
		Presence:     newPresence(s.deps, conversationID, s.userID),
		Typing:       newTyping(s.deps, conversationID, s.userID),
	}
	s.views[conversationID] = view
	s.mu.Unlock()

	if err := view.Stream.open(ctx); err != nil {
		s.teardownView(conversationID, view)
		return nil, err
	}
	if err := view.Presence.open(ctx); err != nil {
		s.teardownView(conversationID, view)
		return nil, err
	}
	if err := view.Typing.open(ctx); err != nil {
		s.teardownView(conversationID, view)
		return nil, err
	}
	return view, nil
}

// CloseConversation synchronously releases the view's three subscriptions
// and cancels its timers. Stale callbacks after this are no-ops.
func (s *Session) CloseConversation(conversationID string) {
	s.mu.Lock()
	view, ok := s.views[conversationID]
	delete(s.views, conversationID)
	s.mu.Unlock()

	if ok {
		view.Stream.close()
		view.Presence.close()
		view.Typing.close()
	}
}

func (s *Session) teardownView(conversationID string, view *ConversationView) {
	s.mu.Lock()
	delete(s.views, conversationID)
	s.mu.Unlock()
	view.Stream.close()
	view.Presence.close()
	view.Typing.close()
}

// DeleteConversation removes the conversation and all its messages. Every
// open view of it, local and remote, transitions to its terminal state via
// the delete events.
func (s *Session) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.deps.store.DeleteConversation(ctx, conversationID, s.userID)
}

// RetryConnection re-arms reconnection after the attempt cap was reached
// (the manual affordance behind a "connection lost, retry" button).
func (s *Session) RetryConnection() {
	s.deps.manager.ResetOffline()
	s.transportLost(fmt.Errorf("manual retry requested"))
}

// Close tears down the whole session. Idempotent, and safe to call while a
// reconnect cycle is in flight.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	feed := s.feed
	views := s.views
	s.views = make(map[string]*ConversationView)
	s.mu.Unlock()

	if feed != nil {
		feed.Close()
	}
	for _, view := range views {
		view.Stream.close()
		view.Presence.close()
		view.Typing.close()
	}
	s.deps.manager.RemoveAll()
}

// transportLost starts one reconnect cycle; concurrent reports while a
// cycle runs are coalesced into it.
func (s *Session) transportLost(err error) {
	s.mu.Lock()
	if s.closed || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	log.Warn().Str("user_id", s.userID).Err(err).Msg("realtime transport lost")

	go func() {
		defer func() {
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()
		}()
		if err := s.deps.manager.Reconnect(context.Background(), s.rebuild); err != nil {
			log.Error().Str("user_id", s.userID).Err(err).Msg("reconnection failed")
		}
	}()
}

// rebuild re-creates every subscription after the manager dropped them:
// the feed channel plus all three channels of each open view. Streams
// reload their history on reopen, which recovers messages missed while
// the transport was down.
func (s *Session) rebuild(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	feed := s.feed
	views := make([]*ConversationView, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	s.mu.Unlock()

	if feed != nil {
		if err := feed.subscribe(ctx); err != nil {
			return err
		}
	}
	for _, view := range views {
		if err := view.Stream.open(ctx); err != nil {
			return err
		}
		if err := view.Presence.open(ctx); err != nil {
			return err
		}
		if err := view.Typing.open(ctx); err != nil {
			return err
		}
	}
	return nil
}

// notifyMessage hands a foreign-author live message to the dispatcher.
func (s *Session) notifyMessage(m *chat.Message) {
	if s.dispatcher == nil || m.Kind == chat.KindSystem {
		return
	}
	name := m.SenderID
	if s.opts.ResolveName != nil {
		name = s.opts.ResolveName(m.SenderID)
	}
	var onClick func()
	if s.opts.OnNotificationClick != nil {
		conversationID := m.ConversationID
		onClick = func() { s.opts.OnNotificationClick(conversationID) }
	}
	s.dispatcher.Notify(name, m.Content, m.ConversationID, onClick)
}
