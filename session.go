package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Options
// ============================================================================

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	log          zerolog.Logger
	storeOpts    []StoreOption
	emitTimeout  time.Duration
	fetchTimeout time.Duration
}

// WithLogger sets the session logger. Components log through children of it.
func WithLogger(log zerolog.Logger) SessionOption {
	return func(o *sessionOptions) { o.log = log }
}

// WithStoreOptions passes options through to the reconciliation store.
func WithStoreOptions(opts ...StoreOption) SessionOption {
	return func(o *sessionOptions) { o.storeOpts = append(o.storeOpts, opts...) }
}

// WithEmitTimeout bounds emits issued from channel callbacks (reconnect
// re-joins), which have no caller context.
func WithEmitTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.emitTimeout = d }
}

// WithFetchTimeout bounds each history fetch. Zero leaves it to the caller's
// context.
func WithFetchTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.fetchTimeout = d }
}

// ============================================================================
// Observers
// ============================================================================

// ViewHandler receives the active conversation's timeline after each change.
type ViewHandler func(conv Conversation, msgs []Message)

// TimelineHandler receives any conversation's timeline after each change.
type TimelineHandler func(conv Conversation, msgs []Message)

// ErrorHandler receives recoverable errors: *FetchError and *TransportError.
type ErrorHandler func(err error)

type observers struct {
	mu         sync.RWMutex
	onView     []ViewHandler
	onTimeline []TimelineHandler
	onError    []ErrorHandler
	onState    []StateHandler
}

// ============================================================================
// Session
// ============================================================================

// Session is the chat synchronization engine for one signed-in user. It owns
// the reconciliation store, room manager, history loader and send pipeline,
// and serializes every mutation behind one lock.
//
// Observers are invoked synchronously while the session is locked, in the
// order the changes were applied. They must not call back into the Session.
type Session struct {
	mu      sync.Mutex
	self    User
	channel PushChannel
	store   *Store
	rooms   *RoomManager
	loader  *HistoryLoader
	sender  *SendPipeline
	log     zerolog.Logger
	opts    sessionOptions

	fetchErrs map[string]error
	closed    bool

	obs observers
}

// NewSession wires an engine for self over channel and history. Inbound
// handlers are registered on channel immediately; call Start to connect.
func NewSession(self User, channel PushChannel, history HistoryFetcher, opts ...SessionOption) *Session {
	o := sessionOptions{
		log:         zerolog.Nop(),
		emitTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With().Str("user", self.ID).Logger()

	storeOpts := append([]StoreOption{WithStoreLogger(log.With().Str("component", "store").Logger())}, o.storeOpts...)
	store := NewStore(storeOpts...)

	s := &Session{
		self:      self,
		channel:   channel,
		store:     store,
		rooms:     NewRoomManager(channel, log.With().Str("component", "rooms").Logger()),
		loader:    NewHistoryLoader(history),
		sender:    NewSendPipeline(self, store, channel, log.With().Str("component", "send").Logger()),
		log:       log,
		opts:      o,
		fetchErrs: make(map[string]error),
	}
	channel.On(EventMessageDelivered, s.handleDelivered)
	channel.OnStateChange(s.handleState)
	return s
}

// Self returns the signed-in user.
func (s *Session) Self() User {
	return s.self
}

// Start connects the push channel.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	return s.channel.Connect(ctx)
}

// OnViewChange registers a handler for changes of the active view.
func (s *Session) OnViewChange(h ViewHandler) {
	s.obs.mu.Lock()
	s.obs.onView = append(s.obs.onView, h)
	s.obs.mu.Unlock()
}

// OnTimelineChange registers a handler for changes of any timeline.
func (s *Session) OnTimelineChange(h TimelineHandler) {
	s.obs.mu.Lock()
	s.obs.onTimeline = append(s.obs.onTimeline, h)
	s.obs.mu.Unlock()
}

// OnError registers a handler for recoverable errors.
func (s *Session) OnError(h ErrorHandler) {
	s.obs.mu.Lock()
	s.obs.onError = append(s.obs.onError, h)
	s.obs.mu.Unlock()
}

// OnConnectionState registers a handler for push channel state changes.
func (s *Session) OnConnectionState(h StateHandler) {
	s.obs.mu.Lock()
	s.obs.onState = append(s.obs.onState, h)
	s.obs.mu.Unlock()
}

// Activate makes conv the active conversation: the room membership moves to
// conv and its history is fetched and seeded. A *FetchError is returned when
// the fetch fails; activating again retries. When another Activate supersedes
// this one before the fetch resolves, the response is discarded and Activate
// returns nil.
func (s *Session) Activate(ctx context.Context, conv Conversation) error {
	if !conv.Valid() {
		return ErrInvalidConversation
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.store.SetActive(conv)
	token := s.loader.Begin()
	if err := s.rooms.Select(ctx, conv); err != nil {
		s.log.Debug().Err(err).Str("conversation", conv.Key()).Msg("join deferred until connected")
	}
	s.notifyView(conv)
	s.mu.Unlock()

	fetchCtx := ctx
	if s.opts.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.opts.fetchTimeout)
		defer cancel()
	}
	msgs, err := s.loader.Load(fetchCtx, conv)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loader.Current(token) || !s.store.IsActive(conv) {
		s.log.Debug().Str("conversation", conv.Key()).Msg("discarding superseded history response")
		return nil
	}
	if err != nil {
		s.fetchErrs[conv.Key()] = err
		s.log.Warn().Err(err).Str("conversation", conv.Key()).Msg("history load failed")
		s.notifyError(err)
		return err
	}
	delete(s.fetchErrs, conv.Key())
	s.store.SeedHistory(conv, msgs)
	s.log.Debug().Str("conversation", conv.Key()).Int("messages", len(msgs)).Msg("history seeded")
	s.notifyTimeline(conv)
	s.notifyView(conv)
	return nil
}

// Send sends text to the active conversation.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	s.mu.Lock()
	conv := s.store.Active()
	s.mu.Unlock()
	if conv.IsZero() {
		return Message{}, ErrNoConversation
	}
	return s.SendTo(ctx, conv, text)
}

// SendTo sends text to conv. The optimistic message is returned as soon as
// the send is emitted. An emit failure is not returned: the optimistic entry
// stays visible and the *TransportError goes to OnError handlers.
func (s *Session) SendTo(ctx context.Context, conv Conversation, text string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, ErrSessionClosed
	}

	msg, err := s.sender.Send(ctx, conv, text)
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			return Message{}, err
		}
		s.notifyError(err)
	}
	s.notifyTimeline(conv)
	if s.store.IsActive(conv) {
		s.notifyView(conv)
	}
	return msg, nil
}

// Logout leaves the joined room and clears the active conversation.
func (s *Session) Logout(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms.Leave(ctx)
	s.store.SetActive(Conversation{})
	s.loader.Begin()
}

// Close logs out and rejects further operations. The push channel is not
// closed; its owner closes it.
func (s *Session) Close(ctx context.Context) {
	s.Logout(ctx)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Active returns the active conversation.
func (s *Session) Active() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Active()
}

// View returns the active conversation's timeline.
func (s *Session) View() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.View()
}

// Timeline returns conv's stored timeline, active or not.
func (s *Session) Timeline(conv Conversation) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Timeline(conv)
}

// Pending returns conv's optimistic entries older than olderThan that are
// still unconfirmed.
func (s *Session) Pending(conv Conversation, olderThan time.Duration) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Pending(conv, olderThan)
}

// FetchErr returns the last history error for conv, cleared by the next
// successful load.
func (s *Session) FetchErr(conv Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchErrs[conv.Key()]
}

// Room returns the room state and the joined conversation.
func (s *Session) Room() (RoomState, Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms.State(), s.rooms.Joined()
}

// ConnectionState returns the push channel state.
func (s *Session) ConnectionState() ConnectionState {
	return s.channel.State()
}

// ============================================================================
// Channel callbacks
// ============================================================================

func (s *Session) handleDelivered(payload json.RawMessage) {
	var p DeliveredPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.log.Warn().Err(err).Msg("malformed message_delivered payload")
		return
	}
	msg := Message{
		ID:                p.Message.ID.String(),
		SenderID:          p.Message.SenderID.String(),
		SenderDisplayName: p.Message.SenderDisplayName,
		Content:           p.Message.Content,
	}
	at, err := ParseTimestamp(p.Message.CreatedAt)
	if err != nil {
		s.log.Warn().Err(err).Str("id", msg.ID).Msg("delivered message without usable timestamp")
		at = time.Now().UTC()
	}
	msg.CreatedAt = at

	conv := s.resolveIncoming(p.ConversationRef, msg, p.Message.ReceiverID.String())
	if !conv.Valid() {
		s.log.Warn().Str("kind", string(p.ConversationRef.Kind)).Msg("dropping delivery for invalid conversation")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	stored, result := s.store.ReceivePushed(conv, msg)
	ev := s.log.Debug()
	if result == Appended && stored.SenderID == s.self.ID {
		ev = s.log.Warn()
		ev.Str("reconcile", "miss")
	}
	ev.Str("conversation", conv.Key()).
		Str("id", stored.ID).
		Stringer("result", result).
		Msg("message delivered")

	if result == Duplicate {
		return
	}
	s.notifyTimeline(conv)
	if s.store.IsActive(conv) {
		s.notifyView(conv)
	}
}

// resolveIncoming maps a delivered conversation reference to the local view.
// Private rooms are symmetric, so a reference naming the local user (or no
// one) means the conversation with the other participant: the sender, or the
// receiver when the local user sent it.
func (s *Session) resolveIncoming(ref Conversation, msg Message, receiverID string) Conversation {
	if ref.Kind != KindPrivate {
		return ref
	}
	if ref.PeerUserID != "" && ref.PeerUserID != s.self.ID {
		return ref
	}
	if msg.SenderID != s.self.ID {
		return PrivateWith(msg.SenderID)
	}
	if receiverID != "" && receiverID != s.self.ID {
		return PrivateWith(receiverID)
	}
	return ref
}

func (s *Session) handleState(state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	switch state {
	case StateConnected:
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.emitTimeout)
		if err := s.rooms.Resubscribe(ctx); err != nil {
			s.notifyError(err)
		}
		cancel()
	default:
		s.rooms.Invalidate()
	}

	s.obs.mu.RLock()
	handlers := append([]StateHandler(nil), s.obs.onState...)
	s.obs.mu.RUnlock()
	for _, h := range handlers {
		h(state)
	}
}

// ============================================================================
// Notification helpers (called with s.mu held)
// ============================================================================

func (s *Session) notifyView(conv Conversation) {
	s.obs.mu.RLock()
	handlers := append([]ViewHandler(nil), s.obs.onView...)
	s.obs.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}
	view := s.store.Timeline(conv)
	for _, h := range handlers {
		h(conv, view)
	}
}

func (s *Session) notifyTimeline(conv Conversation) {
	s.obs.mu.RLock()
	handlers := append([]TimelineHandler(nil), s.obs.onTimeline...)
	s.obs.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}
	tl := s.store.Timeline(conv)
	for _, h := range handlers {
		h(conv, tl)
	}
}

func (s *Session) notifyError(err error) {
	s.obs.mu.RLock()
	handlers := append([]ErrorHandler(nil), s.obs.onError...)
	s.obs.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}
