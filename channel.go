package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Push Channel Contract
// ============================================================================

// ConnectionState represents the push channel connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// EventHandler receives the raw payload of one inbound event.
type EventHandler func(payload json.RawMessage)

// StateHandler receives connection state transitions.
type StateHandler func(state ConnectionState)

// PushChannel is a persistent bidirectional event channel.
//
// Handlers registered with On and OnStateChange are invoked one at a time, in
// arrival order, from a single goroutine owned by the channel. A handler is
// never invoked concurrently with another handler of the same channel.
type PushChannel interface {
	// Connect establishes the channel. It is a no-op when already connected
	// or connecting.
	Connect(ctx context.Context) error
	// On registers a handler for inbound events named event.
	On(event string, h EventHandler)
	// OnStateChange registers a handler for connection state transitions.
	OnStateChange(h StateHandler)
	// Emit sends an outbound event. Delivery is not acknowledged.
	Emit(ctx context.Context, event string, payload any) error
	// State returns the current connection state.
	State() ConnectionState
	// Close shuts the channel down without reconnecting.
	Close() error
}

// ErrChannelClosed is returned by Connect after Close.
var ErrChannelClosed = errors.New("push channel closed")

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures a WSChannel.
type ChannelConfig struct {
	Token                string
	Header               http.Header
	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// newBackOff returns the reconnect schedule: exponential with jitter, bounded
// by MaxReconnectAttempts rather than elapsed time.
func (c *ChannelConfig) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.ReconnectBaseDelay),
		backoff.WithMaxInterval(c.ReconnectMaxDelay),
		backoff.WithRandomizationFactor(0.25),
		backoff.WithMultiplier(2),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithMaxRetries(exp, uint64(c.MaxReconnectAttempts))
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// dispatcher serializes handler invocations onto one goroutine.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	onState  []StateHandler
	log      zerolog.Logger

	queue chan func()
	done  chan struct{}
	once  sync.Once
}

func newDispatcher(log zerolog.Logger) *dispatcher {
	d := &dispatcher{
		handlers: make(map[string][]EventHandler),
		log:      log,
		queue:    make(chan func(), 256),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) on(event string, h EventHandler) {
	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], h)
	d.mu.Unlock()
}

func (d *dispatcher) onStateChange(h StateHandler) {
	d.mu.Lock()
	d.onState = append(d.onState, h)
	d.mu.Unlock()
}

// run delivers queued calls until stop. Calls queued before stop, such as
// the final disconnected state, are still delivered.
func (d *dispatcher) run() {
	for {
		select {
		case fn := <-d.queue:
			d.call(fn)
		case <-d.done:
			for {
				select {
				case fn := <-d.queue:
					d.call(fn)
				default:
					return
				}
			}
		}
	}
}

// call runs fn, logging instead of propagating handler panics.
func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("push channel handler panicked")
		}
	}()
	fn()
}

func (d *dispatcher) enqueue(fn func()) {
	select {
	case d.queue <- fn:
	case <-d.done:
	}
}

func (d *dispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := append([]EventHandler(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()
	if len(handlers) == 0 {
		d.log.Debug().Str("event", env.Type).Msg("no handler for inbound event")
		return
	}
	d.enqueue(func() {
		for _, h := range handlers {
			h(env.Payload)
		}
	})
}

func (d *dispatcher) emitState(s ConnectionState) {
	d.mu.RLock()
	handlers := append([]StateHandler(nil), d.onState...)
	d.mu.RUnlock()
	d.enqueue(func() {
		for _, h := range handlers {
			h(s)
		}
	})
}

func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.done) })
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is a PushChannel over a WebSocket, with heartbeat and
// exponential-backoff reconnect.
type WSChannel struct {
	url        string
	config     *ChannelConfig
	log        zerolog.Logger
	dispatcher *dispatcher

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnectionState
	intentionalClose bool
	cancelFn         context.CancelFunc
	stop             chan struct{}
}

var _ PushChannel = (*WSChannel)(nil)

// NewWSChannel creates a channel for baseURL. An http(s) URL is mapped to
// ws(s) and gets the /ws path; a ws(s) URL is used as is.
func NewWSChannel(baseURL string, config *ChannelConfig) *WSChannel {
	if config == nil {
		config = &ChannelConfig{}
	}
	config.defaults()
	log := config.Logger.With().Str("component", "push_channel").Logger()
	return &WSChannel{
		url:        wsURL(baseURL, config.Token),
		config:     config,
		log:        log,
		dispatcher: newDispatcher(log),
		state:      StateDisconnected,
		stop:       make(chan struct{}),
	}
}

func wsURL(baseURL, token string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://") + "/ws"
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://") + "/ws"
	}
	if token == "" {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + url.Values{"token": {token}}.Encode()
}

// On registers a handler for inbound events named event.
func (ws *WSChannel) On(event string, h EventHandler) {
	ws.dispatcher.on(event, h)
}

// OnStateChange registers a handler for connection state transitions.
func (ws *WSChannel) OnStateChange(h StateHandler) {
	ws.dispatcher.onStateChange(h)
}

// State returns the current connection state.
func (ws *WSChannel) State() ConnectionState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// transition records s and notifies state handlers when it changed.
func (ws *WSChannel) transition(s ConnectionState) {
	ws.mu.Lock()
	changed := ws.state != s
	ws.state = s
	ws.mu.Unlock()
	if changed {
		ws.log.Debug().Str("state", string(s)).Msg("push channel state")
		ws.dispatcher.emitState(s)
	}
}

// Connect establishes the WebSocket connection.
func (ws *WSChannel) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.intentionalClose {
		ws.mu.Unlock()
		return ErrChannelClosed
	}
	if ws.state != StateDisconnected {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.mu.Unlock()
	ws.dispatcher.emitState(StateConnecting)

	if err := ws.dial(ctx); err != nil {
		ws.transition(StateDisconnected)
		return &TransportError{Op: "connect", Err: err}
	}
	return nil
}

func (ws *WSChannel) dial(ctx context.Context) error {
	header := ws.config.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if ws.config.Token != "" {
		header.Set("Authorization", "Bearer "+ws.config.Token)
	}

	conn, _, err := websocket.Dial(ctx, ws.url, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	if ws.intentionalClose {
		ws.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrChannelClosed
	}
	ws.conn = conn
	ws.cancelFn = cancel
	ws.mu.Unlock()

	ws.log.Info().Str("url", redactToken(ws.url)).Msg("push channel connected")
	ws.transition(StateConnected)

	go ws.readLoop(connCtx, cancel, conn)
	go ws.heartbeatLoop(connCtx, conn)
	return nil
}

// Close gracefully closes the connection and stops reconnecting.
func (ws *WSChannel) Close() error {
	ws.mu.Lock()
	if ws.intentionalClose {
		ws.mu.Unlock()
		return nil
	}
	ws.intentionalClose = true
	close(ws.stop)
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()

	ws.transition(StateDisconnected)
	ws.dispatcher.stop()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends an event frame over the WebSocket.
func (ws *WSChannel) Emit(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(Envelope{Type: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return &TransportError{Op: "emit " + event, Err: ErrNotConnected}
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: "emit " + event, Err: err}
	}
	return nil
}

func (ws *WSChannel) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if ws.conn == conn {
				ws.conn = nil
				ws.cancelFn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}
			conn.CloseNow()
			ws.log.Warn().Err(err).Msg("push channel lost")
			if ws.config.DisableReconnect {
				ws.transition(StateDisconnected)
				return
			}
			ws.reconnect()
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			ws.log.Debug().Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		ws.dispatcher.dispatch(env)
	}
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				ws.log.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnect redials with backoff until connected, closed, or out of attempts.
func (ws *WSChannel) reconnect() {
	ws.mu.Lock()
	stop := ws.stop
	ws.mu.Unlock()

	b := ws.config.newBackOff()
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			ws.log.Error().Int("attempts", attempt-1).Msg("reconnect budget exhausted")
			ws.transition(StateDisconnected)
			return
		}
		ws.transition(StateReconnecting)
		ws.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		}

		ws.transition(StateConnecting)
		ctx, cancel := context.WithTimeout(context.Background(), ws.config.DialTimeout)
		err := ws.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, ErrChannelClosed) {
			return
		}
		ws.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
}

func redactToken(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	q := parsed.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}
