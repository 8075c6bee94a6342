package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// emitted is one outbound event recorded by fakeChannel.
type emitted struct {
	Event string
	Conv  Conversation
	Body  string
}

// fakeChannel is an in-memory PushChannel. Inbound events and state changes
// are delivered synchronously on the calling goroutine.
type fakeChannel struct {
	mu       sync.Mutex
	state    ConnectionState
	handlers map[string][]EventHandler
	onState  []StateHandler
	emits    []emitted
	emitErr  error
}

var _ PushChannel = (*fakeChannel)(nil)

func newFakeChannel() *fakeChannel {
	return &fakeChannel{state: StateDisconnected, handlers: make(map[string][]EventHandler)}
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.setState(StateConnected)
	return nil
}

func (f *fakeChannel) On(event string, h EventHandler) {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], h)
	f.mu.Unlock()
}

func (f *fakeChannel) OnStateChange(h StateHandler) {
	f.mu.Lock()
	f.onState = append(f.onState, h)
	f.mu.Unlock()
}

func (f *fakeChannel) Emit(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected {
		return &TransportError{Op: "emit " + event, Err: ErrNotConnected}
	}
	if f.emitErr != nil {
		return &TransportError{Op: "emit " + event, Err: f.emitErr}
	}
	e := emitted{Event: event}
	switch p := payload.(type) {
	case RoomPayload:
		e.Conv = p.ConversationRef
	case SendPayload:
		e.Conv = p.ConversationRef
		e.Body = p.Content
	}
	f.emits = append(f.emits, e)
	return nil
}

func (f *fakeChannel) State() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Close() error {
	f.setState(StateDisconnected)
	return nil
}

func (f *fakeChannel) setState(s ConnectionState) {
	f.mu.Lock()
	f.state = s
	handlers := append([]StateHandler(nil), f.onState...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

func (f *fakeChannel) failEmits(err error) {
	f.mu.Lock()
	f.emitErr = err
	f.mu.Unlock()
}

func (f *fakeChannel) deliver(t *testing.T, conv Conversation, id, sender, content string, at time.Time) {
	t.Helper()
	payload, err := json.Marshal(DeliveredPayload{
		ConversationRef: conv,
		Message: DeliveredMessage{
			ID:                FlexID(id),
			SenderID:          FlexID(sender),
			SenderDisplayName: "user-" + sender,
			Content:           content,
			CreatedAt:         at.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		t.Fatalf("marshal delivery: %v", err)
	}
	f.deliverRaw(payload)
}

// deliverRaw hands payload to the message_delivered handlers as received.
func (f *fakeChannel) deliverRaw(payload []byte) {
	f.mu.Lock()
	handlers := append([]EventHandler(nil), f.handlers[EventMessageDelivered]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (f *fakeChannel) events() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

func (f *fakeChannel) reset() {
	f.mu.Lock()
	f.emits = nil
	f.mu.Unlock()
}

// fakeFetcher serves canned history. A conversation registered with block
// waits until release is called.
type fakeFetcher struct {
	mu      sync.Mutex
	history map[string][]Message
	errs    map[string]error
	gates   map[string]chan struct{}
	calls   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		history: make(map[string][]Message),
		errs:    make(map[string]error),
		gates:   make(map[string]chan struct{}),
		calls:   make(map[string]int),
	}
}

func (f *fakeFetcher) set(conv Conversation, msgs ...Message) {
	f.mu.Lock()
	f.history[conv.Key()] = msgs
	f.mu.Unlock()
}

func (f *fakeFetcher) fail(conv Conversation, err error) {
	f.mu.Lock()
	f.errs[conv.Key()] = err
	f.mu.Unlock()
}

func (f *fakeFetcher) block(conv Conversation) {
	f.mu.Lock()
	f.gates[conv.Key()] = make(chan struct{})
	f.mu.Unlock()
}

func (f *fakeFetcher) release(conv Conversation) {
	f.mu.Lock()
	gate := f.gates[conv.Key()]
	delete(f.gates, conv.Key())
	f.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (f *fakeFetcher) callCount(conv Conversation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[conv.Key()]
}

func (f *fakeFetcher) fetch(ctx context.Context, conv Conversation) ([]Message, error) {
	f.mu.Lock()
	f.calls[conv.Key()]++
	gate := f.gates[conv.Key()]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[conv.Key()]; err != nil {
		return nil, err
	}
	return append([]Message(nil), f.history[conv.Key()]...), nil
}

func (f *fakeFetcher) FetchPrivateHistory(ctx context.Context, peerUserID string) ([]Message, error) {
	return f.fetch(ctx, PrivateWith(peerUserID))
}

func (f *fakeFetcher) FetchGroupHistory(ctx context.Context, groupID string) ([]Message, error) {
	return f.fetch(ctx, Group(groupID))
}

// fakeClock is a settable clock for optimistic timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// sequentialIDs returns a generator of local-1, local-2, ...
func sequentialIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("local-%d", n)
	}
}

func historyMsg(id, sender, content string, at time.Time) Message {
	return Message{ID: id, SenderID: sender, SenderDisplayName: "user-" + sender, Content: content, CreatedAt: at, Origin: OriginHistory}
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
