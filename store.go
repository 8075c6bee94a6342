package chatsync

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMatchTolerance is how far apart the local timestamp of an optimistic
// message and the server timestamp of its echo may be for the two to be
// treated as the same send.
const DefaultMatchTolerance = 5 * time.Second

// entry is a timeline slot. seq is the insertion sequence used to break
// createdAt ties; epoch is the activation during which it was added.
type entry struct {
	msg   Message
	seq   uint64
	epoch uint64
}

type timeline struct {
	entries []entry
}

func (tl *timeline) sort() {
	sort.SliceStable(tl.entries, func(i, j int) bool {
		a, b := tl.entries[i], tl.entries[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})
}

func (tl *timeline) messages() []Message {
	out := make([]Message, len(tl.entries))
	for i, e := range tl.entries {
		out[i] = e.msg
	}
	return out
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMatchTolerance sets the optimistic/pushed matching window.
func WithMatchTolerance(d time.Duration) StoreOption {
	return func(s *Store) { s.tolerance = d }
}

// WithClock replaces the clock used to stamp optimistic messages.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the generator of optimistic local ids.
func WithIDGenerator(gen func() string) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(log zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// Store is the message reconciliation store: one ordered, deduplicated
// timeline per conversation, fed by history, optimistic sends and pushed
// deliveries.
//
// Store is not safe for concurrent use; Session serializes access to it.
type Store struct {
	timelines map[string]*timeline
	active    Conversation
	epoch     uint64
	seq       uint64

	tolerance time.Duration
	now       func() time.Time
	newID     func() string
	log       zerolog.Logger
}

// NewStore creates an empty store with no active conversation.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		timelines: make(map[string]*timeline),
		tolerance: DefaultMatchTolerance,
		now:       time.Now,
		newID:     uuid.NewString,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) timeline(conv Conversation) *timeline {
	key := conv.Key()
	tl := s.timelines[key]
	if tl == nil {
		tl = &timeline{}
		s.timelines[key] = tl
	}
	return tl
}

func (s *Store) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// SetActive makes conv the active conversation and starts a new activation.
func (s *Store) SetActive(conv Conversation) {
	s.active = conv
	s.epoch++
}

// Active returns the active conversation.
func (s *Store) Active() Conversation {
	return s.active
}

// IsActive reports whether conv is the active conversation.
func (s *Store) IsActive(conv Conversation) bool {
	return !s.active.IsZero() && s.active == conv
}

// SeedHistory replaces conv's history with msgs. It returns false and leaves
// every timeline untouched when conv is no longer active.
//
// Pushed and optimistic entries added during the current activation survive
// the seed unless the fetched history already contains them by id. An
// optimistic entry is only removed by the delivery that confirms it.
func (s *Store) SeedHistory(conv Conversation, msgs []Message) bool {
	if !s.IsActive(conv) {
		s.log.Debug().Str("conversation", conv.Key()).Msg("ignoring history for inactive conversation")
		return false
	}

	ids := make(map[string]struct{}, len(msgs))
	tl := s.timeline(conv)
	fresh := make([]entry, 0, len(msgs)+len(tl.entries))
	for _, m := range msgs {
		m.Conversation = conv
		m.Origin = OriginHistory
		m.LocalID = ""
		if m.ID != "" {
			ids[m.ID] = struct{}{}
		}
		fresh = append(fresh, entry{msg: m, seq: s.nextSeq(), epoch: s.epoch})
	}
	for _, e := range tl.entries {
		if e.epoch != s.epoch || e.msg.Origin == OriginHistory {
			continue
		}
		if _, dup := ids[e.msg.ID]; dup && e.msg.ID != "" {
			continue
		}
		fresh = append(fresh, e)
	}
	tl.entries = fresh
	tl.sort()
	return true
}

// InsertOptimistic appends a locally created message to conv's timeline. The
// draft's SenderID, SenderDisplayName and Content are kept; identity,
// timestamp and origin are assigned here.
func (s *Store) InsertOptimistic(conv Conversation, draft Message) Message {
	msg := draft
	msg.ID = ""
	msg.LocalID = s.newID()
	msg.Conversation = conv
	msg.CreatedAt = s.now()
	msg.Origin = OriginOptimistic

	tl := s.timeline(conv)
	tl.entries = append(tl.entries, entry{msg: msg, seq: s.nextSeq(), epoch: s.epoch})
	tl.sort()
	return msg
}

// ReceiveResult describes what ReceivePushed did with a delivery.
type ReceiveResult int

const (
	// Appended means no optimistic counterpart matched.
	Appended ReceiveResult = iota
	// Reconciled means an optimistic entry was confirmed. The confirmed entry
	// keeps the optimistic LocalID.
	Reconciled
	// Duplicate means an entry with the same authoritative id existed.
	Duplicate
)

func (r ReceiveResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Reconciled:
		return "reconciled"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// ReceivePushed applies an authoritative delivery to conv's timeline,
// replacing the matching optimistic entry when there is one.
func (s *Store) ReceivePushed(conv Conversation, msg Message) (Message, ReceiveResult) {
	msg.Conversation = conv
	msg.Origin = OriginPushed
	msg.LocalID = ""

	tl := s.timeline(conv)
	if msg.ID != "" {
		for k, e := range tl.entries {
			if e.msg.ID != msg.ID {
				continue
			}
			if e.msg.Origin != OriginHistory || e.msg.LocalID != "" {
				return e.msg, Duplicate
			}
			// The send reached history before its echo arrived: the history
			// entry takes over the optimistic entry's local identity.
			i := s.matchOptimistic(tl, msg)
			if i < 0 {
				return e.msg, Duplicate
			}
			tl.entries[k].msg.LocalID = tl.entries[i].msg.LocalID
			confirmed := tl.entries[k].msg
			tl.entries = append(tl.entries[:i], tl.entries[i+1:]...)
			return confirmed, Reconciled
		}
	}

	if i := s.matchOptimistic(tl, msg); i >= 0 {
		msg.LocalID = tl.entries[i].msg.LocalID
		tl.entries[i].msg = msg
		tl.sort()
		return msg, Reconciled
	}

	tl.entries = append(tl.entries, entry{msg: msg, seq: s.nextSeq(), epoch: s.epoch})
	tl.sort()
	return msg, Appended
}

// matchOptimistic returns the index of the oldest optimistic entry that msg
// confirms, or -1.
func (s *Store) matchOptimistic(tl *timeline, msg Message) int {
	best := -1
	for i, e := range tl.entries {
		if e.msg.Origin != OriginOptimistic || !s.sameSend(e.msg, msg) {
			continue
		}
		if best < 0 || e.seq < tl.entries[best].seq {
			best = i
		}
	}
	return best
}

// sameSend reports whether a and b are copies of one logical send.
func (s *Store) sameSend(a, b Message) bool {
	return a.SenderID == b.SenderID &&
		a.Content == b.Content &&
		absDuration(a.CreatedAt.Sub(b.CreatedAt)) <= s.tolerance
}

// Timeline returns a copy of conv's timeline.
func (s *Store) Timeline(conv Conversation) []Message {
	tl := s.timelines[conv.Key()]
	if tl == nil {
		return nil
	}
	return tl.messages()
}

// View returns a copy of the active conversation's timeline.
func (s *Store) View() []Message {
	if s.active.IsZero() {
		return nil
	}
	return s.Timeline(s.active)
}

// Pending returns the optimistic entries of conv created more than olderThan
// ago that no delivery has confirmed yet.
func (s *Store) Pending(conv Conversation, olderThan time.Duration) []Message {
	tl := s.timelines[conv.Key()]
	if tl == nil {
		return nil
	}
	cutoff := s.now().Add(-olderThan)
	var out []Message
	for _, e := range tl.entries {
		if e.msg.Origin == OriginOptimistic && !e.msg.CreatedAt.After(cutoff) {
			out = append(out, e.msg)
		}
	}
	return out
}

// Conversations returns the conversations that have a stored timeline.
func (s *Store) Conversations() []Conversation {
	out := make([]Conversation, 0, len(s.timelines))
	for key := range s.timelines {
		if conv, err := ParseConversation(key); err == nil {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
