package chatsync

import (
	"testing"
	"time"
)

func newTestStore(clock *fakeClock) *Store {
	return NewStore(WithClock(clock.Now), WithIDGenerator(sequentialIDs()))
}

// ============================================================================
// Ordering
// ============================================================================

func TestStoreOrdering(t *testing.T) {
	clock := newFakeClock()
	base := clock.Now()
	conv := Group("7")

	t.Run("sorted by createdAt", func(t *testing.T) {
		s := newTestStore(clock)
		s.SetActive(conv)
		s.ReceivePushed(conv, Message{ID: "3", SenderID: "b", Content: "third", CreatedAt: base.Add(3 * time.Second)})
		s.ReceivePushed(conv, Message{ID: "1", SenderID: "b", Content: "first", CreatedAt: base.Add(1 * time.Second)})
		s.ReceivePushed(conv, Message{ID: "2", SenderID: "b", Content: "second", CreatedAt: base.Add(2 * time.Second)})

		got := contents(s.Timeline(conv))
		want := []string{"first", "second", "third"}
		if !equalStrings(got, want) {
			t.Fatalf("timeline = %v, want %v", got, want)
		}
	})

	t.Run("ties broken by insertion order", func(t *testing.T) {
		s := newTestStore(clock)
		s.SetActive(conv)
		s.ReceivePushed(conv, Message{ID: "a", SenderID: "b", Content: "one", CreatedAt: base})
		s.ReceivePushed(conv, Message{ID: "b", SenderID: "c", Content: "two", CreatedAt: base})
		s.ReceivePushed(conv, Message{ID: "c", SenderID: "d", Content: "three", CreatedAt: base})

		got := contents(s.Timeline(conv))
		want := []string{"one", "two", "three"}
		if !equalStrings(got, want) {
			t.Fatalf("timeline = %v, want %v", got, want)
		}
	})

	t.Run("history then live", func(t *testing.T) {
		s := newTestStore(clock)
		s.SetActive(conv)
		s.ReceivePushed(conv, Message{ID: "10", SenderID: "b", Content: "live", CreatedAt: base.Add(time.Minute)})
		if !s.SeedHistory(conv, []Message{
			historyMsg("2", "c", "older", base.Add(-time.Minute)),
			historyMsg("1", "b", "oldest", base.Add(-2*time.Minute)),
		}) {
			t.Fatal("SeedHistory returned false for the active conversation")
		}

		got := contents(s.Timeline(conv))
		want := []string{"oldest", "older", "live"}
		if !equalStrings(got, want) {
			t.Fatalf("timeline = %v, want %v", got, want)
		}
	})
}

// ============================================================================
// Reconciliation
// ============================================================================

func TestStoreReconciliation(t *testing.T) {
	conv := PrivateWith("bob")

	t.Run("how are you", func(t *testing.T) {
		clock := newFakeClock()
		s := newTestStore(clock)
		s.SetActive(conv)

		opt := s.InsertOptimistic(conv, Message{SenderID: "alice", Content: "how are you"})
		if !opt.Pending() || opt.LocalID != "local-1" || opt.ID != "" {
			t.Fatalf("unexpected optimistic entry: %+v", opt)
		}

		stored, result := s.ReceivePushed(conv, Message{
			ID:        "42",
			SenderID:  "alice",
			Content:   "how are you",
			CreatedAt: clock.Now().Add(800 * time.Millisecond),
		})
		if result != Reconciled {
			t.Fatalf("result = %s, want reconciled", result)
		}
		if stored.ID != "42" || stored.LocalID != "local-1" || stored.Origin != OriginPushed {
			t.Fatalf("unexpected reconciled entry: %+v", stored)
		}

		tl := s.Timeline(conv)
		if len(tl) != 1 {
			t.Fatalf("timeline has %d entries, want 1: %+v", len(tl), tl)
		}
		if tl[0].Pending() {
			t.Fatal("reconciled entry still pending")
		}
	})

	t.Run("oldest of identical sends matched first", func(t *testing.T) {
		clock := newFakeClock()
		s := newTestStore(clock)
		s.SetActive(conv)

		s.InsertOptimistic(conv, Message{SenderID: "alice", Content: "ok"})
		clock.Advance(time.Second)
		s.InsertOptimistic(conv, Message{SenderID: "alice", Content: "ok"})

		stored, result := s.ReceivePushed(conv, Message{ID: "1", SenderID: "alice", Content: "ok", CreatedAt: clock.Now()})
		if result != Reconciled || stored.LocalID != "local-1" {
			t.Fatalf("got %s with local id %q, want reconciled local-1", result, stored.LocalID)
		}
		pending := s.Pending(conv, 0)
		if len(pending) != 1 || pending[0].LocalID != "local-2" {
			t.Fatalf("pending = %+v, want local-2 only", pending)
		}
	})

	t.Run("outside tolerance appends", func(t *testing.T) {
		clock := newFakeClock()
		s := newTestStore(clock)
		s.SetActive(conv)

		s.InsertOptimistic(conv, Message{SenderID: "alice", Content: "late"})
		_, result := s.ReceivePushed(conv, Message{ID: "9", SenderID: "alice", Content: "late", CreatedAt: clock.Now().Add(DefaultMatchTolerance + time.Second)})
		if result != Appended {
			t.Fatalf("result = %s, want appended", result)
		}
		if n := len(s.Timeline(conv)); n != 2 {
			t.Fatalf("timeline has %d entries, want 2", n)
		}
	})

	t.Run("different sender never matches", func(t *testing.T) {
		clock := newFakeClock()
		s := newTestStore(clock)
		s.SetActive(conv)

		s.InsertOptimistic(conv, Message{SenderID: "alice", Content: "hi"})
		_, result := s.ReceivePushed(conv, Message{ID: "5", SenderID: "bob", Content: "hi", CreatedAt: clock.Now()})
		if result != Appended {
			t.Fatalf("result = %s, want appended", result)
		}
	})

	t.Run("custom tolerance", func(t *testing.T) {
		clock := newFakeClock()
		s := NewStore(WithClock(clock.Now), WithMatchTolerance(30*time.Second))
		s.SetActive(conv)

		s.InsertOptimistic(conv, Message{SenderID: "alice", Content: "slow"})
		_, result := s.ReceivePushed(conv, Message{ID: "5", SenderID: "alice", Content: "slow", CreatedAt: clock.Now().Add(20 * time.Second)})
		if result != Reconciled {
			t.Fatalf("result = %s, want reconciled", result)
		}
	})
}

// ============================================================================
// Deduplication
// ============================================================================

func TestStoreNoDuplicates(t *testing.T) {
	clock := newFakeClock()
	conv := Group("1")

	t.Run("same id pushed twice", func(t *testing.T) {
		s := newTestStore(clock)
		s.SetActive(conv)
		msg := Message{ID: "77", SenderID: "bob", Content: "hello", CreatedAt: clock.Now()}

		if _, r := s.ReceivePushed(conv, msg); r != Appended {
			t.Fatalf("first delivery = %s, want appended", r)
		}
		if _, r := s.ReceivePushed(conv, msg); r != Duplicate {
			t.Fatalf("second delivery = %s, want duplicate", r)
		}
		if n := len(s.Timeline(conv)); n != 1 {
			t.Fatalf("timeline has %d entries, want 1", n)
		}
	})

	t.Run("pushed then history", func(t *testing.T) {
		s := newTestStore(clock)
		s.SetActive(conv)
		s.ReceivePushed(conv, Message{ID: "5", SenderID: "bob", Content: "hey", CreatedAt: clock.Now()})
		s.SeedHistory(conv, []Message{historyMsg("5", "bob", "hey", clock.Now())})

		tl := s.Timeline(conv)
		if len(tl) != 1 || tl[0].Origin != OriginHistory {
			t.Fatalf("timeline = %+v, want the history copy only", tl)
		}
	})

	t.Run("history then echo", func(t *testing.T) {
		s := newTestStore(clock)
		s.SetActive(conv)
		s.SeedHistory(conv, []Message{historyMsg("5", "bob", "hey", clock.Now())})
		if _, r := s.ReceivePushed(conv, Message{ID: "5", SenderID: "bob", Content: "hey", CreatedAt: clock.Now()}); r != Duplicate {
			t.Fatalf("result = %s, want duplicate", r)
		}
		if n := len(s.Timeline(conv)); n != 1 {
			t.Fatalf("timeline has %d entries, want 1", n)
		}
	})

	t.Run("send persisted before its echo", func(t *testing.T) {
		s := newTestStore(clock)
		s.SetActive(conv)
		sent := s.InsertOptimistic(conv, Message{SenderID: "alice", Content: "race"})
		s.SeedHistory(conv, []Message{historyMsg("8", "alice", "race", clock.Now().Add(time.Second))})

		if n := len(s.Timeline(conv)); n != 2 {
			t.Fatalf("timeline after seed has %d entries, want history and optimistic", n)
		}
		stored, r := s.ReceivePushed(conv, Message{ID: "8", SenderID: "alice", Content: "race", CreatedAt: clock.Now().Add(time.Second)})
		if r != Reconciled {
			t.Fatalf("echo = %s, want reconciled", r)
		}
		if stored.ID != "8" || stored.LocalID != sent.LocalID || stored.Origin != OriginHistory {
			t.Fatalf("confirmed = %+v", stored)
		}
		tl := s.Timeline(conv)
		if len(tl) != 1 || tl[0].ID != "8" {
			t.Fatalf("timeline = %+v, want history entry 8 only", tl)
		}
		if _, r := s.ReceivePushed(conv, Message{ID: "8", SenderID: "alice", Content: "race", CreatedAt: clock.Now().Add(time.Second)}); r != Duplicate {
			t.Fatalf("second echo = %s, want duplicate", r)
		}
	})

	t.Run("history never removes an unconfirmed send", func(t *testing.T) {
		s := newTestStore(clock)
		s.SetActive(conv)
		sent := s.InsertOptimistic(conv, Message{SenderID: "alice", Content: "ok"})
		s.SeedHistory(conv, []Message{historyMsg("1", "alice", "ok", clock.Now().Add(-2*time.Second))})

		tl := s.Timeline(conv)
		if len(tl) != 2 {
			t.Fatalf("timeline = %+v, want the stored message and the pending send", tl)
		}
		pending := s.Pending(conv, 0)
		if len(pending) != 1 || pending[0].LocalID != sent.LocalID {
			t.Fatalf("pending = %+v, want %s", pending, sent.LocalID)
		}
	})

	t.Run("repeated delivery of a reconciled message", func(t *testing.T) {
		s := newTestStore(clock)
		s.SetActive(conv)
		s.InsertOptimistic(conv, Message{SenderID: "alice", Content: "again"})
		s.ReceivePushed(conv, Message{ID: "3", SenderID: "alice", Content: "again", CreatedAt: clock.Now()})
		second := s.InsertOptimistic(conv, Message{SenderID: "alice", Content: "again"})

		if _, r := s.ReceivePushed(conv, Message{ID: "3", SenderID: "alice", Content: "again", CreatedAt: clock.Now()}); r != Duplicate {
			t.Fatalf("redelivery = %s, want duplicate", r)
		}
		pending := s.Pending(conv, 0)
		if len(pending) != 1 || pending[0].LocalID != second.LocalID {
			t.Fatalf("pending = %+v, want the second send untouched", pending)
		}
	})
}

// ============================================================================
// Activation
// ============================================================================

func TestStoreSeedHistory(t *testing.T) {
	clock := newFakeClock()

	t.Run("ignored when inactive", func(t *testing.T) {
		s := newTestStore(clock)
		a, b := PrivateWith("a"), Group("b")
		s.SetActive(a)
		s.SetActive(b)

		if s.SeedHistory(a, []Message{historyMsg("1", "a", "stale", clock.Now())}) {
			t.Fatal("SeedHistory applied history for an inactive conversation")
		}
		if tl := s.Timeline(a); len(tl) != 0 {
			t.Fatalf("inactive timeline modified: %+v", tl)
		}
		if tl := s.Timeline(b); len(tl) != 0 {
			t.Fatalf("active timeline modified: %+v", tl)
		}
	})

	t.Run("replaces earlier history", func(t *testing.T) {
		s := newTestStore(clock)
		conv := Group("g")
		s.SetActive(conv)
		s.SeedHistory(conv, []Message{historyMsg("1", "a", "old", clock.Now())})
		s.SetActive(conv)
		s.SeedHistory(conv, []Message{historyMsg("1", "a", "old", clock.Now()), historyMsg("2", "a", "new", clock.Now().Add(time.Second))})

		got := contents(s.Timeline(conv))
		if !equalStrings(got, []string{"old", "new"}) {
			t.Fatalf("timeline = %v", got)
		}
	})

	t.Run("keeps live entries of the current activation", func(t *testing.T) {
		s := newTestStore(clock)
		conv := Group("g")
		s.SetActive(conv)
		s.InsertOptimistic(conv, Message{SenderID: "me", Content: "unsent"})
		s.ReceivePushed(conv, Message{ID: "9", SenderID: "x", Content: "live", CreatedAt: clock.Now().Add(time.Second)})
		s.SeedHistory(conv, []Message{historyMsg("1", "x", "past", clock.Now().Add(-time.Hour))})

		got := contents(s.Timeline(conv))
		want := []string{"past", "unsent", "live"}
		if !equalStrings(got, want) {
			t.Fatalf("timeline = %v, want %v", got, want)
		}
	})
}

func TestStorePendingAndView(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	conv := PrivateWith("p")

	if v := s.View(); v != nil {
		t.Fatalf("View with no active conversation = %+v", v)
	}

	s.SetActive(conv)
	s.InsertOptimistic(conv, Message{SenderID: "me", Content: "one"})
	clock.Advance(10 * time.Second)
	s.InsertOptimistic(conv, Message{SenderID: "me", Content: "two"})

	old := s.Pending(conv, 5*time.Second)
	if len(old) != 1 || old[0].Content != "one" {
		t.Fatalf("Pending(5s) = %+v, want only \"one\"", old)
	}
	if n := len(s.Pending(conv, 0)); n != 2 {
		t.Fatalf("Pending(0) returned %d entries, want 2", n)
	}

	view := s.View()
	view[0].Content = "mutated"
	if s.Timeline(conv)[0].Content != "one" {
		t.Fatal("View returned shared storage")
	}

	convs := s.Conversations()
	if len(convs) != 1 || convs[0] != conv {
		t.Fatalf("Conversations = %+v", convs)
	}
}
