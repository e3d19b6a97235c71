package match

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T, rounds int) *Manager {
	t.Helper()
	m, err := NewManager(fastConfig(rounds), testProvider(), nil, nil)
	if err != nil {
		t.Fatalf("creating manager: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func TestManagerCreateSession(t *testing.T) {
	m := newTestManager(t, 2)
	alice := newFakePlayer("a1", "Alice")
	bob := newFakePlayer("b1", "Bob")

	s, err := m.CreateSession(alice, bob, 0)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	if alice.Session() == nil || bob.Session() == nil {
		t.Fatal("players not bound to the session")
	}
	if m.ActiveCount() != 1 {
		t.Errorf("got %d active sessions, want 1", m.ActiveCount())
	}
	if got := m.Session(s.ID()); got != s {
		t.Errorf("lookup by id returned %v, want the created session", got)
	}
}

func TestManagerRejectsBusyPlayer(t *testing.T) {
	m := newTestManager(t, 2)
	alice := newFakePlayer("a1", "Alice")
	bob := newFakePlayer("b1", "Bob")
	carol := newFakePlayer("c1", "Carol")

	if _, err := m.CreateSession(alice, bob, 0); err != nil {
		t.Fatalf("creating first session: %v", err)
	}
	if _, err := m.CreateSession(alice, carol, 0); !errors.Is(err, ErrPlayerBusy) {
		t.Errorf("got %v for busy player, want ErrPlayerBusy", err)
	}
	if carol.Session() != nil {
		t.Error("failed creation must not bind the free player")
	}
}

func TestManagerRejectsSelfMatch(t *testing.T) {
	m := newTestManager(t, 2)
	alice := newFakePlayer("a1", "Alice")
	if _, err := m.CreateSession(alice, alice, 0); err == nil {
		t.Error("self-match was allowed")
	}
}

func TestManagerConcurrentCreationSharedPlayer(t *testing.T) {
	m := newTestManager(t, 2)
	alice := newFakePlayer("a1", "Alice")
	bob := newFakePlayer("b1", "Bob")
	carol := newFakePlayer("c1", "Carol")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = m.CreateSession(alice, bob, 0) }()
	go func() { defer wg.Done(); _, errs[1] = m.CreateSession(carol, alice, 0) }()
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrPlayerBusy) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("%d creations succeeded for a shared player, want exactly 1", ok)
	}
}

func TestManagerReleaseAfterFinish(t *testing.T) {
	m := newTestManager(t, 1)
	alice := newFakePlayer("a1", "Alice")
	bob := newFakePlayer("b1", "Bob")

	s, err := m.CreateSession(alice, bob, 0)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	s.HandleForfeit(alice)
	waitDone(t, s)

	waitUntil(t, func() bool { return m.ActiveCount() == 0 })
	if alice.Session() != nil || bob.Session() != nil {
		t.Error("finished session still bound to players")
	}

	if _, err := m.CreateSession(alice, bob, 0); err != nil {
		t.Errorf("rematch after finish failed: %v", err)
	}
}

func TestManagerEndSession(t *testing.T) {
	m := newTestManager(t, 10)
	alice := newFakePlayer("a1", "Alice")
	bob := newFakePlayer("b1", "Bob")

	s, err := m.CreateSession(alice, bob, 0)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	m.EndSession(s.ID())
	waitDone(t, s)

	m.EndSession("no-such-session") // no-op
}

func TestManagerShutdownFinishesSessions(t *testing.T) {
	m, err := NewManager(fastConfig(10), testProvider(), nil, nil)
	if err != nil {
		t.Fatalf("creating manager: %v", err)
	}
	alice := newFakePlayer("a1", "Alice")
	bob := newFakePlayer("b1", "Bob")
	s, err := m.CreateSession(alice, bob, 0)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	m.Shutdown()
	select {
	case <-s.Done():
	default:
		t.Error("shutdown returned with a session still running")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestManagerCustomRounds(t *testing.T) {
	m := newTestManager(t, 10)
	alice := newFakePlayer("a1", "Alice")
	bob := newFakePlayer("b1", "Bob")

	s, err := m.CreateSession(alice, bob, 3)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	s.HandleForfeit(alice)
	waitDone(t, s)

	snap := s.Snapshot()
	if snap.Scores["b1"] != 3 {
		t.Errorf("winner score = %d, want the custom round count 3", snap.Scores["b1"])
	}

	// Out-of-range requests are clamped, not rejected.
	carol := newFakePlayer("c1", "Carol")
	dave := newFakePlayer("d1", "Dave")
	s2, err := m.CreateSession(carol, dave, 99)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	s2.HandleForfeit(carol)
	waitDone(t, s2)
	if got := s2.Snapshot().Scores["d1"]; got != 20 {
		t.Errorf("winner score = %d, want clamp ceiling 20", got)
	}
}
