package registry

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type fakePlayer struct {
	mu       sync.Mutex
	id       string
	username string
	sent     []string
	session  Session
	gone     bool
}

func newFakePlayer(id, username string) *fakePlayer {
	return &fakePlayer{id: id, username: username}
}

func (f *fakePlayer) ID() string { return f.id }
func (f *fakePlayer) Username() string { return f.username }

func (f *fakePlayer) Send(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(payload))
}

func (f *fakePlayer) SendType(msgType, payload string) {
	if payload == "" {
		f.Send([]byte(msgType))
		return
	}
	f.Send([]byte(msgType + "|" + payload))
}

func (f *fakePlayer) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone = true
}

func (f *fakePlayer) Session() Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakePlayer) SetSession(s Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s
}

func (f *fakePlayer) ClearSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = nil
}

func (f *fakePlayer) EstimatedRTT() time.Duration { return 0 }

func (f *fakePlayer) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeSession struct{ id string }

func (s *fakeSession) ID() string { return s.id }
func (s *fakeSession) HandlePlayerDisconnect(PlayerHandle) {}

func TestRegister(t *testing.T) {
	r := New()
	if !r.Register(newFakePlayer("1", "Alice")) {
		t.Fatal("Register() should succeed for a new name")
	}
	if r.Register(newFakePlayer("2", "alice")) {
		t.Error("Register() should fail for a name differing only in case")
	}
}

func TestLookup_CaseInsensitive(t *testing.T) {
	r := New()
	p := newFakePlayer("1", "Alice")
	r.Register(p)

	for _, name := range []string{"Alice", "alice", "ALICE", " alice "} {
		if got := r.Lookup(name); got != p {
			t.Errorf("Lookup(%q) = %v, want Alice's handle", name, got)
		}
	}
	if r.Lookup("bob") != nil {
		t.Error("Lookup() should return nil for unknown player")
	}
}

func TestRemove(t *testing.T) {
	r := New()
	r.Register(newFakePlayer("1", "Alice"))
	r.Remove("ALICE")
	if r.Lookup("alice") != nil {
		t.Error("player should be removed")
	}
	r.Remove("ghost") // no-op
}

func TestOnlineUsers(t *testing.T) {
	r := New()
	r.Register(newFakePlayer("1", "bob"))
	r.Register(newFakePlayer("2", "Alice"))

	users := r.OnlineUsers()
	if len(users) != 2 {
		t.Fatalf("OnlineUsers() len = %d, want 2", len(users))
	}
	if users[0] != "Alice" || users[1] != "bob" {
		t.Errorf("OnlineUsers() = %v, want sorted [Alice bob]", users)
	}
}

func TestBroadcastPresence(t *testing.T) {
	r := New()
	alice := newFakePlayer("1", "Alice")
	bob := newFakePlayer("2", "Bob")
	bob.SetSession(&fakeSession{id: "s1"})
	r.Register(alice)
	r.Register(bob)

	r.BroadcastPresence()

	for _, p := range []*fakePlayer{alice, bob} {
		msgs := p.messages()
		if len(msgs) != 1 {
			t.Fatalf("%s received %d messages, want 1", p.username, len(msgs))
		}
		if !strings.HasPrefix(msgs[0], "PLAYER_LIST_UPDATE|") {
			t.Fatalf("message = %q, want PLAYER_LIST_UPDATE prefix", msgs[0])
		}
		if !strings.Contains(msgs[0], "Alice:ONLINE") {
			t.Errorf("message = %q, want Alice:ONLINE", msgs[0])
		}
		if !strings.Contains(msgs[0], "Bob:BUSY") {
			t.Errorf("message = %q, want Bob:BUSY", msgs[0])
		}
	}
}

func TestShutdown(t *testing.T) {
	r := New()
	alice := newFakePlayer("1", "Alice")
	r.Register(alice)

	r.Shutdown()

	if !alice.gone {
		t.Error("Shutdown() should disconnect players")
	}
	if r.Lookup("alice") != nil {
		t.Error("Shutdown() should clear the registry")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register(newFakePlayer("id", "player"+string(rune('a'+n%26))+string(rune('a'+n/26))))
			r.OnlineUsers()
			r.BroadcastPresence()
		}(i)
	}
	wg.Wait()
}
