// Package registry tracks authenticated online players and defines the
// PlayerHandle capability the rest of the engine holds instead of a raw
// connection.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"mathduel/internal/protocol"
)

// Session is the slice of a running match a connection needs: identity
// for logging and the disconnect hook for cleanup.
type Session interface {
	ID() string
	HandlePlayerDisconnect(p PlayerHandle)
}

// PlayerHandle is a non-owning reference to a connected, authenticated
// player. The connection worker owns the underlying socket; everything
// else talks through this interface.
type PlayerHandle interface {
	ID() string
	Username() string
	Send(payload []byte)
	SendType(msgType, payload string)
	Disconnect()
	Session() Session
	SetSession(s Session)
	ClearSession()
	EstimatedRTT() time.Duration
}

// Normalize maps a username to its registry key.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Registry is the set of online players, keyed by normalized username.
type Registry struct {
	mu      sync.RWMutex
	players map[string]PlayerHandle
}

func New() *Registry {
	return &Registry{
		players: make(map[string]PlayerHandle),
	}
}

// Register adds a player; it fails when the username is already online.
func (r *Registry) Register(p PlayerHandle) bool {
	key := Normalize(p.Username())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.players[key]; taken {
		return false
	}
	r.players[key] = p
	return true
}

// Remove drops a player. Removing an unknown name is a no-op.
func (r *Registry) Remove(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.players, Normalize(username))
}

// Lookup finds an online player. The normalized key is tried first,
// then a case-insensitive scan as a fallback for callers holding a
// display-cased name.
func (r *Registry) Lookup(username string) PlayerHandle {
	key := Normalize(username)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.players[key]; ok {
		return p
	}
	for _, p := range r.players {
		if strings.EqualFold(p.Username(), username) {
			return p
		}
	}
	return nil
}

// OnlineUsers returns a snapshot of online usernames (display casing).
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.players))
	for _, p := range r.players {
		names = append(names, p.Username())
	}
	sort.Strings(names)
	return names
}

// BroadcastPresence sends the PLAYER_LIST_UPDATE line to every online
// player. Status is BUSY while in a match, ONLINE otherwise.
func (r *Registry) BroadcastPresence() {
	r.mu.RLock()
	handles := make([]PlayerHandle, 0, len(r.players))
	for _, p := range r.players {
		handles = append(handles, p)
	}
	r.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool {
		return Normalize(handles[i].Username()) < Normalize(handles[j].Username())
	})

	var sb strings.Builder
	for i, p := range handles {
		if i > 0 {
			sb.WriteByte('|')
		}
		status := "ONLINE"
		if p.Session() != nil {
			status = "BUSY"
		}
		sb.WriteString(p.Username())
		sb.WriteByte(':')
		sb.WriteString(status)
	}
	payload := sb.String()

	for _, p := range handles {
		p.SendType(protocol.TypePlayerListUpdate, payload)
	}
}

// Shutdown disconnects every online player and clears the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	handles := make([]PlayerHandle, 0, len(r.players))
	for _, p := range r.players {
		handles = append(handles, p)
	}
	r.players = make(map[string]PlayerHandle)
	r.mu.Unlock()

	for _, p := range handles {
		p.Disconnect()
	}
}
