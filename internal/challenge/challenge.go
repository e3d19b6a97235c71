// Package challenge negotiates direct duels: one player invites
// another by name for a chosen number of rounds, and the invite either
// gets accepted, declined, or expires. Each player can hold at most one
// incoming invite at a time.
package challenge

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"mathduel/internal/protocol"
	"mathduel/internal/registry"
)

// StartFunc creates the match once an invite is accepted.
type StartFunc func(challenger, target registry.PlayerHandle, rounds int) error

type pending struct {
	challenger registry.PlayerHandle
	target     registry.PlayerHandle
	rounds     int
	timer      *time.Timer
}

// Service tracks pending invites keyed by the normalized username of
// the invited player.
type Service struct {
	start  StartFunc
	expiry time.Duration
	grace  time.Duration

	mu          sync.Mutex
	pending     map[string]*pending
	graceTimers map[*time.Timer]struct{}
	closed      bool
}

// New builds a challenge service. grace is the pause between the
// acceptance broadcast and match creation, giving both clients time to
// switch screens.
func New(start StartFunc, expiry, grace time.Duration) *Service {
	if expiry <= 0 {
		expiry = 40 * time.Second
	}
	if grace < 0 {
		grace = 0
	}
	return &Service{
		start:       start,
		expiry:      expiry,
		grace:       grace,
		pending:     make(map[string]*pending),
		graceTimers: make(map[*time.Timer]struct{}),
	}
}

// Send delivers an invite from challenger to target. Busy players and
// already-invited targets are rejected; failures go to the challenger
// only.
func (s *Service) Send(challenger, target registry.PlayerHandle, rounds int) {
	if challenger.ID() == target.ID() {
		challenger.SendType(protocol.TypeChallengeFailed, "you cannot challenge yourself")
		return
	}
	if challenger.Session() != nil {
		challenger.SendType(protocol.TypeChallengeFailed, "you are in a match")
		return
	}
	if target.Session() != nil {
		challenger.SendType(protocol.TypeChallengeFailed, target.Username()+" is in a match")
		return
	}

	key := registry.Normalize(target.Username())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		challenger.SendType(protocol.TypeChallengeFailed, "server is shutting down")
		return
	}
	if _, exists := s.pending[key]; exists {
		s.mu.Unlock()
		challenger.SendType(protocol.TypeChallengeFailed, target.Username()+" already has a pending challenge")
		return
	}
	p := &pending{challenger: challenger, target: target, rounds: rounds}
	p.timer = time.AfterFunc(s.expiry, func() { s.expire(key, p) })
	s.pending[key] = p
	s.mu.Unlock()

	challenger.SendType(protocol.TypeChallengeSent, fmt.Sprintf("%s|%d", target.Username(), rounds))
	target.SendType(protocol.TypeChallengeRequest, fmt.Sprintf("%s|%d", challenger.Username(), rounds))
	log.Printf("[Challenge] %s challenged %s to %d rounds", challenger.Username(), target.Username(), rounds)
}

// Accept resolves the invite addressed to target. A non-empty
// challengerName must match the pending challenger; the invite stays
// pending otherwise. The match starts after the configured grace
// period.
func (s *Service) Accept(target registry.PlayerHandle, challengerName string) {
	p := s.take(target, challengerName)
	if p == nil {
		target.SendType(protocol.TypeChallengeFailed, noPendingReason(challengerName))
		return
	}

	p.challenger.SendType(protocol.TypeChallengeAccepted, fmt.Sprintf("%s|%d", target.Username(), p.rounds))
	target.SendType(protocol.TypeChallengeAccepted, fmt.Sprintf("%s|%d", p.challenger.Username(), p.rounds))

	launch := func() {
		if err := s.start(p.challenger, p.target, p.rounds); err != nil {
			log.Printf("[Challenge] starting %s vs %s failed: %v", p.challenger.Username(), target.Username(), err)
			p.challenger.SendType(protocol.TypeChallengeFailed, "could not start the match")
			target.SendType(protocol.TypeChallengeFailed, "could not start the match")
		}
	}
	if s.grace == 0 {
		launch()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		delete(s.graceTimers, t)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		launch()
	})
	s.graceTimers[t] = struct{}{}
	s.mu.Unlock()
}

// Decline resolves the invite addressed to target without a match.
func (s *Service) Decline(target registry.PlayerHandle, challengerName string) {
	p := s.take(target, challengerName)
	if p == nil {
		target.SendType(protocol.TypeChallengeFailed, noPendingReason(challengerName))
		return
	}
	p.challenger.SendType(protocol.TypeChallengeDeclined, target.Username())
	target.SendType(protocol.TypeChallengeDeclined, p.challenger.Username())
}

func noPendingReason(challengerName string) string {
	if challengerName == "" {
		return "no pending challenge"
	}
	return "no pending challenge from " + challengerName
}

// take removes and returns the pending invite for target, stopping its
// expiry timer. An invite from a different challenger than the named
// one is left untouched.
func (s *Service) take(target registry.PlayerHandle, challengerName string) *pending {
	key := registry.Normalize(target.Username())
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[key]
	if p == nil {
		return nil
	}
	if challengerName != "" && !strings.EqualFold(p.challenger.Username(), strings.TrimSpace(challengerName)) {
		return nil
	}
	delete(s.pending, key)
	p.timer.Stop()
	return p
}

func (s *Service) expire(key string, p *pending) {
	s.mu.Lock()
	current := s.pending[key]
	if current != p {
		// Already resolved; a late timer must not touch a newer invite.
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	p.challenger.SendType(protocol.TypeChallengeExpired, p.target.Username())
	p.target.SendType(protocol.TypeChallengeExpired, p.challenger.Username())
}

// CancelFor drops every invite involving p, used on disconnect. The
// other party is notified.
func (s *Service) CancelFor(p registry.PlayerHandle) {
	s.mu.Lock()
	dropped := make([]*pending, 0, 1)
	for key, pd := range s.pending {
		if pd.challenger.ID() == p.ID() || pd.target.ID() == p.ID() {
			delete(s.pending, key)
			pd.timer.Stop()
			dropped = append(dropped, pd)
		}
	}
	s.mu.Unlock()

	for _, pd := range dropped {
		if pd.challenger.ID() == p.ID() {
			pd.target.SendType(protocol.TypeChallengeExpired, pd.challenger.Username())
		} else {
			pd.challenger.SendType(protocol.TypeChallengeExpired, pd.target.Username())
		}
	}
}

// PendingCount reports the number of unresolved invites.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Shutdown stops every expiry and grace timer and clears the table.
// Accepted invites whose grace period has not elapsed never launch.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
	}
	for t := range s.graceTimers {
		t.Stop()
		delete(s.graceTimers, t)
	}
}
