package match

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"mathduel/internal/puzzle"
	"mathduel/internal/registry"
)

// ErrPlayerBusy is returned when a session is requested for a player who
// is already in one.
var ErrPlayerBusy = errors.New("player already in a match")

// Manager owns all running sessions and serializes session creation per
// player, so two simultaneous match attempts for the same player cannot
// both succeed.
type Manager struct {
	cfg      Config
	provider puzzle.Provider
	gateway  PersistenceGateway
	reg      *registry.Registry

	mu       sync.Mutex
	sessions map[string]*Session

	// identityLocks serializes creation per player identity. Locks are
	// acquired in sorted key order to rule out deadlock between two
	// creations sharing a player.
	lockMu        sync.Mutex
	identityLocks map[string]*sync.Mutex

	scheduler gocron.Scheduler
}

// NewManager builds a manager and starts the periodic sweep that logs
// long-running sessions. reg may be nil in tests; presence broadcasts
// are skipped then.
func NewManager(cfg Config, provider puzzle.Provider, gateway PersistenceGateway, reg *registry.Registry) (*Manager, error) {
	m := &Manager{
		cfg:           cfg.withDefaults(),
		provider:      provider,
		gateway:       gateway,
		reg:           reg,
		sessions:      make(map[string]*Session),
		identityLocks: make(map[string]*sync.Mutex),
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating session sweep scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(m.sweep),
	)
	if err != nil {
		return nil, fmt.Errorf("registering session sweep job: %w", err)
	}
	scheduler.Start()
	m.scheduler = scheduler
	return m, nil
}

// CreateSession starts a match between two distinct, free players.
// rounds overrides the configured match length when positive. On
// success both handles are bound to the new session and the countdown
// begins.
func (m *Manager) CreateSession(a, b registry.PlayerHandle, rounds int) (*Session, error) {
	if a.ID() == b.ID() {
		return nil, errors.New("cannot match a player against themselves")
	}

	unlock := m.lockIdentities(a.ID(), b.ID())
	defer unlock()

	if a.Session() != nil || b.Session() != nil {
		return nil, ErrPlayerBusy
	}

	cfg := m.cfg
	if rounds > 0 {
		cfg.TotalRounds = clampRounds(rounds)
	}
	s := NewSession(a, b, cfg, m.provider, m.gateway)
	s.onFinish = m.handleFinished
	a.SetSession(s)
	b.SetSession(s)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	log.Printf("[Manager] session %s: %s vs %s", s.ID(), a.Username(), b.Username())
	if m.reg != nil {
		m.reg.BroadcastPresence()
	}
	s.Begin()
	return s, nil
}

func (m *Manager) lockIdentities(ids ...string) func() {
	sort.Strings(ids)
	locks := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		locks = append(locks, m.identityLock(id))
	}
	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func (m *Manager) identityLock(id string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.identityLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.identityLocks[id] = l
	}
	return l
}

func (m *Manager) handleFinished(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID())
	m.mu.Unlock()
	if m.reg != nil {
		m.reg.BroadcastPresence()
	}
}

// Session looks up a running session by id.
func (m *Manager) Session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// ActiveCount reports the number of running sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EndSession force-finishes one session, if it is still running.
func (m *Manager) EndSession(id string) {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s != nil {
		s.Finish()
	}
}

// sweep logs sessions that have outlived any plausible match duration;
// they indicate a stuck timer chain and deserve investigation.
func (m *Manager) sweep() {
	limit := time.Duration(m.cfg.TotalRounds)*m.cfg.PerRoundTimeout + m.cfg.Countdown + time.Minute

	m.mu.Lock()
	stale := make([]*Session, 0)
	for _, s := range m.sessions {
		if time.Since(s.CreatedAt()) > limit {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		log.Printf("[Manager] session %s exceeded max duration, forcing finish", s.ID())
		s.Finish()
	}
}

// Shutdown finishes every session and stops the sweep scheduler.
func (m *Manager) Shutdown() {
	if m.scheduler != nil {
		if err := m.scheduler.Shutdown(); err != nil {
			log.Printf("[Manager] scheduler shutdown: %v", err)
		}
	}

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Finish()
		<-s.Done()
	}
}
