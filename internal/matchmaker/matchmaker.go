// Package matchmaker pairs queued players in strict FIFO order.
package matchmaker

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"mathduel/internal/protocol"
	"mathduel/internal/registry"
)

// PairFunc starts a match between two players. A non-nil error means
// no session was created; the matchmaker reports the failure and does
// not re-queue either player.
type PairFunc func(a, b registry.PlayerHandle) error

// Matchmaker holds the waiting queue and drives pairing on a fixed
// tick rather than on every join, so a burst of joins still pairs in
// arrival order.
type Matchmaker struct {
	pair PairFunc

	mu     sync.Mutex
	queue  []registry.PlayerHandle
	queued map[string]bool

	scheduler gocron.Scheduler
}

// New builds a matchmaker and starts its pairing tick.
func New(pair PairFunc, tick time.Duration) (*Matchmaker, error) {
	m := &Matchmaker{
		pair:   pair,
		queued: make(map[string]bool),
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating matchmaker scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(tick),
		gocron.NewTask(m.Tick),
	)
	if err != nil {
		return nil, fmt.Errorf("registering matchmaker tick: %w", err)
	}
	scheduler.Start()
	m.scheduler = scheduler
	return m, nil
}

// Join appends a player to the queue. Joining twice or while in a
// match is rejected without changing queue order.
func (m *Matchmaker) Join(p registry.PlayerHandle) {
	if p.Session() != nil {
		p.SendType(protocol.TypeError, "cannot join the queue during a match")
		return
	}

	m.mu.Lock()
	if m.queued[p.ID()] {
		m.mu.Unlock()
		p.SendType(protocol.TypeInfo, "Already in queue")
		return
	}
	m.queue = append(m.queue, p)
	m.queued[p.ID()] = true
	pos := len(m.queue)
	m.mu.Unlock()

	p.SendType(protocol.TypeQueueJoined, fmt.Sprintf("position:%d", pos))
	log.Printf("[Matchmaker] %s joined the queue (position %d)", p.Username(), pos)
}

// Leave removes a player from the queue. Leaving while not queued is a
// no-op.
func (m *Matchmaker) Leave(p registry.PlayerHandle) {
	if !m.remove(p.ID()) {
		return
	}
	p.SendType(protocol.TypeQueueLeft, "")
	log.Printf("[Matchmaker] %s left the queue", p.Username())
}

// Remove silently drops a player, used when a connection dies.
func (m *Matchmaker) Remove(p registry.PlayerHandle) {
	m.remove(p.ID())
}

func (m *Matchmaker) remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.queued[id] {
		return false
	}
	delete(m.queued, id)
	for i, q := range m.queue {
		if q.ID() == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	return true
}

// Len reports the number of waiting players.
func (m *Matchmaker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Tick pairs the two longest-waiting free players until fewer than two
// remain. Players who entered a match some other way (a challenge) are
// dropped from the queue instead of paired.
func (m *Matchmaker) Tick() {
	for {
		a, b, ok := m.takePair()
		if !ok {
			return
		}
		if err := m.pair(a, b); err != nil {
			log.Printf("[Matchmaker] pairing %s vs %s failed: %v", a.Username(), b.Username(), err)
			a.SendType(protocol.TypeError, "matchmaking failed, please rejoin the queue")
			b.SendType(protocol.TypeError, "matchmaking failed, please rejoin the queue")
		}
	}
}

func (m *Matchmaker) takePair() (a, b registry.PlayerHandle, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := make([]registry.PlayerHandle, 0, 2)
	kept := m.queue[:0]
	for _, p := range m.queue {
		if len(free) < 2 {
			if p.Session() != nil {
				delete(m.queued, p.ID())
				continue
			}
			free = append(free, p)
			continue
		}
		kept = append(kept, p)
	}

	if len(free) < 2 {
		// Put the lone waiter (if any) back at the head.
		m.queue = append(free, kept...)
		return nil, nil, false
	}

	m.queue = kept
	delete(m.queued, free[0].ID())
	delete(m.queued, free[1].ID())
	return free[0], free[1], true
}

// Shutdown stops the pairing tick and clears the queue.
func (m *Matchmaker) Shutdown() {
	if m.scheduler != nil {
		if err := m.scheduler.Shutdown(); err != nil {
			log.Printf("[Matchmaker] scheduler shutdown: %v", err)
		}
	}
	m.mu.Lock()
	m.queue = nil
	m.queued = make(map[string]bool)
	m.mu.Unlock()
}
