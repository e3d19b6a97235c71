// Package match implements the per-duel state machine and the manager
// that guards session creation. Each Session is an actor: one goroutine
// consumes a private task queue, and every external entry point as well
// as every timer posts a closure onto it, so answers from both
// connection workers, timeouts, forfeits and disconnects execute in a
// strict total order without locks. Different sessions share nothing
// and run fully in parallel.
package match

import (
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"mathduel/internal/protocol"
	"mathduel/internal/puzzle"
	"mathduel/internal/registry"
)

// Config is the tunable policy of a single match.
type Config struct {
	TotalRounds     int
	PerRoundTimeout time.Duration
	Countdown       time.Duration
	FastStartBuffer time.Duration

	// Activation-gap policy: the pause between announcing a round and
	// accepting answers is 2*maxRTT + ActivationMargin, capped at
	// MaxActivationGap and floored at max(MinActivationGap, DefaultActivationGap).
	MinActivationGap     time.Duration
	DefaultActivationGap time.Duration
	MaxActivationGap     time.Duration
	ActivationMargin     time.Duration

	UniqueTargetAttempts int
	LookAhead            int
}

func DefaultConfig() Config {
	return Config{
		TotalRounds:          10,
		PerRoundTimeout:      30 * time.Second,
		Countdown:            5 * time.Second,
		FastStartBuffer:      500 * time.Millisecond,
		MinActivationGap:     100 * time.Millisecond,
		DefaultActivationGap: 300 * time.Millisecond,
		MaxActivationGap:     time.Second,
		ActivationMargin:     50 * time.Millisecond,
		UniqueTargetAttempts: 10,
		LookAhead:            2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.TotalRounds = clampRounds(c.TotalRounds)
	if c.PerRoundTimeout <= 0 {
		c.PerRoundTimeout = d.PerRoundTimeout
	}
	if c.Countdown < 0 {
		c.Countdown = d.Countdown
	}
	if c.FastStartBuffer <= 0 {
		c.FastStartBuffer = d.FastStartBuffer
	}
	if c.MinActivationGap <= 0 {
		c.MinActivationGap = d.MinActivationGap
	}
	if c.DefaultActivationGap <= 0 {
		c.DefaultActivationGap = d.DefaultActivationGap
	}
	if c.MaxActivationGap <= 0 {
		c.MaxActivationGap = d.MaxActivationGap
	}
	if c.ActivationMargin <= 0 {
		c.ActivationMargin = d.ActivationMargin
	}
	if c.UniqueTargetAttempts <= 0 {
		c.UniqueTargetAttempts = d.UniqueTargetAttempts
	}
	if c.LookAhead <= 0 {
		c.LookAhead = d.LookAhead
	}
	return c
}

type roundState int

const (
	stateIdle roundState = iota
	statePending
	stateActive
)

// Session is one running match between exactly two players.
type Session struct {
	id       string
	cfg      Config
	playerA  registry.PlayerHandle
	playerB  registry.PlayerHandle
	provider puzzle.Provider
	gateway  PersistenceGateway // nil disables persistence
	onFinish func(*Session)     // deregistration hook, may be nil

	matchSeed  int64
	difficulty []int
	createdAt  time.Time

	tasks chan func()
	done  chan struct{}

	// Everything below is touched only from the actor goroutine.
	finished    bool
	puzzles     []puzzle.Puzzle
	revealed    []int
	state       roundState
	activeRound int
	nextRound   int
	current     puzzle.Puzzle
	roundStart  time.Time

	scores   map[string]int
	playTime map[string]time.Duration
	history  map[string][]protocol.RoundEntry
	ready    map[string]bool

	matchStartAt    time.Time
	startedAt       time.Time
	endedAt         time.Time
	startTimer      *time.Timer
	activationTimer *time.Timer
	timeoutTimer    *time.Timer
}

// NewSession wires a session and starts its actor goroutine. The caller
// must call Begin to schedule the countdown and first round.
func NewSession(playerA, playerB registry.PlayerHandle, cfg Config, provider puzzle.Provider, gateway PersistenceGateway) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:       uuid.New().String(),
		cfg:      cfg,
		playerA:  playerA,
		playerB:  playerB,
		provider: provider,
		gateway:  gateway,

		matchSeed:  NewMatchSeed(),
		difficulty: DifficultySequence(cfg.TotalRounds),
		createdAt:  time.Now(),

		tasks: make(chan func(), 64),
		done:  make(chan struct{}),

		activeRound: -1,
		scores:      map[string]int{playerA.ID(): 0, playerB.ID(): 0},
		playTime:    map[string]time.Duration{playerA.ID(): 0, playerB.ID(): 0},
		history: map[string][]protocol.RoundEntry{
			playerA.ID(): nil,
			playerB.ID(): nil,
		},
		ready: map[string]bool{playerA.ID(): false, playerB.ID(): false},
	}
	go s.run()
	return s
}

func (s *Session) ID() string { return s.id }
func (s *Session) Seed() int64 { return s.matchSeed }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) PlayerA() registry.PlayerHandle { return s.playerA }
func (s *Session) PlayerB() registry.PlayerHandle { return s.playerB }

// Done is closed once the session has finished and broadcast GAME_OVER.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) run() {
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.done:
			return
		}
	}
}

// post enqueues fn onto the actor. Tasks posted after finish are
// dropped; every state they could touch is frozen by then.
func (s *Session) post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.done:
	}
}

// schedule arms a timer whose expiry runs fn on the actor goroutine.
func (s *Session) schedule(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { s.post(fn) })
}

// Begin schedules the countdown and match start.
func (s *Session) Begin() {
	s.post(func() {
		if s.finished {
			return
		}
		s.matchStartAt = time.Now().Add(s.cfg.Countdown)
		s.preGenerate(min(s.cfg.TotalRounds-1, s.cfg.LookAhead))
		s.broadcastMatchInfo()

		for secs := int(s.cfg.Countdown / time.Second); secs >= 1; secs-- {
			left := secs
			s.schedule(s.cfg.Countdown-time.Duration(left)*time.Second, func() {
				if s.finished || !s.startedAt.IsZero() {
					return
				}
				s.sendInfoBoth("Match starts in " + strconv.Itoa(left) + "s...")
			})
		}
		s.startTimer = s.schedule(s.cfg.Countdown, s.startMatch)
	})
}

// HandleReady records a ready signal; when both players are ready the
// start is pulled forward, bounded by FastStartBuffer.
func (s *Session) HandleReady(p registry.PlayerHandle) {
	s.post(func() {
		if s.finished || !s.startedAt.IsZero() {
			return
		}
		s.ready[p.ID()] = true
		s.other(p).SendType(protocol.TypeInfo, "Opponent is ready")

		if !s.ready[s.playerA.ID()] || !s.ready[s.playerB.ID()] {
			return
		}
		earlier := time.Now().Add(s.cfg.FastStartBuffer)
		if earlier.Add(50 * time.Millisecond).Before(s.matchStartAt) {
			s.startTimer.Stop()
			s.matchStartAt = earlier
			s.startTimer = s.schedule(time.Until(earlier), s.startMatch)
			s.broadcastMatchInfo()
		}
	})
}

// RequestMatchInfo re-sends MATCH_START_INFO, e.g. after a client
// redraw.
func (s *Session) RequestMatchInfo(registry.PlayerHandle) {
	s.post(func() {
		if s.finished {
			return
		}
		s.broadcastMatchInfo()
	})
}

// SubmitAnswer validates and scores one answer attempt. The receive
// timestamp is captured before queueing so queue latency cannot eat
// into the player's measured time.
func (s *Session) SubmitAnswer(p registry.PlayerHandle, expression string) {
	received := time.Now()
	select {
	case <-s.done:
		s.sendRejection(p, protocol.ReasonMatchFinished)
		return
	default:
	}
	s.post(func() { s.processAnswer(p, expression, received) })
}

// HandleForfeit concedes the match for p while p stays connected.
func (s *Session) HandleForfeit(p registry.PlayerHandle) {
	s.post(func() {
		if s.finished {
			return
		}
		p.SendType(protocol.TypeInfo, "You forfeited the match.")
		s.other(p).SendType(protocol.TypeInfo, "Opponent forfeited. You win.")
		s.applyForfeit(p)
	})
}

// HandlePlayerDisconnect applies forfeit scoring for a dropped player.
func (s *Session) HandlePlayerDisconnect(p registry.PlayerHandle) {
	s.post(func() {
		if s.finished {
			return
		}
		s.other(p).SendType(protocol.TypeInfo, "Opponent disconnected. You win.")
		s.applyForfeit(p)
	})
}

// Finish force-ends the session (manager shutdown path).
func (s *Session) Finish() {
	s.post(s.finishInternal)
}

func (s *Session) startMatch() {
	if s.finished || !s.startedAt.IsZero() {
		return
	}
	s.startedAt = time.Now()
	s.sendInfoBoth("Match started!")
	s.startNextRound()
}

func (s *Session) startNextRound() {
	if s.finished {
		return
	}
	idx := s.nextRound
	s.nextRound++
	if idx >= s.cfg.TotalRounds {
		s.finishInternal()
		return
	}

	s.activeRound = idx
	s.preGenerate(min(s.cfg.TotalRounds-1, idx+s.cfg.LookAhead))
	s.current = s.puzzles[idx]
	s.revealed = append(s.revealed, s.current.Target)

	gap := s.activationGap()
	startAt := time.Now().Add(gap)

	msg := protocol.Encode(protocol.NewRound{
		Type:             protocol.TypeNewRound,
		Round:            idx + 1,
		Difficulty:       s.difficulty[idx],
		Target:           s.current.Target,
		Operands:         s.current.Operands,
		TimeSeconds:      int64(s.cfg.PerRoundTimeout / time.Second),
		Seed:             s.matchSeed,
		RoundSeed:        RoundSeed(s.matchSeed, idx, 0),
		RoundIndex:       idx,
		ServerRoundStart: startAt.UnixMilli(),
	})
	s.playerA.Send(msg)
	s.playerB.Send(msg)

	s.stopRoundTimers()
	s.state = statePending
	s.roundStart = time.Time{}

	s.activationTimer = s.schedule(gap, func() {
		if s.finished || s.state != statePending || s.activeRound != idx {
			return
		}
		s.roundStart = startAt
		s.state = stateActive
		s.timeoutTimer = s.schedule(s.cfg.PerRoundTimeout, func() { s.onRoundTimeout(idx) })
		s.sendInfoBoth("Round " + strconv.Itoa(idx+1) + " started")
	})
}

// activationGap sizes the pause between announcing a round and opening
// it for answers so both clients can render the puzzle first.
func (s *Session) activationGap() time.Duration {
	rtt := s.playerA.EstimatedRTT()
	if b := s.playerB.EstimatedRTT(); b > rtt {
		rtt = b
	}
	gap := 2*rtt + s.cfg.ActivationMargin
	if gap > s.cfg.MaxActivationGap {
		gap = s.cfg.MaxActivationGap
	}
	if gap < s.cfg.DefaultActivationGap {
		gap = s.cfg.DefaultActivationGap
	}
	if gap < s.cfg.MinActivationGap {
		gap = s.cfg.MinActivationGap
	}
	return gap
}

// preGenerate fills the puzzle buffer up to and including round upTo,
// retrying each round's seed derivation to avoid repeating a target
// already used in this match. Duplicates after the retry limit are
// tolerated.
func (s *Session) preGenerate(upTo int) {
	for idx := len(s.puzzles); idx <= upTo; idx++ {
		var p puzzle.Puzzle
		for attempt := 0; attempt < s.cfg.UniqueTargetAttempts; attempt++ {
			p = s.provider.Generate(s.difficulty[idx], RoundSeed(s.matchSeed, idx, attempt))
			if !s.targetUsed(p.Target) {
				break
			}
		}
		if s.targetUsed(p.Target) {
			log.Printf("[Match] session %s: duplicate target %d for round %d", s.id, p.Target, idx)
		}
		s.puzzles = append(s.puzzles, p)
	}
}

func (s *Session) targetUsed(target int) bool {
	for _, p := range s.puzzles {
		if p.Target == target {
			return true
		}
	}
	return false
}

func (s *Session) processAnswer(p registry.PlayerHandle, expression string, received time.Time) {
	// A fault while handling one answer must not take down the
	// session. The submitter gets internal_error and the round stays
	// open.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Match] session %s: answer processing failed: %v", s.id, r)
			s.sendRejection(p, protocol.ReasonInternalError)
		}
	}()
	if s.finished {
		s.sendRejection(p, protocol.ReasonMatchFinished)
		return
	}
	switch s.state {
	case stateIdle:
		s.sendRejection(p, protocol.ReasonNoActiveRound)
		return
	case statePending:
		s.sendRejection(p, protocol.ReasonTooEarly)
		return
	}
	if !s.roundStart.IsZero() && received.Before(s.roundStart) {
		s.sendRejection(p, protocol.ReasonTooEarly)
		return
	}

	result, err := puzzle.Evaluate(expression, s.current.Operands)
	if err != nil {
		p.Send(protocol.Encode(protocol.AnswerResult{
			Type:     protocol.TypeAnswerResult,
			Accepted: false,
			Reason:   protocol.ReasonInvalidExpression,
			Message:  err.Error(),
		}))
		return
	}

	correct := result == s.current.Target
	p.Send(protocol.Encode(protocol.AnswerResult{
		Type:       protocol.TypeAnswerResult,
		Accepted:   true,
		Correct:    &correct,
		ServerTime: received.UnixMilli(),
	}))
	if !correct {
		return
	}

	// First correct answer closes the round.
	s.state = stateIdle
	idx := s.activeRound

	elapsed := received.Sub(s.roundStart)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > s.cfg.PerRoundTimeout {
		elapsed = s.cfg.PerRoundTimeout
	}

	s.scores[p.ID()]++
	s.playTime[p.ID()] += elapsed
	now := time.Now().UnixMilli()
	s.appendRecord(p, protocol.RoundEntry{RoundIndex: idx, Correct: true, RoundPlayTimeMs: elapsed.Milliseconds(), Timestamp: now})
	s.appendRecord(s.other(p), protocol.RoundEntry{RoundIndex: idx, Correct: false, Timestamp: now})

	s.stopRoundTimers()
	s.broadcastRoundResult(idx)
	s.startNextRound()
}

func (s *Session) onRoundTimeout(idx int) {
	if s.finished || s.state != stateActive || s.activeRound != idx {
		return
	}
	s.state = stateIdle
	now := time.Now().UnixMilli()
	s.appendRecord(s.playerA, protocol.RoundEntry{RoundIndex: idx, Correct: false, Timestamp: now})
	s.appendRecord(s.playerB, protocol.RoundEntry{RoundIndex: idx, Correct: false, Timestamp: now})
	s.broadcastRoundResult(idx)
	s.startNextRound()
}

// applyForfeit forces full-match scoring: the forfeiter ends at 0, the
// opponent at TotalRounds, and any round without a recorded result is
// backfilled before finishing.
func (s *Session) applyForfeit(forfeiter registry.PlayerHandle) {
	winner := s.other(forfeiter)
	s.state = stateIdle
	s.scores[forfeiter.ID()] = 0
	s.scores[winner.ID()] = s.cfg.TotalRounds

	recorded := func(p registry.PlayerHandle) map[int]bool {
		m := make(map[int]bool, len(s.history[p.ID()]))
		for _, e := range s.history[p.ID()] {
			m[e.RoundIndex] = true
		}
		return m
	}
	hasF, hasW := recorded(forfeiter), recorded(winner)

	now := time.Now().UnixMilli()
	for r := 0; r < s.cfg.TotalRounds; r++ {
		if !hasW[r] {
			s.appendRecord(winner, protocol.RoundEntry{RoundIndex: r, Correct: true, Timestamp: now})
		}
		if !hasF[r] {
			s.appendRecord(forfeiter, protocol.RoundEntry{RoundIndex: r, Correct: false, Timestamp: now})
		}
	}

	s.finishInternal()
}

// finishInternal is the one-shot terminal transition. Every later
// trigger (timeout racing a forfeit, double disconnect, manager
// shutdown) is a no-op.
func (s *Session) finishInternal() {
	if s.finished {
		return
	}
	s.finished = true
	s.endedAt = time.Now()

	winner := s.winner()
	over := protocol.GameOver{
		Type:            protocol.TypeGameOver,
		Scores:          s.exportScores(),
		TotalPlayTimeMs: s.exportPlayTime(),
		RoundHistory:    s.exportHistory(),
		RevealedTargets: append([]int(nil), s.revealed...),
	}
	if winner != nil {
		over.Winner = winner.ID()
	}
	msg := protocol.Encode(over)
	s.playerA.Send(msg)
	s.playerB.Send(msg)

	if s.gateway != nil {
		rec := s.buildRecord(winner)
		// Persistence is best-effort and must never delay teardown.
		go func() {
			if err := s.gateway.PersistMatch(rec); err != nil {
				log.Printf("[Match] session %s: persist failed: %v", s.id, err)
			}
		}()
	}

	s.playerA.ClearSession()
	s.playerB.ClearSession()

	s.stopRoundTimers()
	if s.startTimer != nil {
		s.startTimer.Stop()
	}
	close(s.done)

	if s.onFinish != nil {
		go s.onFinish(s)
	}
	log.Printf("[Match] session %s finished: %s %d - %d %s",
		s.id, s.playerA.Username(), s.scores[s.playerA.ID()], s.scores[s.playerB.ID()], s.playerB.Username())
}

// winner picks the higher score; ties go to the lower accumulated play
// time; a double tie has no winner.
func (s *Session) winner() registry.PlayerHandle {
	a, b := s.scores[s.playerA.ID()], s.scores[s.playerB.ID()]
	switch {
	case a > b:
		return s.playerA
	case b > a:
		return s.playerB
	}
	ta, tb := s.playTime[s.playerA.ID()], s.playTime[s.playerB.ID()]
	switch {
	case ta < tb:
		return s.playerA
	case tb < ta:
		return s.playerB
	}
	return nil
}

func (s *Session) buildRecord(winner registry.PlayerHandle) MatchRecord {
	outcome := func(p registry.PlayerHandle) string {
		if winner == nil {
			return "draw"
		}
		if winner.ID() == p.ID() {
			return "win"
		}
		return "lose"
	}
	result := func(p registry.PlayerHandle) PlayerResult {
		return PlayerResult{
			PlayerID:   p.ID(),
			Username:   p.Username(),
			FinalScore: s.scores[p.ID()],
			PlayTimeMs: s.playTime[p.ID()].Milliseconds(),
			Outcome:    outcome(p),
			Rounds:     append([]protocol.RoundEntry(nil), s.history[p.ID()]...),
		}
	}
	rec := MatchRecord{
		SessionID:   s.id,
		TotalRounds: s.cfg.TotalRounds,
		StartedAt:   s.startedAt,
		EndedAt:     s.endedAt,
		Players:     [2]PlayerResult{result(s.playerA), result(s.playerB)},
	}
	if winner != nil {
		rec.WinnerID = winner.ID()
	}
	return rec
}

func (s *Session) broadcastMatchInfo() {
	now := time.Now()
	countdown := s.matchStartAt.Sub(now)
	if countdown < 0 {
		countdown = 0
	}
	msg := protocol.Encode(protocol.MatchStartInfo{
		Type:               protocol.TypeMatchStartInfo,
		Seed:               s.matchSeed,
		StartTime:          s.matchStartAt.UnixMilli(),
		ServerTime:         now.UnixMilli(),
		CountdownMs:        countdown.Milliseconds(),
		QuestionCount:      s.cfg.TotalRounds,
		PerQuestionSeconds: int64(s.cfg.PerRoundTimeout / time.Second),
	})
	s.playerA.Send(msg)
	s.playerB.Send(msg)
}

func (s *Session) broadcastRoundResult(idx int) {
	lastFor := func(p registry.PlayerHandle) (protocol.RoundEntry, bool) {
		hist := s.history[p.ID()]
		if len(hist) == 0 {
			return protocol.RoundEntry{}, false
		}
		last := hist[len(hist)-1]
		return last, last.RoundIndex == idx
	}

	msg := protocol.RoundResult{
		Type:            protocol.TypeRoundResult,
		RoundIndex:      idx,
		RoundNumber:     idx + 1,
		Scores:          s.exportScores(),
		TotalPlayTimeMs: s.exportPlayTime(),
	}
	for _, p := range []registry.PlayerHandle{s.playerA, s.playerB} {
		entry, ok := lastFor(p)
		if ok && entry.Correct && msg.RoundWinner == "" {
			msg.RoundWinner = p.ID()
		}
		summary := protocol.PlayerRoundSummary{
			ID:              p.ID(),
			Username:        p.Username(),
			TotalScore:      s.scores[p.ID()],
			TotalPlayTimeMs: s.playTime[p.ID()].Milliseconds(),
		}
		if ok {
			summary.Correct = entry.Correct
			summary.RoundPlayTimeMs = entry.RoundPlayTimeMs
		}
		msg.Players = append(msg.Players, summary)
	}

	data := protocol.Encode(msg)
	s.playerA.Send(data)
	s.playerB.Send(data)
}

func (s *Session) appendRecord(p registry.PlayerHandle, e protocol.RoundEntry) {
	s.history[p.ID()] = append(s.history[p.ID()], e)
}

func (s *Session) stopRoundTimers() {
	if s.activationTimer != nil {
		s.activationTimer.Stop()
	}
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
	}
}

func (s *Session) other(p registry.PlayerHandle) registry.PlayerHandle {
	if p.ID() == s.playerA.ID() {
		return s.playerB
	}
	return s.playerA
}

func (s *Session) sendInfoBoth(text string) {
	s.playerA.SendType(protocol.TypeInfo, text)
	s.playerB.SendType(protocol.TypeInfo, text)
}

func (s *Session) sendRejection(p registry.PlayerHandle, reason string) {
	p.Send(protocol.Encode(protocol.AnswerResult{
		Type:     protocol.TypeAnswerResult,
		Accepted: false,
		Reason:   reason,
	}))
}

func (s *Session) exportScores() map[string]int {
	return map[string]int{
		s.playerA.ID(): s.scores[s.playerA.ID()],
		s.playerB.ID(): s.scores[s.playerB.ID()],
	}
}

func (s *Session) exportPlayTime() map[string]int64 {
	return map[string]int64{
		s.playerA.ID(): s.playTime[s.playerA.ID()].Milliseconds(),
		s.playerB.ID(): s.playTime[s.playerB.ID()].Milliseconds(),
	}
}

func (s *Session) exportHistory() map[string][]protocol.RoundEntry {
	out := make(map[string][]protocol.RoundEntry, 2)
	for _, p := range []registry.PlayerHandle{s.playerA, s.playerB} {
		out[p.ID()] = append([]protocol.RoundEntry(nil), s.history[p.ID()]...)
	}
	return out
}

// Snapshot is a consistent copy of a session's observable state, mainly
// for tests and diagnostics.
type Snapshot struct {
	Finished bool
	Scores   map[string]int
	PlayTime map[string]int64
	History  map[string][]protocol.RoundEntry
	Targets  []int
}

// Snapshot reads through the actor while it runs; once the session is
// done the state is frozen and read directly.
func (s *Session) Snapshot() Snapshot {
	build := func() Snapshot {
		targets := make([]int, len(s.puzzles))
		for i, p := range s.puzzles {
			targets[i] = p.Target
		}
		return Snapshot{
			Finished: s.finished,
			Scores:   s.exportScores(),
			PlayTime: s.exportPlayTime(),
			History:  s.exportHistory(),
			Targets:  targets,
		}
	}
	reply := make(chan Snapshot, 1)
	select {
	case s.tasks <- func() { reply <- build() }:
		// The buffered send can succeed even as the actor exits on
		// done; fall back to the frozen state rather than wait on a
		// task nobody will run.
		select {
		case snap := <-reply:
			return snap
		case <-s.done:
			return build()
		}
	case <-s.done:
		return build()
	}
}


