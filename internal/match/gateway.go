package match

import (
	"time"

	"mathduel/internal/protocol"
)

// PlayerResult is one player's final line in a persisted match.
type PlayerResult struct {
	PlayerID   string
	Username   string
	FinalScore int
	PlayTimeMs int64
	Outcome    string // "win", "lose" or "draw"
	Rounds     []protocol.RoundEntry
}

// MatchRecord is the persisted shape of a finished match.
type MatchRecord struct {
	SessionID   string
	TotalRounds int
	StartedAt   time.Time
	EndedAt     time.Time
	WinnerID    string // empty on a full draw
	Players     [2]PlayerResult
}

// PersistenceGateway stores finished matches. Implementations may fail;
// the session logs and moves on, so a broken store never blocks match
// teardown.
type PersistenceGateway interface {
	PersistMatch(rec MatchRecord) error
}
