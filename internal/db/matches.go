package db

import (
	"fmt"
	"time"

	"mathduel/internal/match"
)

// PersistMatch writes one finished match, its per-player results, and
// both round histories in a single transaction.
func (d *DB) PersistMatch(rec match.MatchRecord) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning match transaction: %w", err)
	}
	defer tx.Rollback()

	var winner any
	if rec.WinnerID != "" {
		winner = rec.WinnerID
	}
	_, err = tx.Exec(`
		INSERT INTO matches (id, total_rounds, winner_id, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.SessionID, rec.TotalRounds, winner, nullTime(rec.StartedAt), nullTime(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("inserting match: %w", err)
	}

	for _, p := range rec.Players {
		_, err = tx.Exec(`
			INSERT INTO match_players (match_id, player_id, username, final_score, play_time_ms, outcome)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, rec.SessionID, p.PlayerID, p.Username, p.FinalScore, p.PlayTimeMs, p.Outcome)
		if err != nil {
			return fmt.Errorf("inserting match player %s: %w", p.Username, err)
		}
		for _, r := range p.Rounds {
			_, err = tx.Exec(`
				INSERT INTO match_rounds (match_id, player_id, round_index, correct, play_time_ms, recorded_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, rec.SessionID, p.PlayerID, r.RoundIndex, r.Correct, r.RoundPlayTimeMs, time.UnixMilli(r.Timestamp))
			if err != nil {
				return fmt.Errorf("inserting round %d for %s: %w", r.RoundIndex, p.Username, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing match transaction: %w", err)
	}
	return nil
}

// MatchSummary is one row of a player's recent match history.
type MatchSummary struct {
	MatchID     string
	TotalRounds int
	FinalScore  int
	PlayTimeMs  int64
	Outcome     string
	EndedAt     *time.Time
}

// RecentMatches lists a player's latest matches, newest first.
func (d *DB) RecentMatches(playerID string, limit int) ([]MatchSummary, error) {
	rows, err := d.conn.Query(`
		SELECT m.id, m.total_rounds, mp.final_score, mp.play_time_ms, mp.outcome, m.ended_at
		FROM match_players mp
		JOIN matches m ON m.id = mp.match_id
		WHERE mp.player_id = $1
		ORDER BY m.ended_at DESC NULLS LAST
		LIMIT $2
	`, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	defer rows.Close()

	var out []MatchSummary
	for rows.Next() {
		var s MatchSummary
		if err := rows.Scan(&s.MatchID, &s.TotalRounds, &s.FinalScore, &s.PlayTimeMs, &s.Outcome, &s.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning match row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
