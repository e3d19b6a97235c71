package db

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"mathduel/internal/match"
	"mathduel/internal/protocol"
)

func getTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}
	database, err := Connect(dsn)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	t.Cleanup(func() {
		database.conn.Exec("DELETE FROM match_rounds")
		database.conn.Exec("DELETE FROM match_players")
		database.conn.Exec("DELETE FROM matches")
		database.conn.Exec("DELETE FROM accounts")
		database.Close()
	})
	return database
}

func TestConnect(t *testing.T) {
	database := getTestDB(t)
	if err := database.Ping(); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

func TestMigrate(t *testing.T) {
	database := getTestDB(t)

	tables := []string{"accounts", "matches", "match_players", "match_rounds"}
	for _, table := range tables {
		var exists bool
		err := database.conn.QueryRow(`
			SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)
		`, table).Scan(&exists)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestCreateAccountAndAuthenticate(t *testing.T) {
	database := getTestDB(t)

	rec, err := database.CreateAccount("Alice", "hunter2")
	if err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	if rec.ID == "" {
		t.Error("CreateAccount() returned empty ID")
	}

	got, err := database.Authenticate("Alice", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("authenticated ID = %q, want %q", got.ID, rec.ID)
	}

	// Lookup is case-insensitive.
	if _, err := database.Authenticate("alice", "hunter2"); err != nil {
		t.Errorf("case-insensitive Authenticate() error: %v", err)
	}
}

func TestAuthenticateRejectsBadPassword(t *testing.T) {
	database := getTestDB(t)

	if _, err := database.CreateAccount("Bob", "secret"); err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}

	if _, err := database.Authenticate("Bob", "wrong"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("got %v for wrong password, want ErrInvalidCredential", err)
	}
	if _, err := database.Authenticate("Nobody", "secret"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("got %v for unknown user, want ErrInvalidCredential", err)
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	database := getTestDB(t)

	if _, err := database.CreateAccount("Carol", "pw"); err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	if _, err := database.CreateAccount("Carol", "pw2"); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("got %v for duplicate username, want ErrUsernameTaken", err)
	}
}

func testMatchRecord() match.MatchRecord {
	now := time.Now()
	mk := func(playerID, username, outcome string, score int) match.PlayerResult {
		rounds := make([]protocol.RoundEntry, 3)
		for i := range rounds {
			rounds[i] = protocol.RoundEntry{
				RoundIndex:      i,
				Correct:         outcome == "win",
				RoundPlayTimeMs: int64(1000 + i*100),
				Timestamp:       now.UnixMilli(),
			}
		}
		return match.PlayerResult{
			PlayerID:   playerID,
			Username:   username,
			FinalScore: score,
			PlayTimeMs: 4500,
			Outcome:    outcome,
			Rounds:     rounds,
		}
	}
	return match.MatchRecord{
		SessionID:   uuid.New().String(),
		TotalRounds: 3,
		StartedAt:   now.Add(-time.Minute),
		EndedAt:     now,
		WinnerID:    "p1",
		Players: [2]match.PlayerResult{
			mk("p1", "Alice", "win", 3),
			mk("p2", "Bob", "lose", 0),
		},
	}
}

func TestPersistMatch(t *testing.T) {
	database := getTestDB(t)

	rec := testMatchRecord()
	if err := database.PersistMatch(rec); err != nil {
		t.Fatalf("PersistMatch() error: %v", err)
	}

	var winner string
	err := database.conn.QueryRow("SELECT winner_id FROM matches WHERE id = $1", rec.SessionID).Scan(&winner)
	if err != nil {
		t.Fatalf("reading match row: %v", err)
	}
	if winner != "p1" {
		t.Errorf("winner_id = %q, want p1", winner)
	}

	var players, rounds int
	database.conn.QueryRow("SELECT COUNT(*) FROM match_players WHERE match_id = $1", rec.SessionID).Scan(&players)
	database.conn.QueryRow("SELECT COUNT(*) FROM match_rounds WHERE match_id = $1", rec.SessionID).Scan(&rounds)
	if players != 2 {
		t.Errorf("match_players count = %d, want 2", players)
	}
	if rounds != 6 {
		t.Errorf("match_rounds count = %d, want 6", rounds)
	}
}

func TestPersistMatchDuplicateFails(t *testing.T) {
	database := getTestDB(t)

	rec := testMatchRecord()
	if err := database.PersistMatch(rec); err != nil {
		t.Fatalf("PersistMatch() error: %v", err)
	}
	if err := database.PersistMatch(rec); err == nil {
		t.Error("persisting the same session twice should fail")
	}
}

func TestRecentMatches(t *testing.T) {
	database := getTestDB(t)

	rec := testMatchRecord()
	if err := database.PersistMatch(rec); err != nil {
		t.Fatalf("PersistMatch() error: %v", err)
	}

	list, err := database.RecentMatches("p1", 10)
	if err != nil {
		t.Fatalf("RecentMatches() error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d matches, want 1", len(list))
	}
	if list[0].Outcome != "win" || list[0].FinalScore != 3 {
		t.Errorf("got summary %+v, want win with score 3", list[0])
	}
}
