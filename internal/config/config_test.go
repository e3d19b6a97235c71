package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MAX_CONNECTIONS", "")
	t.Setenv("TOTAL_ROUNDS", "")
	t.Setenv("PER_ROUND_TIMEOUT_SECONDS", "")

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want %q", cfg.Port, "8080")
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, "")
	}
	if cfg.MaxConnections != 250 {
		t.Errorf("MaxConnections = %d, want %d", cfg.MaxConnections, 250)
	}
	if cfg.TotalRounds != 10 {
		t.Errorf("TotalRounds = %d, want %d", cfg.TotalRounds, 10)
	}
	if cfg.PerRoundTimeout != 30*time.Second {
		t.Errorf("PerRoundTimeout = %v, want %v", cfg.PerRoundTimeout, 30*time.Second)
	}
	if cfg.Countdown != 5*time.Second {
		t.Errorf("Countdown = %v, want %v", cfg.Countdown, 5*time.Second)
	}
	if cfg.ChallengeExpiry != 40*time.Second {
		t.Errorf("ChallengeExpiry = %v, want %v", cfg.ChallengeExpiry, 40*time.Second)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("DATABASE_URL", "postgres://localhost/mathduel")
	t.Setenv("MAX_CONNECTIONS", "50")
	t.Setenv("TOTAL_ROUNDS", "5")
	t.Setenv("PER_ROUND_TIMEOUT_SECONDS", "15")

	cfg := Load()

	if cfg.Port != "3000" {
		t.Errorf("Port = %q, want %q", cfg.Port, "3000")
	}
	if cfg.DatabaseURL != "postgres://localhost/mathduel" {
		t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, "postgres://localhost/mathduel")
	}
	if cfg.MaxConnections != 50 {
		t.Errorf("MaxConnections = %d, want %d", cfg.MaxConnections, 50)
	}
	if cfg.TotalRounds != 5 {
		t.Errorf("TotalRounds = %d, want %d", cfg.TotalRounds, 5)
	}
	if cfg.PerRoundTimeout != 15*time.Second {
		t.Errorf("PerRoundTimeout = %v, want %v", cfg.PerRoundTimeout, 15*time.Second)
	}
}

func TestLoad_InvalidInt(t *testing.T) {
	t.Setenv("TOTAL_ROUNDS", "abc")

	cfg := Load()

	if cfg.TotalRounds != 10 {
		t.Errorf("TotalRounds = %d, want %d (fallback)", cfg.TotalRounds, 10)
	}
}
