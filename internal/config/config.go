package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	DatabaseURL     string
	MaxConnections  int           // concurrent connection workers before rejecting
	TotalRounds     int           // default rounds per match
	PerRoundTimeout time.Duration // answer window per round
	Countdown       time.Duration // pre-match countdown
	ChallengeExpiry time.Duration // pending challenge lifetime
	MatchmakerTick  time.Duration // pairing interval
}

func Load() Config {
	// Local development convenience only; a missing .env is fine.
	_ = godotenv.Load()

	cfg := Config{
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		MaxConnections:  getEnvInt("MAX_CONNECTIONS", 250),
		TotalRounds:     getEnvInt("TOTAL_ROUNDS", 10),
		PerRoundTimeout: getEnvSeconds("PER_ROUND_TIMEOUT_SECONDS", 30),
		Countdown:       getEnvSeconds("COUNTDOWN_SECONDS", 5),
		ChallengeExpiry: getEnvSeconds("CHALLENGE_EXPIRY_SECONDS", 40),
		MatchmakerTick:  getEnvSeconds("MATCHMAKER_TICK_SECONDS", 1),
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}
