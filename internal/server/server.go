// Package server wires the duel engine together and exposes it over
// WebSocket.
package server

import (
	"fmt"
	"log"
	"net/http"

	"mathduel/internal/challenge"
	"mathduel/internal/config"
	"mathduel/internal/db"
	"mathduel/internal/match"
	"mathduel/internal/matchmaker"
	"mathduel/internal/puzzle"
	"mathduel/internal/registry"
)

type Server struct {
	Cfg        config.Config
	DB         *db.DB
	Registry   *registry.Registry
	Manager    *match.Manager
	Queue      *matchmaker.Matchmaker
	Challenges *challenge.Service

	// slots bounds concurrent connections; one token per socket.
	slots chan struct{}
}

// New assembles a server from configuration. The database is optional:
// without it the server runs with guest logins and no match history.
func New(cfg config.Config) (*Server, error) {
	srv := &Server{
		Cfg:      cfg,
		Registry: registry.New(),
		slots:    make(chan struct{}, cfg.MaxConnections),
	}

	if cfg.DatabaseURL != "" {
		database, err := db.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Printf("[DB] Failed to connect: %v (running without database)\n", err)
		} else {
			if err := database.Migrate(); err != nil {
				log.Printf("[DB] Migration failed: %v\n", err)
			}
			srv.DB = database
			log.Println("[DB] Database connected and migrations applied")
		}
	} else {
		log.Println("[DB] DATABASE_URL not set, running without database")
	}

	matchCfg := match.DefaultConfig()
	matchCfg.TotalRounds = cfg.TotalRounds
	matchCfg.PerRoundTimeout = cfg.PerRoundTimeout
	matchCfg.Countdown = cfg.Countdown

	var gateway match.PersistenceGateway
	if srv.DB != nil {
		gateway = srv.DB
	}
	manager, err := match.NewManager(matchCfg, &puzzle.Generator{}, gateway, srv.Registry)
	if err != nil {
		return nil, fmt.Errorf("creating match manager: %w", err)
	}
	srv.Manager = manager

	pair := func(a, b registry.PlayerHandle) error {
		_, err := manager.CreateSession(a, b, 0)
		return err
	}
	queue, err := matchmaker.New(pair, cfg.MatchmakerTick)
	if err != nil {
		return nil, fmt.Errorf("creating matchmaker: %w", err)
	}
	srv.Queue = queue

	srv.Challenges = challenge.New(func(challenger, target registry.PlayerHandle, rounds int) error {
		_, err := manager.CreateSession(challenger, target, rounds)
		return err
	}, cfg.ChallengeExpiry, 2*cfg.MatchmakerTick)

	return srv, nil
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.DB != nil {
		if err := s.DB.Ping(); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// Shutdown tears down background services and disconnects everyone.
func (s *Server) Shutdown() {
	s.Queue.Shutdown()
	s.Challenges.Shutdown()
	s.Manager.Shutdown()
	s.Registry.Shutdown()
	if s.DB != nil {
		s.DB.Close()
	}
}

// Run loads configuration, assembles the server, and serves until the
// listener fails.
func Run() error {
	cfg := config.Load()
	srv, err := New(cfg)
	if err != nil {
		return err
	}
	defer srv.Shutdown()

	addr := "0.0.0.0:" + cfg.Port
	fmt.Printf("Server listening on ws://localhost:%s/ws\n", cfg.Port)
	return http.ListenAndServe(addr, srv.Routes())
}
