package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"mathduel/internal/db"
	"mathduel/internal/match"
	"mathduel/internal/protocol"
	"mathduel/internal/registry"
)

const (
	sendBuffer   = 64
	pingInterval = 10 * time.Second
	maxNameLen   = 24
)

// conn is one connection worker. It owns the socket; the rest of the
// engine only sees it as a registry.PlayerHandle.
type conn struct {
	srv  *Server
	sock *websocket.Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	id       string
	rttNanos atomic.Int64

	mu       sync.Mutex
	username string
	session  registry.Session
}

// handleWS admits one connection worker per socket, bounded by the
// slot pool. A saturated server still accepts the socket briefly so
// the client learns why it was turned away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		http.Error(w, "Failed to open websocket", http.StatusInternalServerError)
		return
	}

	select {
	case s.slots <- struct{}{}:
	default:
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		sock.Write(ctx, websocket.MessageText, protocol.Simple(protocol.TypeError, "server busy, try again later"))
		cancel()
		sock.Close(websocket.StatusTryAgainLater, "server busy")
		return
	}
	defer func() { <-s.slots }()

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		srv:    s,
		sock:   sock,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.New().String(),
	}
	defer c.cleanup()

	go c.writePump()
	go c.pinger()
	c.readLoop()
}

func (c *conn) readLoop() {
	for {
		_, data, err := c.sock.Read(c.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				log.Printf("[Conn] %s read error: %v", c.label(), err)
			}
			return
		}
		cmd, ok := protocol.ParseCommand(string(data))
		if !ok {
			continue
		}
		c.dispatch(cmd)
	}
}

func (c *conn) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.sock.Write(c.ctx, websocket.MessageText, msg); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// pinger keeps a live round-trip estimate via WebSocket pings,
// smoothed so one slow pong does not swing the activation delay.
func (c *conn) pinger() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	c.measureRTT()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.measureRTT()
		}
	}
}

func (c *conn) measureRTT() {
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := c.sock.Ping(ctx); err != nil {
		return
	}
	sample := time.Since(start).Nanoseconds()
	prev := c.rttNanos.Load()
	if prev == 0 {
		c.rttNanos.Store(sample)
		return
	}
	c.rttNanos.Store((3*prev + sample) / 4)
}

func (c *conn) dispatch(cmd protocol.Command) {
	switch cmd.Name {
	case "PING":
		c.SendType(protocol.TypePong, cmd.Rest())
		return
	case "LOGIN":
		c.handleLogin(cmd.Args)
		return
	case "REGISTER":
		c.handleRegister(cmd.Args)
		return
	case "QUIT":
		c.SendType(protocol.TypeDisconnect, "goodbye")
		c.Disconnect()
		return
	}

	if c.Username() == "" {
		c.SendType(protocol.TypeError, "login required")
		return
	}

	switch cmd.Name {
	case "JOIN_QUEUE":
		c.srv.Queue.Join(c)
	case "LEAVE_QUEUE":
		c.srv.Queue.Leave(c)
	case "CHALLENGE":
		c.handleChallenge(cmd.Args)
	case "ACCEPT":
		c.srv.Challenges.Accept(c, firstArg(cmd.Args))
	case "DECLINE":
		c.srv.Challenges.Decline(c, firstArg(cmd.Args))
	case "LIST":
		c.SendType(protocol.TypePlayerListUpdate, strings.Join(c.srv.Registry.OnlineUsers(), "|"))
	case "SUBMIT_ANSWER", "ANSWER":
		if gs := c.gameSession(); gs != nil {
			gs.SubmitAnswer(c, cmd.Rest())
		} else {
			c.SendType(protocol.TypeError, "no active match")
		}
	case "READY":
		if gs := c.gameSession(); gs != nil {
			gs.HandleReady(c)
		} else {
			c.SendType(protocol.TypeError, "no active match")
		}
	case "REQUEST_MATCH_INFO":
		if gs := c.gameSession(); gs != nil {
			gs.RequestMatchInfo(c)
		} else {
			c.SendType(protocol.TypeError, "no active match")
		}
	case "FORFEIT", "CANCEL":
		if gs := c.gameSession(); gs != nil {
			c.SendType(protocol.TypeForfeitAck, "")
			gs.HandleForfeit(c)
		} else {
			c.SendType(protocol.TypeError, "no active match")
		}
	default:
		c.SendType(protocol.TypeError, "unknown command: "+cmd.Name)
	}
}

func (c *conn) handleLogin(args []string) {
	if c.Username() != "" {
		c.SendType(protocol.TypeError, "already logged in")
		return
	}
	if len(args) < 1 {
		c.SendType(protocol.TypeLoginFailed, "usage: LOGIN <username> [password]")
		return
	}
	name := args[0]
	if !validName(name) {
		c.SendType(protocol.TypeLoginFailed, "invalid username")
		return
	}

	// With a database and a password this is an account login; a bare
	// name is a guest login either way.
	if c.srv.DB != nil && len(args) >= 2 {
		rec, err := c.srv.DB.Authenticate(name, args[1])
		if err != nil {
			if errors.Is(err, db.ErrInvalidCredential) {
				c.SendType(protocol.TypeLoginFailed, "invalid username or password")
			} else {
				log.Printf("[Conn] authenticate %s: %v", name, err)
				c.SendType(protocol.TypeLoginFailed, "login unavailable")
			}
			return
		}
		c.id = rec.ID
		name = rec.Username
	}

	c.mu.Lock()
	c.username = name
	c.mu.Unlock()

	if !c.srv.Registry.Register(c) {
		c.mu.Lock()
		c.username = ""
		c.mu.Unlock()
		c.SendType(protocol.TypeLoginFailed, "username already online")
		return
	}

	c.SendType(protocol.TypeLoginSuccess, c.id)
	c.srv.Registry.BroadcastPresence()
	log.Printf("[Conn] %s logged in", name)
}

func (c *conn) handleRegister(args []string) {
	if c.srv.DB == nil {
		c.SendType(protocol.TypeError, "accounts unavailable")
		return
	}
	if len(args) < 2 {
		c.SendType(protocol.TypeError, "usage: REGISTER <username> <password>")
		return
	}
	if !validName(args[0]) {
		c.SendType(protocol.TypeError, "invalid username")
		return
	}
	if _, err := c.srv.DB.CreateAccount(args[0], args[1]); err != nil {
		if errors.Is(err, db.ErrUsernameTaken) {
			c.SendType(protocol.TypeError, "username already taken")
		} else {
			log.Printf("[Conn] create account %s: %v", args[0], err)
			c.SendType(protocol.TypeError, "registration unavailable")
		}
		return
	}
	c.SendType(protocol.TypeRegisterSuccess, args[0])
}

func (c *conn) handleChallenge(args []string) {
	if len(args) < 1 {
		c.SendType(protocol.TypeChallengeFailed, "usage: CHALLENGE <username> [rounds]")
		return
	}
	target := c.srv.Registry.Lookup(args[0])
	if target == nil {
		c.SendType(protocol.TypeChallengeFailed, args[0]+" is not online")
		return
	}
	rounds := c.srv.Cfg.TotalRounds
	if len(args) >= 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 || n > 20 {
			c.SendType(protocol.TypeChallengeFailed, "rounds must be a number between 1 and 20")
			return
		}
		rounds = n
	}
	c.srv.Challenges.Send(c, target, rounds)
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func (c *conn) cleanup() {
	c.cancel()
	c.sock.Close(websocket.StatusNormalClosure, "")

	c.srv.Queue.Remove(c)
	c.srv.Challenges.CancelFor(c)
	if sess := c.Session(); sess != nil {
		sess.HandlePlayerDisconnect(c)
	}
	if name := c.Username(); name != "" {
		c.srv.Registry.Remove(name)
		c.srv.Registry.BroadcastPresence()
		log.Printf("[Conn] %s disconnected", name)
	}
}

func (c *conn) gameSession() *match.Session {
	gs, _ := c.Session().(*match.Session)
	return gs
}

func (c *conn) label() string {
	if name := c.Username(); name != "" {
		return name
	}
	return c.id
}

func validName(name string) bool {
	if len(name) < 2 || len(name) > maxNameLen {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// PlayerHandle implementation.

func (c *conn) ID() string { return c.id }

func (c *conn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Send queues a frame for the write pump. A client too slow to drain
// its buffer gets disconnected rather than stalling the engine.
func (c *conn) Send(payload []byte) {
	select {
	case c.send <- payload:
	default:
		log.Printf("[Conn] %s send buffer full, disconnecting", c.label())
		c.cancel()
	}
}

func (c *conn) SendType(msgType, payload string) {
	c.Send(protocol.Simple(msgType, payload))
}

func (c *conn) Disconnect() {
	c.cancel()
}

func (c *conn) Session() registry.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *conn) SetSession(s registry.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

func (c *conn) ClearSession() {
	c.SetSession(nil)
}

func (c *conn) EstimatedRTT() time.Duration {
	return time.Duration(c.rttNanos.Load())
}
