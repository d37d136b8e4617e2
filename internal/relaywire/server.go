// Package relaywire hosts the client-facing websocket endpoint. Each
// connection registers an unauthenticated session on connect; everything
// else (login, commands, streaming subscription) arrives as socket.io
// events on the established channel.
package relaywire

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"deskrelay/internal/arbiter"
	"deskrelay/internal/capture"
	"deskrelay/internal/middleware"
	"deskrelay/internal/registry"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
	pingInterval               = 25 * time.Second
	pongTimeout                = 20 * time.Second
)

type Deps struct {
	Registry     *registry.Registry
	Arbiter      *arbiter.Arbiter
	Coordinator  *capture.Coordinator
	LoginLimiter *middleware.RateLimiter
	Log          *slog.Logger
}

type Server struct {
	registry     *registry.Registry
	arbiter      *arbiter.Arbiter
	coordinator  *capture.Coordinator
	loginLimiter *middleware.RateLimiter
	log          *slog.Logger

	upgrader websocket.Upgrader
}

func NewServer(deps Deps) *Server {
	return &Server{
		registry:     deps.Registry,
		arbiter:      deps.Arbiter,
		coordinator:  deps.Coordinator,
		loginLimiter: deps.LoginLimiter,
		log:          deps.Log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	if _, err := s.registry.Register(c.sid, r.RemoteAddr, c); err != nil {
		s.log.Error("session registration failed", "error", err)
		_ = ws.Close()
		return
	}
	defer s.registry.Remove(c.sid)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": pingInterval.Milliseconds(),
		"pingTimeout":  pongTimeout.Milliseconds(),
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
	case engineMessage:
		s.handleSocketPayload(c, msg[1:])
	case engineClose:
		c.close()
	}
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		if c.connected.Swap(true) {
			return
		}
		ack, err := buildConnectPacket(c.sid)
		if err == nil {
			_ = c.writeText(string(engineMessage) + ack)
		}
	case socketEvent:
		s.handleEvent(c, payload)
	}
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := parseEventPacket(payload)
	if err != nil {
		return
	}
	s.registry.Touch(c.sid)

	switch pkt.Event {
	case "client-info":
		var body struct {
			Device string `json:"device"`
		}
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil {
			return
		}
		s.registry.SetDevice(c.sid, body.Device)

	case "login":
		s.handleLogin(c, pkt)

	case "execute-command":
		s.handleExecuteCommand(c, pkt)

	case "ping":
		c.ack(pkt, map[string]any{"timestamp": time.Now().UnixMilli()})

	case "subscribe-stream":
		if s.registry.SetStreaming(c.sid, true) {
			s.coordinator.StartStreaming()
			c.ack(pkt, map[string]any{"success": true})
			return
		}
		c.ack(pkt, map[string]any{"success": false, "message": "Not authenticated"})

	case "unsubscribe-stream":
		ok := s.registry.SetStreaming(c.sid, false)
		c.ack(pkt, map[string]any{"success": ok})
	}
}

func (s *Server) handleLogin(c *conn, pkt eventPacket) {
	now := time.Now().UnixMilli()

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil {
		c.ack(pkt, map[string]any{"success": false, "message": "Invalid request", "timestamp": now})
		return
	}

	if s.loginLimiter != nil && !s.loginLimiter.Allow(remoteHost(c.remoteAddr)) {
		c.ack(pkt, map[string]any{"success": false, "message": "Too many login attempts", "timestamp": now})
		return
	}

	sess, err := s.registry.Authenticate(c.sid, body.Username, body.Password)
	if err != nil {
		// One generic message for every credential failure.
		c.ack(pkt, map[string]any{"success": false, "message": "Invalid credentials", "timestamp": now})
		return
	}
	if s.loginLimiter != nil {
		s.loginLimiter.Reset(remoteHost(c.remoteAddr))
	}
	c.ack(pkt, map[string]any{"success": true, "username": sess.Username, "timestamp": now})
}

func (s *Server) handleExecuteCommand(c *conn, pkt eventPacket) {
	now := time.Now().UnixMilli()

	var body struct {
		Command string `json:"command"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.Command == "" {
		_ = c.Send("command-error", map[string]any{"error": "Invalid request", "timestamp": now})
		return
	}

	commandID, err := s.arbiter.Submit(c.sid, body.Command)
	if err != nil {
		_ = c.Send("command-error", map[string]any{
			"command":   body.Command,
			"error":     err.Error(),
			"timestamp": now,
		})
		return
	}

	_ = c.Send("command-accepted", map[string]any{
		"command":   body.Command,
		"commandId": commandID,
		"timestamp": now,
	})
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// conn is one websocket connection. It implements registry.Sender; the
// write mutex is the single-writer rule for the session's outbound channel.
type conn struct {
	ws         *websocket.Conn
	sid        string
	remoteAddr string

	connected atomic.Bool
	closed    atomic.Bool

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		remoteAddr: ws.RemoteAddr().String(),
		nextPingAt: time.Now().Add(pingInterval),
	}
}

// Send pushes one named event to the client.
func (c *conn) Send(event string, payload map[string]any) error {
	var packet string
	var err error
	if payload == nil {
		packet, err = buildEventPacket(event)
	} else {
		packet, err = buildEventPacket(event, payload)
	}
	if err != nil {
		return err
	}
	return c.writeText(string(engineMessage) + packet)
}

func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ws.Close()
}

func (c *conn) close() {
	_ = c.Close()
}

// ack replies to a request that carried an ack id; requests without one get
// no reply.
func (c *conn) ack(pkt eventPacket, payload map[string]any) {
	if pkt.ID == nil {
		return
	}
	packet, err := buildAckPacket(*pkt.ID, payload)
	if err != nil {
		return
	}
	_ = c.writeText(string(engineMessage) + packet)
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		if c.awaitingPong && now.Sub(c.pingSentAt) > pongTimeout {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !c.awaitingPong && !now.Before(c.nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(pingInterval)
			c.pingMu.Unlock()
			_ = c.writeText(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}
