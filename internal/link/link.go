// Package link implements sunwet's synchronized-playback coordinator
// (spec.md §4.7): one "main" websocket and N "link" websockets share a
// session keyed by an out-of-band string id. The hub/conn/register/
// unregister/readPump/writePump shape is grounded on perkeep's
// pkg/search/websocket.go; the readiness barrier and clock-skew
// compensated simultaneous start are sunwet-specific.
package link

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sunwet.dev/sunwet/internal/node"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// PrepareMsg is C2S::Prepare's payload: the set of files the next
// playback item will reference, which become readable to link devices
// via Session.IsPublicFile until the next Prepare replaces the set.
type PrepareMsg struct {
	Files []node.FileHash `json:"files"`
}

// c2s / s2l / s2c message envelopes, tagged by Type per gorilla's
// json.RawMessage dispatch idiom (grounded on perkeep's wsClientMessage).
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type readyPayload struct {
	SentAt time.Time `json:"sent_at"`
}

type playPayload struct {
	At time.Time `json:"at"`
}

// Session is one shared playback coordination session. Main and link
// sockets register themselves with it while connected. A session is
// created on first use and stays in its Hub for the life of the
// process; it is not removed when its last socket disconnects.
type Session struct {
	ID string

	mu          sync.Mutex
	main        *conn
	links       map[*conn]bool
	publicFiles map[node.FileHash]bool
	barrier     *barrier
}

func newSession(id string) *Session {
	return &Session{ID: id, links: map[*conn]bool{}, publicFiles: map[node.FileHash]bool{}}
}

// IsPublicFile reports whether hash is part of the session's current
// transient public_files set (spec.md §4.6's Link(s) read-access rule).
func (s *Session) IsPublicFile(hash node.FileHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicFiles[hash]
}

// barrier tracks one in-flight readiness round: a one-shot per
// participant, collected into delays until all have reported.
type barrier struct {
	pending map[*conn]bool
	delays  []time.Duration
	started time.Time
}

// Hub owns the set of live sessions, created lazily on first main or
// link connection to a given session id.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{sessions: map[string]*Session{}, log: log}
}

// IsPublicFile reports whether hash is currently publicly readable
// under the session named by the Sunwet-Link-Session cookie value sid
// (spec.md §4.6's Link(s) read-access rule). A session that doesn't
// exist grants nothing.
func (h *Hub) IsPublicFile(sid string, hash node.FileHash) bool {
	h.mu.Lock()
	s, ok := h.sessions[sid]
	h.mu.Unlock()
	if !ok {
		return false
	}
	return s.IsPublicFile(hash)
}

func (h *Hub) session(id string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		s = newSession(id)
		h.sessions[id] = s
	}
	return s
}

type role int

const (
	roleMain role = iota
	roleLink
)

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	session *Session
	role    role
	log     *slog.Logger
}

// ServeMain upgrades req to a websocket and registers it as sid's main
// socket, setting the Sunwet-Link-Session cookie so link devices
// visiting the shared URL inherit the session.
func (h *Hub) ServeMain(ctx context.Context, w http.ResponseWriter, req *http.Request, sid string, linkSessionCookie string) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.ErrorContext(ctx, "link: main upgrade failed", "error", err)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "sunwet-link-session", Value: linkSessionCookie, Path: "/"})

	s := h.session(sid)
	c := &conn{ws: ws, send: make(chan []byte, 16), session: s, role: roleMain, log: h.log}
	s.mu.Lock()
	s.main = c
	s.mu.Unlock()

	go c.writePump()
	c.readPump(h)
}

// ServeLink upgrades req to a websocket and registers it as one of
// sid's link sockets.
func (h *Hub) ServeLink(ctx context.Context, w http.ResponseWriter, req *http.Request, sid string) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.ErrorContext(ctx, "link: link upgrade failed", "error", err)
		return
	}
	s := h.session(sid)
	c := &conn{ws: ws, send: make(chan []byte, 16), session: s, role: roleLink, log: h.log}
	s.mu.Lock()
	s.links[c] = true
	s.mu.Unlock()

	go c.writePump()
	c.readPump(h)
}

func (c *conn) readPump(h *Hub) {
	defer c.onDisconnect()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("link: ignoring malformed message", "error", err)
			continue
		}
		c.handleMessage(env)
	}
}

func (c *conn) handleMessage(env envelope) {
	s := c.session
	switch env.Type {
	case "prepare":
		if c.role != roleMain {
			return
		}
		var msg PrepareMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		s.beginPrepare(msg)

	case "pause":
		if c.role != roleMain {
			return
		}
		s.fanLinks(envelope{Type: "pause"})

	case "ready":
		var p readyPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.reportReady(c, time.Since(p.SentAt))
	}
}

// beginPrepare resets public_files, fans Prepare to every link, and
// opens a fresh readiness barrier including the main socket and every
// currently-connected link.
func (s *Session) beginPrepare(msg PrepareMsg) {
	s.mu.Lock()
	s.publicFiles = map[node.FileHash]bool{}
	for _, f := range msg.Files {
		s.publicFiles[f] = true
	}
	pending := map[*conn]bool{s.main: true}
	for l := range s.links {
		pending[l] = true
	}
	s.barrier = &barrier{pending: pending, started: time.Now()}
	main := s.main
	links := make([]*conn, 0, len(s.links))
	for l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	payload, _ := json.Marshal(msg)
	for _, l := range links {
		l.sendEnvelope(envelope{Type: "prepare", Payload: payload})
	}
	if main != nil {
		main.sendEnvelope(envelope{Type: "prepare", Payload: payload})
	}
}

func (s *Session) fanLinks(env envelope) {
	s.mu.Lock()
	links := make([]*conn, 0, len(s.links))
	for l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()
	for _, l := range links {
		l.sendEnvelope(env)
	}
}

// reportReady records c's round-trip delay and, once every pending
// participant of the current barrier has reported, computes
// start_at = now + 5*max(delays) and fans Play to everyone
// (spec.md §4.7's readiness barrier).
func (s *Session) reportReady(c *conn, delay time.Duration) {
	s.mu.Lock()
	b := s.barrier
	if b == nil || !b.pending[c] {
		s.mu.Unlock()
		return
	}
	if delay < 0 {
		delay = 0
	}
	delete(b.pending, c)
	b.delays = append(b.delays, delay)
	done := len(b.pending) == 0
	s.mu.Unlock()
	if done {
		s.finalizeBarrier(b)
	}
}

// finalizeBarrier computes start_at from a drained barrier's collected
// delays and fans Play to the main socket and every link.
func (s *Session) finalizeBarrier(b *barrier) {
	s.mu.Lock()
	if s.barrier != b {
		// Already finalized by a concurrent caller.
		s.mu.Unlock()
		return
	}
	s.barrier = nil
	main := s.main
	links := make([]*conn, 0, len(s.links))
	for l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	maxDelay := time.Duration(0)
	for _, d := range b.delays {
		if d > maxDelay {
			maxDelay = d
		}
	}
	startAt := time.Now().Add(5 * maxDelay)

	payload, _ := json.Marshal(playPayload{At: startAt})
	if main != nil {
		main.sendEnvelope(envelope{Type: "play", Payload: payload})
	}
	for _, l := range links {
		l.sendEnvelope(envelope{Type: "play", Payload: payload})
	}
}

// onDisconnect removes c from its session. A disconnecting main
// abandons any pending barrier but the session itself survives for a
// later main reconnect; a disconnecting link is dropped from future
// fans and from any in-flight barrier it was pending on.
func (c *conn) onDisconnect() {
	s := c.session
	s.mu.Lock()
	if c.role == roleMain {
		if s.main == c {
			s.main = nil
			s.barrier = nil
		} else if s.barrier != nil {
			delete(s.barrier.pending, c)
		}
	} else {
		delete(s.links, c)
		if s.barrier != nil {
			delete(s.barrier.pending, c)
		}
	}
	b := s.barrier
	barrierDone := b != nil && len(b.pending) == 0
	s.mu.Unlock()
	close(c.send)
	c.ws.Close()
	if barrierDone {
		s.finalizeBarrier(b)
	}
}

func (c *conn) sendEnvelope(env envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *conn) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
