// Package chat is the WebSocket gateway for live sessions. One hub serves
// every session; peers are grouped by session id and every outbound frame for
// a session is fanned out to all of its peers.
package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/clawdfather/clawdfather/internal/logging"
	"github.com/clawdfather/clawdfather/internal/metrics"
	"github.com/clawdfather/clawdfather/internal/sessions"
	"github.com/clawdfather/clawdfather/internal/store"
)

// Close codes on the wire. Clients distinguish auth failures from ordinary
// session teardown by code.
const (
	CloseSessionEnded = 4000
	CloseAuthFailed   = 4001
	CloseWrongSession = 4003
)

const (
	authWait      = 10 * time.Second
	readLimit     = 64 * 1024
	readIdle      = 90 * time.Second
	writeWait     = 10 * time.Second
	pingEvery     = 30 * time.Second
	sendBuffer    = 64
	commandBudget = 120 * time.Second
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Frame is the single wire shape for both directions; Type selects which
// fields are meaningful.
type Frame struct {
	Type       string          `json:"type"`
	Token      string          `json:"token,omitempty"`
	Text       string          `json:"text,omitempty"`
	Role       string          `json:"role,omitempty"`
	Status     string          `json:"status,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Message    string          `json:"message,omitempty"`
	Connection *ConnectionInfo `json:"connection,omitempty"`
}

// ConnectionInfo is the subset of the connection record shared with peers.
type ConnectionInfo struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

// Resolver authenticates bearer tokens. Implemented by auth.Manager.
type Resolver interface {
	Resolve(ctx context.Context, token string, now time.Time) (*store.Account, *store.AppSession, error)
}

// Runner executes a chat message on the session host. Implemented by
// sessions.Manager over the control socket.
type Runner interface {
	Run(ctx context.Context, sessionID, command string) (string, error)
}

// Hub tracks connected peers per session and fans frames out to them.
// It implements the session manager's close notification interface.
type Hub struct {
	store    store.Store
	resolver Resolver
	registry *sessions.Registry
	runner   Runner

	mu    sync.RWMutex
	peers map[string]map[*peer]struct{}
}

// NewHub wires the chat gateway.
func NewHub(s store.Store, resolver Resolver, registry *sessions.Registry, runner Runner) *Hub {
	return &Hub{
		store:    s,
		resolver: resolver,
		registry: registry,
		runner:   runner,
		peers:    make(map[string]map[*peer]struct{}),
	}
}

type peer struct {
	conn *websocket.Conn
	send chan []byte

	once      sync.Once
	closeCode int
	closeText string
	done      chan struct{}
}

// shutdown records the close code for writePump and releases it. Safe to call
// more than once; the first caller wins.
func (p *peer) shutdown(code int, text string) {
	p.once.Do(func() {
		p.closeCode = code
		p.closeText = text
		close(p.done)
	})
}

// Register mounts the WebSocket route.
func (h *Hub) Register(r gin.IRouter) {
	r.GET("/ws/sessions/:id", h.Handle)
}

// Handle upgrades the connection and runs the auth handshake. The first frame
// must be {type:"auth", token}; anything else closes the socket before the
// peer joins the session.
func (h *Hub) Handle(c *gin.Context) {
	log := logging.L(c.Request.Context())
	sessionID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	_ = conn.SetReadDeadline(time.Now().Add(authWait))
	var first Frame
	if err := conn.ReadJSON(&first); err != nil || first.Type != "auth" {
		closeNow(conn, CloseAuthFailed, "authentication required")
		return
	}
	_, rec, err := h.resolver.Resolve(c.Request.Context(), first.Token, time.Now())
	if err != nil {
		closeNow(conn, CloseAuthFailed, "invalid token")
		return
	}
	if rec.SessionID != sessionID {
		closeNow(conn, CloseWrongSession, "token not bound to this session")
		return
	}
	live, ok := h.registry.Get(sessionID)
	if !ok {
		closeNow(conn, CloseSessionEnded, "session is not live")
		return
	}

	p := &peer{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.addPeer(sessionID, p)

	info := &ConnectionInfo{ID: live.ConnectionID}
	if stored, err := h.store.GetConnection(c.Request.Context(), live.ConnectionID); err == nil {
		info.Host = stored.Host
		info.Port = stored.Port
		info.Username = stored.Username
	}
	h.sendTo(sessionID, p, Frame{Type: "session", Connection: info})

	go p.writePump()
	h.readPump(sessionID, p)
}

func (h *Hub) addPeer(sessionID string, p *peer) {
	h.mu.Lock()
	set, ok := h.peers[sessionID]
	if !ok {
		set = make(map[*peer]struct{})
		h.peers[sessionID] = set
	}
	set[p] = struct{}{}
	n := h.count()
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

func (h *Hub) removePeer(sessionID string, p *peer) {
	h.mu.Lock()
	if set, ok := h.peers[sessionID]; ok {
		if _, member := set[p]; member {
			delete(set, p)
			close(p.send)
		}
		if len(set) == 0 {
			delete(h.peers, sessionID)
		}
	}
	n := h.count()
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// count reports total peers across sessions. Caller holds h.mu.
func (h *Hub) count() int {
	n := 0
	for _, set := range h.peers {
		n += len(set)
	}
	return n
}

// PeerCount reports how many peers a session currently has.
func (h *Hub) PeerCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers[sessionID])
}

func (h *Hub) readPump(sessionID string, p *peer) {
	defer func() {
		h.removePeer(sessionID, p)
		_ = p.conn.Close()
	}()

	_ = p.conn.SetReadDeadline(time.Now().Add(readIdle))
	p.conn.SetPongHandler(func(string) error {
		_ = p.conn.SetReadDeadline(time.Now().Add(readIdle))
		return nil
	})

	for {
		var f Frame
		if err := p.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				logging.L(context.Background()).Debug("websocket read ended",
					"session_id", sessionID, "error", err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(readIdle))
		h.registry.Touch(sessionID)

		switch f.Type {
		case "heartbeat":
			h.sendTo(sessionID, p, Frame{Type: "heartbeat_ack"})
		case "message":
			if f.Text == "" {
				continue
			}
			go h.dispatch(sessionID, f.Text)
		}
	}
}

// dispatch runs one client message on the session host and fans the outcome
// out to every peer, bracketed by status frames.
func (h *Hub) dispatch(sessionID, text string) {
	h.Broadcast(sessionID, Frame{Type: "status", Status: "thinking"})

	ctx, cancel := context.WithTimeout(context.Background(), commandBudget)
	defer cancel()
	out, err := h.runner.Run(ctx, sessionID, text)
	if err != nil {
		if out == "" {
			out = "command failed: " + err.Error()
		}
		logging.L(ctx).Warn("chat command failed", "session_id", sessionID, "error", err)
	}
	h.Broadcast(sessionID, Frame{Type: "message", Role: "assistant", Text: out})
	h.Broadcast(sessionID, Frame{Type: "status", Status: "done"})
}

// Broadcast fans a frame out to every peer of the session. Peers that cannot
// keep up are dropped rather than allowed to stall the rest.
func (h *Hub) Broadcast(sessionID string, f Frame) {
	msg := marshal(f)

	h.mu.RLock()
	var slow []*peer
	for p := range h.peers[sessionID] {
		select {
		case p.send <- msg:
		default:
			slow = append(slow, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range slow {
		p.shutdown(websocket.CloseGoingAway, "client too slow")
		h.removePeer(sessionID, p)
	}
}

// SessionClosed tells every peer the session ended and closes their sockets.
// Called by the session manager on termination.
func (h *Hub) SessionClosed(sessionID, reason, message string) {
	h.Broadcast(sessionID, Frame{Type: "session_closed", Reason: reason, Message: message})

	h.mu.Lock()
	set := h.peers[sessionID]
	delete(h.peers, sessionID)
	for p := range set {
		close(p.send)
	}
	n := h.count()
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))

	for p := range set {
		p.shutdown(CloseSessionEnded, "session closed: "+reason)
	}
}

// sendTo delivers a frame to one peer. Membership is checked under the lock:
// removePeer and SessionClosed close the send channel, so an unguarded send
// could hit a closed channel. Frames for an already-drained peer are dropped.
func (h *Hub) sendTo(sessionID string, p *peer, f Frame) {
	msg := marshal(f)
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, member := h.peers[sessionID][p]; !member {
		return
	}
	select {
	case p.send <- msg:
	default:
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Drain finished; send whatever close code shutdown recorded,
				// defaulting to plain session end.
				code, text := CloseSessionEnded, ""
				select {
				case <-p.done:
					code, text = p.closeCode, p.closeText
				default:
				}
				_ = p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, text))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeNow(conn *websocket.Conn, code int, text string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
	_ = conn.Close()
}

func marshal(f Frame) []byte {
	b, _ := json.Marshal(f)
	return b
}
