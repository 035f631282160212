// Package fakeagent implements a local agent endpoint that speaks the channel
// protocol. It backs the fake-agent binary and the client integration tests.
package fakeagent

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/agentlink/protocol"
)

// Connection represents a single client channel.
type Connection struct {
	ID         string
	AgentID    string
	SessionTag string
	ThreadID   string
	Conn       *websocket.Conn
	Send       chan []byte
	hub        *Hub
	mu         sync.Mutex

	// Guards Send against writes after the hub closed it.
	sendMu sync.Mutex
	closed bool

	stateMu sync.Mutex
	mode    protocol.ContinuationMode
	held    map[string]heldRun
}

// heldRun is a paused run waiting for continue_run.
type heldRun struct {
	MessageID string
	Prompt    string
}

// Hub manages all client channels.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Sessions maps agent/session tag to set of connection IDs
	sessions map[string]map[string]bool

	// Channels for registration/unregistration
	register   chan *Connection
	unregister chan *Connection

	// Broadcast channel for sending to specific session
	broadcast chan *SessionMessage

	done     chan struct{}
	stopOnce sync.Once

	mu sync.RWMutex

	historyMu sync.Mutex
	history   map[string][]protocol.HistoryEntry
}

// SessionMessage is used to broadcast a message to a session.
type SessionMessage struct {
	SessionKey string
	Data       []byte
}

// SessionKey identifies the channels of one agent session.
func SessionKey(agentID, sessionTag string) string {
	return agentID + "/" + sessionTag
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *SessionMessage, 256),
		done:        make(chan struct{}),
		history:     make(map[string][]protocol.HistoryEntry),
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case conn := <-h.register:
			key := SessionKey(conn.AgentID, conn.SessionTag)
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if h.sessions[key] == nil {
				h.sessions[key] = make(map[string]bool)
			}
			h.sessions[key][conn.ID] = true
			h.mu.Unlock()
			log.Printf("Connection registered: %s (session: %s)", conn.ID, key)

		case conn := <-h.unregister:
			key := SessionKey(conn.AgentID, conn.SessionTag)
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				if h.sessions[key] != nil {
					delete(h.sessions[key], conn.ID)
					if len(h.sessions[key]) == 0 {
						delete(h.sessions, key)
					}
				}
				conn.closeSend()
			}
			h.mu.Unlock()
			log.Printf("Connection unregistered: %s", conn.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for connID := range h.sessions[msg.SessionKey] {
				if conn, exists := h.connections[connID]; exists {
					if err := h.SendToConnection(conn, msg.Data); err != nil {
						// Buffer full, close the connection
						log.Printf("Connection %s buffer full, closing", connID)
						go h.Unregister(conn)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop ends the main loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// NewConnection creates a new connection for an agent session.
func (h *Hub) NewConnection(ws *websocket.Conn, agentID, sessionTag, threadID string, mode protocol.ContinuationMode) *Connection {
	return &Connection{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		SessionTag: sessionTag,
		ThreadID:   threadID,
		Conn:       ws,
		Send:       make(chan []byte, 256),
		hub:        h,
		mode:       mode,
		held:       make(map[string]heldRun),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		conn.closeSend()
	}
}

// Broadcast sends a message to all connections of a session.
func (h *Hub) Broadcast(agentID, sessionTag string, data []byte) {
	select {
	case h.broadcast <- &SessionMessage{SessionKey: SessionKey(agentID, sessionTag), Data: data}:
	case <-h.done:
	}
}

// SendToConnection queues data for a specific connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()

	if conn.closed {
		return ErrConnectionClosed
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendMessage encodes msg and queues it for a specific connection.
func (h *Hub) SendMessage(conn *Connection, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// DropSession closes every channel of a session with the given close code, as
// a crashing agent would. It returns the number of channels closed.
func (h *Hub) DropSession(agentID, sessionTag string, code int, reason string) int {
	h.mu.RLock()
	var conns []*Connection
	for connID := range h.sessions[SessionKey(agentID, sessionTag)] {
		if conn, ok := h.connections[connID]; ok {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		deadline := time.Now().Add(time.Second)
		conn.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		conn.Close()
	}
	return len(conns)
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetSessionCount returns the number of active sessions.
func (h *Hub) GetSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HasActiveConnections checks if a session has any active connections.
func (h *Hub) HasActiveConnections(agentID, sessionTag string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connIDs, ok := h.sessions[SessionKey(agentID, sessionTag)]
	return ok && len(connIDs) > 0
}

// AppendHistory records a message of a thread.
func (h *Hub) AppendHistory(threadID string, entry protocol.HistoryEntry) {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	h.history[threadID] = append(h.history[threadID], entry)
}

// History returns the messages of a thread in order.
func (h *Hub) History(threadID string) []protocol.HistoryEntry {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	return append([]protocol.HistoryEntry{}, h.history[threadID]...)
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Mode returns the continuation mode of the channel.
func (c *Connection) Mode() protocol.ContinuationMode {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.mode
}

func (c *Connection) setMode(mode protocol.ContinuationMode) {
	c.stateMu.Lock()
	c.mode = mode
	c.stateMu.Unlock()
}

func (c *Connection) hold(runID string, run heldRun) {
	c.stateMu.Lock()
	c.held[runID] = run
	c.stateMu.Unlock()
}

func (c *Connection) release(runID string) (heldRun, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	run, ok := c.held[runID]
	delete(c.held, runID)
	return run, ok
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}

// ErrConnectionClosed is returned when sending to an unregistered connection.
var ErrConnectionClosed = errors.New("connection closed")
