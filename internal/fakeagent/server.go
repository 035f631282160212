package fakeagent

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/agentlink/protocol"
)

// Config holds the fake agent settings.
type Config struct {
	// APIKey is the token channels must present. Empty accepts any token.
	APIKey string

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Streaming settings
	ChunkSize  int           // runes per chunk
	ChunkDelay time.Duration // pause between chunks
}

// DefaultConfig returns the settings used by the fake-agent binary.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 1 << 20,
		ChunkSize:      8,
	}
}

// Server serves agent channels and the control endpoints around them.
type Server struct {
	cfg      Config
	hub      *Hub
	echo     *echo.Echo
	upgrader websocket.Upgrader
}

// NewServer creates a new fake agent server.
func NewServer(cfg Config, h *Hub) *Server {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())

	s := &Server{
		cfg:  cfg,
		hub:  h,
		echo: e,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	// Register routes
	e.GET("/health", s.handleHealth)
	e.GET("/agents/:agent_id/:session_tag", s.handleChannel)
	e.POST("/agents/:agent_id/:session_tag/send", s.handleSend)
	e.POST("/agents/:agent_id/:session_tag/drop", s.handleDrop)

	return s
}

// Echo exposes the underlying router, e.g. to add request logging.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"connections": s.hub.GetConnectionCount(),
		"sessions":    s.hub.GetSessionCount(),
	})
}

// handleChannel authenticates and upgrades an agent channel.
func (s *Server) handleChannel(c echo.Context) error {
	agentID := c.Param("agent_id")
	sessionTag := c.Param("session_tag")

	token := c.QueryParam("token")
	if token == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "token is required"})
	}
	if s.cfg.APIKey != "" && token != s.cfg.APIKey {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
	}

	mode := protocol.ContinuationMode(c.QueryParam("continuation_mode"))
	if mode == "" {
		mode = protocol.ContinuationAuto
	}
	if !mode.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid continuation_mode"})
	}

	threadID := c.QueryParam("thread_id")
	resumed := threadID != ""
	if !resumed {
		threadID = "thread_" + uuid.New().String()[:8]
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.hub.NewConnection(ws, agentID, sessionTag, threadID, mode)
	s.hub.Register(conn)

	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}

	go s.writePump(conn)
	go s.readPump(conn)

	s.send(conn, protocol.ConnectionStatus{Status: "connected", Message: "agent " + agentID + " ready"})
	s.send(conn, protocol.ThreadInfo{ThreadID: threadID, Title: "Session " + sessionTag})
	if resumed {
		s.send(conn, protocol.ThreadHistory{ThreadID: threadID, Messages: s.hub.History(threadID)})
	}

	log.Printf("Channel opened: agent=%s session=%s thread=%s mode=%s", agentID, sessionTag, threadID, mode)
	return nil
}

// handleSend pushes a raw envelope to every channel of a session.
func (s *Server) handleSend(c echo.Context) error {
	var event map[string]any
	if err := c.Bind(&event); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if _, ok := event["type"].(string); !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "type is required"})
	}

	agentID, sessionTag := c.Param("agent_id"), c.Param("session_tag")
	delivered := s.hub.HasActiveConnections(agentID, sessionTag)

	data, err := json.Marshal(event)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to encode event"})
	}
	s.hub.Broadcast(agentID, sessionTag, data)

	log.Printf("Event sent to session %s: type=%v, delivered=%v", SessionKey(agentID, sessionTag), event["type"], delivered)
	return c.JSON(http.StatusOK, map[string]bool{"ok": true, "delivered": delivered})
}

// handleDrop closes every channel of a session without a client disconnect.
func (s *Server) handleDrop(c echo.Context) error {
	reason := c.QueryParam("reason")
	if reason == "" {
		reason = "agent restarting"
	}
	n := s.hub.DropSession(c.Param("agent_id"), c.Param("session_tag"), websocket.CloseServiceRestart, reason)
	return c.JSON(http.StatusOK, map[string]int{"dropped": n})
}

// readPump reads messages from the channel.
func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	if s.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		conn.Conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			return nil
		})
	}

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes queued messages and keepalive pings to the channel.
func (s *Server) writePump(conn *Connection) {
	var tick <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer conn.Close()

	for {
		select {
		case message, ok := <-conn.Send:
			s.setWriteDeadline(conn)
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-tick:
			s.setWriteDeadline(conn)
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) setWriteDeadline(conn *Connection) {
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
}

func (s *Server) send(conn *Connection, msg protocol.Message) {
	if err := s.hub.SendMessage(conn, msg); err != nil {
		log.Printf("Failed to queue %s for %s: %v", msg.Kind(), conn.ID, err)
	}
}

// sendError sends an error envelope to a connection.
func (s *Server) sendError(conn *Connection, code, message string) {
	s.send(conn, &protocol.ErrorReport{Code: code, Message: message})
}

func shortID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
