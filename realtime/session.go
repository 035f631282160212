package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/agentlink/events"
	"github.com/xiaot623/gogo/agentlink/protocol"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectParams identifies the agent channel to open. Token is re-sent
// verbatim on automatic reconnects.
type ConnectParams struct {
	AgentID    string
	SessionTag string
	Token      string
	// ThreadID resumes an existing thread when set.
	ThreadID string
}

// handle is one transport connection owned by the session.
type handle struct {
	id   string
	conn Conn
}

// Session is a persistent channel to one agent. Inbound envelopes are
// re-emitted as named events; outbound calls are written in call order.
// Listeners survive reconnects.
type Session struct {
	opts         Options
	logger       *slog.Logger
	registry     *events.Registry
	supervisor   *Supervisor
	continuation *ContinuationController
	now          func() time.Time

	mu     sync.Mutex
	state  State
	params ConnectParams
	conn   *handle
	gen    uint64
	manual bool
}

// NewSession creates an idle session. Options are checked on Connect.
func NewSession(opts Options) *Session {
	opts = opts.withDefaults()

	s := &Session{
		opts:         opts,
		logger:       opts.Logger.With("component", "realtime"),
		registry:     events.NewRegistry(opts.Logger),
		continuation: NewContinuationController(opts.ContinuationMode),
		now:          time.Now,
	}
	s.supervisor = NewSupervisor(SupervisorConfig{
		MaxAttempts: opts.ReconnectAttempts,
		Backoff:     LinearBackoff{Base: opts.ReconnectDelay},
		Connect:     s.reconnect,
		Notify:      s.notify,
		Logger:      s.logger,
	})
	return s
}

// Connect opens the channel and blocks until it is open or has failed.
// Configuration problems are reported as *ConfigError before any network
// call. A pending automatic reconnection is cancelled.
func (s *Session) Connect(ctx context.Context, p ConnectParams) error {
	if _, err := s.buildURL(p); err != nil {
		return err
	}

	s.mu.Lock()
	busy := s.state == StateConnecting || s.state == StateOpen
	s.mu.Unlock()
	if busy {
		return ErrAlreadyConnected
	}

	s.supervisor.Stop()
	s.supervisor.Reset()
	return s.dial(ctx, p, false)
}

// reconnect is the supervisor's connect attempt.
func (s *Session) reconnect(ctx context.Context) error {
	s.mu.Lock()
	p := s.params
	s.mu.Unlock()

	err := s.dial(ctx, p, true)
	switch {
	case errors.Is(err, ErrAlreadyConnected):
		// A manual Connect got there first.
		return nil
	case errors.Is(err, ErrDisconnected):
		return nil
	}
	return err
}

// notify dispatches supervisor events unless the caller has disconnected.
func (s *Session) notify(name string, payload any) {
	s.mu.Lock()
	manual := s.manual
	s.mu.Unlock()
	if manual {
		return
	}
	s.registry.Dispatch(name, payload)
}

func (s *Session) dial(ctx context.Context, p ConnectParams, reconnect bool) error {
	target, err := s.buildURL(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateOpen {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	if reconnect && s.manual {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.params = p
	s.mu.Unlock()

	s.logger.Debug("dialing agent",
		"agent_id", p.AgentID,
		"session_tag", p.SessionTag,
		"reconnect", reconnect)

	conn, err := s.opts.Dialer.Dial(ctx, target)
	if err != nil {
		err = fmt.Errorf("failed to connect to agent %s: %w", p.AgentID, err)

		s.mu.Lock()
		current := s.gen == gen && s.state == StateConnecting
		if current {
			s.state = StateClosed
		}
		s.mu.Unlock()

		if current {
			s.logger.Warn("connect failed", "agent_id", p.AgentID, "error", err)
			s.registry.Dispatch(EventError, err)
		}
		return err
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnecting {
		// Disconnect ran while the handshake was in flight.
		s.mu.Unlock()
		conn.Close(CloseNormalClosure, "client disconnect")
		return ErrDisconnected
	}
	h := &handle{id: uuid.NewString(), conn: conn}
	s.conn = h
	s.state = StateOpen
	s.manual = false
	s.mu.Unlock()

	s.supervisor.Reset()
	s.continuation.reset()

	s.logger.Info("connected to agent",
		"agent_id", p.AgentID,
		"session_tag", p.SessionTag,
		"connection_id", h.id)
	s.registry.Dispatch(EventConnected, ConnectedEvent{
		AgentID:      p.AgentID,
		SessionTag:   p.SessionTag,
		ThreadID:     p.ThreadID,
		ConnectionID: h.id,
		Reconnect:    reconnect,
	})

	go s.readLoop(h)
	return nil
}

// Disconnect closes the channel and stops automatic reconnection. No
// listener fires for the closed transport afterwards. Calling it again is a
// no-op.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.manual = true
	s.gen++
	h := s.conn
	s.conn = nil
	if h == nil {
		if s.state != StateIdle {
			s.state = StateClosed
		}
		s.mu.Unlock()
		s.supervisor.Stop()
		return
	}
	s.state = StateClosing
	s.mu.Unlock()

	// Stopped after manual is set: handleClose starts the supervisor only
	// while holding mu with manual unset.
	s.supervisor.Stop()

	if err := h.conn.Close(CloseNormalClosure, "client disconnect"); err != nil {
		s.logger.Debug("close failed", "connection_id", h.id, "error", err)
	}

	s.mu.Lock()
	if s.state == StateClosing {
		s.state = StateClosed
	}
	s.mu.Unlock()

	s.logger.Info("disconnected from agent", "connection_id", h.id)
}

// SendMessage writes a conversational message. An empty role means user.
func (s *Session) SendMessage(msg protocol.OutgoingMessage) error {
	switch msg.Role {
	case "":
		msg.Role = protocol.RoleUser
	case protocol.RoleUser, protocol.RoleAssistant, protocol.RoleSystem:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}

	data, err := protocol.EncodeChat(msg, s.now())
	if err != nil {
		return err
	}
	return s.write(data)
}

// Send writes v as a JSON envelope.
func (s *Session) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	return s.write(data)
}

// SetContinuationMode switches the continuation mode. The agent is told
// right away when the channel is open; otherwise the mode applies from the
// next Connect.
func (s *Session) SetContinuationMode(mode protocol.ContinuationMode) error {
	if err := s.continuation.Set(mode); err != nil {
		return err
	}

	data, err := protocol.EncodeSetContinuationMode(mode)
	if err != nil {
		return err
	}
	if err := s.write(data); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// ContinueRun asks the agent to resume a paused run.
func (s *Session) ContinueRun(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return ErrMissingRunID
	}

	data, err := protocol.EncodeContinueRun(runID)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *Session) write(data []byte) error {
	s.mu.Lock()
	h := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()

	if !open || h == nil {
		return ErrNotConnected
	}
	if err := h.conn.WriteMessage(data); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	s.logger.Debug("sent envelope", "connection_id", h.id, "bytes", len(data))
	return nil
}

// On registers l for the named event.
func (s *Session) On(name string, l events.Listener) events.Listener {
	return s.registry.Subscribe(name, l)
}

// OnFunc registers fn and returns the handle to pass to Off.
func (s *Session) OnFunc(name string, fn func(events.Event)) events.Listener {
	return s.registry.SubscribeFunc(name, fn)
}

// Off removes l from the named event.
func (s *Session) Off(name string, l events.Listener) {
	s.registry.Unsubscribe(name, l)
}

// RemoveAllListeners clears the named events, or every event if none given.
func (s *Session) RemoveAllListeners(names ...string) {
	s.registry.UnsubscribeAll(names...)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ContinuationMode() protocol.ContinuationMode {
	return s.continuation.Mode()
}

// Continuation exposes the session's continuation state.
func (s *Session) Continuation() *ContinuationController {
	return s.continuation
}

// Attempts returns the automatic retries since the last successful open.
func (s *Session) Attempts() int {
	return s.supervisor.Attempts()
}

func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.AgentID
}

func (s *Session) SessionTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.SessionTag
}

func (s *Session) buildURL(p ConnectParams) (string, error) {
	switch {
	case strings.TrimSpace(p.AgentID) == "":
		return "", &ConfigError{Field: "agent id", Reason: "is required"}
	case strings.TrimSpace(p.SessionTag) == "":
		return "", &ConfigError{Field: "session tag", Reason: "is required"}
	case strings.TrimSpace(p.Token) == "":
		return "", &ConfigError{Field: "token", Reason: "is required"}
	}

	endpoint := strings.TrimSpace(s.opts.Endpoint)
	if endpoint == "" {
		return "", &ConfigError{Field: "endpoint", Reason: "is required"}
	}
	if !s.opts.EndpointPattern.MatchString(endpoint) {
		return "", &ConfigError{
			Field:  "endpoint",
			Reason: fmt.Sprintf("%q does not match %s", endpoint, s.opts.EndpointPattern),
		}
	}

	mode := s.continuation.Mode()
	if !mode.Valid() {
		return "", &ConfigError{Field: "continuation mode", Reason: fmt.Sprintf("%q is not auto or manual", mode)}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", &ConfigError{Field: "endpoint", Reason: err.Error()}
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	u = u.JoinPath("agents", p.AgentID, p.SessionTag)
	q := u.Query()
	q.Set("token", p.Token)
	q.Set("continuation_mode", string(mode))
	if p.ThreadID != "" {
		q.Set("thread_id", p.ThreadID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Session) current(h *handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == h
}

// readLoop pumps inbound frames of one handle until it fails. Frames and
// errors from a handle that is no longer current are dropped.
func (s *Session) readLoop(h *handle) {
	for {
		data, err := h.conn.ReadMessage()
		if !s.current(h) {
			return
		}
		if err != nil {
			s.handleClose(h, err)
			return
		}
		s.handleFrame(h, data)
	}
}

func (s *Session) handleClose(h *handle, err error) {
	s.mu.Lock()
	if s.conn != h {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateClosed
	gen := s.gen
	s.mu.Unlock()

	h.conn.Close(CloseNormalClosure, "")

	code, reason := closeDetails(err)
	s.logger.Warn("connection closed unexpectedly",
		"connection_id", h.id,
		"code", code,
		"reason", reason)

	var ce *CloseError
	if !errors.As(err, &ce) {
		s.registry.Dispatch(EventError, fmt.Errorf("connection lost: %w", err))
	}
	if s.unchangedSince(gen) {
		s.registry.Dispatch(EventDisconnected, DisconnectedEvent{Code: code, Reason: reason})
	}

	// Listeners may have called Disconnect or Connect meanwhile.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && !s.manual && s.opts.ReconnectAttempts > 0 {
		s.supervisor.Start()
	}
}

func (s *Session) unchangedSince(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && !s.manual
}

// handleFrame decodes one frame of h and re-emits it. Each dispatch is
// skipped once h stops being the current handle, so a listener that calls
// Disconnect silences the rest of the frame.
func (s *Session) handleFrame(h *handle, data []byte) {
	emit := func(name string, payload any) {
		if s.current(h) {
			s.registry.Dispatch(name, payload)
		}
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("dropping malformed envelope", "error", err)
		emit(EventError, err)
		return
	}
	s.logger.Debug("received envelope", "type", msg.Kind())

	switch m := msg.(type) {
	case protocol.ChatMessage:
		emit(EventMessage, m)
	case protocol.Chunk:
		emit(EventChunk, m)
		emit(EventMessage, protocol.ChatMessage{
			Type:      protocol.TypeMessage,
			Content:   m.Content,
			Role:      protocol.RoleAssistant,
			ThreadID:  m.ThreadID,
			MessageID: m.MessageID,
			Partial:   true,
		})
	case protocol.Complete:
		emit(EventComplete, m)
	case protocol.MessageCreated:
		emit(EventMessageCreated, m)
	case protocol.ThreadInfo:
		emit(EventThreadInfo, m)
	case protocol.ThreadHistory:
		emit(EventThreadHistory, m)
	case protocol.Typing:
		emit(EventTyping, m)
	case protocol.ToolUse:
		emit(EventToolUse, m)
	case protocol.Status:
		emit(EventStatus, m)
	case protocol.TokenUsage:
		emit(EventTokenUsage, m)
	case protocol.RunPaused:
		if !s.continuation.AwaitsContinue(m) {
			s.logger.Debug("run paused, agent resumes it", "run_id", m.RunID, "reason", m.Reason)
		}
		emit(EventRunPaused, m)
	case protocol.ContinuationModeUpdated:
		s.continuation.Acknowledge(m)
		emit(EventContinuationModeUpdated, m)
	case protocol.ContinueRunResult:
		emit(EventContinueRunResult, m)
	case *protocol.ErrorReport:
		emit(EventError, m)
	case protocol.ConnectionStatus:
		emit(EventConnectionStatus, m)
	case protocol.AgentState:
		emit(EventAgentState, m)
	case protocol.Unrecognized:
		emit(EventRawMessage, m)
	}
}
