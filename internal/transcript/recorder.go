package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/agentlink/events"
	"github.com/xiaot623/gogo/agentlink/protocol"
	"github.com/xiaot623/gogo/agentlink/realtime"
)

// RecordedEvents lists the session events a Recorder stores by default.
var RecordedEvents = []string{
	realtime.EventConnected,
	realtime.EventDisconnected,
	realtime.EventReconnecting,
	realtime.EventReconnectFailed,
	realtime.EventError,
	realtime.EventMessage,
	realtime.EventComplete,
	realtime.EventMessageCreated,
	realtime.EventThreadInfo,
	realtime.EventThreadHistory,
	realtime.EventToolUse,
	realtime.EventStatus,
	realtime.EventTokenUsage,
	realtime.EventRunPaused,
	realtime.EventContinuationModeUpdated,
	realtime.EventContinueRunResult,
	realtime.EventConnectionStatus,
	realtime.EventAgentState,
	realtime.EventRawMessage,
}

// Recorder is a session listener that writes every event it receives to a
// Store. Partial chunk messages are skipped; the complete event carries the
// full text.
type Recorder struct {
	store   Store
	session *realtime.Session
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	mu           sync.Mutex
	connectionID string
}

// NewRecorder creates a recorder for session.
func NewRecorder(store Store, session *realtime.Session, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		session: session,
		logger:  logger.With("component", "transcript"),
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// Attach subscribes the recorder to the named events, or to RecordedEvents
// when none are given.
func (r *Recorder) Attach(names ...string) {
	if len(names) == 0 {
		names = RecordedEvents
	}
	for _, name := range names {
		r.session.On(name, r)
	}
}

// Detach removes the recorder from every event it may be subscribed to.
func (r *Recorder) Detach() {
	for _, name := range RecordedEvents {
		r.session.Off(name, r)
	}
	r.session.Off(realtime.EventChunk, r)
	r.session.Off(realtime.EventTyping, r)
}

// HandleEvent implements events.Listener.
func (r *Recorder) HandleEvent(e events.Event) error {
	if m, ok := e.Payload.(protocol.ChatMessage); ok && m.Partial {
		return nil
	}

	payload, err := encodePayload(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", e.Name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	now := r.now()
	agentID, sessionTag := r.session.AgentID(), r.session.SessionTag()

	if c, ok := e.Payload.(realtime.ConnectedEvent); ok {
		r.mu.Lock()
		r.connectionID = c.ConnectionID
		r.mu.Unlock()

		err := r.store.RecordConnection(ctx, &Connection{
			ConnectionID: c.ConnectionID,
			AgentID:      c.AgentID,
			SessionTag:   c.SessionTag,
			ThreadID:     c.ThreadID,
			Reconnect:    c.Reconnect,
			ConnectedAt:  now.UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to record connection: %w", err)
		}
		agentID, sessionTag = c.AgentID, c.SessionTag
	}

	r.mu.Lock()
	connID := r.connectionID
	r.mu.Unlock()

	if err := r.store.RecordEvent(ctx, &Event{
		EventID:      "evt_" + uuid.New().String(),
		AgentID:      agentID,
		SessionTag:   sessionTag,
		ConnectionID: connID,
		Ts:           now.UnixMilli(),
		Type:         e.Name,
		Payload:      payload,
	}); err != nil {
		return fmt.Errorf("failed to record %s: %w", e.Name, err)
	}

	r.logger.Debug("event recorded", "event", e.Name, "connection_id", connID)
	return nil
}

// encodePayload renders an event payload as JSON. Plain errors become
// {"error": "..."}.
func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case *protocol.ErrorReport:
		return json.Marshal(p)
	case error:
		return json.Marshal(map[string]string{"error": p.Error()})
	default:
		return json.Marshal(p)
	}
}
