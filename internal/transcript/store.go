// Package transcript persists the events of agent sessions.
package transcript

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one recorded session event.
type Event struct {
	EventID      string          `json:"event_id"`
	AgentID      string          `json:"agent_id"`
	SessionTag   string          `json:"session_tag"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Ts           int64           `json:"ts"` // unix milliseconds
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Connection is one opened channel.
type Connection struct {
	ConnectionID string    `json:"connection_id"`
	AgentID      string    `json:"agent_id"`
	SessionTag   string    `json:"session_tag"`
	ThreadID     string    `json:"thread_id,omitempty"`
	Reconnect    bool      `json:"reconnect"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// EventFilter provides filtering options for events.
type EventFilter struct {
	AgentID    string
	SessionTag string
	AfterTs    int64
	Types      []string
	Limit      int
}

// Store defines the interface for transcript persistence.
type Store interface {
	RecordConnection(ctx context.Context, conn *Connection) error
	ListConnections(ctx context.Context, agentID, sessionTag string) ([]Connection, error)

	RecordEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)

	Close() error
}
