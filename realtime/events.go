package realtime

import "time"

// Lifecycle events.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventReconnecting    = "reconnecting"
	EventReconnectFailed = "reconnectFailed"
	EventError           = "error"
)

// Protocol events, one per recognized inbound tag.
const (
	EventMessage                 = "message"
	EventChunk                   = "chunk"
	EventComplete                = "complete"
	EventMessageCreated          = "messageCreated"
	EventThreadInfo              = "threadInfo"
	EventThreadHistory           = "threadHistory"
	EventTyping                  = "typing"
	EventToolUse                 = "toolUse"
	EventStatus                  = "status"
	EventTokenUsage              = "tokenUsage"
	EventRunPaused               = "runPaused"
	EventContinuationModeUpdated = "continuationModeUpdated"
	EventContinueRunResult       = "continueRunResult"
	EventConnectionStatus        = "connectionStatus"
	EventAgentState              = "agentState"
	EventRawMessage              = "rawMessage"
)

// ConnectedEvent is dispatched each time a channel opens.
type ConnectedEvent struct {
	AgentID      string `json:"agentId"`
	SessionTag   string `json:"sessionTag"`
	ThreadID     string `json:"threadId,omitempty"`
	ConnectionID string `json:"connectionId"`
	// Reconnect is set when the channel was restored by the supervisor.
	Reconnect bool `json:"reconnect"`
}

// DisconnectedEvent reports an unexpected closure.
type DisconnectedEvent struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// ReconnectingEvent is dispatched before each automatic retry.
type ReconnectingEvent struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// ReconnectFailedEvent is dispatched once automatic retries are exhausted.
type ReconnectFailedEvent struct {
	Attempts int `json:"attempts"`
}
