// Package protocol defines the JSON envelope protocol spoken over an agent channel.
//
// Every envelope is a JSON object tagged by its "type" field. Inbound envelopes decode
// into one of the Message variants below; tags the client does not know decode into
// Unrecognized so callers still see them.
package protocol

import "encoding/json"

// Type is the value of an envelope's "type" field.
type Type string

// Message types from agent to client
const (
	TypeMessage                 Type = "message"
	TypeChatMessage             Type = "chat_message"
	TypeChunk                   Type = "chunk"
	TypeComplete                Type = "complete"
	TypeMessageCreated          Type = "message_created"
	TypeThreadInfo              Type = "thread_info"
	TypeThreadHistory           Type = "thread_history"
	TypeTyping                  Type = "typing"
	TypeToolUse                 Type = "tool_use"
	TypeStatus                  Type = "status"
	TypeTokenUsage              Type = "token_usage"
	TypeRunPaused               Type = "run_paused"
	TypeContinuationModeUpdated Type = "continuation_mode_updated"
	TypeContinueRunResult       Type = "continue_run_result"
	TypeError                   Type = "error"
	TypeConnectionStatus        Type = "connection_status"
	TypeConnected               Type = "connected"
	TypeAgentState              Type = "cf_agent_state"
)

// Message types from client to agent
const (
	TypeSetContinuationMode Type = "set_continuation_mode"
	TypeContinueRun         Type = "continue_run"
)

// Roles accepted on conversational messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ContinuationMode controls whether paused runs resume on their own.
type ContinuationMode string

const (
	ContinuationAuto   ContinuationMode = "auto"
	ContinuationManual ContinuationMode = "manual"
)

// Valid reports whether m is one of the known modes.
func (m ContinuationMode) Valid() bool {
	return m == ContinuationAuto || m == ContinuationManual
}

// Message is a decoded inbound envelope. The set of implementations is closed:
// only types in this package satisfy it.
type Message interface {
	// Kind returns the envelope tag the message was decoded from.
	Kind() Type
	isMessage()
}

// ChatMessage is a conversational message. Partial is set when the message was
// derived from a chunk rather than received whole.
type ChatMessage struct {
	Type      Type            `json:"type"`
	Content   string          `json:"content"`
	Role      string          `json:"role"`
	ThreadID  string          `json:"threadId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Partial   bool            `json:"partial,omitempty"`
}

// Chunk carries a piece of an assistant response that is still streaming.
type Chunk struct {
	Content   string `json:"content"`
	ThreadID  string `json:"threadId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// Complete marks the end of a streamed response.
type Complete struct {
	Content   string `json:"content,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// MessageCreated announces that the agent started a new message.
type MessageCreated struct {
	ThreadID  string `json:"threadId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Role      string `json:"role,omitempty"`
}

// ThreadInfo carries thread metadata.
type ThreadInfo struct {
	ThreadID string          `json:"threadId,omitempty"`
	Title    string          `json:"title,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// HistoryEntry is one message of a thread history.
type HistoryEntry struct {
	MessageID string `json:"messageId,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ThreadHistory carries earlier messages of a resumed thread.
type ThreadHistory struct {
	ThreadID string         `json:"threadId,omitempty"`
	Messages []HistoryEntry `json:"messages"`
}

// Typing is the agent's typing indicator.
type Typing struct {
	IsTyping bool `json:"isTyping"`
}

// ToolUse reports that the agent invoked a tool.
type ToolUse struct {
	ToolName   string          `json:"toolName,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// Status is a structured progress update. Progress and Total are nil when the
// agent did not send them.
type Status struct {
	Status     string   `json:"status"`
	Message    string   `json:"message,omitempty"`
	ToolName   string   `json:"toolName,omitempty"`
	ToolCallID string   `json:"toolCallId,omitempty"`
	ToolType   string   `json:"toolType,omitempty"`
	ServerName string   `json:"serverName,omitempty"`
	Progress   *float64 `json:"progress,omitempty"`
	Total      *float64 `json:"total,omitempty"`
}

// TokenUsage reports token consumption of a run.
type TokenUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// RunPaused is sent when a run stops and waits to be continued.
type RunPaused struct {
	RunID  string          `json:"runId"`
	Reason string          `json:"reason"`
	Stats  json.RawMessage `json:"stats,omitempty"`
}

// ContinuationModeUpdated acknowledges a set_continuation_mode request.
type ContinuationModeUpdated struct {
	Mode    ContinuationMode `json:"mode"`
	Success bool             `json:"success"`
}

// ContinueRunResult answers a continue_run request.
type ContinueRunResult struct {
	RunID   string `json:"runId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ErrorReport is an error sent by the agent. It implements error so it can be
// delivered on the same event as local failures.
type ErrorReport struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"error"`
}

func (e *ErrorReport) Error() string {
	if e.Code != "" {
		return "agent error " + e.Code + ": " + e.Message
	}
	return "agent error: " + e.Message
}

// ConnectionStatus is the server's view of the channel.
type ConnectionStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AgentState carries the agent's synchronized state object.
type AgentState struct {
	State json.RawMessage `json:"state,omitempty"`
}

// Unrecognized is an envelope whose tag the client does not know.
type Unrecognized struct {
	Type Type            `json:"type"`
	Raw  json.RawMessage `json:"raw"`
}

func (m ChatMessage) Kind() Type {
	if m.Type != "" {
		return m.Type
	}
	return TypeMessage
}

func (Chunk) Kind() Type                   { return TypeChunk }
func (Complete) Kind() Type                { return TypeComplete }
func (MessageCreated) Kind() Type          { return TypeMessageCreated }
func (ThreadInfo) Kind() Type              { return TypeThreadInfo }
func (ThreadHistory) Kind() Type           { return TypeThreadHistory }
func (Typing) Kind() Type                  { return TypeTyping }
func (ToolUse) Kind() Type                 { return TypeToolUse }
func (Status) Kind() Type                  { return TypeStatus }
func (TokenUsage) Kind() Type              { return TypeTokenUsage }
func (RunPaused) Kind() Type               { return TypeRunPaused }
func (ContinuationModeUpdated) Kind() Type { return TypeContinuationModeUpdated }
func (ContinueRunResult) Kind() Type       { return TypeContinueRunResult }
func (*ErrorReport) Kind() Type            { return TypeError }
func (ConnectionStatus) Kind() Type        { return TypeConnectionStatus }
func (AgentState) Kind() Type              { return TypeAgentState }
func (u Unrecognized) Kind() Type          { return u.Type }

func (ChatMessage) isMessage()             {}
func (Chunk) isMessage()                   {}
func (Complete) isMessage()                {}
func (MessageCreated) isMessage()          {}
func (ThreadInfo) isMessage()              {}
func (ThreadHistory) isMessage()           {}
func (Typing) isMessage()                  {}
func (ToolUse) isMessage()                 {}
func (Status) isMessage()                  {}
func (TokenUsage) isMessage()              {}
func (RunPaused) isMessage()               {}
func (ContinuationModeUpdated) isMessage() {}
func (ContinueRunResult) isMessage()       {}
func (*ErrorReport) isMessage()            {}
func (ConnectionStatus) isMessage()        {}
func (AgentState) isMessage()              {}
func (Unrecognized) isMessage()            {}

// OutgoingMessage is a conversational message sent by the client.
type OutgoingMessage struct {
	Content  string         `json:"content"`
	Role     string         `json:"role"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// chatEnvelope is the flat wire shape of an outbound conversational message.
// Content, role and timestamp sit at the top level next to type.
type chatEnvelope struct {
	Type      Type           `json:"type"`
	Content   string         `json:"content"`
	Role      string         `json:"role"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SetContinuationModeMessage asks the agent to switch continuation mode.
type SetContinuationModeMessage struct {
	Type Type             `json:"type"`
	Mode ContinuationMode `json:"mode"`
}

// ContinueRunMessage asks the agent to resume a paused run.
type ContinueRunMessage struct {
	Type  Type   `json:"type"`
	RunID string `json:"runId"`
}
