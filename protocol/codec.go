package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// TimestampLayout is the ISO-8601 form used for outbound timestamps
// (millisecond precision, UTC "Z" suffix).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// DecodeError is returned when an inbound frame is not a JSON object.
type DecodeError struct {
	Raw    string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope: %s", e.Reason)
}

// Decode parses one inbound frame. Fields that are missing or carry the wrong
// JSON type are left at their zero value; only a frame that is not a JSON object
// at all produces a *DecodeError.
func Decode(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &DecodeError{Raw: string(raw), Reason: "invalid JSON"}
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, &DecodeError{Raw: string(raw), Reason: "envelope is not a JSON object"}
	}

	typ := Type(str(doc, "type"))
	switch typ {
	case TypeMessage, TypeChatMessage:
		return ChatMessage{
			Type:      typ,
			Content:   str(doc, "content"),
			Role:      str(doc, "role"),
			ThreadID:  str(doc, "threadId", "thread_id"),
			MessageID: str(doc, "messageId", "message_id", "id"),
			Timestamp: str(doc, "timestamp"),
			Metadata:  object(doc, "metadata"),
		}, nil
	case TypeChunk:
		return Chunk{
			Content:   str(doc, "content"),
			ThreadID:  str(doc, "threadId", "thread_id"),
			MessageID: str(doc, "messageId", "message_id"),
		}, nil
	case TypeComplete:
		return Complete{
			Content:   str(doc, "content"),
			ThreadID:  str(doc, "threadId", "thread_id"),
			MessageID: str(doc, "messageId", "message_id"),
		}, nil
	case TypeMessageCreated:
		return MessageCreated{
			ThreadID:  str(doc, "threadId", "thread_id"),
			MessageID: str(doc, "messageId", "message_id"),
			Role:      str(doc, "role"),
		}, nil
	case TypeThreadInfo:
		return ThreadInfo{
			ThreadID: str(doc, "threadId", "thread_id"),
			Title:    str(doc, "title"),
			Metadata: object(doc, "metadata"),
		}, nil
	case TypeThreadHistory:
		return decodeHistory(doc), nil
	case TypeTyping:
		return Typing{IsTyping: boolean(doc, "isTyping", "is_typing")}, nil
	case TypeToolUse:
		return ToolUse{
			ToolName:   str(doc, "toolName", "tool_name"),
			ToolCallID: str(doc, "toolCallId", "tool_call_id"),
			Input:      value(doc, "input", "args"),
		}, nil
	case TypeStatus:
		return Status{
			Status:     str(doc, "status"),
			Message:    str(doc, "message"),
			ToolName:   str(doc, "toolName", "tool_name"),
			ToolCallID: str(doc, "toolCallId", "tool_call_id"),
			ToolType:   str(doc, "toolType", "tool_type"),
			ServerName: str(doc, "serverName", "server_name"),
			Progress:   number(doc, "progress"),
			Total:      number(doc, "total"),
		}, nil
	case TypeTokenUsage:
		src := doc
		if usage := doc.Get("usage"); usage.IsObject() {
			src = usage
		}
		return TokenUsage{
			InputTokens:  integer(src, "inputTokens", "input_tokens", "promptTokens", "prompt_tokens"),
			OutputTokens: integer(src, "outputTokens", "output_tokens", "completionTokens", "completion_tokens"),
			TotalTokens:  integer(src, "totalTokens", "total_tokens"),
		}, nil
	case TypeRunPaused:
		return RunPaused{
			RunID:  str(doc, "runId", "run_id"),
			Reason: str(doc, "reason"),
			Stats:  object(doc, "stats"),
		}, nil
	case TypeContinuationModeUpdated:
		return ContinuationModeUpdated{
			Mode:    ContinuationMode(str(doc, "mode", "continuationMode", "continuation_mode")),
			Success: boolean(doc, "success"),
		}, nil
	case TypeContinueRunResult:
		return ContinueRunResult{
			RunID:   str(doc, "runId", "run_id"),
			Success: boolean(doc, "success"),
			Error:   str(doc, "error"),
		}, nil
	case TypeError:
		return &ErrorReport{
			Code:    str(doc, "code"),
			Message: str(doc, "error", "message"),
		}, nil
	case TypeConnectionStatus, TypeConnected:
		return ConnectionStatus{
			Status:  str(doc, "status"),
			Message: str(doc, "message"),
		}, nil
	case TypeAgentState:
		return AgentState{State: value(doc, "state")}, nil
	default:
		return Unrecognized{Type: typ, Raw: json.RawMessage(doc.Raw)}, nil
	}
}

func decodeHistory(doc gjson.Result) ThreadHistory {
	h := ThreadHistory{
		ThreadID: str(doc, "threadId", "thread_id"),
		Messages: []HistoryEntry{},
	}
	doc.Get("messages").ForEach(func(_, m gjson.Result) bool {
		if m.IsObject() {
			h.Messages = append(h.Messages, HistoryEntry{
				MessageID: str(m, "messageId", "message_id", "id"),
				Role:      str(m, "role"),
				Content:   str(m, "content"),
				Timestamp: str(m, "timestamp", "createdAt", "created_at"),
			})
		}
		return true
	})
	return h
}

// EncodeChat encodes an outbound conversational message. The envelope is flat:
// content, role and timestamp are top-level keys, never nested under a wrapper.
func EncodeChat(msg OutgoingMessage, now time.Time) ([]byte, error) {
	data, err := json.Marshal(chatEnvelope{
		Type:      TypeMessage,
		Content:   msg.Content,
		Role:      msg.Role,
		Timestamp: now.UTC().Format(TimestampLayout),
		Metadata:  msg.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// EncodeSetContinuationMode encodes the control message that switches mode.
func EncodeSetContinuationMode(mode ContinuationMode) ([]byte, error) {
	return json.Marshal(SetContinuationModeMessage{Type: TypeSetContinuationMode, Mode: mode})
}

// EncodeContinueRun encodes the control message that resumes a paused run.
func EncodeContinueRun(runID string) ([]byte, error) {
	return json.Marshal(ContinueRunMessage{Type: TypeContinueRun, RunID: runID})
}

// Encode serializes an inbound-side message with its type tag. Agents and tests
// use it to produce frames the client decodes.
func Encode(msg Message) ([]byte, error) {
	if u, ok := msg.(Unrecognized); ok && len(u.Raw) > 0 {
		return u.Raw, nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}
	tag, _ := json.Marshal(msg.Kind())
	fields["type"] = tag
	return json.Marshal(fields)
}

// str returns the first of keys holding a JSON string.
func str(doc gjson.Result, keys ...string) string {
	for _, k := range keys {
		if r := doc.Get(k); r.Type == gjson.String {
			return r.Str
		}
	}
	return ""
}

func number(doc gjson.Result, keys ...string) *float64 {
	for _, k := range keys {
		if r := doc.Get(k); r.Type == gjson.Number {
			v := r.Num
			return &v
		}
	}
	return nil
}

func integer(doc gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if r := doc.Get(k); r.Type == gjson.Number {
			return r.Int()
		}
	}
	return 0
}

func boolean(doc gjson.Result, keys ...string) bool {
	for _, k := range keys {
		if r := doc.Get(k); r.IsBool() {
			return r.Bool()
		}
	}
	return false
}

func object(doc gjson.Result, keys ...string) json.RawMessage {
	for _, k := range keys {
		if r := doc.Get(k); r.IsObject() {
			return json.RawMessage(r.Raw)
		}
	}
	return nil
}

// value returns any present, non-null JSON value verbatim.
func value(doc gjson.Result, keys ...string) json.RawMessage {
	for _, k := range keys {
		if r := doc.Get(k); r.Exists() && r.Type != gjson.Null {
			return json.RawMessage(r.Raw)
		}
	}
	return nil
}
