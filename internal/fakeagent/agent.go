package fakeagent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/gogo/agentlink/protocol"
)

// Error codes sent in error envelopes.
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeUnknownType    = "unknown_type"
)

// baseMessage carries the tag of a client envelope.
type baseMessage struct {
	Type protocol.Type `json:"type"`
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *Connection, data []byte) {
	var base baseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(conn, ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch base.Type {
	case protocol.TypeMessage:
		s.handleChat(conn, data)
	case protocol.TypeSetContinuationMode:
		s.handleSetContinuationMode(conn, data)
	case protocol.TypeContinueRun:
		s.handleContinueRun(conn, data)
	default:
		s.sendError(conn, ErrorCodeUnknownType, "unknown message type: "+string(base.Type))
	}
}

// handleChat answers a conversational message with a streamed reply. Prompts
// mentioning "pause" stop the run before streaming.
func (s *Server) handleChat(conn *Connection, data []byte) {
	var msg protocol.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, ErrorCodeInvalidMessage, "invalid message envelope")
		return
	}
	if strings.TrimSpace(msg.Content) == "" {
		s.sendError(conn, ErrorCodeInvalidMessage, "content is required")
		return
	}
	if msg.Role == "" {
		msg.Role = protocol.RoleUser
	}

	s.hub.AppendHistory(conn.ThreadID, protocol.HistoryEntry{
		MessageID: shortID("msg_"),
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})

	go s.respond(conn, msg.Content)
}

func (s *Server) respond(conn *Connection, prompt string) {
	messageID := shortID("msg_")
	toolCallID := shortID("call_")
	total := 1.0

	s.send(conn, protocol.MessageCreated{ThreadID: conn.ThreadID, MessageID: messageID, Role: protocol.RoleAssistant})
	s.send(conn, protocol.Typing{IsTyping: true})
	s.send(conn, protocol.Status{
		Status:     "tool_executing",
		Message:    "echoing prompt",
		ToolName:   "echo",
		ToolCallID: toolCallID,
		ToolType:   "builtin",
	})
	s.send(conn, protocol.Status{
		Status:     "tool_complete",
		ToolName:   "echo",
		ToolCallID: toolCallID,
		ToolType:   "builtin",
		Progress:   &total,
		Total:      &total,
	})

	if strings.Contains(strings.ToLower(prompt), "pause") {
		runID := shortID("run_")
		stats, _ := json.Marshal(map[string]any{"steps": 20, "elapsed_ms": 1500})
		manual := conn.Mode() == protocol.ContinuationManual
		if manual {
			conn.hold(runID, heldRun{MessageID: messageID, Prompt: prompt})
		}
		s.send(conn, protocol.RunPaused{RunID: runID, Reason: "max_steps", Stats: stats})
		if manual {
			s.send(conn, protocol.Typing{IsTyping: false})
			return
		}
	}

	s.stream(conn, messageID, Reply(prompt))
}

// stream sends text as chunks followed by usage and a completion marker.
func (s *Server) stream(conn *Connection, messageID, text string) {
	runes := []rune(text)
	for start := 0; start < len(runes); start += s.cfg.ChunkSize {
		end := min(start+s.cfg.ChunkSize, len(runes))
		s.send(conn, protocol.Chunk{
			Content:   string(runes[start:end]),
			ThreadID:  conn.ThreadID,
			MessageID: messageID,
		})
		if s.cfg.ChunkDelay > 0 {
			time.Sleep(s.cfg.ChunkDelay)
		}
	}

	in := int64(len(strings.Fields(text)))
	out := int64(len(runes))
	s.hub.AppendHistory(conn.ThreadID, protocol.HistoryEntry{
		MessageID: messageID,
		Role:      protocol.RoleAssistant,
		Content:   text,
		Timestamp: time.Now().UTC().Format(protocol.TimestampLayout),
	})

	s.send(conn, protocol.TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out})
	s.send(conn, protocol.Complete{Content: text, ThreadID: conn.ThreadID, MessageID: messageID})
	s.send(conn, protocol.Typing{IsTyping: false})
}

// handleSetContinuationMode switches the channel's continuation mode.
func (s *Server) handleSetContinuationMode(conn *Connection, data []byte) {
	var msg protocol.SetContinuationModeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, ErrorCodeInvalidMessage, "invalid set_continuation_mode message")
		return
	}

	if !msg.Mode.Valid() {
		s.send(conn, protocol.ContinuationModeUpdated{Mode: conn.Mode(), Success: false})
		return
	}
	conn.setMode(msg.Mode)
	s.send(conn, protocol.ContinuationModeUpdated{Mode: msg.Mode, Success: true})
}

// handleContinueRun resumes a run held in manual mode.
func (s *Server) handleContinueRun(conn *Connection, data []byte) {
	var msg protocol.ContinueRunMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, ErrorCodeInvalidMessage, "invalid continue_run message")
		return
	}

	run, ok := conn.release(msg.RunID)
	if !ok {
		s.send(conn, protocol.ContinueRunResult{RunID: msg.RunID, Success: false, Error: "run not found"})
		return
	}
	s.send(conn, protocol.ContinueRunResult{RunID: msg.RunID, Success: true})
	go s.stream(conn, run.MessageID, Reply(run.Prompt))
}

// Reply is the text the fake agent answers a prompt with.
func Reply(prompt string) string {
	return fmt.Sprintf("Echo: %s", prompt)
}
