package fakeagent

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/agentlink/protocol"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *Hub, *httptest.Server) {
	t.Helper()
	h := NewHub()
	go h.Run()
	t.Cleanup(h.Stop)

	s := NewServer(cfg, h)
	ts := httptest.NewServer(s.Echo())
	t.Cleanup(ts.Close)
	return s, h, ts
}

func dialChannel(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s failed (status %d): %v", path, status, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil reads envelopes until one with the given tag arrives.
func readUntil(t *testing.T, ws *websocket.Conn, tag protocol.Type) []protocol.Message {
	t.Helper()
	var got []protocol.Message
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read failed waiting for %s: %v", tag, err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		got = append(got, msg)
		if msg.Kind() == tag {
			return got
		}
	}
}

func writeJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestChannelGreeting(t *testing.T) {
	_, _, ts := newTestServer(t, DefaultConfig())
	ws := dialChannel(t, ts, "/agents/a1/main?token=tok")

	msgs := readUntil(t, ws, protocol.TypeThreadInfo)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 greeting envelopes, got %d", len(msgs))
	}
	status, ok := msgs[0].(protocol.ConnectionStatus)
	if !ok || status.Status != "connected" {
		t.Fatalf("unexpected first envelope: %#v", msgs[0])
	}
	info := msgs[1].(protocol.ThreadInfo)
	if !strings.HasPrefix(info.ThreadID, "thread_") {
		t.Fatalf("unexpected thread id: %q", info.ThreadID)
	}
}

func TestChannelRejectsBadToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = "secret"
	_, _, ts := newTestServer(t, cfg)

	for _, path := range []string{"/agents/a1/main", "/agents/a1/main?token=wrong"} {
		url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Fatalf("expected handshake failure for %s", path)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s, got %+v", path, resp)
		}
	}

	ws := dialChannel(t, ts, "/agents/a1/main?token=secret")
	readUntil(t, ws, protocol.TypeThreadInfo)
}

func TestChannelRejectsBadMode(t *testing.T) {
	_, _, ts := newTestServer(t, DefaultConfig())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/agents/a1/main?token=t&continuation_mode=later"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got err=%v resp=%+v", err, resp)
	}
}

func TestChatIsStreamedInChunks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 4
	_, _, ts := newTestServer(t, cfg)
	ws := dialChannel(t, ts, "/agents/a1/main?token=tok")
	readUntil(t, ws, protocol.TypeThreadInfo)

	writeJSON(t, ws, map[string]string{"type": "message", "role": "user", "content": "hello there"})
	msgs := readUntil(t, ws, protocol.TypeComplete)

	var streamed strings.Builder
	var usage *protocol.TokenUsage
	for _, m := range msgs {
		switch v := m.(type) {
		case protocol.Chunk:
			if len([]rune(v.Content)) > 4 {
				t.Fatalf("chunk too large: %q", v.Content)
			}
			streamed.WriteString(v.Content)
		case protocol.TokenUsage:
			usage = &v
		}
	}

	want := Reply("hello there")
	if streamed.String() != want {
		t.Fatalf("expected %q, got %q", want, streamed.String())
	}
	if usage == nil || usage.TotalTokens != usage.InputTokens+usage.OutputTokens {
		t.Fatalf("unexpected usage: %+v", usage)
	}
	complete := msgs[len(msgs)-1].(protocol.Complete)
	if complete.Content != want {
		t.Fatalf("unexpected complete content: %q", complete.Content)
	}
	if msgs[0].Kind() != protocol.TypeMessageCreated {
		t.Fatalf("expected message_created first, got %s", msgs[0].Kind())
	}
}

func TestPauseInManualModeWaitsForContinue(t *testing.T) {
	_, _, ts := newTestServer(t, DefaultConfig())
	ws := dialChannel(t, ts, "/agents/a1/main?token=tok&continuation_mode=manual")
	readUntil(t, ws, protocol.TypeThreadInfo)

	writeJSON(t, ws, map[string]string{"type": "message", "role": "user", "content": "please pause"})
	msgs := readUntil(t, ws, protocol.TypeRunPaused)
	paused := msgs[len(msgs)-1].(protocol.RunPaused)
	if paused.RunID == "" || paused.Reason != "max_steps" {
		t.Fatalf("unexpected run_paused: %+v", paused)
	}

	writeJSON(t, ws, protocol.ContinueRunMessage{Type: protocol.TypeContinueRun, RunID: "run_unknown"})
	msgs = readUntil(t, ws, protocol.TypeContinueRunResult)
	if res := msgs[len(msgs)-1].(protocol.ContinueRunResult); res.Success || res.Error == "" {
		t.Fatalf("expected failure for unknown run, got %+v", res)
	}

	writeJSON(t, ws, protocol.ContinueRunMessage{Type: protocol.TypeContinueRun, RunID: paused.RunID})
	msgs = readUntil(t, ws, protocol.TypeContinueRunResult)
	if res := msgs[len(msgs)-1].(protocol.ContinueRunResult); !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	msgs = readUntil(t, ws, protocol.TypeComplete)
	if got := msgs[len(msgs)-1].(protocol.Complete).Content; got != Reply("please pause") {
		t.Fatalf("unexpected resumed reply: %q", got)
	}
}

func TestPauseInAutoModeResumes(t *testing.T) {
	_, _, ts := newTestServer(t, DefaultConfig())
	ws := dialChannel(t, ts, "/agents/a1/main?token=tok")
	readUntil(t, ws, protocol.TypeThreadInfo)

	writeJSON(t, ws, map[string]string{"type": "message", "content": "pause here"})
	msgs := readUntil(t, ws, protocol.TypeComplete)

	var sawPause bool
	for _, m := range msgs {
		if m.Kind() == protocol.TypeRunPaused {
			sawPause = true
		}
	}
	if !sawPause {
		t.Fatal("expected run_paused before completion")
	}
}

func TestSetContinuationMode(t *testing.T) {
	_, _, ts := newTestServer(t, DefaultConfig())
	ws := dialChannel(t, ts, "/agents/a1/main?token=tok")
	readUntil(t, ws, protocol.TypeThreadInfo)

	writeJSON(t, ws, protocol.SetContinuationModeMessage{Type: protocol.TypeSetContinuationMode, Mode: protocol.ContinuationManual})
	msgs := readUntil(t, ws, protocol.TypeContinuationModeUpdated)
	ack := msgs[len(msgs)-1].(protocol.ContinuationModeUpdated)
	if !ack.Success || ack.Mode != protocol.ContinuationManual {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	writeJSON(t, ws, map[string]string{"type": "set_continuation_mode", "mode": "sometimes"})
	msgs = readUntil(t, ws, protocol.TypeContinuationModeUpdated)
	ack = msgs[len(msgs)-1].(protocol.ContinuationModeUpdated)
	if ack.Success || ack.Mode != protocol.ContinuationManual {
		t.Fatalf("expected rejected ack keeping manual, got %+v", ack)
	}
}

func TestUnknownAndInvalidMessages(t *testing.T) {
	_, _, ts := newTestServer(t, DefaultConfig())
	ws := dialChannel(t, ts, "/agents/a1/main?token=tok")
	readUntil(t, ws, protocol.TypeThreadInfo)

	writeJSON(t, ws, map[string]string{"type": "dance"})
	msgs := readUntil(t, ws, protocol.TypeError)
	if report := msgs[len(msgs)-1].(*protocol.ErrorReport); report.Code != ErrorCodeUnknownType {
		t.Fatalf("unexpected error code: %+v", report)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{oops")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msgs = readUntil(t, ws, protocol.TypeError)
	if report := msgs[len(msgs)-1].(*protocol.ErrorReport); report.Code != ErrorCodeInvalidMessage {
		t.Fatalf("unexpected error code: %+v", report)
	}

	writeJSON(t, ws, map[string]string{"type": "message", "content": "  "})
	msgs = readUntil(t, ws, protocol.TypeError)
	if report := msgs[len(msgs)-1].(*protocol.ErrorReport); !strings.Contains(report.Message, "content") {
		t.Fatalf("unexpected error: %+v", report)
	}
}

func TestResumedThreadReceivesHistory(t *testing.T) {
	_, _, ts := newTestServer(t, DefaultConfig())
	ws := dialChannel(t, ts, "/agents/a1/main?token=tok")
	info := readUntil(t, ws, protocol.TypeThreadInfo)[1].(protocol.ThreadInfo)

	writeJSON(t, ws, map[string]string{"type": "message", "content": "remember me"})
	readUntil(t, ws, protocol.TypeComplete)
	ws.Close()

	again := dialChannel(t, ts, "/agents/a1/other?token=tok&thread_id="+info.ThreadID)
	msgs := readUntil(t, again, protocol.TypeThreadHistory)
	history := msgs[len(msgs)-1].(protocol.ThreadHistory)
	if len(history.Messages) != 2 {
		t.Fatalf("expected 2 history entries, got %+v", history.Messages)
	}
	if history.Messages[0].Content != "remember me" || history.Messages[1].Role != protocol.RoleAssistant {
		t.Fatalf("unexpected history: %+v", history.Messages)
	}
}

func TestSendAndDropEndpoints(t *testing.T) {
	_, h, ts := newTestServer(t, DefaultConfig())
	ws := dialChannel(t, ts, "/agents/a1/main?token=tok")
	readUntil(t, ws, protocol.TypeThreadInfo)

	waitFor(t, func() bool { return h.HasActiveConnections("a1", "main") })

	body := bytes.NewBufferString(`{"type":"cf_agent_state","state":{"count":3}}`)
	resp, err := http.Post(ts.URL+"/agents/a1/main/send", echo.MIMEApplicationJSON, body)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	var sent map[string]bool
	json.NewDecoder(resp.Body).Decode(&sent)
	resp.Body.Close()
	if !sent["delivered"] {
		t.Fatalf("expected delivery, got %+v", sent)
	}

	msgs := readUntil(t, ws, protocol.TypeAgentState)
	state := msgs[len(msgs)-1].(protocol.AgentState)
	if string(state.State) != `{"count":3}` {
		t.Fatalf("unexpected state: %s", state.State)
	}

	resp, err = http.Post(ts.URL+"/agents/a1/main/drop?reason=bye", echo.MIMEApplicationJSON, nil)
	if err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	resp.Body.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseServiceRestart || ce.Text != "bye" {
		t.Fatalf("expected service restart close, got %v", err)
	}

	waitFor(t, func() bool { return h.GetConnectionCount() == 0 })
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, DefaultConfig())
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := s.handleHealth(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body["status"] != "healthy" || body["connections"] != float64(0) {
		t.Fatalf("unexpected body: %v", body)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
