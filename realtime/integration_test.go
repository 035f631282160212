package realtime_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agentlink/events"
	"github.com/xiaot623/gogo/agentlink/internal/fakeagent"
	"github.com/xiaot623/gogo/agentlink/protocol"
	"github.com/xiaot623/gogo/agentlink/realtime"
)

var localEndpoint = regexp.MustCompile(`^http://127\.0\.0\.1:[0-9]+$`)

func startAgent(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	hub := fakeagent.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	cfg := fakeagent.DefaultConfig()
	cfg.APIKey = apiKey
	ts := httptest.NewServer(fakeagent.NewServer(cfg, hub).Echo())
	t.Cleanup(ts.Close)
	return ts
}

func newLocalSession(t *testing.T, ts *httptest.Server, mutate func(*realtime.Options)) *realtime.Session {
	t.Helper()
	opts := realtime.DefaultOptions(ts.URL)
	opts.EndpointPattern = localEndpoint
	opts.ReconnectDelay = 10 * time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}
	s := realtime.NewSession(opts)
	t.Cleanup(s.Disconnect)
	return s
}

// collector gathers events by name.
type collector struct {
	mu     sync.Mutex
	events []events.Event
	signal chan events.Event
}

func collect(s *realtime.Session, names ...string) *collector {
	c := &collector{signal: make(chan events.Event, 256)}
	for _, name := range names {
		s.OnFunc(name, func(e events.Event) {
			c.mu.Lock()
			c.events = append(c.events, e)
			c.mu.Unlock()
			c.signal <- e
		})
	}
	return c
}

func (c *collector) waitFor(t *testing.T, name string) events.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-c.signal:
			if e.Name == name {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func (c *collector) named(name string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func TestSessionAgainstLocalAgent(t *testing.T) {
	ts := startAgent(t, "")
	s := newLocalSession(t, ts, nil)
	c := collect(s, realtime.EventConnectionStatus, realtime.EventThreadInfo, realtime.EventChunk,
		realtime.EventComplete, realtime.EventStatus, realtime.EventTokenUsage)

	require.NoError(t, s.Connect(context.Background(), realtime.ConnectParams{
		AgentID: "demo", SessionTag: "main", Token: "tok",
	}))
	status := c.waitFor(t, realtime.EventConnectionStatus).Payload.(protocol.ConnectionStatus)
	assert.Equal(t, "connected", status.Status)
	c.waitFor(t, realtime.EventThreadInfo)

	require.NoError(t, s.SendMessage(protocol.OutgoingMessage{Content: "hello agent"}))
	complete := c.waitFor(t, realtime.EventComplete).Payload.(protocol.Complete)

	var full strings.Builder
	for _, e := range c.named(realtime.EventChunk) {
		full.WriteString(e.Payload.(protocol.Chunk).Content)
	}
	assert.Equal(t, fakeagent.Reply("hello agent"), full.String())
	assert.Equal(t, full.String(), complete.Content)

	statuses := c.named(realtime.EventStatus)
	require.Len(t, statuses, 2)
	assert.Nil(t, statuses[0].Payload.(protocol.Status).Progress)
	assert.NotNil(t, statuses[1].Payload.(protocol.Status).Progress)
	assert.Len(t, c.named(realtime.EventTokenUsage), 1)
}

func TestSessionRejectedToken(t *testing.T) {
	ts := startAgent(t, "secret")
	s := newLocalSession(t, ts, nil)

	err := s.Connect(context.Background(), realtime.ConnectParams{AgentID: "demo", SessionTag: "main", Token: "expired"})
	require.Error(t, err)

	var hsErr *realtime.HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, http.StatusUnauthorized, hsErr.StatusCode)
	assert.Equal(t, realtime.StateClosed, s.State())
}

func TestSessionReconnectsAfterAgentDrop(t *testing.T) {
	ts := startAgent(t, "")
	s := newLocalSession(t, ts, nil)
	c := collect(s, realtime.EventConnected, realtime.EventDisconnected, realtime.EventReconnecting, realtime.EventThreadInfo)

	require.NoError(t, s.Connect(context.Background(), realtime.ConnectParams{AgentID: "demo", SessionTag: "main", Token: "tok"}))
	c.waitFor(t, realtime.EventThreadInfo)

	resp, err := http.Post(ts.URL+"/agents/demo/main/drop?reason=deploy", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	dropped := c.waitFor(t, realtime.EventDisconnected).Payload.(realtime.DisconnectedEvent)
	assert.Equal(t, 1012, dropped.Code)
	assert.Equal(t, "deploy", dropped.Reason)

	reconnected := c.waitFor(t, realtime.EventConnected).Payload.(realtime.ConnectedEvent)
	assert.True(t, reconnected.Reconnect)
	assert.Equal(t, realtime.StateOpen, s.State())
	assert.Equal(t, 0, s.Attempts())
	assert.Len(t, c.named(realtime.EventReconnecting), 1)
}

func TestSessionManualContinuation(t *testing.T) {
	ts := startAgent(t, "")
	s := newLocalSession(t, ts, func(o *realtime.Options) {
		o.ContinuationMode = protocol.ContinuationManual
	})
	c := collect(s, realtime.EventThreadInfo, realtime.EventRunPaused, realtime.EventContinueRunResult,
		realtime.EventComplete, realtime.EventContinuationModeUpdated)

	require.NoError(t, s.Connect(context.Background(), realtime.ConnectParams{AgentID: "demo", SessionTag: "main", Token: "tok"}))
	c.waitFor(t, realtime.EventThreadInfo)

	require.NoError(t, s.SendMessage(protocol.OutgoingMessage{Content: "pause please"}))
	paused := c.waitFor(t, realtime.EventRunPaused).Payload.(protocol.RunPaused)
	assert.Equal(t, "max_steps", paused.Reason)
	assert.True(t, s.Continuation().AwaitsContinue(paused))

	require.NoError(t, s.ContinueRun(paused.RunID))
	result := c.waitFor(t, realtime.EventContinueRunResult).Payload.(protocol.ContinueRunResult)
	assert.True(t, result.Success)
	c.waitFor(t, realtime.EventComplete)

	require.NoError(t, s.SetContinuationMode(protocol.ContinuationAuto))
	ack := c.waitFor(t, realtime.EventContinuationModeUpdated).Payload.(protocol.ContinuationModeUpdated)
	assert.Equal(t, protocol.ContinuationAuto, ack.Mode)
	assert.Equal(t, protocol.ContinuationAuto, s.Continuation().Acknowledged())
}
