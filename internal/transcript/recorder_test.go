package transcript

import (
	"context"
	"errors"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agentlink/events"
	"github.com/xiaot623/gogo/agentlink/internal/fakeagent"
	"github.com/xiaot623/gogo/agentlink/protocol"
	"github.com/xiaot623/gogo/agentlink/realtime"
)

func TestEncodePayload(t *testing.T) {
	raw, err := encodePayload(errors.New("boom"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"boom"}`, string(raw))

	raw, err = encodePayload(&protocol.ErrorReport{Code: "c", Message: "m"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"c","error":"m"}`, string(raw))

	raw, err = encodePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestRecorderSkipsPartialMessages(t *testing.T) {
	store := newTestStore(t)
	s := realtime.NewSession(realtime.DefaultOptions("wss://demo.workers.dev"))
	r := NewRecorder(store, s, nil)

	require.NoError(t, r.HandleEvent(events.Event{
		Name:    realtime.EventMessage,
		Payload: protocol.ChatMessage{Content: "par", Role: "assistant", Partial: true},
	}))
	require.NoError(t, r.HandleEvent(events.Event{
		Name:    realtime.EventMessage,
		Payload: protocol.ChatMessage{Content: "whole", Role: "assistant"},
	}))

	got, err := store.ListEvents(context.Background(), EventFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"type":"","content":"whole","role":"assistant"}`, string(got[0].Payload))
}

func TestRecorderCapturesLiveSession(t *testing.T) {
	store := newTestStore(t)

	hub := fakeagent.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)
	ts := httptest.NewServer(fakeagent.NewServer(fakeagent.DefaultConfig(), hub).Echo())
	t.Cleanup(ts.Close)

	opts := realtime.DefaultOptions(ts.URL)
	opts.EndpointPattern = regexp.MustCompile(`^http://127\.0\.0\.1:[0-9]+$`)
	s := realtime.NewSession(opts)
	t.Cleanup(s.Disconnect)

	r := NewRecorder(store, s, nil)
	r.Attach()

	done := make(chan struct{}, 1)
	s.OnFunc(realtime.EventComplete, func(events.Event) { done <- struct{}{} })

	require.NoError(t, s.Connect(context.Background(), realtime.ConnectParams{AgentID: "demo", SessionTag: "rec", Token: "tok"}))
	require.NoError(t, s.SendMessage(protocol.OutgoingMessage{Content: "record this"}))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("no completion")
	}
	r.Detach()

	conns, err := store.ListConnections(context.Background(), "demo", "rec")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.False(t, conns[0].Reconnect)

	evts, err := store.ListEvents(context.Background(), EventFilter{AgentID: "demo", SessionTag: "rec"})
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, realtime.EventConnected, evts[0].Type)

	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
		assert.Equal(t, conns[0].ConnectionID, e.ConnectionID)
	}
	assert.Contains(t, types, realtime.EventConnectionStatus)
	assert.Contains(t, types, realtime.EventMessageCreated)
	assert.Contains(t, types, realtime.EventComplete)
	assert.NotContains(t, types, realtime.EventMessage, "only chunk-derived messages were sent")
}
