// Package realtime implements the persistent agent channel: a Session owns one
// websocket at a time, decodes inbound envelopes into named events, restores
// the channel after unexpected closures with linear back-off, and tracks the
// continuation mode for paused runs.
//
// Typical use:
//
//	s := realtime.NewSession(realtime.DefaultOptions("wss://my-agent.workers.dev"))
//	s.OnFunc(realtime.EventChunk, func(e events.Event) { ... })
//	err := s.Connect(ctx, realtime.ConnectParams{AgentID: id, SessionTag: "main", Token: tok})
package realtime
