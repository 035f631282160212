// Package main provides an interactive CLI for chatting with an agent over a
// realtime session.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/xiaot623/gogo/agentlink/config"
	"github.com/xiaot623/gogo/agentlink/events"
	"github.com/xiaot623/gogo/agentlink/internal/policy"
	"github.com/xiaot623/gogo/agentlink/internal/transcript"
	"github.com/xiaot623/gogo/agentlink/protocol"
	"github.com/xiaot623/gogo/agentlink/realtime"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults to environment only)")
	endpoint := flag.String("endpoint", "", "Agent service base URL (overrides config)")
	agentID := flag.String("agent", "default", "Agent ID")
	sessionTag := flag.String("tag", "main", "Session tag")
	token := flag.String("token", "", "Access token")
	threadID := flag.String("thread", "", "Thread ID to resume")
	mode := flag.String("mode", "", "Continuation mode: auto or manual (overrides config)")
	record := flag.String("record", "", "SQLite transcript database (overrides config)")
	autoContinue := flag.Bool("auto-continue", false, "Continue paused runs allowed by the continuation policy")
	flag.Parse()

	log.SetFlags(log.Ltime)

	cfg := config.Load()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *endpoint != "" {
		cfg.Endpoint = *endpoint
	}
	if *mode != "" {
		cfg.ContinuationMode = *mode
	}
	if *record != "" {
		cfg.RecordPath = *record
	}

	opts, err := cfg.SessionOptions()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	session := realtime.NewSession(opts)
	logger := cfg.Logger()

	if cfg.RecordPath != "" {
		store, err := transcript.NewSQLiteStore(cfg.RecordPath)
		if err != nil {
			log.Fatalf("Failed to open transcript: %v", err)
		}
		defer store.Close()
		transcript.NewRecorder(store, session, logger).Attach()
		fmt.Printf("Recording transcript to %s\n", cfg.RecordPath)
	}

	if *autoContinue {
		engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
		if err != nil {
			log.Fatalf("Failed to load continuation policy: %v", err)
		}
		session.On(realtime.EventRunPaused, policy.NewAutoContinuer(engine, session, logger))
	}

	printEvents(session, *autoContinue)

	params := realtime.ConnectParams{
		AgentID:    *agentID,
		SessionTag: *sessionTag,
		Token:      *token,
		ThreadID:   *threadID,
	}

	fmt.Printf("Connecting to %s/%s...\n", params.AgentID, params.SessionTag)
	if err := connect(session, params, opts.HandshakeTimeout); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer session.Disconnect()

	fmt.Println("\nType a message and press Enter to send.")
	fmt.Println("Commands: /mode auto|manual, /continue <run-id>, /reconnect [tag], /disconnect, /quit")
	fmt.Println()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}
			if !strings.HasPrefix(input, "/") {
				if err := session.SendMessage(protocol.OutgoingMessage{Role: protocol.RoleUser, Content: input}); err != nil {
					log.Printf("Send error: %v", err)
				}
				continue
			}
			if quit := runCommand(session, &params, opts.HandshakeTimeout, input); quit {
				fmt.Println("Bye!")
				return
			}
		}
	}
}

func connect(session *realtime.Session, params realtime.ConnectParams, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = realtime.DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return session.Connect(ctx, params)
}

// runCommand executes one slash command and reports whether the CLI should exit.
func runCommand(session *realtime.Session, params *realtime.ConnectParams, timeout time.Duration, input string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/mode":
		if len(fields) < 2 {
			fmt.Printf("Continuation mode: %s\n", session.ContinuationMode())
			return false
		}
		if err := session.SetContinuationMode(protocol.ContinuationMode(fields[1])); err != nil {
			log.Printf("Mode error: %v", err)
		}
	case "/continue":
		if len(fields) < 2 {
			fmt.Println("Usage: /continue <run-id>")
			return false
		}
		if err := session.ContinueRun(fields[1]); err != nil {
			log.Printf("Continue error: %v", err)
		}
	case "/reconnect":
		session.Disconnect()
		if len(fields) > 1 {
			params.SessionTag = fields[1]
		}
		if err := connect(session, *params, timeout); err != nil {
			log.Printf("Reconnect error: %v", err)
		}
	case "/disconnect":
		session.Disconnect()
		fmt.Println("Disconnected. Use /reconnect to open the channel again.")
	default:
		fmt.Printf("Unknown command %s\n", fields[0])
	}
	return false
}

// printEvents renders session events on stdout.
func printEvents(session *realtime.Session, autoContinue bool) {
	session.On(realtime.EventConnected, events.Handle(func(e realtime.ConnectedEvent) {
		verb := "Connected"
		if e.Reconnect {
			verb = "Reconnected"
		}
		fmt.Printf("[%s] %s/%s (connection %s)\n", verb, e.AgentID, e.SessionTag, e.ConnectionID)
	}))
	session.On(realtime.EventDisconnected, events.Handle(func(e realtime.DisconnectedEvent) {
		fmt.Printf("\n[disconnected] code=%d reason=%q\n", e.Code, e.Reason)
	}))
	session.On(realtime.EventReconnecting, events.Handle(func(e realtime.ReconnectingEvent) {
		fmt.Printf("[reconnecting] attempt %d in %s\n", e.Attempt, e.Delay)
	}))
	session.On(realtime.EventReconnectFailed, events.Handle(func(e realtime.ReconnectFailedEvent) {
		fmt.Printf("[reconnect failed] gave up after %d attempts, use /reconnect\n", e.Attempts)
	}))
	session.On(realtime.EventError, events.Handle(func(err error) {
		fmt.Printf("\n[error] %v\n", err)
	}))

	session.On(realtime.EventChunk, events.Handle(func(c protocol.Chunk) {
		fmt.Print(c.Content)
	}))
	session.On(realtime.EventComplete, events.Handle(func(protocol.Complete) {
		fmt.Println()
	}))
	session.On(realtime.EventMessage, events.Handle(func(m protocol.ChatMessage) {
		if !m.Partial {
			fmt.Printf("[%s] %s\n", m.Role, m.Content)
		}
	}))
	session.On(realtime.EventThreadInfo, events.Handle(func(t protocol.ThreadInfo) {
		fmt.Printf("[thread] %s\n", t.ThreadID)
	}))
	session.On(realtime.EventThreadHistory, events.Handle(func(h protocol.ThreadHistory) {
		for _, m := range h.Messages {
			fmt.Printf("  (%s) %s\n", m.Role, m.Content)
		}
	}))
	session.On(realtime.EventStatus, events.Handle(func(s protocol.Status) {
		line := "[status] " + s.Status
		if s.Message != "" {
			line += ": " + s.Message
		}
		if s.Progress != nil && s.Total != nil {
			line += fmt.Sprintf(" (%g/%g)", *s.Progress, *s.Total)
		}
		fmt.Println(line)
	}))
	session.On(realtime.EventToolUse, events.Handle(func(t protocol.ToolUse) {
		fmt.Printf("[tool] %s %s\n", t.ToolName, string(t.Input))
	}))
	session.On(realtime.EventTokenUsage, events.Handle(func(u protocol.TokenUsage) {
		fmt.Printf("[tokens] in=%d out=%d total=%d\n", u.InputTokens, u.OutputTokens, u.TotalTokens)
	}))
	session.On(realtime.EventRunPaused, events.Handle(func(p protocol.RunPaused) {
		fmt.Printf("[paused] run %s (%s)\n", p.RunID, p.Reason)
		if session.Continuation().AwaitsContinue(p) && !autoContinue {
			fmt.Printf("Type /continue %s to resume\n", p.RunID)
		}
	}))
	session.On(realtime.EventContinuationModeUpdated, events.Handle(func(u protocol.ContinuationModeUpdated) {
		fmt.Printf("[mode] %s (success=%t)\n", u.Mode, u.Success)
	}))
	session.On(realtime.EventContinueRunResult, events.Handle(func(r protocol.ContinueRunResult) {
		if r.Success {
			fmt.Printf("[continued] run %s\n", r.RunID)
		} else {
			fmt.Printf("[continue failed] run %s: %s\n", r.RunID, r.Error)
		}
	}))
	session.On(realtime.EventAgentState, events.Handle(func(s protocol.AgentState) {
		fmt.Printf("[state] %s\n", string(s.State))
	}))
	session.On(realtime.EventRawMessage, events.Handle(func(u protocol.Unrecognized) {
		var pretty map[string]any
		if err := json.Unmarshal(u.Raw, &pretty); err != nil {
			return
		}
		formatted, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("[%s] Received:\n%s\n", u.Type, string(formatted))
	}))
}
