package policy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaot623/gogo/agentlink/events"
	"github.com/xiaot623/gogo/agentlink/protocol"
	"github.com/xiaot623/gogo/agentlink/realtime"
)

// Continuer is the part of a session the auto-continuer drives.
type Continuer interface {
	ContinuationMode() protocol.ContinuationMode
	ContinueRun(runID string) error
}

// AutoContinuer listens for paused runs and continues those the policy
// allows. It only acts in manual mode; in auto mode the agent resumes on its
// own.
type AutoContinuer struct {
	engine  *Engine
	session Continuer
	logger  *slog.Logger

	mu        sync.Mutex
	continued int
}

// NewAutoContinuer creates an auto-continuer for session.
func NewAutoContinuer(engine *Engine, session Continuer, logger *slog.Logger) *AutoContinuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoContinuer{
		engine:  engine,
		session: session,
		logger:  logger.With("component", "policy"),
	}
}

// HandleEvent implements events.Listener for realtime.EventRunPaused.
func (a *AutoContinuer) HandleEvent(e events.Event) error {
	paused, ok := e.Payload.(protocol.RunPaused)
	if !ok {
		return nil
	}
	_, err := a.Handle(paused)
	return err
}

// Handle evaluates the policy for one paused run and continues it when
// allowed. It reports whether ContinueRun was sent.
func (a *AutoContinuer) Handle(paused protocol.RunPaused) (bool, error) {
	mode := a.session.ContinuationMode()
	if mode != protocol.ContinuationManual {
		return false, nil
	}

	a.mu.Lock()
	continued := a.continued
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	decision, err := a.engine.Evaluate(ctx, Input{
		RunID:     paused.RunID,
		Reason:    paused.Reason,
		Mode:      mode,
		Stats:     paused.Stats,
		Continued: continued,
	})
	if err != nil {
		return false, err
	}

	a.logger.Info("paused run evaluated", "run_id", paused.RunID, "reason", paused.Reason, "decision", decision)
	if decision != DecisionContinue {
		return false, nil
	}

	if err := a.session.ContinueRun(paused.RunID); err != nil {
		return false, err
	}
	a.mu.Lock()
	a.continued++
	a.mu.Unlock()
	return true, nil
}

// Continued returns how many runs were continued by policy.
func (a *AutoContinuer) Continued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.continued
}

var _ Continuer = (*realtime.Session)(nil)
