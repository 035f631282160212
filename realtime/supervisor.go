package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LinearBackoff computes retry delays that grow by Base per attempt.
type LinearBackoff struct {
	Base time.Duration
}

// Delay returns the wait before attempt n (1-indexed): Base × (n−1).
func (b LinearBackoff) Delay(n int) time.Duration {
	if n <= 1 {
		return 0
	}
	return b.Base * time.Duration(n-1)
}

// SupervisorConfig wires a Supervisor to the session it restores.
type SupervisorConfig struct {
	MaxAttempts int
	Backoff     LinearBackoff
	// Connect performs one full connect attempt and reports whether the
	// channel reached open.
	Connect func(ctx context.Context) error
	// Notify receives reconnecting and reconnectFailed events.
	Notify func(name string, payload any)
	Logger *slog.Logger
}

// Supervisor re-establishes a session after unexpected closures. It runs an
// explicit loop bounded by MaxAttempts; the attempt counter is reset by the
// session each time a channel opens.
type Supervisor struct {
	cfg   SupervisorConfig
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	attempts int
	runID    uint64
	cancel   context.CancelFunc
}

// NewSupervisor creates an idle supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, sleep: sleepContext}
}

// Attempts returns the number of retries since the last successful open.
func (sv *Supervisor) Attempts() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.attempts
}

// Reset zeroes the attempt counter.
func (sv *Supervisor) Reset() {
	sv.mu.Lock()
	sv.attempts = 0
	sv.mu.Unlock()
}

// Start begins a retry loop in the background, replacing any loop that is
// still winding down.
func (sv *Supervisor) Start() {
	if sv.cfg.MaxAttempts <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sv.mu.Lock()
	if sv.cancel != nil {
		sv.cancel()
	}
	sv.runID++
	id := sv.runID
	sv.cancel = cancel
	sv.mu.Unlock()

	go sv.run(ctx, id)
}

// Stop cancels the running loop, if any. It does not wait for it to exit.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.cancel != nil {
		sv.cancel()
		sv.cancel = nil
	}
}

func (sv *Supervisor) run(ctx context.Context, id uint64) {
	defer func() {
		sv.mu.Lock()
		if sv.runID == id && sv.cancel != nil {
			sv.cancel()
			sv.cancel = nil
		}
		sv.mu.Unlock()
	}()

	for {
		sv.mu.Lock()
		if ctx.Err() != nil {
			sv.mu.Unlock()
			return
		}
		if sv.attempts >= sv.cfg.MaxAttempts {
			attempts := sv.attempts
			sv.mu.Unlock()
			sv.cfg.Logger.Warn("reconnect attempts exhausted", "attempts", attempts)
			sv.cfg.Notify(EventReconnectFailed, ReconnectFailedEvent{Attempts: attempts})
			return
		}
		delay := sv.cfg.Backoff.Delay(sv.attempts + 1)
		sv.attempts++
		attempt := sv.attempts
		sv.mu.Unlock()

		sv.cfg.Logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
		sv.cfg.Notify(EventReconnecting, ReconnectingEvent{Attempt: attempt, Delay: delay})

		if err := sv.sleep(ctx, delay); err != nil {
			return
		}
		err := sv.cfg.Connect(ctx)
		if err == nil {
			return
		}
		sv.cfg.Logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
