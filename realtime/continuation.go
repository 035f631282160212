package realtime

import (
	"fmt"
	"sync"

	"github.com/xiaot623/gogo/agentlink/protocol"
)

// ContinuationController tracks whether paused runs resume automatically or
// wait for an explicit ContinueRun. It changes only when the caller asks.
type ContinuationController struct {
	mu    sync.RWMutex
	mode  protocol.ContinuationMode
	acked protocol.ContinuationMode
}

// NewContinuationController creates a controller starting in mode.
func NewContinuationController(mode protocol.ContinuationMode) *ContinuationController {
	return &ContinuationController{mode: mode}
}

// Mode returns the locally selected mode.
func (c *ContinuationController) Mode() protocol.ContinuationMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Set switches the local mode.
func (c *ContinuationController) Set(mode protocol.ContinuationMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	return nil
}

// Acknowledge records the mode the server confirmed.
func (c *ContinuationController) Acknowledge(ack protocol.ContinuationModeUpdated) {
	if !ack.Success || !ack.Mode.Valid() {
		return
	}
	c.mu.Lock()
	c.acked = ack.Mode
	c.mu.Unlock()
}

// Acknowledged returns the last mode confirmed by the server, or "" if none.
func (c *ContinuationController) Acknowledged() protocol.ContinuationMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.acked
}

// AwaitsContinue reports whether a paused run needs the caller to continue it.
// In auto mode the server resumes on its own.
func (c *ContinuationController) AwaitsContinue(protocol.RunPaused) bool {
	return c.Mode() == protocol.ContinuationManual
}

// reset forgets the server acknowledgement; a new channel starts from the
// mode sent in its URL.
func (c *ContinuationController) reset() {
	c.mu.Lock()
	c.acked = ""
	c.mu.Unlock()
}
