package realtime

import (
	"context"
	"errors"
)

// Close codes used by the session.
const (
	CloseNormalClosure   = 1000
	CloseAbnormalClosure = 1006
)

// Conn is one open transport handle. ReadMessage is called from a single
// goroutine; WriteMessage and Close may be called concurrently with it.
type Conn interface {
	// ReadMessage blocks for the next text frame. A remote close is reported
	// as *CloseError.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens transport handles. Dial returns once the channel is open.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// closeDetails extracts the close code and reason reported for err.
func closeDetails(err error) (int, string) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	return CloseAbnormalClosure, err.Error()
}
