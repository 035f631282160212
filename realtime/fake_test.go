package realtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeConn is a scripted transport. Frames pushed with deliver are returned by
// ReadMessage in order; drop ends the read loop with a close error.
type fakeConn struct {
	inbound chan []byte
	dropped chan error
	closed  chan struct{}

	mu        sync.Mutex
	writes    [][]byte
	closeCode int
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		dropped: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) deliver(frame string) { c.inbound <- []byte(frame) }

func (c *fakeConn) drop(err error) { c.dropped <- err }

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case err := <-c.dropped:
		return nil, err
	case <-c.closed:
		return nil, &CloseError{Code: CloseNormalClosure, Reason: "closed"}
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out queued results in order. When the queue is empty it
// fails every dial.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	urls    []string
}

type dialResult struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) queue(conn *fakeConn, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, dialResult{conn: conn, err: err})
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

const testEndpoint = "wss://demo.workers.dev"

func testOptions(d Dialer) Options {
	opts := DefaultOptions(testEndpoint)
	opts.Dialer = d
	opts.PingInterval = 0
	return opts
}

var testParams = ConnectParams{AgentID: "agent-1", SessionTag: "main", Token: "tok"}

// recorder collects payloads of one event name.
type recorder[T any] struct {
	mu  sync.Mutex
	got []T
	ch  chan T
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{ch: make(chan T, 64)}
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
	r.ch <- v
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func (r *recorder[T]) next(timeout time.Duration) (T, bool) {
	select {
	case v := <-r.ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// blockingDialer holds each dial until release is closed, then returns conn.
type blockingDialer struct {
	conn    *fakeConn
	started chan struct{}
	release chan struct{}
}

func newBlockingDialer(conn *fakeConn) *blockingDialer {
	return &blockingDialer{
		conn:    conn,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (d *blockingDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.started <- struct{}{}
	select {
	case <-d.release:
		return d.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
