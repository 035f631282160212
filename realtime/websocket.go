package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer dials agent channels with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	Header           http.Header
}

// Dial performs the websocket handshake and starts keepalive pings.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}

	conn := &wsConn{
		ws:           ws,
		writeTimeout: d.WriteTimeout,
		done:         make(chan struct{}),
	}

	if d.MaxMessageSize > 0 {
		ws.SetReadLimit(d.MaxMessageSize)
	}

	// Pongs extend the read deadline; without pings there is nothing to extend it.
	if d.PingInterval > 0 && d.ReadTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(d.ReadTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(d.ReadTimeout))
		})
	}
	if d.PingInterval > 0 {
		go conn.pingLoop(d.PingInterval)
	}

	return conn, nil
}

// wsConn serializes writes on a gorilla connection.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	done         chan struct{}
	closeOnce    sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		if c.writeTimeout > 0 {
			deadline = time.Now().Add(c.writeTimeout)
		}
		// Best effort: the peer may already be gone.
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(interval)
			if c.writeTimeout > 0 {
				deadline = time.Now().Add(c.writeTimeout)
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
