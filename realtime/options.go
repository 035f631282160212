package realtime

import (
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/xiaot623/gogo/agentlink/protocol"
)

// DefaultEndpointPattern is the endpoint contract of the hosted agent service.
var DefaultEndpointPattern = regexp.MustCompile(`(?i)^(wss?|https?)://([a-z0-9-]+\.)*workers\.dev(:[0-9]+)?(/.*)?$`)

// Default option values.
const (
	DefaultReconnectAttempts = 3
	DefaultReconnectDelay    = time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultReadTimeout       = 60 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultMaxMessageSize    = 1 << 20
)

// Options configures a Session. Start from DefaultOptions; the zero value
// disables reconnection and keepalive.
type Options struct {
	// Endpoint is the base URL of the agent service.
	Endpoint string
	// EndpointPattern must match Endpoint. Nil means DefaultEndpointPattern.
	EndpointPattern *regexp.Regexp

	// Reconnection settings
	ReconnectAttempts int           // ceiling on automatic retries, 0 disables
	ReconnectDelay    time.Duration // linear back-off base

	ContinuationMode protocol.ContinuationMode

	// Debug enables verbose diagnostics. It has no behavioral effect.
	Debug bool

	// Transport settings
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64

	Logger *slog.Logger
	// Dialer overrides the websocket dialer built from the transport settings.
	Dialer Dialer
}

// DefaultOptions returns the documented defaults for endpoint.
func DefaultOptions(endpoint string) Options {
	return Options{
		Endpoint:          endpoint,
		ReconnectAttempts: DefaultReconnectAttempts,
		ReconnectDelay:    DefaultReconnectDelay,
		ContinuationMode:  protocol.ContinuationAuto,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		ReadTimeout:       DefaultReadTimeout,
		PingInterval:      DefaultPingInterval,
		MaxMessageSize:    DefaultMaxMessageSize,
	}
}

func (o Options) withDefaults() Options {
	if o.EndpointPattern == nil {
		o.EndpointPattern = DefaultEndpointPattern
	}
	if o.ReconnectAttempts < 0 {
		o.ReconnectAttempts = 0
	}
	if o.ReconnectDelay < 0 {
		o.ReconnectDelay = 0
	}
	if o.ContinuationMode == "" {
		o.ContinuationMode = protocol.ContinuationAuto
	}
	if o.Logger == nil {
		if o.Debug {
			o.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		} else {
			o.Logger = slog.Default()
		}
	}
	if o.Dialer == nil {
		o.Dialer = &WebSocketDialer{
			HandshakeTimeout: o.HandshakeTimeout,
			WriteTimeout:     o.WriteTimeout,
			ReadTimeout:      o.ReadTimeout,
			PingInterval:     o.PingInterval,
			MaxMessageSize:   o.MaxMessageSize,
		}
	}
	return o
}
