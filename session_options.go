package msgbus

import (
	"fmt"
	"time"
)

// sessionOptions holds per-session tunables beyond SessionConfig.
type sessionOptions struct {
	clientName string

	logger  Logger
	metrics Metrics

	onEvent   SessionEventHandler
	onMessage MessageHandler

	publishWindow uint16
	writeTimeout  time.Duration

	reconnectBackoff time.Duration
	maxBackoff       time.Duration

	proxyAddr     string
	proxyUsername string
	proxyPassword string

	dialer Dialer
}

func defaultSessionOptions() *sessionOptions {
	return &sessionOptions{
		logger:           NewNoOpLogger(),
		metrics:          noopMetrics{},
		publishWindow:    DefaultWindowSize,
		writeTimeout:     5 * time.Second,
		reconnectBackoff: DefaultReconnectBackoff,
		maxBackoff:       30 * time.Second,
	}
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

// WithClientName sets the client name reported to the broker. A random
// name is generated when unset.
func WithClientName(name string) SessionOption {
	return func(o *sessionOptions) {
		o.clientName = name
	}
}

// WithLogger sets the session logger.
func WithLogger(logger Logger) SessionOption {
	return func(o *sessionOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics Metrics) SessionOption {
	return func(o *sessionOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithEventHandler sets the session event callback. Events are dispatched
// on the session's single event goroutine.
func WithEventHandler(handler SessionEventHandler) SessionOption {
	return func(o *sessionOptions) {
		o.onEvent = handler
	}
}

// WithMessageHandler sets the default callback for inbound direct
// messages. Per-subscription handlers registered with
// SubscribeWithHandler take precedence.
func WithMessageHandler(handler MessageHandler) SessionOption {
	return func(o *sessionOptions) {
		o.onMessage = handler
	}
}

// WithPublishWindow bounds unacknowledged guaranteed publishes.
func WithPublishWindow(size uint16) SessionOption {
	return func(o *sessionOptions) {
		if size > 0 {
			o.publishWindow = size
		}
	}
}

// WithWriteTimeout bounds individual frame writes.
func WithWriteTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		o.writeTimeout = d
	}
}

// WithReconnectBackoff sets the initial and maximum delay between
// reconnect attempts. The delay doubles per attempt up to max.
func WithReconnectBackoff(initial, max time.Duration) SessionOption {
	return func(o *sessionOptions) {
		if initial > 0 {
			o.reconnectBackoff = initial
		}
		if max > 0 {
			o.maxBackoff = max
		}
	}
}

// WithProxy routes the connection through a SOCKS5 proxy.
func WithProxy(addr, username, password string) SessionOption {
	return func(o *sessionOptions) {
		o.proxyAddr = addr
		o.proxyUsername = username
		o.proxyPassword = password
	}
}

// WithDialer overrides the transport dialer. Mainly useful for tests and
// custom transports.
func WithDialer(d Dialer) SessionOption {
	return func(o *sessionOptions) {
		o.dialer = d
	}
}

// generateClientName builds a unique default client name.
func generateClientName() string {
	return fmt.Sprintf("msgbus-%d", time.Now().UnixNano())
}
