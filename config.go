package msgbus

import (
	"crypto/tls"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Defaults applied by Dial when the corresponding config field is zero.
const (
	// DefaultConnectTimeout bounds session establishment.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultKeepAlive is the keep-alive ping interval in seconds.
	DefaultKeepAlive = 30

	// DefaultWindowSize is the guaranteed-delivery window.
	DefaultWindowSize = 50

	// DefaultReconnectBackoff is the initial reconnect delay.
	DefaultReconnectBackoff = time.Second

	// MaxCompressionLevel is the highest accepted compression level.
	MaxCompressionLevel = 9
)

// SessionConfig holds the connection parameters for one session. It is
// immutable after the session is created; later changes have no effect.
type SessionConfig struct {
	// Host is the broker address as scheme://host:port. Supported schemes
	// are tcp, tls and quic.
	Host string

	// Username authenticates the client.
	Username string

	// Password authenticates the client. With the challenge auth scheme
	// the plaintext never crosses the wire.
	Password string

	// VPN names the message-bus partition (tenant) to join.
	VPN string

	// UseTLS forces TLS regardless of the Host scheme.
	UseTLS bool

	// TLSConfig customizes TLS when dialing tls:// or quic:// hosts.
	TLSConfig *tls.Config

	// CompressionLevel requests payload compression (0 = off, 1-9).
	CompressionLevel int

	// ReconnectRetries is the number of automatic reconnect attempts
	// after an unexpected connection loss. 0 disables reconnection;
	// -1 retries forever.
	ReconnectRetries int

	// ConnectTimeout bounds Dial. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// KeepAlive is the ping interval in seconds. Zero means
	// DefaultKeepAlive.
	KeepAlive uint16
}

// Validate checks the configuration.
func (c SessionConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.CompressionLevel, validation.Min(0), validation.Max(MaxCompressionLevel)),
		validation.Field(&c.ReconnectRetries, validation.Min(-1)),
	)
}

func (c SessionConfig) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (c SessionConfig) keepAlive() uint16 {
	if c.KeepAlive > 0 {
		return c.KeepAlive
	}
	return DefaultKeepAlive
}
