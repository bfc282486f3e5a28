package msgbus

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ErrTLSRequired is returned when TLS configuration is required but not
// provided.
var ErrTLSRequired = errors.New("TLS configuration is required for QUIC")

// quicALPN is the ALPN protocol identifier for the message bus.
const quicALPN = "msgbus"

// quicConn wraps one bidirectional QUIC stream as a net.Conn.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	mu     sync.Mutex
}

func (c *quicConn) Read(b []byte) (int, error) {
	return c.stream.Read(b)
}

func (c *quicConn) Write(b []byte) (int, error) {
	return c.stream.Write(b)
}

func (c *quicConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.stream.Close(); err != nil {
		return err
	}
	return c.conn.CloseWithError(0, "")
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}

func (c *quicConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *quicConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

// dialQUIC connects to a broker over QUIC and opens the session stream.
// QUIC requires TLS 1.3.
func dialQUIC(ctx context.Context, address string, tlsConfig *tls.Config) (net.Conn, error) {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{quicALPN}
	}

	conn, err := quic.DialAddr(ctx, address, tlsConfig, nil)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, err
	}

	return &quicConn{conn: conn, stream: stream}, nil
}

// QUICListener accepts broker connections over QUIC, adapting each
// connection's first stream to a net.Conn.
type QUICListener struct {
	listener *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewQUICListener creates a QUIC listener for Broker.ServeListener.
func NewQUICListener(addr string, tlsConfig *tls.Config) (*QUICListener, error) {
	if tlsConfig == nil {
		return nil, ErrTLSRequired
	}

	if tlsConfig.MinVersion < tls.VersionTLS13 || len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		if tlsConfig.MinVersion < tls.VersionTLS13 {
			tlsConfig.MinVersion = tls.VersionTLS13
		}
		if len(tlsConfig.NextProtos) == 0 {
			tlsConfig.NextProtos = []string{quicALPN}
		}
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &QUICListener{listener: listener, ctx: ctx, cancel: cancel}, nil
}

// Accept waits for the next connection.
func (l *QUICListener) Accept() (net.Conn, error) {
	conn, err := l.listener.Accept(l.ctx)
	if err != nil {
		return nil, err
	}

	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to accept stream")
		return nil, err
	}

	return &quicConn{conn: conn, stream: stream}, nil
}

// Close closes the listener.
func (l *QUICListener) Close() error {
	l.cancel()
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}
