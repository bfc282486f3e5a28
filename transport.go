package msgbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"

	"golang.org/x/net/proxy"
)

// Dialer establishes the transport connection for a session. The address
// is the full broker URL (scheme://host:port).
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// transportDialer is the default Dialer supporting tcp, tls and quic
// schemes, optionally through a SOCKS5 proxy.
type transportDialer struct {
	tlsConfig *tls.Config
	forceTLS  bool

	proxyAddr     string
	proxyUsername string
	proxyPassword string
}

func newTransportDialer(cfg SessionConfig, opts *sessionOptions) *transportDialer {
	return &transportDialer{
		tlsConfig:     cfg.TLSConfig,
		forceTLS:      cfg.UseTLS,
		proxyAddr:     opts.proxyAddr,
		proxyUsername: opts.proxyUsername,
		proxyPassword: opts.proxyPassword,
	}
}

// Dial connects to the broker address.
func (d *transportDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "tcp":
			host = net.JoinHostPort(u.Hostname(), "55555")
		case "tls", "ssl":
			host = net.JoinHostPort(u.Hostname(), "55443")
		case "quic":
			host = net.JoinHostPort(u.Hostname(), "55443")
		}
	}

	useTLS := d.forceTLS || u.Scheme == "tls" || u.Scheme == "ssl"

	switch u.Scheme {
	case "tcp", "tls", "ssl":
		conn, err := d.dialTCP(ctx, host)
		if err != nil {
			return nil, err
		}
		if !useTLS {
			return conn, nil
		}

		tlsConfig := d.tlsConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		return tlsConn, nil

	case "quic":
		return dialQUIC(ctx, host, d.tlsConfig)

	default:
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
}

// dialTCP dials directly or through the configured SOCKS5 proxy.
func (d *transportDialer) dialTCP(ctx context.Context, host string) (net.Conn, error) {
	if d.proxyAddr == "" {
		dialer := &net.Dialer{}
		return dialer.DialContext(ctx, "tcp", host)
	}

	var auth *proxy.Auth
	if d.proxyUsername != "" {
		auth = &proxy.Auth{User: d.proxyUsername, Password: d.proxyPassword}
	}

	socks, err := proxy.SOCKS5("tcp", d.proxyAddr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("proxy configuration error: %w", err)
	}

	ctxDialer, ok := socks.(proxy.ContextDialer)
	if !ok {
		return socks.Dial("tcp", host)
	}
	return ctxDialer.DialContext(ctx, "tcp", host)
}
