package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Dialer is a net.Conn factory that describes how a single upstream connection is created. The
// upstream session redials through it on every reconnect; tests substitute in-memory pipes.
type Dialer func() (net.Conn, error)

// TLSDialerOpts formalizes TLS dialer configuration options.
type TLSDialerOpts struct {
	// ConnectTimeout is the timeout associated with establishing a TCP connection with the
	// remote server.
	ConnectTimeout time.Duration
	// HandshakeTimeout is the timeout associated with completing the TLS handshake and
	// server identity validation.
	HandshakeTimeout time.Duration
}

// NewTLSDialer creates a Dialer that establishes a TLS connection to the specified remote
// address, validating the server identity against the expected server name. Session tickets are
// cached so that reconnects can resume rather than re-handshake from scratch.
func NewTLSDialer(addr string, serverName string, opts TLSDialerOpts) Dialer {
	conf := &tls.Config{
		ServerName:         serverName,
		ClientSessionCache: tls.NewLRUClientSessionCache(8),
	}

	return func() (net.Conn, error) {
		conn, err := net.DialTimeout("tcp", addr, opts.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("dialer: error establishing connection: err=%v", err)
		}

		tlsConn := tls.Client(conn, conf)

		ctx := context.Background()
		if opts.HandshakeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.HandshakeTimeout)
			defer cancel()
		}

		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("dialer: TLS handshake failed: err=%v", err)
		}

		return tlsConn, nil
	}
}
