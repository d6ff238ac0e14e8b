package email

import (
	"context"
	"crypto/tls"
	"net"
)

type dialer struct{}

// DialContext opens the transport connection for an SMTP conversation,
// wrapping it in TLS upfront for smtps:// targets.
func (d dialer) DialContext(ctx context.Context, addr string, implicitTLS bool, serverName string) (net.Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !implicitTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: serverName})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tlsConn, nil
}
