package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// TransportTLS wraps TransportTCP with a TLS client dialer. Accepting TLS
// listeners is the caller's responsibility (wrap net.Listener with
// tls.NewListener and pass it to Serve) — this type only needs to dial out.
type TransportTLS struct {
	*TransportTCP

	tlsConf *tls.Config
}

func (t *TransportTLS) init(par *Parser, tlsConf *tls.Config) {
	t.TransportTCP.init(par)
	t.tlsConf = tlsConf
}

func (t *TransportTLS) String() string {
	return "Transport<TLS>"
}

func (t *TransportTLS) Network() string {
	return NetworkTLS
}

// CreateConnection dials TCP then performs a TLS handshake over it.
func (t *TransportTLS) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error) {
	hostname := raddr.Hostname
	if hostname == "" && raddr.IP != nil {
		hostname = raddr.IP.String()
	}

	var tladdr *net.TCPAddr
	if laddr.IP != nil {
		tladdr = &net.TCPAddr{IP: laddr.IP, Port: laddr.Port}
	}

	traddr := &net.TCPAddr{IP: raddr.IP, Port: raddr.Port}
	addr := traddr.String()

	netDialer := &net.Dialer{LocalAddr: tladdr}
	t.log.Debug("Dialing new TLS connection", "raddr", addr)

	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial TCP error: %w", err)
	}

	conf := t.tlsConf
	if conf.ServerName == "" {
		conf = conf.Clone()
		conf.ServerName = hostname
	}

	tlsConn := tls.Client(conn, conf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake error: %w", err)
	}

	c := t.initConnection(tlsConn, addr, handler)
	return c, nil
}
