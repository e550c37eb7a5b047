package sip

import (
	"context"
	"errors"
	"net"
	"strconv"
)

var (
	SIPDebug bool

	// IdleConnection will keep connections idle even after transaction terminate
	// -1 	- single response or request will close
	// 0 	- close connection immediatelly after transaction terminate
	// 1 	- keep connection idle after transaction termination
	IdleConnection int = 1

	ErrNetworkNotSuported = errors.New("sip: network not supported")
)

const (
	// Network names for different sip transports. GO uses lowercase, but for message parsing, we should
	// use this constants for setting message Transport
	NetworkUDP = "UDP"
	NetworkTCP = "TCP"
	NetworkTLS = "TLS"

	transportBufferSize uint16 = 65535

	// TransportFixedLengthMessage sets message size limit for parsing and avoids stream parsing
	TransportFixedLengthMessage uint16 = 0

	DefaultUdpPort = 5060
	DefaultTcpPort = 5060
	DefaultTlsPort = 5061
)

// DefaultPort returns the well known port for a SIP transport network name,
// falling back to the UDP port for anything unrecognized (RFC 3261 §19.1.2
// treats 5060 as the default regardless of transport unless TLS is in use).
func DefaultPort(network string) int {
	switch NetworkToUpper(network) {
	case NetworkTLS:
		return DefaultTlsPort
	case NetworkTCP:
		return DefaultTcpPort
	case NetworkUDP:
		return DefaultUdpPort
	default:
		return DefaultUdpPort
	}
}

// Transport implements network specific features.
// WebSocket transports are not implemented: they exist to carry WebRTC
// signalling, which is out of scope for this module.
type Transport interface {
	Network() string

	// GetConnection returns connection from transport, nil if none pooled
	// addr must be resolved to IP:port
	GetConnection(addr string) Connection
	CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error)
	String() string
	Close() error
}

// Addr carries an address that may still need DNS resolution: Hostname is
// kept alongside IP so SRV/A lookups can be retried or logged without
// re-parsing the original destination string.
type Addr struct {
	IP       net.IP // Must be in IP format once resolved
	Port     int
	Hostname string
	Zone     string
}

func (a *Addr) String() string {
	if a.IP == nil {
		if a.Hostname != "" {
			return net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
		}
		return net.JoinHostPort("", strconv.Itoa(a.Port))
	}

	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

func ParseAddr(addr string) (host string, port int, err error) {
	host, pstr, err := net.SplitHostPort(addr)
	if err != nil {
		return host, port, err
	}

	// In case we are dealing with some named ports this should be called
	// net.LookupPort(network)

	port, err = strconv.Atoi(pstr)
	return host, port, err
}
