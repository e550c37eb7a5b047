package dialog

import (
	"context"
	"net"
	"strings"

	"github.com/fmus3g/sipstack/sip"
)

// defaultUserAgentName is used as the From display name and user part when
// no WithUserAgent option is given.
const defaultUserAgentName = "sipstack"

type UserAgent struct {
	name     string
	ip       net.IP
	host     string
	hostname string
	port     int

	dnsResolver *net.Resolver
	tp          *sip.TransportLayer
	tx          *sip.TransactionLayer
	metrics     *sip.Metrics
}

type UserAgentOption func(s *UserAgent) error

func WithUserAgent(ua string) UserAgentOption {
	return func(s *UserAgent) error {
		s.name = ua
		return nil
	}
}

// WithUserAgentHostname sets the hostname used in the From URI this UA
// builds for outgoing requests, distinct from the routing host/IP set by
// WithIP.
func WithUserAgentHostname(hostname string) UserAgentOption {
	return func(s *UserAgent) error {
		s.hostname = hostname
		return nil
	}
}

func WithIP(ip string) UserAgentOption {
	return func(s *UserAgent) error {
		host, _, err := net.SplitHostPort(ip)
		if err != nil {
			return err
		}
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return err
		}
		return s.setIP(addr.IP)
	}
}

func WithDNSResolver(r *net.Resolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = r
		return nil
	}
}

// WithMetrics wires prometheus counters into the transaction layer this UA
// builds. Pass the result of sip.NewMetrics.
func WithMetrics(m *sip.Metrics) UserAgentOption {
	return func(s *UserAgent) error {
		s.metrics = m
		return nil
	}
}

func WithUDPDNSResolver(dns string) ServerOption {
	return func(s *Server) error {
		s.dnsResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "udp", dns)
			},
		}
		return nil
	}
}

func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	s := &UserAgent{}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	if s.name == "" {
		s.name = defaultUserAgentName
	}

	if s.ip == nil {
		v, err := sip.ResolveSelfIP()
		if err != nil {
			return nil, err
		}
		if err := s.setIP(v); err != nil {
			return nil, err
		}
	}

	s.tp = sip.NewTransportLayer(s.dnsResolver, sip.NewParser(), nil)
	s.tx = sip.NewTransactionLayer(s.tp, sip.WithTransactionLayerMetrics(s.metrics))
	return s, nil
}

// setIP sets the UA's IP and the host string derived from it.
func (ua *UserAgent) setIP(ip net.IP) (err error) {
	ua.ip = ip
	ua.host = strings.Split(ip.String(), ":")[0]
	return err
}

// TransportLayer returns transport layer used by this UA.
func (ua *UserAgent) TransportLayer() *sip.TransportLayer {
	return ua.tp
}

// TransactionLayer returns transaction layer used by this UA.
func (ua *UserAgent) TransactionLayer() *sip.TransactionLayer {
	return ua.tx
}

// Close shuts down the transaction and transport layers owned by this UA.
// Any Server or Client built on top must be closed first.
func (ua *UserAgent) Close() error {
	ua.tx.Close()
	return ua.tp.Close()
}
