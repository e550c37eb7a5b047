package dialog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fmus3g/sipstack/sip"
	"github.com/google/uuid"
)

// RegistrationState tracks a client registration's lifecycle.
type RegistrationState int

const (
	RegistrationStateUnregistered RegistrationState = iota
	RegistrationStateRegistering
	RegistrationStateRegistered
	RegistrationStateUnregistering
	RegistrationStateFailed
)

func (s RegistrationState) String() string {
	switch s {
	case RegistrationStateRegistering:
		return "Registering"
	case RegistrationStateRegistered:
		return "Registered"
	case RegistrationStateUnregistering:
		return "Unregistering"
	case RegistrationStateFailed:
		return "Failed"
	default:
		return "Unregistered"
	}
}

// defaultRegistrationExpires is requested when RegistrationClientOptions
// leaves Expires unset.
const defaultRegistrationExpires = 3600

// refreshFraction is how much of the granted expiry we wait before
// re-registering, leaving headroom for network latency and clock drift.
const refreshFraction = 0.9

// RegistrationClientOptions configures NewRegistrationClient.
type RegistrationClientOptions struct {
	// Registrar is the address-of-record's domain, used as the REGISTER
	// Request-URI and the To/From URI host.
	Registrar sip.Uri
	Username  string
	Password  string

	// Contact is where this UA can be reached. If Host is empty, the
	// client's routing host/port is used instead.
	Contact sip.Uri

	// Expires is requested on every REGISTER. The registrar's response may
	// grant a smaller value, which is honored for scheduling the next
	// refresh.
	Expires uint32

	// OnStateChange is invoked whenever the registration state changes.
	OnStateChange func(old, new RegistrationState)
}

// RegistrationClient keeps a single binding registered with a registrar,
// retrying digest challenges and refreshing the binding before it expires.
// https://datatracker.ietf.org/doc/html/rfc3261#section-10.2
type RegistrationClient struct {
	client *Client
	opts   RegistrationClientOptions

	mu      sync.Mutex
	state   RegistrationState
	callID  sip.CallIDHeader
	fromTag string
	cseq    uint32
	expires uint32

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistrationClient creates a registration bound to client c. The
// returned value is not yet registered; call Register or Start.
func NewRegistrationClient(c *Client, opts RegistrationClientOptions) *RegistrationClient {
	if opts.Expires == 0 {
		opts.Expires = defaultRegistrationExpires
	}

	id, err := uuid.NewRandom()
	if err != nil {
		// uuid.NewRandom only fails on an exhausted entropy source; GenerateTagN
		// is a weaker but always-available fallback for the Call-ID body.
		return &RegistrationClient{
			client:  c,
			opts:    opts,
			callID:  sip.CallIDHeader(sip.GenerateTagN(32)),
			fromTag: sip.GenerateTagN(16),
			expires: opts.Expires,
		}
	}

	return &RegistrationClient{
		client:  c,
		opts:    opts,
		callID:  sip.CallIDHeader(id.String()),
		fromTag: sip.GenerateTagN(16),
		expires: opts.Expires,
	}
}

// State returns the current registration state.
func (r *RegistrationClient) State() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *RegistrationClient) setState(s RegistrationState) {
	r.mu.Lock()
	old := r.state
	r.state = s
	r.mu.Unlock()

	if old != s && r.opts.OnStateChange != nil {
		r.opts.OnStateChange(old, s)
	}
}

// buildRequest builds a REGISTER request with a fixed Call-ID/From-tag and
// the next CSeq for this registration, expiring after expires seconds.
func (r *RegistrationClient) buildRequest(expires uint32) *sip.Request {
	r.mu.Lock()
	r.cseq++
	cseq := r.cseq
	r.mu.Unlock()

	aor := r.opts.Registrar
	aor.User = r.opts.Username

	req := sip.NewRequest(sip.REGISTER, aor)

	fromUriParams := sip.NewParams()
	toUriParams := sip.NewParams()

	from := &sip.FromHeader{
		DisplayName: r.opts.Username,
		Address: sip.Uri{
			User:      r.opts.Username,
			Host:      r.opts.Registrar.Host,
			Port:      r.opts.Registrar.Port,
			UriParams: fromUriParams,
			Headers:   sip.NewParams(),
		},
		Params: sip.NewParams(),
	}
	from.Params.Add("tag", r.fromTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: sip.Uri{
			User:      r.opts.Username,
			Host:      r.opts.Registrar.Host,
			Port:      r.opts.Registrar.Port,
			UriParams: toUriParams,
			Headers:   sip.NewParams(),
		},
		Params: sip.NewParams(),
	}
	req.AppendHeader(to)

	req.AppendHeader(&r.callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})

	contact := r.opts.Contact
	if contact.Host == "" {
		contact.Host = r.client.Hostname()
		contact.Port = r.client.port
	}
	contact.User = r.opts.Username
	req.AppendHeader(&sip.ContactHeader{Address: contact, Params: sip.NewParams()})

	exp := sip.Expires(expires)
	req.AppendHeader(&exp)

	return req
}

// do sends req, builds the remaining mandatory headers via
// ClientRequestRegisterBuild, and answers a single digest challenge if one
// comes back.
func (r *RegistrationClient) do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	res, err := r.client.Do(ctx, req, ClientRequestRegisterBuild)
	if err != nil {
		return nil, err
	}

	switch res.StatusCode {
	case sip.StatusUnauthorized, sip.StatusProxyAuthRequired:
		if r.opts.Password == "" {
			return res, nil
		}
		return r.client.DoDigestAuth(ctx, req, res, DigestAuth{
			Username: r.opts.Username,
			Password: r.opts.Password,
		})
	default:
		return res, nil
	}
}

// Register sends a REGISTER for the configured Expires and blocks for the
// final response, retrying one digest challenge if offered.
func (r *RegistrationClient) Register(ctx context.Context) error {
	r.setState(RegistrationStateRegistering)

	req := r.buildRequest(r.opts.Expires)
	res, err := r.do(ctx, req)
	if err != nil {
		r.setState(RegistrationStateFailed)
		return err
	}

	if !res.IsSuccess() {
		r.setState(RegistrationStateFailed)
		return &ErrDialogResponse{Res: res}
	}

	r.mu.Lock()
	r.expires = registrationExpiresFromResponse(res, r.opts.Expires)
	r.mu.Unlock()

	r.setState(RegistrationStateRegistered)
	return nil
}

// Unregister sends a REGISTER with Expires: 0, removing the binding.
func (r *RegistrationClient) Unregister(ctx context.Context) error {
	r.setState(RegistrationStateUnregistering)

	req := r.buildRequest(0)
	res, err := r.do(ctx, req)
	if err != nil {
		r.setState(RegistrationStateFailed)
		return err
	}

	if !res.IsSuccess() {
		r.setState(RegistrationStateFailed)
		return &ErrDialogResponse{Res: res}
	}

	r.setState(RegistrationStateUnregistered)
	return nil
}

// Start registers and then keeps refreshing the binding in the background
// until ctx is canceled or Stop is called. Errors are
// reported through onError; Start itself returns once the first
// registration succeeds or fails.
func (r *RegistrationClient) Start(ctx context.Context, onError func(error)) error {
	if err := r.Register(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.refreshLoop(loopCtx, onError)
	return nil
}

func (r *RegistrationClient) refreshLoop(ctx context.Context, onError func(error)) {
	defer close(r.done)

	for {
		r.mu.Lock()
		wait := time.Duration(float64(r.expires)*refreshFraction) * time.Second
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := r.Register(ctx); err != nil {
			if onError != nil {
				onError(fmt.Errorf("registration refresh failed: %w", err))
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return
			}
		}
	}
}

// Stop ends the refresh loop started by Start without unregistering.
// Call Unregister first if the binding should be removed from the
// registrar.
func (r *RegistrationClient) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// registrationExpiresFromResponse reads the granted Expires, preferring the
// response's own Expires header, falling back to the Contact's expires
// param, and finally to what was requested.
func registrationExpiresFromResponse(res *sip.Response, requested uint32) uint32 {
	if h := res.GetHeader("Expires"); h != nil {
		var n uint32
		if _, err := fmt.Sscanf(h.Value(), "%d", &n); err == nil {
			return n
		}
	}

	if c := res.Contact(); c != nil {
		if v, ok := c.Params.Get("expires"); ok {
			var n uint32
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				return n
			}
		}
	}

	return requested
}
