package registrar

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fmus3g/sipstack/sip"
	"github.com/icholy/digest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// defaultExpires and maxExpires bound the Expires a client may request,
// matching the registrar's 3600s default / 86400s ceiling.
const (
	defaultExpires uint32 = 3600
	maxExpires     uint32 = 86400
)

// Registrar processes REGISTER requests against an AccountStore and
// BindingStore, challenging unauthenticated requests with digest auth.
// https://datatracker.ietf.org/doc/html/rfc3261#section-10.3
type Registrar struct {
	Accounts *AccountStore
	Bindings *BindingStore
	Nonces   *NonceStore

	Realm          string
	DefaultExpires uint32
	MaxExpires     uint32

	log zerolog.Logger
}

// RegistrarOption configures a Registrar at construction time.
type RegistrarOption func(r *Registrar)

// WithRegistrarLogger overrides the registrar's logger.
func WithRegistrarLogger(logger zerolog.Logger) RegistrarOption {
	return func(r *Registrar) {
		r.log = logger
	}
}

// WithExpiresRange overrides the default/max Expires the registrar honors.
func WithExpiresRange(def, max uint32) RegistrarOption {
	return func(r *Registrar) {
		r.DefaultExpires = def
		r.MaxExpires = max
	}
}

// NewRegistrar builds a Registrar for realm, backed by fresh account,
// binding, and nonce stores.
func NewRegistrar(realm string, opts ...RegistrarOption) *Registrar {
	r := &Registrar{
		Accounts:       NewAccountStore(),
		Bindings:       NewBindingStore(),
		Nonces:         NewNonceStore(),
		Realm:          realm,
		DefaultExpires: defaultExpires,
		MaxExpires:     maxExpires,
		log:            log.Logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// HandleRegister is a sip.ServerTransaction request handler suitable for
// srv.OnRegister. It implements RFC 3261 10.3: username extraction from the
// To header, account lookup, digest challenge/verification, Expires
// clamping, Contact binding upsert/remove, and the 200 OK response with
// Contact;expires.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	to := req.To()
	if to == nil {
		r.respond(req, tx, sip.StatusBadRequest, "Missing To header")
		return
	}
	username := to.Address.User

	acc, ok := r.Accounts.Find(username)
	if !ok {
		r.respond(req, tx, sip.StatusNotFound, "User not found")
		return
	}
	if !acc.Enabled {
		r.respond(req, tx, sip.StatusForbidden, "User disabled")
		return
	}

	authHeader := req.GetHeader("Authorization")
	if authHeader == nil {
		r.challenge(req, tx, false)
		return
	}

	chal, nc, err := r.challengeForCredentials(authHeader.Value())
	if errors.Is(err, ErrStaleNonce) {
		r.log.Debug().Str("user", username).Msg("registrar: stale or replayed nonce")
		r.challenge(req, tx, true)
		return
	}
	if err != nil {
		r.log.Debug().Err(err).Str("user", username).Msg("registrar: malformed Authorization")
		r.respond(req, tx, sip.StatusForbidden, "Authentication failed")
		return
	}

	cred, err := Verify(authHeader.Value(), chal, string(req.Method), acc.Password)
	if err != nil {
		r.log.Info().Err(err).Str("user", username).Msg("registrar: authentication failed")
		r.respond(req, tx, sip.StatusForbidden, "Authentication failed")
		return
	}
	r.Nonces.Bump(cred.Nonce, nc)

	aor := "sip:" + username + "@" + r.Realm
	now := time.Now()

	contacts := req.GetHeaders("Contact")
	if len(contacts) == 0 {
		// No Contact: a registration query. Report current bindings via 200
		// OK with one Contact header per live binding.
		r.respondOK(req, tx, username, aor, now)
		return
	}
	if len(contacts) == 1 {
		if c := contacts[0].(*sip.ContactHeader); c.Address.Wildcard {
			r.Bindings.RemoveAll(aor)
			r.log.Info().Str("user", username).Msg("registrar: all bindings removed")
			r.respondOK(req, tx, username, aor, now)
			return
		}
	}

	callID := req.CallID()
	if callID == nil {
		r.respond(req, tx, sip.StatusBadRequest, "Missing Call-ID header")
		return
	}
	cseq := req.CSeq()
	if cseq == nil {
		r.respond(req, tx, sip.StatusBadRequest, "Missing CSeq header")
		return
	}

	userAgent := ""
	if h := req.GetHeader("User-Agent"); h != nil {
		userAgent = h.Value()
	}

	for _, h := range contacts {
		contact := h.(*sip.ContactHeader)
		expires := r.requestedExpires(req, contact)

		if expires == 0 {
			r.Bindings.Remove(aor, contact.Address.String())
			r.log.Info().Str("user", username).Str("contact", contact.Address.String()).Msg("registrar: binding removed")
			continue
		}

		ok = r.Bindings.Upsert(Binding{
			AOR:       aor,
			Contact:   contact.Address.String(),
			UserAgent: userAgent,
			CallID:    string(*callID),
			CSeq:      cseq.SeqNo,
			Expires:   now.Add(time.Duration(expires) * time.Second),
		})
		if !ok {
			r.respond(req, tx, sip.StatusInternalServerError, "CSeq out of order")
			return
		}
		r.log.Info().Str("user", username).Str("contact", contact.Address.String()).Uint32("expires", expires).Msg("registrar: binding registered")
	}

	r.respondOK(req, tx, username, aor, now)
}

// requestedExpires resolves the Expires this REGISTER asks for, preferring
// the Expires header and falling back to a Contact expires= param, clamped
// to r.MaxExpires.
func (r *Registrar) requestedExpires(req *sip.Request, contact *sip.ContactHeader) uint32 {
	expires := r.DefaultExpires

	if h := req.GetHeader("Expires"); h != nil {
		if exp, ok := h.(*sip.Expires); ok {
			expires = uint32(*exp)
		} else if v, err := strconv.ParseUint(h.Value(), 10, 32); err == nil {
			expires = uint32(v)
		}
	} else if v, ok := contact.Params.Get("expires"); ok {
		if parsed, err := strconv.ParseUint(v, 10, 32); err == nil {
			expires = uint32(parsed)
		}
	}

	if expires > r.MaxExpires {
		expires = r.MaxExpires
	}
	return expires
}

// challenge issues a fresh WWW-Authenticate challenge and replies 401. stale
// marks the challenge as answering a replayed or expired nonce rather than a
// first-time unauthenticated request, per RFC 2617 §3.2.1.
func (r *Registrar) challenge(req *sip.Request, tx sip.ServerTransaction, stale bool) {
	nonce, err := r.Nonces.Generate()
	if err != nil {
		r.respond(req, tx, sip.StatusInternalServerError, "Failed to generate nonce")
		return
	}

	chal := NewChallenge(r.Realm, nonce, r.Realm)
	value := chal.String()
	if stale {
		value += `, stale="true"`
	}

	res := sip.NewResponseFromRequest(req, int(sip.StatusUnauthorized), "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", value))
	if err := tx.Respond(res); err != nil {
		r.log.Error().Err(err).Msg("registrar: failed to send challenge")
	}
}

// challengeForCredentials rebuilds the Challenge this registrar issued for
// the nonce embedded in an incoming Authorization header, and returns the nc
// it carried. It fails with ErrStaleNonce if the nonce was never issued, has
// expired, or nc is not strictly greater than the highest nc already
// accepted for it (a replay) — the caller must not treat this as a plain
// auth failure; it must re-challenge with stale="true" and must not touch
// binding state.
func (r *Registrar) challengeForCredentials(authHeader string) (digest.Challenge, uint32, error) {
	cred, err := digest.ParseCredentials(authHeader)
	if err != nil {
		return digest.Challenge{}, 0, fmt.Errorf("parse credentials: %w", err)
	}

	nc := nonceCountOf(authHeader)
	if !r.Nonces.Check(cred.Nonce, nc) {
		return digest.Challenge{}, 0, ErrStaleNonce
	}
	return NewChallenge(r.Realm, cred.Nonce, r.Realm), nc, nil
}

func (r *Registrar) respond(req *sip.Request, tx sip.ServerTransaction, status sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, int(status), reason, nil)
	if err := tx.Respond(res); err != nil {
		r.log.Error().Err(err).Msg("registrar: failed to send response")
	}
}

// respondOK replies 200 OK with one Contact header per currently live
// binding for aor, each carrying ;expires=<remaining-seconds>, per RFC 3261
// §10.3 step 8.
func (r *Registrar) respondOK(req *sip.Request, tx sip.ServerTransaction, username, aor string, now time.Time) {
	res := sip.NewResponseFromRequest(req, int(sip.StatusOK), "OK", nil)

	for _, b := range r.Bindings.Active(aor, now) {
		var uri sip.Uri
		if err := sip.ParseUri(b.Contact, &uri); err != nil {
			r.log.Warn().Err(err).Str("contact", b.Contact).Msg("registrar: failed to reparse stored contact")
			continue
		}

		ch := sip.ContactHeader{Address: uri, Params: sip.NewParams()}
		ch.Params.Add("expires", fmt.Sprintf("%d", uint32(b.Expires.Sub(now)/time.Second)))
		res.AppendHeader(&ch)
	}

	if err := tx.Respond(res); err != nil {
		r.log.Error().Err(err).Str("user", username).Msg("registrar: failed to send 200 OK")
	}
}
