package registrar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/icholy/digest"
)

// digestAlgorithm is what NewChallenge advertises; icholy/digest also
// handles SHA-256 challenges from a client, but MD5 is what this registrar
// issues by default.
const digestAlgorithm = "MD5"

// defaultNonceCount is assumed for an Authorization header that omits nc
// (legal when qop is absent, RFC 2069-style). Such a client can only ever
// use a nonce once, since any second use also presents the implicit nc=1
// and is therefore a replay.
const defaultNonceCount uint32 = 1

// ErrStaleNonce means the nonce in an Authorization header is unknown,
// expired, or its nc is not strictly greater than the highest nc this
// registrar has already accepted for it (a replay). The caller must answer
// 401 with a fresh nonce and stale="true", per RFC 2617 §3.2.1.
var ErrStaleNonce = errors.New("stale nonce")

// nonceCountOf extracts the nc value from a Digest Authorization header,
// tolerating both the RFC-correct bare 8LHEX form and a quoted form some
// clients send. Returns defaultNonceCount if nc is absent or unparsable.
func nonceCountOf(authHeader string) uint32 {
	const key = "nc="
	idx := strings.Index(authHeader, key)
	if idx < 0 {
		return defaultNonceCount
	}

	rest := strings.TrimPrefix(authHeader[idx+len(key):], `"`)
	end := strings.IndexAny(rest, "\", ")
	if end < 0 {
		end = len(rest)
	}

	n, err := strconv.ParseUint(rest[:end], 16, 32)
	if err != nil {
		return defaultNonceCount
	}
	return uint32(n)
}

// NewChallenge builds a WWW-Authenticate challenge for realm using nonce.
func NewChallenge(realm, nonce, opaque string) digest.Challenge {
	return digest.Challenge{
		Realm:     realm,
		Nonce:     nonce,
		Opaque:    opaque,
		Algorithm: digestAlgorithm,
	}
}

// Verify parses authHeader as an Authorization credentials value, checks it
// was built against chal's nonce, and recomputes the expected digest
// response to compare against what the client sent.
// https://www.rfc-editor.org/rfc/rfc2617#page-6
func Verify(authHeader string, chal digest.Challenge, method, password string) (*digest.Credentials, error) {
	cred, err := digest.ParseCredentials(authHeader)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	if cred.Nonce != chal.Nonce {
		return cred, fmt.Errorf("nonce mismatch")
	}

	want, err := digest.Digest(&chal, digest.Options{
		Method:   method,
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
	})
	if err != nil {
		return cred, fmt.Errorf("compute digest: %w", err)
	}

	if cred.Response != want.Response {
		return cred, fmt.Errorf("digest response mismatch")
	}

	return cred, nil
}
