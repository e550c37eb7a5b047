package sip

import (
	"io"
	"strings"
)

// AuthScheme is the authentication scheme named at the head of a challenge
// or credentials header. Digest is the only scheme this module issues or
// verifies.
type AuthScheme string

const (
	AuthSchemeDigest AuthScheme = "Digest"
)

// challengeHeader is shared between WWW-Authenticate and Proxy-Authenticate:
// RFC 7616 gives both the same grammar, differing only in which response
// they ride on and which request header answers them.
type challengeHeader struct {
	name   string
	Scheme AuthScheme
	Params HeaderParams
}

func (h *challengeHeader) Name() string { return h.name }

func (h *challengeHeader) Value() string {
	var b strings.Builder
	h.ValueStringWrite(&b)
	return b.String()
}

func (h *challengeHeader) ValueStringWrite(buffer io.StringWriter) {
	buffer.WriteString(string(h.Scheme))
	buffer.WriteString(" ")
	h.Params.ToStringWrite(',', buffer)
}

func (h *challengeHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}

func (h *challengeHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.ValueStringWrite(buffer)
}

func (h *challengeHeader) clone() *challengeHeader {
	if h == nil {
		return nil
	}
	return &challengeHeader{name: h.name, Scheme: h.Scheme, Params: h.Params.Clone()}
}

// WWWAuthenticateHeader carries a digest challenge issued by a UAS/registrar
// in a 401 response.
type WWWAuthenticateHeader struct{ challengeHeader }

func NewWWWAuthenticateHeader(params HeaderParams) *WWWAuthenticateHeader {
	return &WWWAuthenticateHeader{challengeHeader{name: "WWW-Authenticate", Scheme: AuthSchemeDigest, Params: params}}
}

func (h *WWWAuthenticateHeader) headerClone() Header {
	return &WWWAuthenticateHeader{*h.challengeHeader.clone()}
}

// ProxyAuthenticateHeader carries a digest challenge issued in a 407.
type ProxyAuthenticateHeader struct{ challengeHeader }

func NewProxyAuthenticateHeader(params HeaderParams) *ProxyAuthenticateHeader {
	return &ProxyAuthenticateHeader{challengeHeader{name: "Proxy-Authenticate", Scheme: AuthSchemeDigest, Params: params}}
}

func (h *ProxyAuthenticateHeader) headerClone() Header {
	return &ProxyAuthenticateHeader{*h.challengeHeader.clone()}
}

// credentialsHeader is shared between Authorization and Proxy-Authorization.
type credentialsHeader struct {
	name   string
	Scheme AuthScheme
	Params HeaderParams
}

func (h *credentialsHeader) Name() string { return h.name }

func (h *credentialsHeader) Value() string {
	var b strings.Builder
	h.ValueStringWrite(&b)
	return b.String()
}

func (h *credentialsHeader) ValueStringWrite(buffer io.StringWriter) {
	buffer.WriteString(string(h.Scheme))
	buffer.WriteString(" ")
	h.Params.ToStringWrite(',', buffer)
}

func (h *credentialsHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}

func (h *credentialsHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.ValueStringWrite(buffer)
}

func (h *credentialsHeader) clone() *credentialsHeader {
	if h == nil {
		return nil
	}
	return &credentialsHeader{name: h.name, Scheme: h.Scheme, Params: h.Params.Clone()}
}

// AuthorizationHeader carries a digest response on a retried request.
type AuthorizationHeader struct{ credentialsHeader }

func NewAuthorizationHeader(params HeaderParams) *AuthorizationHeader {
	return &AuthorizationHeader{credentialsHeader{name: "Authorization", Scheme: AuthSchemeDigest, Params: params}}
}

func (h *AuthorizationHeader) headerClone() Header {
	return &AuthorizationHeader{*h.credentialsHeader.clone()}
}

// ProxyAuthorizationHeader answers a Proxy-Authenticate challenge.
type ProxyAuthorizationHeader struct{ credentialsHeader }

func NewProxyAuthorizationHeader(params HeaderParams) *ProxyAuthorizationHeader {
	return &ProxyAuthorizationHeader{credentialsHeader{name: "Proxy-Authorization", Scheme: AuthSchemeDigest, Params: params}}
}

func (h *ProxyAuthorizationHeader) headerClone() Header {
	return &ProxyAuthorizationHeader{*h.credentialsHeader.clone()}
}
