package sip

import (
	"io"
	"strconv"
	"strings"
)

// SIPUri is a URI from any SIP-family schema (sip:, sips:).
type SIPUri interface {
	String() string
	IsEncrypted() bool
}

// ContactUri is a URI permitted in a Contact header: a sip/sips URI, or the
// special wildcard URI '*' (Contact: *) used to unregister every binding.
type ContactUri interface {
	SIPUri
}

// Uri is a parsed sip:/sips: URI per RFC 3261 §19.1. Registrar bindings,
// dialog targets, and Route/Contact sets all key off this struct's fields
// rather than the raw wire string, so equality and lookups work regardless
// of how a peer chose to format its URIs.
type Uri struct {
	Encrypted bool // true for a sips: URI
	Wildcard  bool // true for the special Contact: * URI

	// Scheme is the lowercased URI scheme (sip, sips, tel, ...). Set by
	// ParseUri; Encrypted is derived from it for sip-family schemes.
	Scheme string
	// HierarhicalSlashes records whether "//" followed the scheme on the
	// wire (e.g. a non-SIP URI embedded in a Refer-To), so it round-trips.
	HierarhicalSlashes bool

	User     string // userinfo; empty for a host-only URI
	Password string // RFC 3261 discourages carrying this in a URI at all

	Host string
	Port int // 0 means "not present on the wire"

	// UriParams is the semicolon-separated ;key=value list after host[:port].
	UriParams HeaderParams

	// Headers is the '&'-separated list after a '?', used on URIs embedded
	// in a Refer-To or similar to carry header values for a constructed request.
	Headers HeaderParams
}

// String renders uri back to its wire form.
func (uri *Uri) String() string {
	var buffer strings.Builder
	uri.StringWrite(&buffer)
	return buffer.String()
}

// StringWrite renders uri's wire form directly into buffer, avoiding an
// intermediate string allocation when composing a larger message.
func (uri *Uri) StringWrite(buffer io.StringWriter) {
	scheme := "sip:"
	if uri.IsEncrypted() {
		scheme = "sips:"
	}
	buffer.WriteString(scheme)

	if uri.User != "" {
		buffer.WriteString(uri.User)
		if uri.Password != "" {
			buffer.WriteString(":")
			buffer.WriteString(uri.Password)
		}
		buffer.WriteString("@")
	}

	buffer.WriteString(uri.Host)
	if uri.Port > 0 {
		buffer.WriteString(":")
		buffer.WriteString(strconv.Itoa(uri.Port))
	}

	if uri.UriParams != nil && uri.UriParams.Length() > 0 {
		buffer.WriteString(";")
		buffer.WriteString(uri.UriParams.ToString(';'))
	}
	if uri.Headers != nil && uri.Headers.Length() > 0 {
		buffer.WriteString("?")
		buffer.WriteString(uri.Headers.ToString('&'))
	}
}

// Clone returns a shallow copy of uri, safe to mutate independently of the
// original (the underlying UriParams/Headers slices are still shared).
func (uri *Uri) Clone() *Uri {
	c := *uri
	return &c
}

func (uri *Uri) IsEncrypted() bool {
	return uri.Encrypted
}

// Addr renders uri's addressing identity — scheme, userinfo, host, port —
// without uri-params or headers. Used as the digest-uri in Authorization
// headers and to compare a Request-URI against a stored Contact address
// without tripping over incidental parameter differences.
func (uri *Uri) Addr() string {
	var buffer strings.Builder
	scheme := "sip:"
	if uri.IsEncrypted() {
		scheme = "sips:"
	}
	buffer.WriteString(scheme)

	if uri.User != "" {
		buffer.WriteString(uri.User)
		if uri.Password != "" {
			buffer.WriteString(":")
			buffer.WriteString(uri.Password)
		}
		buffer.WriteString("@")
	}

	buffer.WriteString(uri.Host)
	if uri.Port > 0 {
		buffer.WriteString(":")
		buffer.WriteString(strconv.Itoa(uri.Port))
	}
	return buffer.String()
}
