package security

import (
	"regexp"

	"golang.org/x/net/idna"
)

// hostPattern accepts a hostname of unreserved characters plus an optional
// numeric port, nothing else.
var hostPattern = regexp.MustCompile(`^[a-zA-Z0-9._\-]+(:\d{1,5})?$`)

// DefaultTrustedOrigin is the fallback used when no trusted origin is
// configured and the incoming Host fails validation.
const DefaultTrustedOrigin = "localhost"

// ValidateHost reports whether host (the raw incoming Host header value) is
// safe to use when an adapter constructs a self-fetch URL. Anything outside
// the hostname-plus-optional-port grammar (scheme prefixes, userinfo, path
// components, control characters, IPv6 literal brackets) is rejected.
func ValidateHost(host string) bool {
	if host == "" {
		return false
	}
	return hostPattern.MatchString(host)
}

// ResolveHost returns host if it validates, otherwise falls back to
// trustedOrigin (normalized to ASCII/punycode via idna.Lookup.ToASCII so a
// Unicode-homograph trusted-origin configuration value still compares
// correctly) or, if that's empty, DefaultTrustedOrigin. ok reports whether
// the incoming host was used as-is (false means the fallback was used and
// callers should log it).
func ResolveHost(host, trustedOrigin string) (resolved string, ok bool) {
	if ValidateHost(host) {
		return host, true
	}

	fallback := trustedOrigin
	if fallback == "" {
		fallback = DefaultTrustedOrigin
	}
	ascii, err := idna.Lookup.ToASCII(fallback)
	if err != nil {
		return DefaultTrustedOrigin, false
	}
	return ascii, false
}
