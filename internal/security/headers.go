package security

import "strings"

// RecursionHeader is the fixed request header name the engine injects into
// every self-render call and rejects on entry.
const RecursionHeader = "X-ISR-Rendering"

// BypassHeader is the fixed request header name carrying the bypass token.
const BypassHeader = "X-ISR-Bypass"

// BypassCookie is the fixed cookie name carrying the bypass token.
const BypassCookie = "__isr_bypass"

// StatusHeader is the fixed response header reporting the cache state
// machine's classification.
const StatusHeader = "X-ISR-Status"

// CacheDateHeader is the fixed response header reporting a served entry's
// creation time.
const CacheDateHeader = "X-ISR-Cache-Date"

// sensitiveRequestHeaders lists the headers stripped from the wrapped
// request before the render callback runs: forwarding credentials would
// cause user-specific content to be cached and served to everyone.
var sensitiveRequestHeaders = []string{
	"Cookie",
	"Authorization",
	"Proxy-Authorization",
	BypassHeader,
}

// sharedCacheForbiddenResponseHeaders lists headers unconditionally removed
// before a response is cached or emitted: each identifies a single user and
// must never be replayed from a shared cache.
var sharedCacheForbiddenResponseHeaders = []string{
	"Set-Cookie",
	"WWW-Authenticate",
	"Proxy-Authenticate",
}

// StripSensitiveRequestHeaders returns a copy of header with the
// credential-bearing headers removed, unless the name appears in allowlist
// (case-insensitive).
func StripSensitiveRequestHeaders(header map[string][]string, allowlist []string) map[string][]string {
	allowed := make(map[string]bool, len(allowlist))
	for _, h := range allowlist {
		allowed[strings.ToLower(h)] = true
	}

	out := make(map[string][]string, len(header))
	for k, v := range header {
		lower := strings.ToLower(k)
		if allowed[lower] {
			out[k] = v
			continue
		}
		strip := false
		for _, s := range sensitiveRequestHeaders {
			if strings.EqualFold(s, k) {
				strip = true
				break
			}
		}
		if strip {
			continue
		}
		out[k] = v
	}
	return out
}

// StripSharedCacheForbiddenHeaders returns a copy of header with Set-Cookie,
// WWW-Authenticate, and Proxy-Authenticate removed. Values that fail header
// construction (CRLF injection, etc.) are dropped silently rather than
// stored or emitted.
func StripSharedCacheForbiddenHeaders(header map[string][]string) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	out := make(map[string][]string, len(header))
	for k, values := range header {
		forbidden := false
		for _, f := range sharedCacheForbiddenResponseHeaders {
			if strings.EqualFold(f, k) {
				forbidden = true
				break
			}
		}
		if forbidden {
			continue
		}
		var kept []string
		for _, v := range values {
			if !validHeaderValue(k, v) {
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) > 0 {
			out[k] = kept
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// validHeaderValue reports whether value is safe to place in an HTTP header
// (rejects bare CR/LF and other control characters that could be used for
// header/response splitting); name is accepted for symmetry with callers
// that validate both but is not itself checked here.
func validHeaderValue(name, value string) bool {
	_ = name
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == '\r' || c == '\n' {
			return false
		}
		if c < 0x20 && c != '\t' {
			return false
		}
	}
	return true
}
