package pipeline

import (
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/edgecomet/isrengine/pkg/isr"
)

// cacheControlFor computes the authoritative Cache-Control value for a
// cached entry: forever entries get a long-lived immutable
// directive; numeric-TTL entries get a stale-while-revalidate directive
// sized to the entry's own TTL.
func cacheControlFor(meta isr.CacheEntryMetadata) string {
	if meta.IsForever() {
		return "public, max-age=0, s-maxage=31536000, immutable"
	}
	ttl := int(math.Ceil(meta.RevalidateAfter.Sub(meta.CreatedAt).Seconds()))
	if ttl < 1 {
		ttl = 1
	}
	return fmt.Sprintf("public, max-age=0, s-maxage=%d, stale-while-revalidate=%d", ttl, ttl)
}

// cacheDateHeader formats an entry's CreatedAt as the RFC 1123 GMT date
// format HTTP date headers use (net/http.TimeFormat is the stdlib's name
// for that exact layout string — reused here rather than hand-rolling the
// format, since it's a format constant rather than a serving dependency).
func cacheDateHeader(meta isr.CacheEntryMetadata) string {
	return meta.CreatedAt.UTC().Format(http.TimeFormat)
}

// headerValue returns the first value of the named header, matched
// case-insensitively, or "" if absent.
func headerValue(header map[string][]string, name string) string {
	for k, v := range header {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// cookieValue extracts one cookie's value from the raw Cookie header(s).
// The wire form is "a=1; b=2" per RFC 6265; this is a minimal parser since
// the only consumer is the bypass-cookie check.
func cookieValue(header map[string][]string, name string) string {
	for k, values := range header {
		if !strings.EqualFold(k, "Cookie") {
			continue
		}
		for _, raw := range values {
			for _, part := range strings.Split(raw, ";") {
				part = strings.TrimSpace(part)
				eq := strings.IndexByte(part, '=')
				if eq < 0 {
					continue
				}
				if part[:eq] == name {
					return part[eq+1:]
				}
			}
		}
	}
	return ""
}
