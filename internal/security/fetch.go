package security

import (
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/edgecomet/isrengine/internal/urlutil"
)

// FetchResult is the outcome of a SafeFetch call.
type FetchResult struct {
	StatusCode int
	Body       []byte
	Header     map[string][]string
}

// Fetcher performs the SSRF-hardened self-fetch/bypass HTTP round trip used
// when the render callback wraps an HTTP call to the same instance:
// resolve-then-validate-then-dial so a DNS-rebinding attacker can't retarget
// the request at a private address after Host validation passes.
type Fetcher struct {
	client *fasthttp.Client
}

// NewFetcher builds a Fetcher with the given per-request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	client := &fasthttp.Client{
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Dial:         ssrfSafeDial,
	}
	return &Fetcher{client: client}
}

// NewTrustedFetcher builds a Fetcher without the resolve-then-validate dial
// guard, for targets whose host is a fixed operator-configured origin (a
// gateway's upstream) rather than anything derived from request input. Such
// origins routinely resolve to private addresses, which ssrfSafeDial would
// reject.
func NewTrustedFetcher(timeout time.Duration) *Fetcher {
	client := &fasthttp.Client{
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	return &Fetcher{client: client}
}

// Fetch issues a GET to targetURL with header forwarded (the caller is
// responsible for having already stripped sensitive headers via
// StripSensitiveRequestHeaders and injected RecursionHeader).
func (f *Fetcher) Fetch(targetURL string, header map[string][]string) (*FetchResult, error) {
	return f.Forward("GET", targetURL, header, nil)
}

// Forward issues an arbitrary-method request to targetURL, forwarding
// header and body. Used by the gateway's passthrough path for requests the
// engine declines to handle.
func (f *Fetcher) Forward(method, targetURL string, header map[string][]string, body []byte) (*FetchResult, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(targetURL)
	req.Header.SetMethod(method)
	if len(body) > 0 {
		req.SetBody(body)
	}
	for name, values := range header {
		for i, v := range values {
			if i == 0 {
				req.Header.Set(name, v)
			} else {
				req.Header.Add(name, v)
			}
		}
	}

	if err := f.client.Do(req, resp); err != nil {
		return nil, fmt.Errorf("security: self-fetch failed: %w", err)
	}

	out := &FetchResult{
		StatusCode: resp.StatusCode(),
		Body:       append([]byte(nil), resp.Body()...),
		Header:     make(map[string][]string),
	}
	for k, v := range resp.Header.All() {
		key := string(k)
		out.Header[key] = append(out.Header[key], string(v))
	}
	return out, nil
}

// ssrfSafeDial resolves the hostname, validates every resolved IP is
// public, then dials the first one, blocking DNS-rebinding SSRF.
func ssrfSafeDial(addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IP addresses found for %q", host)
	}
	for _, ip := range ips {
		if err := urlutil.ValidateResolvedIP(ip); err != nil {
			return nil, fmt.Errorf("SSRF protection for %q: %w", host, err)
		}
	}
	return fasthttp.DialTimeout(net.JoinHostPort(ips[0].String(), port), 10*time.Second)
}
