// Package testhelpers collects small gomega-based assertion helpers shared
// across the acceptance suite, factoring repeated Expect(...) calls out of
// individual specs.
package testhelpers

import (
	"sync"

	. "github.com/onsi/gomega"

	"github.com/edgecomet/isrengine/pkg/isr"
)

// ExpectISRStatus asserts the response carries the given X-ISR-Status value.
func ExpectISRStatus(resp *isr.Response, status isr.ResponseStatus) {
	Expect(resp).NotTo(BeNil())
	Expect(resp.Header).To(HaveKey("X-ISR-Status"))
	Expect(resp.Header["X-ISR-Status"]).To(ConsistOf(string(status)))
}

// ExpectNoStore asserts the response's Cache-Control forbids shared caching.
func ExpectNoStore(resp *isr.Response) {
	Expect(resp).NotTo(BeNil())
	Expect(resp.Header["Cache-Control"]).To(ConsistOf("no-store"))
}

// ExpectNoSensitiveResponseHeaders asserts none of the three shared-cache-
// forbidden headers survived into the response.
func ExpectNoSensitiveResponseHeaders(resp *isr.Response) {
	Expect(resp).NotTo(BeNil())
	for _, name := range []string{"Set-Cookie", "WWW-Authenticate", "Proxy-Authenticate"} {
		Expect(resp.Header).NotTo(HaveKey(name))
	}
}

// RenderCallCounter is a goroutine-safe counter a test's isr.RenderFunc
// increments, used to assert "render called exactly N times" invariants
// across foreground and background revalidation
// calls that may run concurrently.
type RenderCallCounter struct {
	mu    sync.Mutex
	count int
}

// Inc increments and returns the new count.
func (c *RenderCallCounter) Inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return c.count
}

// Count returns the current count.
func (c *RenderCallCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
