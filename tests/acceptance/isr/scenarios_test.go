package isr_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/edgecomet/isrengine/internal/pipeline"
	"github.com/edgecomet/isrengine/pkg/isr"
	"github.com/edgecomet/isrengine/pkg/pattern"
	"github.com/edgecomet/isrengine/tests/testhelpers"
)

// countingRender returns a RenderFunc that increments counter on every
// invocation and serves body/status as given, so specs can assert how many
// times the engine actually rendered.
func countingRender(counter *testhelpers.RenderCallCounter, body string, status int) isr.RenderFunc {
	return func(ctx context.Context, req *isr.RenderRequest) (*isr.RenderResult, error) {
		counter.Inc()
		return &isr.RenderResult{Body: []byte(body), Status: status}, nil
	}
}

var _ = Describe("Request lifecycle", func() {
	var counter *testhelpers.RenderCallCounter

	BeforeEach(func() {
		counter = &testhelpers.RenderCallCounter{}
	})

	It("caches a plain GET on the second request (MISS then HIT)", func() {
		env := newTestEnvironment(countingRender(counter, "A", 200), pipeline.Options{})
		defer env.Close()

		first := handle(env, getRequest("http://example.com/"))
		testhelpers.ExpectISRStatus(first, isr.ResponseMiss)
		Expect(string(first.Body)).To(Equal("A"))
		drain(env)

		second := handle(env, getRequest("http://example.com/"))
		testhelpers.ExpectISRStatus(second, isr.ResponseHit)
		Expect(string(second.Body)).To(Equal("A"))

		Expect(counter.Count()).To(Equal(1))
	})

	It("serves a fresh render after revalidateTag purges the tagged entry", func() {
		routes := pattern.NewRoutes(pattern.RouteEntry{
			Pattern: "/blog/[slug]",
			Config:  isr.RouteConfig{Tags: []string{"blog"}},
		})

		bodies := []string{"A", "B"}
		call := 0
		render := func(ctx context.Context, req *isr.RenderRequest) (*isr.RenderResult, error) {
			counter.Inc()
			b := bodies[call]
			if call < len(bodies)-1 {
				call++
			}
			return &isr.RenderResult{Body: []byte(b), Status: 200}, nil
		}

		env := newTestEnvironment(render, pipeline.Options{Routes: routes})
		defer env.Close()

		first := handle(env, getRequest("http://example.com/blog/hello"))
		testhelpers.ExpectISRStatus(first, isr.ResponseMiss)
		Expect(string(first.Body)).To(Equal("A"))
		drain(env)

		Expect(env.engine.RevalidateTag(context.Background(), "blog")).To(Succeed())

		third := handle(env, getRequest("http://example.com/blog/hello"))
		testhelpers.ExpectISRStatus(third, isr.ResponseMiss)
		Expect(string(third.Body)).To(Equal("B"))
	})

	It("bypasses the cache for a valid bypass token and still MISSes afterward", func() {
		env := newTestEnvironment(countingRender(counter, "fresh", 200), pipeline.Options{
			BypassToken: "s3cr3t",
		})
		defer env.Close()

		req := getRequest("http://example.com/")
		req.Header = map[string][]string{"X-ISR-Bypass": {"s3cr3t"}}

		resp := handle(env, req)
		testhelpers.ExpectISRStatus(resp, isr.ResponseBypass)
		testhelpers.ExpectNoStore(resp)

		again := handle(env, getRequest("http://example.com/"))
		testhelpers.ExpectISRStatus(again, isr.ResponseMiss)
	})

	It("renders on every request when revalidate resolves to no-store", func() {
		render := func(ctx context.Context, req *isr.RenderRequest) (*isr.RenderResult, error) {
			counter.Inc()
			return &isr.RenderResult{Body: []byte("C"), Status: 200, Revalidate: isr.NoStore()}, nil
		}
		env := newTestEnvironment(render, pipeline.Options{})
		defer env.Close()

		first := handle(env, getRequest("http://example.com/x"))
		testhelpers.ExpectISRStatus(first, isr.ResponseSkip)
		testhelpers.ExpectNoStore(first)
		drain(env)

		second := handle(env, getRequest("http://example.com/x"))
		testhelpers.ExpectISRStatus(second, isr.ResponseSkip)

		Expect(counter.Count()).To(Equal(2))
	})

	It("serves STALE with the old body, then HIT with the new body after background revalidation", func() {
		render := func(ctx context.Context, req *isr.RenderRequest) (*isr.RenderResult, error) {
			if counter.Inc() == 1 {
				return &isr.RenderResult{Body: []byte("old"), Status: 200, Revalidate: isr.TTL(0.001)}, nil
			}
			return &isr.RenderResult{Body: []byte("new"), Status: 200, Revalidate: isr.TTL(60)}, nil
		}
		env := newTestEnvironment(render, pipeline.Options{})
		defer env.Close()

		first := handle(env, getRequest("http://example.com/x"))
		testhelpers.ExpectISRStatus(first, isr.ResponseMiss)
		Expect(string(first.Body)).To(Equal("old"))
		drain(env)

		time.Sleep(20 * time.Millisecond)

		second := handle(env, getRequest("http://example.com/x"))
		testhelpers.ExpectISRStatus(second, isr.ResponseStale)
		Expect(string(second.Body)).To(Equal("old"))
		drain(env)

		third := handle(env, getRequest("http://example.com/x"))
		testhelpers.ExpectISRStatus(third, isr.ResponseHit)
		Expect(string(third.Body)).To(Equal("new"))

		Expect(counter.Count()).To(Equal(2))
	})

	It("never caches a 500 response, rendering fresh on every request", func() {
		env := newTestEnvironment(countingRender(counter, "oops", 500), pipeline.Options{})
		defer env.Close()

		for i := 0; i < 2; i++ {
			resp := handle(env, getRequest("http://example.com/x"))
			Expect(resp.Status).To(Equal(500))
			testhelpers.ExpectISRStatus(resp, isr.ResponseMiss)
		}
		Expect(counter.Count()).To(Equal(2))
	})

	It("strips Set-Cookie from both the fresh response and the re-served cached entry", func() {
		render := func(ctx context.Context, req *isr.RenderRequest) (*isr.RenderResult, error) {
			counter.Inc()
			return &isr.RenderResult{
				Body:   []byte("page"),
				Status: 200,
				Headers: map[string][]string{
					"Set-Cookie": {"s=1"},
					"X-Safe":     {"ok"},
				},
			}, nil
		}
		env := newTestEnvironment(render, pipeline.Options{})
		defer env.Close()

		first := handle(env, getRequest("http://example.com/x"))
		testhelpers.ExpectNoSensitiveResponseHeaders(first)
		Expect(first.Header["X-Safe"]).To(ConsistOf("ok"))
		drain(env)

		second := handle(env, getRequest("http://example.com/x"))
		testhelpers.ExpectISRStatus(second, isr.ResponseHit)
		testhelpers.ExpectNoSensitiveResponseHeaders(second)
		Expect(second.Header["X-Safe"]).To(ConsistOf("ok"))
	})
})

var _ = Describe("Recursion guard", func() {
	It("processes a request carrying a foreign recursion-guard value normally instead of bypassing it", func() {
		counter := &testhelpers.RenderCallCounter{}
		env := newTestEnvironment(countingRender(counter, "A", 200), pipeline.Options{})
		defer env.Close()

		req := getRequest("http://example.com/")
		req.Header = map[string][]string{"X-ISR-Rendering": {"not-the-real-nonce"}}

		resp := handle(env, req)
		Expect(resp).NotTo(BeNil())
		testhelpers.ExpectISRStatus(resp, isr.ResponseMiss)
	})
})
