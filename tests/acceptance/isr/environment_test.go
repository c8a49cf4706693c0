package isr_test

import (
	"context"
	"net/http"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	isrengine "github.com/edgecomet/isrengine"
	"github.com/edgecomet/isrengine/internal/isrconfig"
	"github.com/edgecomet/isrengine/internal/pipeline"
	"github.com/edgecomet/isrengine/pkg/isr"
)

// testEnvironment wires one Engine against its own embedded miniredis
// instance, so each spec gets isolated storage with nothing shared across
// specs.
type testEnvironment struct {
	mr     *miniredis.Miniredis
	engine *isrengine.Engine
}

// newTestEnvironment starts a fresh engine backed by a fresh miniredis
// instance. render is invoked by the engine's HandleRequest/Lookup/Cache
// paths on every MISS and background revalidation.
func newTestEnvironment(render isr.RenderFunc, opts pipeline.Options) *testEnvironment {
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())

	engine, err := isrengine.NewWithBindings(
		isrengine.Bindings{Redis: &isrconfig.RedisConfig{Addr: mr.Addr()}},
		render,
		opts,
		zap.NewNop(),
	)
	Expect(err).NotTo(HaveOccurred())

	return &testEnvironment{mr: mr, engine: engine}
}

func (e *testEnvironment) Close() {
	_ = e.engine.Close()
	e.mr.Close()
}

func getRequest(url string) *isr.RenderRequest {
	return &isr.RenderRequest{Method: http.MethodGet, URL: url}
}

func handle(e *testEnvironment, req *isr.RenderRequest) *isr.Response {
	resp, err := e.engine.HandleRequest(context.Background(), req, e.engine.Tasks())
	Expect(err).NotTo(HaveOccurred())
	return resp
}

func drain(e *testEnvironment) {
	e.engine.Tasks().Wait()
}
