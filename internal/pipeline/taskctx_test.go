package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestTaskTrackerWaitBlocksUntilDone(t *testing.T) {
	tr := NewTaskTracker(zap.NewNop())
	var ran atomic.Bool

	tr.ScheduleBackground(func(ctx context.Context) {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
	})

	tr.Wait()
	assert.True(t, ran.Load())
}

func TestTaskTrackerRecoversPanic(t *testing.T) {
	tr := NewTaskTracker(zap.NewNop())
	tr.ScheduleBackground(func(ctx context.Context) {
		panic("boom")
	})
	tr.Wait() // must not propagate the panic to the test goroutine
}
