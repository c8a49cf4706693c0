package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// TaskTracker is the ExecutionCtx implementation the pipeline hands to
// background work: a fire-and-forget scheduler whose in-flight
// tasks are tracked so tests can wait for completion, rather than a bare
// `go func(){}()` nothing can observe.
type TaskTracker struct {
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewTaskTracker builds a TaskTracker.
func NewTaskTracker(logger *zap.Logger) *TaskTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskTracker{logger: logger}
}

// ScheduleBackground runs task on its own goroutine, tracked by the
// internal WaitGroup so Wait can observe completion in tests. A panicking
// task is recovered and logged rather than crashing the process — a
// background revalidation must never take down the foreground request
// that scheduled it.
func (t *TaskTracker) ScheduleBackground(task func(context.Context)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("background task panicked", zap.Any("recover", r))
			}
		}()
		task(context.Background())
	}()
}

// Wait blocks until every currently-scheduled background task has
// returned. Test-only: production callers never need to observe
// fire-and-forget completion.
func (t *TaskTracker) Wait() {
	t.wg.Wait()
}
