package l1

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often the background sweeper scans for
// expired entries when none is configured.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically evicts expired entries from a Memory layer, in
// addition to the lazy eviction-on-read Memory.Get already performs. This
// reclaims memory for keys that are never read again after they expire.
type Sweeper struct {
	mem      *Memory
	interval time.Duration
	logger   *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSweeper builds a sweeper for mem. It does not start until Start is
// called.
func NewSweeper(mem *Memory, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{mem: mem, interval: interval, logger: logger, stop: make(chan struct{})}
}

// Start launches the background sweep goroutine.
func (s *Sweeper) Start() {
	ticker := time.NewTicker(s.interval)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				evicted := s.mem.Sweep(time.Now())
				if evicted > 0 {
					s.logger.Debug("L1 sweep evicted expired entries", zap.Int("count", evicted))
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Shutdown stops the sweeper and waits for its goroutine to exit.
func (s *Sweeper) Shutdown() {
	close(s.stop)
	s.wg.Wait()
}
