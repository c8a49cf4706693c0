// Package cachelayer composes the L1 (near) and L2 (far) cache tiers into
// the single CacheLayer the request pipeline consumes.
package cachelayer

import (
	"context"

	"go.uber.org/zap"

	"github.com/edgecomet/isrengine/pkg/isr"
)

// TwoTier composes an L1 and an L2 CacheLayer with freshness preference,
// backfill, and stale tie-breaking. Every layer call is tolerant of the
// other layer's errors: a failing layer degrades to MISS with a warning
// rather than failing the composite call, which never throws upward.
type TwoTier struct {
	l1     isr.CacheLayer
	l2     isr.CacheLayer
	logger *zap.Logger
}

// New builds a TwoTier composition. Either layer may be nil to run with
// only the other tier (useful for tests and for embedders that don't want
// an L2).
func New(l1, l2 isr.CacheLayer, logger *zap.Logger) *TwoTier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwoTier{l1: l1, l2: l2, logger: logger}
}

func (t *TwoTier) getLayer(ctx context.Context, layer isr.CacheLayer, tierName string, key isr.StorageKey) isr.GetResult {
	if layer == nil {
		return isr.GetResult{Status: isr.StatusMiss}
	}
	res, err := layer.Get(ctx, key)
	if err != nil {
		t.logger.Warn("cache tier read failed, degrading to MISS",
			zap.String("tier", tierName), zap.String("key", string(key)), zap.Error(err))
		return isr.GetResult{Status: isr.StatusMiss}
	}
	return res
}

// Get implements the two-tier read algorithm:
//  1. Read L1; a HIT there is returned immediately.
//  2. Otherwise read L2; a HIT there triggers a fire-and-forget L1 backfill.
//  3. If both are STALE, the entry with the newer CreatedAt wins.
//  4. If exactly one is STALE, that one is returned.
//  5. Otherwise MISS.
func (t *TwoTier) Get(ctx context.Context, key isr.StorageKey) (isr.GetResult, error) {
	l1res := t.getLayer(ctx, t.l1, "l1", key)
	if l1res.Status == isr.StatusHit {
		return l1res, nil
	}

	l2res := t.getLayer(ctx, t.l2, "l2", key)
	if l2res.Status == isr.StatusHit {
		t.backfillL1(key, l2res.Entry)
		return l2res, nil
	}

	switch {
	case l1res.Status == isr.StatusStale && l2res.Status == isr.StatusStale:
		if l2res.Entry.Metadata.CreatedAt.After(l1res.Entry.Metadata.CreatedAt) {
			return l2res, nil
		}
		return l1res, nil
	case l1res.Status == isr.StatusStale:
		return l1res, nil
	case l2res.Status == isr.StatusStale:
		return l2res, nil
	default:
		return isr.GetResult{Status: isr.StatusMiss}, nil
	}
}

// backfillL1 fires off an L1 write for an entry found fresh in L2, without
// blocking the caller's read.
func (t *TwoTier) backfillL1(key isr.StorageKey, entry *isr.CacheEntry) {
	if t.l1 == nil {
		return
	}
	go func() {
		if err := t.l1.Put(context.Background(), key, entry); err != nil {
			t.logger.Warn("l1 backfill failed", zap.String("key", string(key)), zap.Error(err))
		}
	}()
}

// Put writes entry to both tiers in parallel, collecting all results and
// logging individual failures; it never throws upward.
func (t *TwoTier) Put(ctx context.Context, key isr.StorageKey, entry *isr.CacheEntry) error {
	type outcome struct {
		tier string
		err  error
	}
	results := make(chan outcome, 2)

	for tierName, layer := range map[string]isr.CacheLayer{"l1": t.l1, "l2": t.l2} {
		layer := layer
		tierName := tierName
		go func() {
			if layer == nil {
				results <- outcome{tierName, nil}
				return
			}
			results <- outcome{tierName, layer.Put(ctx, key, entry)}
		}()
	}

	for i := 0; i < 2; i++ {
		o := <-results
		if o.err != nil {
			t.logger.Warn("cache tier write failed", zap.String("tier", o.tier),
				zap.String("key", string(key)), zap.Error(o.err))
		}
	}
	return nil
}

// Delete removes key from both tiers, in parallel, best-effort.
func (t *TwoTier) Delete(ctx context.Context, key isr.StorageKey) error {
	type outcome struct {
		tier string
		err  error
	}
	results := make(chan outcome, 2)

	for tierName, layer := range map[string]isr.CacheLayer{"l1": t.l1, "l2": t.l2} {
		layer := layer
		tierName := tierName
		go func() {
			if layer == nil {
				results <- outcome{tierName, nil}
				return
			}
			results <- outcome{tierName, layer.Delete(ctx, key)}
		}()
	}

	for i := 0; i < 2; i++ {
		o := <-results
		if o.err != nil {
			t.logger.Warn("cache tier delete failed", zap.String("tier", o.tier),
				zap.String("key", string(key)), zap.Error(o.err))
		}
	}
	return nil
}

var _ isr.CacheLayer = (*TwoTier)(nil)
