// Package lock implements the best-effort named lock that gates background
// revalidation: a Redis SETNX with a safety TTL bounding orphaned locks
// when a holder crashes before releasing.
package lock

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/isrengine/internal/storage/redisclient"
	"github.com/edgecomet/isrengine/pkg/isr"
)

// DefaultTTL is the safety TTL bounding an orphaned lock when its holder
// crashes before releasing.
const DefaultTTL = 60 * time.Second

const keyPrefix = "lock:"
const lockedValue = "1"

// Provider is a Redis-backed LockProvider. It is explicitly best-effort:
// two holders may briefly coexist under races, which is harmless because
// cache writes and tag-index writes are idempotent — the lock exists for
// efficiency, not correctness.
type Provider struct {
	client *redisclient.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New constructs a lock provider backed by client. ttl <= 0 uses
// DefaultTTL.
func New(client *redisclient.Client, ttl time.Duration, logger *zap.Logger) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("lock: redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{client: client, ttl: ttl, logger: logger}, nil
}

type handle struct {
	client *redisclient.Client
	key    string
	logger *zap.Logger
}

// Release deletes the lock key. Idempotent: releasing twice is harmless.
func (h *handle) Release(ctx context.Context) error {
	if err := h.client.Del(ctx, h.key); err != nil {
		h.logger.Warn("lock release failed", zap.String("key", h.key), zap.Error(err))
		return fmt.Errorf("lock: release: %w", err)
	}
	return nil
}

// Acquire attempts to take the named lock via SETNX. A nil Handle and nil
// error means the lock is currently held elsewhere — not an error
// condition. A non-nil error means the backing store itself
// failed; callers log and proceed without the lock.
func (p *Provider) Acquire(ctx context.Context, key isr.StorageKey) (isr.Handle, error) {
	redisKey := keyPrefix + string(key)
	acquired, err := p.client.SetNX(ctx, redisKey, lockedValue, p.ttl)
	if err != nil {
		p.logger.Warn("lock acquire failed", zap.String("key", redisKey), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", isr.ErrLockUnavailable, err)
	}
	if !acquired {
		return nil, nil
	}
	return &handle{client: p.client, key: redisKey, logger: p.logger}, nil
}

var _ isr.LockProvider = (*Provider)(nil)
