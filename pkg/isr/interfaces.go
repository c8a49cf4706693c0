package isr

import "context"

// GetResult is the outcome of a CacheLayer.Get call: the entry (nil on MISS)
// and its freshness classification.
type GetResult struct {
	Entry  *CacheEntry
	Status Status
}

// CacheLayer is the storage contract shared by L1 and L2. Both tiers
// implement it identically; TwoTier composes two of them.
type CacheLayer interface {
	Get(ctx context.Context, key StorageKey) (GetResult, error)
	Put(ctx context.Context, key StorageKey, entry *CacheEntry) error
	Delete(ctx context.Context, key StorageKey) error
}

// TagIndex is the reverse tag→keys index contract.
type TagIndex interface {
	AddKeyToTag(ctx context.Context, tag string, key StorageKey) error
	AddKeyToTags(ctx context.Context, tags []string, key StorageKey) error
	GetKeysByTag(ctx context.Context, tag string) ([]StorageKey, error)
	RemoveKeyFromTag(ctx context.Context, tag string, key StorageKey) error
	RemoveAllKeysForTag(ctx context.Context, tag string) error
}

// Handle is held by the caller of LockProvider.Acquire for the duration of
// the guarded work; Release is idempotent.
type Handle interface {
	Release(ctx context.Context) error
}

// LockProvider is the best-effort named lock contract. Acquire
// returns a nil Handle (and nil error) when the lock is currently held by
// another holder — that is not itself an error condition.
type LockProvider interface {
	Acquire(ctx context.Context, key StorageKey) (Handle, error)
}

// ExecutionCtx is the abstract fire-and-forget background scheduler the
// pipeline uses to run revalidation without blocking the foreground
// response.
type ExecutionCtx interface {
	ScheduleBackground(task func(context.Context))
}

// RenderRequest is the wrapped request handed to the render callback. It
// carries only what a render needs: method, URL, and headers — sensitive
// headers are stripped by the pipeline before the callback sees it.
type RenderRequest struct {
	Method string
	URL    string
	Header map[string][]string
}

// RenderFunc is the external render callback contract. Callers construct a
// RenderResult directly rather than handing back a raw HTTP response; an
// adapter that does hold one copies status, body, and headers over.
type RenderFunc func(ctx context.Context, req *RenderRequest) (*RenderResult, error)
