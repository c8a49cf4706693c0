// Package isr implements the core data model and key/pattern primitives of
// the incremental static regeneration caching engine.
package isr

import "errors"

// Sentinel errors returned by this package and by the engine packages that
// build on it. Callers should use errors.Is/errors.As rather than comparing
// error strings.
var (
	// ErrPatternInvalid is returned when a route pattern fails validation
	// (too long, or more than one catch-all segment).
	ErrPatternInvalid = errors.New("isr: invalid route pattern")

	// ErrTagInvalid is returned when a tag is empty, too long, or contains
	// characters outside the allowed charset.
	ErrTagInvalid = errors.New("isr: invalid tag")

	// ErrTooManyTags is returned when a cache entry is given more tags than
	// the configured per-entry limit.
	ErrTooManyTags = errors.New("isr: too many tags")

	// ErrCacheLayerUnavailable marks a transient single-layer failure that
	// the caller has already degraded gracefully (logged, not propagated).
	ErrCacheLayerUnavailable = errors.New("isr: cache layer unavailable")

	// ErrCacheWriteFailed marks a failure that affected both cache tiers.
	ErrCacheWriteFailed = errors.New("isr: cache write failed")

	// ErrIndexWriteFailed marks a tag-index write that did not fully apply.
	ErrIndexWriteFailed = errors.New("isr: tag index write failed")

	// ErrLockUnavailable is returned by a LockProvider when a lock could not
	// be acquired; callers proceed without the lock.
	ErrLockUnavailable = errors.New("isr: lock unavailable")

	// ErrRenderTimeout is returned when a render callback exceeds its
	// allotted budget.
	ErrRenderTimeout = errors.New("isr: render timed out")

	// ErrRenderFailed wraps an error returned by the render callback itself.
	ErrRenderFailed = errors.New("isr: render failed")

	// ErrValidationError marks bad client input to the tag index (maps to a
	// 400-class response at any wire boundary a caller builds).
	ErrValidationError = errors.New("isr: validation error")

	// ErrIntegrityError is returned when a deserialized cache entry fails
	// schema validation and must be treated as a MISS.
	ErrIntegrityError = errors.New("isr: cache entry failed integrity check")

	// ErrConfigConflict is returned by the engine's shared internal
	// constructor when it is given both mutually-exclusive configuration
	// shapes (Bindings and Storage). NewWithBindings and NewAdvanced each
	// pass exactly one, so they never return it.
	ErrConfigConflict = errors.New("isr: mutually exclusive configuration supplied")
)
