// Package tagindex implements the reverse tag→keys index used for group
// invalidation: a Redis set per tag, over the shared client in
// internal/storage/redisclient.
package tagindex

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/edgecomet/isrengine/pkg/isr"

	redisclient "github.com/edgecomet/isrengine/internal/storage/redisclient"
)

const (
	// MaxTagOrKeyLength is the validation cap on tag and key length.
	MaxTagOrKeyLength = 2048
	// MaxTagsPerBulkCall bounds how many tags one AddKeyToTags call may touch.
	MaxTagsPerBulkCall = 64
	// MaxResultsPerTag bounds GetKeysByTag's result size; the index truncates
	// and logs a warning rather than returning an unbounded list.
	MaxResultsPerTag = 10000

	keyPrefix = "tag:"
)

// Index is a Redis-set-backed TagIndex. Redis SADD/SREM are per-command
// atomic, which gives the per-tag single-writer semantics the engine needs
// without read-modify-write races; a bulk AddKeyToTags issues one SADD per
// tag without a cross-tag transaction, so concurrent writers to different
// tags stay independent while cross-tag atomicity is not guaranteed.
type Index struct {
	client *redisclient.Client
	logger *zap.Logger
}

// New constructs a tag index backed by client. logger must not be nil; pass
// zap.NewNop() in tests.
func New(client *redisclient.Client, logger *zap.Logger) (*Index, error) {
	if client == nil {
		return nil, fmt.Errorf("tagindex: redis client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("tagindex: logger is required")
	}
	return &Index{client: client, logger: logger}, nil
}

func tagSetKey(tag string) string {
	return keyPrefix + tag
}

func validateTagAndKey(tag string, key isr.StorageKey) error {
	if tag == "" {
		return fmt.Errorf("%w: %v", isr.ErrValidationError, errEmptyTag)
	}
	if len(tag) > MaxTagOrKeyLength {
		return fmt.Errorf("%w: tag exceeds max length %d", isr.ErrValidationError, MaxTagOrKeyLength)
	}
	if key == "" {
		return fmt.Errorf("%w: %v", isr.ErrValidationError, errEmptyKey)
	}
	if len(key) > MaxTagOrKeyLength {
		return fmt.Errorf("%w: key exceeds max length %d", isr.ErrValidationError, MaxTagOrKeyLength)
	}
	return nil
}

// AddKeyToTag adds key to tag's set. Idempotent: SADD ignores members already
// present.
func (idx *Index) AddKeyToTag(ctx context.Context, tag string, key isr.StorageKey) error {
	if err := validateTagAndKey(tag, key); err != nil {
		return err
	}
	if err := idx.client.SAdd(ctx, tagSetKey(tag), string(key)); err != nil {
		return fmt.Errorf("%w: %v", isr.ErrIndexWriteFailed, err)
	}
	return nil
}

// AddKeyToTags adds key to every tag's set. All-or-nothing from the caller's
// point of view: the first backing-store failure aborts and is returned,
// though tags already written before the failure remain written — Redis has
// no cross-key transaction here, and orphan edges are harmless (swept on
// the next tag purge).
func (idx *Index) AddKeyToTags(ctx context.Context, tags []string, key isr.StorageKey) error {
	if len(tags) == 0 {
		return nil
	}
	if len(tags) > MaxTagsPerBulkCall {
		return fmt.Errorf("%w: %d tags exceeds max %d per call", isr.ErrValidationError, len(tags), MaxTagsPerBulkCall)
	}
	for _, tag := range tags {
		if err := validateTagAndKey(tag, key); err != nil {
			return err
		}
	}

	pipe := idx.client.Pipeliner()
	for _, tag := range tags {
		pipe.SAdd(ctx, tagSetKey(tag), string(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		idx.logger.Warn("tag index bulk add failed",
			zap.Strings("tags", tags),
			zap.String("key", string(key)),
			zap.Error(err))
		return fmt.Errorf("%w: %v", isr.ErrIndexWriteFailed, err)
	}
	return nil
}

// GetKeysByTag returns all keys registered under tag, bounded to
// MaxResultsPerTag. A set larger than that is truncated and a warning is
// logged.
func (idx *Index) GetKeysByTag(ctx context.Context, tag string) ([]isr.StorageKey, error) {
	if tag == "" {
		return nil, fmt.Errorf("%w: %v", isr.ErrValidationError, errEmptyTag)
	}

	members, err := idx.client.SMembers(ctx, tagSetKey(tag))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", isr.ErrIndexWriteFailed, err)
	}

	if len(members) > MaxResultsPerTag {
		idx.logger.Warn("tag index result truncated",
			zap.String("tag", tag),
			zap.Int("total", len(members)),
			zap.Int("limit", MaxResultsPerTag))
		members = members[:MaxResultsPerTag]
	}

	keys := make([]isr.StorageKey, len(members))
	for i, m := range members {
		keys[i] = isr.StorageKey(m)
	}
	return keys, nil
}

// RemoveKeyFromTag removes key from tag's set. No-op when absent.
func (idx *Index) RemoveKeyFromTag(ctx context.Context, tag string, key isr.StorageKey) error {
	if err := validateTagAndKey(tag, key); err != nil {
		return err
	}
	if err := idx.client.SRem(ctx, tagSetKey(tag), string(key)); err != nil {
		return fmt.Errorf("%w: %v", isr.ErrIndexWriteFailed, err)
	}
	return nil
}

// RemoveAllKeysForTag deletes tag's entire set in one call, sweeping any
// residual edges left by lazy per-key removal.
func (idx *Index) RemoveAllKeysForTag(ctx context.Context, tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: %v", isr.ErrValidationError, errEmptyTag)
	}
	if err := idx.client.Del(ctx, tagSetKey(tag)); err != nil {
		return fmt.Errorf("%w: %v", isr.ErrIndexWriteFailed, err)
	}
	return nil
}

var _ isr.TagIndex = (*Index)(nil)
