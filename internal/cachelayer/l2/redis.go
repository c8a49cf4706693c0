package l2

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/edgecomet/isrengine/internal/storage/redisclient"
	"github.com/edgecomet/isrengine/pkg/isr"
)

const (
	keyPrefix = "l2:"

	fieldBody       = "body"
	fieldCompressed = "compressed"
	fieldHeaders    = "headers"
	fieldMetadata   = "metadata"
	fieldChecksum   = "checksum"
)

// Layer is a Redis-hash-backed L2 cache layer. No automatic eviction is
// applied: this module never sets a Redis TTL on the entry hash, so stale
// entries remain readable for stale-while-revalidate until explicitly
// purged.
type Layer struct {
	client     *redisclient.Client
	logger     *zap.Logger
	metaBudget int
	now        func() time.Time
}

// New constructs a Redis-backed L2 layer. metadataByteBudget <= 0 uses
// isr.DefaultMetadataByteBudget.
func New(client *redisclient.Client, metadataByteBudget int, logger *zap.Logger) (*Layer, error) {
	if client == nil {
		return nil, fmt.Errorf("l2: redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metadataByteBudget <= 0 {
		metadataByteBudget = isr.DefaultMetadataByteBudget
	}
	return &Layer{client: client, logger: logger, metaBudget: metadataByteBudget, now: time.Now}, nil
}

func hashKey(key isr.StorageKey) string {
	return keyPrefix + string(key)
}

// Get reads and reconstructs the entry for key. An entry that fails schema
// or checksum validation is treated as MISS with a warning rather than
// surfaced as an error.
func (l *Layer) Get(ctx context.Context, key isr.StorageKey) (isr.GetResult, error) {
	data, err := l.client.HGetAll(ctx, hashKey(key))
	if err != nil {
		l.logger.Warn("l2 get failed", zap.String("key", string(key)), zap.Error(err))
		return isr.GetResult{Status: isr.StatusMiss}, nil
	}
	if len(data) == 0 {
		return isr.GetResult{Status: isr.StatusMiss}, nil
	}

	entry, err := l.decode(data)
	if err != nil {
		l.logger.Warn("l2 entry failed schema/integrity validation, treating as MISS",
			zap.String("key", string(key)), zap.Error(err))
		return isr.GetResult{Status: isr.StatusMiss}, nil
	}

	status := isr.StatusHit
	if entry.Metadata.IsStale(l.now()) {
		status = isr.StatusStale
	}
	return isr.GetResult{Entry: entry, Status: status}, nil
}

func (l *Layer) decode(data map[string]string) (*isr.CacheEntry, error) {
	rawBody, ok := data[fieldBody]
	if !ok {
		return nil, errMissingBody
	}
	body := []byte(rawBody)
	if data[fieldCompressed] == "1" {
		var err error
		body, err = decompress(body)
		if err != nil {
			return nil, err
		}
	}

	if sum, ok := data[fieldChecksum]; ok && sum != "" {
		if sum != checksumOf(body) {
			return nil, errBadChecksum
		}
	}

	var headers map[string][]string
	if raw, ok := data[fieldHeaders]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadHeaders, err)
		}
	}

	metaRaw, ok := data[fieldMetadata]
	if !ok {
		return nil, fmt.Errorf("l2: entry hash missing metadata field")
	}
	meta, err := isr.UnmarshalMetadata([]byte(metaRaw))
	if err != nil {
		return nil, err
	}

	return &isr.CacheEntry{Body: body, Headers: headers, Metadata: meta}, nil
}

func checksumOf(body []byte) string {
	sum := xxhash.Sum64(body)
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(sum)
		sum >>= 8
	}
	return hex.EncodeToString(buf)
}

// Put writes entry under key as a Redis hash. The metadata is defensively
// re-fitted to the byte budget even though callers are expected to have
// already fitted it, so an oversized metadata slot can never reach the
// store unlogged.
func (l *Layer) Put(ctx context.Context, key isr.StorageKey, entry *isr.CacheEntry) error {
	fit := isr.FitMetadata(entry.Metadata, l.metaBudget)
	if fit.Truncated {
		l.logger.Warn("l2 metadata truncated to fit byte budget",
			zap.String("key", string(key)),
			zap.Int("budget", l.metaBudget),
			zap.Strings("dropped_tags", fit.Dropped))
	}

	metaBytes, err := isr.MarshalMetadata(fit.Metadata)
	if err != nil {
		return fmt.Errorf("l2: marshal metadata: %w", err)
	}

	body, compressed, err := compress(entry.Body)
	if err != nil {
		return fmt.Errorf("l2: %w", err)
	}

	var headersJSON []byte
	if len(entry.Headers) > 0 {
		headersJSON, err = json.Marshal(entry.Headers)
		if err != nil {
			return fmt.Errorf("l2: marshal headers: %w", err)
		}
	}

	compressedFlag := "0"
	if compressed {
		compressedFlag = "1"
	}

	values := []interface{}{
		fieldBody, string(body),
		fieldCompressed, compressedFlag,
		fieldHeaders, string(headersJSON),
		fieldMetadata, string(metaBytes),
		fieldChecksum, checksumOf(entry.Body),
	}

	if err := l.client.HSet(ctx, hashKey(key), values...); err != nil {
		return fmt.Errorf("%w: %v", isr.ErrCacheWriteFailed, err)
	}
	return nil
}

// Delete removes key's hash entirely.
func (l *Layer) Delete(ctx context.Context, key isr.StorageKey) error {
	if err := l.client.Del(ctx, hashKey(key)); err != nil {
		return fmt.Errorf("%w: %v", isr.ErrCacheWriteFailed, err)
	}
	return nil
}

var _ isr.CacheLayer = (*Layer)(nil)
