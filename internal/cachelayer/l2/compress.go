// Package l2 implements the far cache tier: a Redis-backed store with no
// automatic eviction, so stale entries remain available for
// stale-while-revalidate until explicitly purged.
package l2

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// CompressionThreshold is the body size at or above which Put compresses
// before writing. Bodies below it gain nothing from deflate's header overhead.
const CompressionThreshold = 256

func compress(body []byte) ([]byte, bool, error) {
	if len(body) < CompressionThreshold {
		return body, false, nil
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, false, fmt.Errorf("l2: compress: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return nil, false, fmt.Errorf("l2: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, fmt.Errorf("l2: compress: %w", err)
	}
	return buf.Bytes(), true, nil
}

func decompress(body []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(body))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("l2: decompress: %w", err)
	}
	return out, nil
}
