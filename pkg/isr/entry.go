package isr

import "time"

// BuildCacheEntry implements the entry-construction step shared by the
// revalidator's background path and the pipeline's MISS path: it computes
// revalidateAfter from the resolved revalidate value, validates and fits
// tags, and returns the entry alongside the FitResult so callers update the
// tag index with exactly the tag set that was stored.
//
// Callers strip uncacheable response headers (Set-Cookie, WWW-Authenticate,
// Proxy-Authenticate) before calling this — that's a security concern this
// package intentionally stays free of.
func BuildCacheEntry(body []byte, status int, headers map[string][]string, resultTags, routeTags []string, resolved *Revalidate, now time.Time, metadataByteBudget int) (*CacheEntry, FitResult, error) {
	tags, err := ValidateTags(mergeTags(resultTags, routeTags))
	if err != nil {
		return nil, FitResult{}, err
	}

	meta := CacheEntryMetadata{
		CreatedAt:       now,
		RevalidateAfter: revalidateAfterFor(resolved, now),
		Status:          status,
		Tags:            tags,
	}
	fit := FitMetadata(meta, metadataByteBudget)

	return &CacheEntry{Body: body, Headers: headers, Metadata: fit.Metadata}, fit, nil
}

// revalidateAfterFor computes the metadata RevalidateAfter instant for a
// resolved RevalidateValue. Forever yields nil.
// NoStore yields now, so an entry written despite a no-store resolution
// (defensive only: callers are expected to short-circuit no-store before
// ever reaching this point) reads as immediately stale rather than
// forever-fresh.
func revalidateAfterFor(r *Revalidate, now time.Time) *time.Time {
	switch r.Kind {
	case RevalidateForever:
		return nil
	case RevalidateNoStore:
		t := now
		return &t
	default:
		t := now.Add(time.Duration(r.Seconds * float64(time.Second)))
		return &t
	}
}

// mergeTags unions result-level and route-level tags. ValidateTags dedups
// on first occurrence, so result tags (closer to the actually rendered
// content) take precedence in the final order.
func mergeTags(resultTags, routeTags []string) []string {
	out := make([]string, 0, len(resultTags)+len(routeTags))
	out = append(out, resultTags...)
	out = append(out, routeTags...)
	return out
}
