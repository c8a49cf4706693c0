package isr

// Response is what the pipeline returns to the embedding framework: a
// fully-formed HTTP response to emit as-is. A nil *Response (with a nil
// error) means "the engine declined to handle this request" — the
// framework is expected to render it normally (non-GET/HEAD, recursion
// nonce present, no route match, or a lock lost to a concurrent renderer).
type Response struct {
	Status int
	Body   []byte
	Header map[string][]string
}
