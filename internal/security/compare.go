// Package security implements the hardened primitives of the rendering
// path: constant-time token comparison, Host validation, and
// sensitive-header stripping for the self-fetch render path.
package security

import "crypto/subtle"

// ConstantTimeEqual compares a and b in time that does not depend on the
// position of the first differing byte.
//
// Unlike a naive subtle.ConstantTimeCompare call, a length mismatch here
// still costs one comparison over a buffer as large as the longer input,
// so callers cannot distinguish "wrong length" from "right length, wrong
// bytes" by timing alone.
func ConstantTimeEqual(a, b string) bool {
	if len(a) == len(b) {
		return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
	}

	// Pad the shorter input so the comparison below always walks the same
	// number of bytes regardless of which input is shorter.
	longer := a
	if len(b) > len(a) {
		longer = b
	}
	padded := make([]byte, len(longer))
	copy(padded, a)
	_ = subtle.ConstantTimeCompare(padded, []byte(longer))
	return false
}
