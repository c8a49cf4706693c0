package pipeline

import "github.com/google/uuid"

// newInstanceNonce generates the per-instance recursion-guard nonce.
// uuid.New() draws from crypto/rand internally, so external requests cannot
// guess the value a self-render call will carry.
func newInstanceNonce() string {
	return uuid.New().String()
}
