package isr

import (
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key is a cache key derived from a URL, before namespace prefixing.
type Key string

// StorageKey is a Key after namespace prefixing and, if needed, length-budget
// hash substitution.
type StorageKey string

const (
	pagePrefix = "page:"
	lockPrefix = "lock:"

	// defaultKeyByteBudget bounds a storage key's UTF-8 byte length before
	// the hash fallback kicks in.
	defaultKeyByteBudget = 480
)

// DeriveFunc extracts a cache Key from a request URL. The default (Derive)
// returns the pathname; callers may supply their own.
type DeriveFunc func(rawURL string) Key

// Derive is the default DeriveFunc: it returns the URL's pathname.
func Derive(rawURL string) Key {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Key(rawURL)
	}
	if u.Path == "" {
		return "/"
	}
	return Key(u.Path)
}

// Normalize collapses consecutive slashes and strips a trailing slash except
// on the root. It is exposed standalone so callers can pass it as
// (or compose it into) their own DeriveFunc.
func Normalize(rawURL string) Key {
	u, err := url.Parse(rawURL)
	path := rawURL
	if err == nil {
		path = u.Path
	}
	if path == "" {
		path = "/"
	}

	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return Key(path)
}

// PageKey derives the storage key used for the cache namespace.
func PageKey(k Key, byteBudget int) StorageKey {
	return prefixedStorageKey(pagePrefix, k, byteBudget)
}

// LockKey derives the storage key used for the lock namespace.
func LockKey(k Key, byteBudget int) StorageKey {
	return prefixedStorageKey(lockPrefix, k, byteBudget)
}

func prefixedStorageKey(prefix string, k Key, byteBudget int) StorageKey {
	if byteBudget <= 0 {
		byteBudget = defaultKeyByteBudget
	}
	full := prefix + string(k)
	if len(full) <= byteBudget {
		return StorageKey(full)
	}
	return StorageKey(prefix + "hash:" + HashFallback(string(k)))
}

// HashFallback computes the combined djb2+FNV-1a hash substituted for keys
// that exceed the storage-key length budget. Each 32-bit half is computed
// independently over the full input and concatenated as two 8-hex-digit
// halves (16 hex digits total), giving a 64-bit fingerprint from two
// independent hashes — a single 32-bit hash would hit birthday collisions
// at realistic key counts.
func HashFallback(s string) string {
	d := djb2(s)
	f := fnv1a(s)
	buf := make([]byte, 8)
	buf[0] = byte(d >> 24)
	buf[1] = byte(d >> 16)
	buf[2] = byte(d >> 8)
	buf[3] = byte(d)
	buf[4] = byte(f >> 24)
	buf[5] = byte(f >> 16)
	buf[6] = byte(f >> 8)
	buf[7] = byte(f)
	return hex.EncodeToString(buf)
}

func djb2(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = ((h << 5) + h) + uint32(s[i]) // h*33 + c
	}
	return h
}

func fnv1a(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// DebugFingerprint returns a fast 64-bit xxhash fingerprint of a normalized
// key for log correlation. The L2 integrity checksum (internal/cachelayer/l2)
// is computed there with xxhash directly, not through this function. It
// never substitutes for HashFallback, which remains the only algorithm used
// for the storage-key length-budget fallback.
func DebugFingerprint(s string) string {
	return hex.EncodeToString(uint64ToBytes(xxhash.Sum64String(s)))
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
