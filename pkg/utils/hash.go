package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashString returns a hex SHA-256 digest of the parts joined with a NUL
// separator, so ("ab","c") and ("a","bc") never collide.
func HashString(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// ShortHash is the first n hex characters of HashString.
func ShortHash(n int, parts ...string) string {
	h := HashString(parts...)
	if n <= 0 || n > len(h) {
		return h
	}
	return h[:n]
}
