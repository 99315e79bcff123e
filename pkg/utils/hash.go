package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex computes the hex encoded SHA-256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first n hex characters of the SHA-256 of s.
// n is clamped to the full digest length.
func ShortHash(s string, n int) string {
	full := SHA256Hex([]byte(s))
	if n <= 0 || n > len(full) {
		return full
	}
	return full[:n]
}
