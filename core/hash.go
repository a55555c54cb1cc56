package core

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash returns the SHA-256 hex digest of content.
// Duplicate detection is scoped by owner, so the hash is computed over the raw
// text only.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
