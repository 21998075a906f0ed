package internal

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashURL returns the hex encoded sha256 of the url. Used as a cache and database key.
func HashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
