package harvest

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SHA256Hasher implements Hasher with SHA-256 hex digests, the digest
// format recorded on artifacts.
type SHA256Hasher struct{}

// NewSHA256Hasher returns a SHA-256 hasher.
func NewSHA256Hasher() *SHA256Hasher {
	return &SHA256Hasher{}
}

// Hash returns the hex SHA-256 of data.
func (h *SHA256Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// SystemClock implements Clock with the wall clock.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
