package ocr

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// ChangeDetector tracks whether OCR text differs from the previous capture.
// The stored hash is updated on every call regardless of the outcome.
type ChangeDetector struct {
	mu       sync.Mutex
	lastHash string
}

// Check hashes text and compares it against the previous call's hash.
func (d *ChangeDetector) Check(text string) (isDifferent bool, hash string) {
	sum := sha256.Sum256([]byte(text))
	hash = hex.EncodeToString(sum[:])

	d.mu.Lock()
	defer d.mu.Unlock()
	isDifferent = hash != d.lastHash
	d.lastHash = hash
	return isDifferent, hash
}

// LastHash returns the most recent hash, or "".
func (d *ChangeDetector) LastHash() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastHash
}
