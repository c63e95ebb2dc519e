package application

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// newIdempotencyKey mints a fresh 128-bit hex key for tagging a CEX order,
// transfer, or withdrawal. The engine persists the key with the transition
// that introduces it, before the CEX call, and it stays fixed while the job
// remains in that state; re-entering the state through RETRYING mints a new
// key.
func newIdempotencyKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("application: generate idempotency key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
