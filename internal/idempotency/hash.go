package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/punchamoorthee/donationledger/internal/domain"
)

const (
	MinKeyLength = 16
	MaxKeyLength = 255
)

// GenerateRequestHash returns the SHA-256 hex digest of body after
// canonicalizing it: JSON object keys are sorted at every depth and
// insignificant whitespace is dropped, so two encodings of the same request
// hash alike. Bodies that are not JSON are hashed as-is.
func GenerateRequestHash(body []byte) string {
	sum := sha256.Sum256(canonicalize(body))
	return hex.EncodeToString(sum[:])
}

func canonicalize(body []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return body
	}
	if dec.More() {
		return body
	}
	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}

// ValidateKey enforces the length and charset of client-supplied keys.
func ValidateKey(key string) error {
	if len(key) < MinKeyLength || len(key) > MaxKeyLength {
		return domain.NewValidationError("idempotency_key",
			"idempotency key must be between %d and %d characters", MinKeyLength, MaxKeyLength)
	}
	for i := 0; i < len(key); i++ {
		if !keyChar(key[i]) {
			return domain.NewValidationError("idempotency_key",
				"idempotency key may only contain letters, digits, '-' and '_'")
		}
	}
	return nil
}

func keyChar(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '-' || c == '_'
}
