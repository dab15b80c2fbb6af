// Package identity normalizes and validates the client identifiers that key
// every session. An identifier is a phone-number-like string: after stripping
// everything that is not a digit, at least MinDigits digits must remain.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// MinDigits is the minimum number of digits a normalized identifier must have.
const MinDigits = 10

// ErrInvalidIdentifier is the validation failure sentinel. Callers use
// errors.Is to map it to a client error before any session state exists.
var ErrInvalidIdentifier = errors.New("identity: invalid identifier")

// Normalize strips every non-digit rune from raw and validates the result.
// It returns the digits-only identifier used as the session store key.
func Normalize(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}

	id := b.String()
	if len(id) < MinDigits {
		return "", fmt.Errorf("%w: %d digits after normalization, need at least %d",
			ErrInvalidIdentifier, len(id), MinDigits)
	}
	return id, nil
}

const storageDirPrefix = "session_"

// StorageDirName returns the per-identifier directory name holding the
// session's credential fragments, e.g. "session_15551234567".
func StorageDirName(identifier string) string {
	return storageDirPrefix + identifier
}

// IdentifierFromDirName reverses StorageDirName. ok is false when name is not
// a session storage directory.
func IdentifierFromDirName(name string) (identifier string, ok bool) {
	id, found := strings.CutPrefix(name, storageDirPrefix)
	if !found || id == "" {
		return "", false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return id, true
}
