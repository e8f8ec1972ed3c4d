package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// DTMFKeys are the characters accepted in a keypad sequence. "w" waits half
// a second.
const DTMFKeys = "0123456789*#w"

// ErrInvalidDTMF is wrapped by ValidateDTMF failures.
var ErrInvalidDTMF = errors.New("invalid DTMF sequence")

// IsDTMF reports whether s is a non-empty keypad sequence.
func IsDTMF(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(DTMFKeys, r) {
			return false
		}
	}
	return true
}

// ValidateDTMF returns an error naming the first character of s that is not
// a keypad key.
func ValidateDTMF(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty payload", ErrInvalidDTMF)
	}
	for _, r := range s {
		if !strings.ContainsRune(DTMFKeys, r) {
			return fmt.Errorf("%w: invalid character %q in %q, accepted keys are %q (w waits 0.5s)", ErrInvalidDTMF, r, s, DTMFKeys)
		}
	}
	return nil
}
