package content

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Hash returns the 64-bit xxHash (seed 0) shared by every node distributing files.
func Hash(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// Verify reports whether data hashes to expected.
func Verify(data []byte, expected uint64) bool {
	return Hash(data) == expected
}

// IntegrityError is returned when pushed content does not match the hash the peer sent with it.
type IntegrityError struct {
	Reference string // File reference the content was pushed for
	Filename  string // Name the content would have been stored under
	Expected  uint64 // Hash announced by the peer
	Actual    uint64 // Hash computed over the received bytes
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("content of %s/%s failed verification: expected hash %016x, got %016x",
		e.Reference, e.Filename, e.Expected, e.Actual)
}

// Check verifies data and returns an *IntegrityError on mismatch.
func Check(reference, filename string, data []byte, expected uint64) error {
	actual := Hash(data)
	if actual != expected {
		return &IntegrityError{Reference: reference, Filename: filename, Expected: expected, Actual: actual}
	}

	return nil
}
