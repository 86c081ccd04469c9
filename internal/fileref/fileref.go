package fileref

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidReference is returned when a token cannot name a cache directory.
var ErrInvalidReference = errors.New("invalid file reference")

// Reference is an opaque, content-derived token naming a file or file set.
// Two references are the same reference when their tokens are equal.
type Reference string

// New validates the token and returns it as a Reference.
func New(token string) (Reference, error) {
	ref := Reference(token)
	if err := ref.Validate(); err != nil {
		return "", err
	}

	return ref, nil
}

// Validate reports whether the reference can be used as a single path segment
// under the download directory.
func (r Reference) Validate() error {
	s := string(r)

	switch {
	case s == "":
		return fmt.Errorf("%w: empty token", ErrInvalidReference)
	case s == "." || s == "..":
		return fmt.Errorf("%w: %q", ErrInvalidReference, s)
	case strings.ContainsAny(s, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidReference, s)
	case strings.ContainsRune(s, 0):
		return fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidReference, s)
	}

	return nil
}

func (r Reference) String() string {
	return string(r)
}

// Parse converts a list of tokens, stopping at the first invalid one.
func Parse(tokens []string) ([]Reference, error) {
	refs := make([]Reference, 0, len(tokens))

	for _, t := range tokens {
		ref, err := New(t)
		if err != nil {
			return nil, err
		}

		refs = append(refs, ref)
	}

	return refs, nil
}
