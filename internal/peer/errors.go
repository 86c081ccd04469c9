package peer

import (
	"errors"
	"fmt"
)

// ErrNoConnection is returned when the pool has no peer to talk to.
var ErrNoConnection = errors.New("no peer connection available")

// RejectionError is returned when a peer answers a serve request with a
// non-zero status. Message is diagnostic text from the peer.
type RejectionError struct {
	Reference string // File reference the peer refused to serve
	Address   string // Peer that answered
	Code      int32  // Status code returned by the peer
	Message   string // Diagnostic message returned by the peer
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("peer %s rejected serving %s (status %d): %s", e.Address, e.Reference, e.Code, e.Message)
}

// TransportError represents an RPC that could not be completed: connection
// failures, timeouts and malformed responses.
type TransportError struct {
	Reference string // File reference the request was for
	Address   string // Peer the request was sent to, empty if none was available
	Err       error  // Underlying error
}

func (e *TransportError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("transport error requesting %s: %v", e.Reference, e.Err)
	}

	return fmt.Sprintf("transport error requesting %s from %s: %v", e.Reference, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
