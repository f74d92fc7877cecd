package mesh

import (
	"errors"
	"fmt"

	"github.com/berrythewa/meshplay/internal/types"
)

var (
	// ErrNotConnected is returned when unicasting to a peer that is not connected
	ErrNotConnected = errors.New("peer not connected")
	// ErrClosed is returned by operations on a closed transport
	ErrClosed = errors.New("transport closed")
)

// MeshError wraps a transport failure with the operation and peer involved
type MeshError struct {
	Op   string       // Operation that failed
	Peer types.PeerID // Peer involved, if any
	Err  error        // Underlying error
}

// Error implements the error interface
func (e *MeshError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("mesh %s %s: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("mesh %s: %v", e.Op, e.Err)
}

// Unwrap returns the wrapped error
func (e *MeshError) Unwrap() error {
	return e.Err
}

func newMeshError(op string, peer types.PeerID, err error) *MeshError {
	return &MeshError{Op: op, Peer: peer, Err: err}
}
