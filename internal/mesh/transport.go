// Package mesh implements the topology manager and flooding relay of a node
package mesh

import (
	"context"

	"github.com/berrythewa/meshplay/internal/types"
)

// Callbacks are invoked by a Transport from its own goroutines
type Callbacks struct {
	OnPeerFound        func(peer types.DiscoveredPeer)
	OnPeerLost         func(id types.PeerID)
	OnConnected        func(id types.PeerID)
	OnConnectionFailed func(id types.PeerID, err error)
	OnDisconnected     func(id types.PeerID)
	OnPayload          func(from types.PeerID, data []byte)
}

// Transport is the point-to-point link layer underneath the mesh.
// Incoming connection requests are accepted automatically and reported
// through OnConnected.
type Transport interface {
	// LocalID returns the identity this node is known by to its peers
	LocalID() types.PeerID

	// SetCallbacks installs the event callbacks; must be called before use
	SetCallbacks(cb Callbacks)

	// Advertise makes this node discoverable under a room code
	Advertise(ctx context.Context, roomCode string) error

	// StopAdvertising withdraws the advertisement
	StopAdvertising() error

	// StartDiscovery begins reporting advertising nodes via OnPeerFound
	StartDiscovery(ctx context.Context) error

	// StopDiscovery stops discovery
	StopDiscovery() error

	// Connect requests a link to a peer; the outcome arrives via callbacks
	Connect(ctx context.Context, id types.PeerID) error

	// Disconnect severs the link to a peer
	Disconnect(id types.PeerID) error

	// Send delivers bytes to a directly connected peer
	Send(ctx context.Context, id types.PeerID, data []byte) error

	// Close releases all transport resources
	Close() error
}
