package types

import "time"

// PeerID is an opaque, transport-assigned node identifier
type PeerID string

// String implements fmt.Stringer
func (id PeerID) String() string { return string(id) }

// ConnectionState is the lifecycle state of a link to a peer
type ConnectionState string

const (
	PeerDiscovered   ConnectionState = "discovered"
	PeerConnecting   ConnectionState = "connecting"
	PeerConnected    ConnectionState = "connected"
	PeerDisconnected ConnectionState = "disconnected"
)

// Peer is a remote node known to the topology manager
type Peer struct {
	ID       PeerID          `json:"id"`
	Name     string          `json:"name"`
	State    ConnectionState `json:"state"`
	Addrs    []string        `json:"addrs,omitempty"`
	LastSeen time.Time       `json:"last_seen"`
}

// DiscoveredPeer is what a transport reports for an advertising node.
// Name carries the advertised room code.
type DiscoveredPeer struct {
	ID    PeerID
	Name  string
	Addrs []string
}
