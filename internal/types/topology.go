package types

// MeshState is the coarse state of the local node in the mesh
type MeshState string

const (
	MeshIdle        MeshState = "idle"
	MeshAdvertising MeshState = "advertising"
	MeshDiscovering MeshState = "discovering"
	MeshConnected   MeshState = "connected"
)

// Topology is a point-in-time view of the local node's mesh membership
type Topology struct {
	LocalID    PeerID    `json:"local_id"`
	RoomCode   string    `json:"room_code,omitempty"`
	HostID     PeerID    `json:"host_id,omitempty"`
	State      MeshState `json:"state"`
	Connected  []PeerID  `json:"connected"`
	Discovered []Peer    `json:"discovered"`
}

// IsConnected reports whether id is in the connected set
func (t Topology) IsConnected(id PeerID) bool {
	for _, p := range t.Connected {
		if p == id {
			return true
		}
	}
	return false
}

// IsHost reports whether the local node hosts the room
func (t Topology) IsHost() bool {
	return t.HostID != "" && t.HostID == t.LocalID
}
