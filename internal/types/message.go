// Package types defines the shared data model of a mesh node
package types

// Broadcast is the target marker addressing every node in the mesh
const Broadcast PeerID = "ALL"

// Kind identifies the variant carried in a message body
type Kind string

const (
	KindSyncAudio Kind = "sync_audio"
	KindTimeSync  Kind = "time_sync"
	KindChat      Kind = "chat"
)

// Body is the payload variant of a mesh message
type Body interface {
	Kind() Kind
}

// Message is the unit exchanged between nodes
type Message struct {
	ID        string // Unique message id used for deduplication
	SenderID  PeerID // Originating node
	TargetID  PeerID // Destination node or Broadcast
	Timestamp int64  // Origination time in mesh milliseconds
	Hops      int    // Number of times the message has been forwarded
	Body      Body
}

// IsBroadcast reports whether the message addresses every node
func (m Message) IsBroadcast() bool {
	return m.TargetID == Broadcast || m.TargetID == ""
}

// AddressedTo reports whether the message should be delivered to id
func (m Message) AddressedTo(id PeerID) bool {
	return m.IsBroadcast() || m.TargetID == id
}

// SyncAudio carries the sender's playback state
type SyncAudio struct {
	MediaID          string  `json:"media_id"`
	PositionMs       int64   `json:"position_ms"`
	IsPlaying        bool    `json:"is_playing"`
	Speed            float64 `json:"speed"`
	TargetPlayTimeMs int64   `json:"target_play_time_ms,omitempty"`
}

// Kind implements Body
func (SyncAudio) Kind() Kind { return KindSyncAudio }

// TimeSyncType distinguishes the two legs of a clock exchange
type TimeSyncType string

const (
	TimeSyncRequest  TimeSyncType = "request"
	TimeSyncResponse TimeSyncType = "response"
)

// TimeSync is one leg of the four-timestamp clock exchange.
// ServerReceiveTime and ServerSendTime are only set on responses.
type TimeSync struct {
	Type              TimeSyncType `json:"type"`
	ServerReceiveTime int64        `json:"server_receive_time,omitempty"`
	ServerSendTime    int64        `json:"server_send_time,omitempty"`
}

// Kind implements Body
func (TimeSync) Kind() Kind { return KindTimeSync }

// Chat is a free-text message
type Chat struct {
	Text string `json:"text"`
}

// Kind implements Body
func (Chat) Kind() Kind { return KindChat }

// Inbound is a message delivered to local consumers together with the
// neighbor it arrived from
type Inbound struct {
	From    PeerID
	Message Message
}
