// Package playback keeps local playback aligned with the rest of the mesh
package playback

import "github.com/berrythewa/meshplay/internal/types"

// Player is the control surface of the local media pipeline.
// Implementations must be safe for concurrent use.
type Player interface {
	CurrentTrackID() string
	PositionMs() int64
	IsPlaying() bool
	Speed() float64
	Seek(ms int64)
	SetSpeed(speed float64)
	Play()
	Pause()
	SetQueue(track *types.Track)
}

// EventKind classifies a local playback change
type EventKind string

const (
	EventPlayPause   EventKind = "play_pause"
	EventSeek        EventKind = "seek"
	EventTrackChange EventKind = "track_change"
)

// Event is a user-initiated change of local playback
type Event struct {
	Kind    EventKind
	MediaID string
}
