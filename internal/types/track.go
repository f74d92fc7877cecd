package types

import "time"

// Track is the metadata describing a playable media item
type Track struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Artist       string    `json:"artist"`
	Album        string    `json:"album,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Unresolved   bool      `json:"unresolved,omitempty"`
	AddedAt      time.Time `json:"added_at"`
}

// PlaceholderTrack is used when a track id cannot be resolved locally or remotely
func PlaceholderTrack(id string) *Track {
	return &Track{
		ID:         id,
		Title:      "Syncing...",
		Artist:     "Mesh Network",
		DurationMs: -1,
		Unresolved: true,
	}
}

// PlaybackState is a snapshot of the local player
type PlaybackState struct {
	MediaID    string  `json:"media_id"`
	PositionMs int64   `json:"position_ms"`
	IsPlaying  bool    `json:"is_playing"`
	Speed      float64 `json:"speed"`
}

// RemotePlaybackView is the last playback state reported by a peer
type RemotePlaybackView struct {
	PeerID     PeerID  `json:"peer_id"`
	MediaID    string  `json:"media_id"`
	PositionMs int64   `json:"position_ms"`
	IsPlaying  bool    `json:"is_playing"`
	Speed      float64 `json:"speed"`
	ObservedAt int64   `json:"observed_at"`
}
