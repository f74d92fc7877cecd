// Package player provides a clock-driven stand-in for a media pipeline
package player

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/berrythewa/meshplay/internal/playback"
	"github.com/berrythewa/meshplay/internal/types"
	"go.uber.org/zap"
)

const eventBuffer = 16

// Virtual integrates a playback position over time without decoding any
// media. The playback.Player methods are the control surface used by the
// reconciler and do not emit events; Load, Toggle and SeekTo are the
// user-facing actions and do.
type Virtual struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	track   *types.Track
	basePos int64
	baseAt  time.Time
	playing bool
	speed   float64

	events chan playback.Event
}

// NewVirtual creates an empty, paused player
func NewVirtual(c clock.Clock, logger *zap.Logger) *Virtual {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Virtual{
		clock:  c,
		logger: logger.With(zap.String("component", "player")),
		speed:  1,
		baseAt: c.Now(),
		events: make(chan playback.Event, eventBuffer),
	}
}

// Events delivers user-initiated playback changes
func (v *Virtual) Events() <-chan playback.Event {
	return v.events
}

// CurrentTrackID implements playback.Player
func (v *Virtual) CurrentTrackID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.track == nil {
		return ""
	}
	return v.track.ID
}

// CurrentTrack returns a copy of the loaded track, or nil
func (v *Virtual) CurrentTrack() *types.Track {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.track == nil {
		return nil
	}
	t := *v.track
	return &t
}

// PositionMs implements playback.Player
func (v *Virtual) PositionMs() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positionLocked()
}

// IsPlaying implements playback.Player
func (v *Virtual) IsPlaying() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.playing
}

// Speed implements playback.Player
func (v *Virtual) Speed() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.speed
}

// Seek implements playback.Player
func (v *Virtual) Seek(ms int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seekLocked(ms)
}

// SetSpeed implements playback.Player
func (v *Virtual) SetSpeed(speed float64) {
	if speed <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rebaseLocked()
	v.speed = speed
}

// Play implements playback.Player
func (v *Virtual) Play() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setPlayingLocked(true)
}

// Pause implements playback.Player
func (v *Virtual) Pause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setPlayingLocked(false)
}

// SetQueue implements playback.Player: the track replaces the queue and
// playback restarts from zero, paused
func (v *Virtual) SetQueue(track *types.Track) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t := *track
	v.track = &t
	v.playing = false
	v.basePos = 0
	v.baseAt = v.clock.Now()
	v.logger.Debug("Queue replaced", zap.String("id", t.ID), zap.String("title", t.Title))
}

// Load starts playing a track from the beginning
func (v *Virtual) Load(track *types.Track) {
	v.SetQueue(track)
	v.Play()
	v.emit(playback.Event{Kind: playback.EventTrackChange, MediaID: track.ID})
}

// Toggle flips between playing and paused
func (v *Virtual) Toggle() {
	v.mu.Lock()
	if v.track == nil {
		v.mu.Unlock()
		return
	}
	v.setPlayingLocked(!v.playing)
	id := v.track.ID
	v.mu.Unlock()

	v.emit(playback.Event{Kind: playback.EventPlayPause, MediaID: id})
}

// SeekTo moves to a position at the user's request
func (v *Virtual) SeekTo(ms int64) {
	v.mu.Lock()
	if v.track == nil {
		v.mu.Unlock()
		return
	}
	v.seekLocked(ms)
	id := v.track.ID
	v.mu.Unlock()

	v.emit(playback.Event{Kind: playback.EventSeek, MediaID: id})
}

// State returns a snapshot of the player
func (v *Virtual) State() types.PlaybackState {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := types.PlaybackState{
		PositionMs: v.positionLocked(),
		IsPlaying:  v.playing,
		Speed:      v.speed,
	}
	if v.track != nil {
		st.MediaID = v.track.ID
	}
	return st
}

func (v *Virtual) emit(ev playback.Event) {
	select {
	case v.events <- ev:
	default:
		v.logger.Warn("Dropping player event, consumer is behind", zap.String("kind", string(ev.Kind)))
	}
}

func (v *Virtual) positionLocked() int64 {
	pos := v.basePos
	if v.playing {
		elapsed := v.clock.Since(v.baseAt)
		pos += int64(math.Round(float64(elapsed) / float64(time.Millisecond) * v.speed))
	}
	if v.track != nil && v.track.DurationMs > 0 && pos > v.track.DurationMs {
		pos = v.track.DurationMs
	}
	return pos
}

func (v *Virtual) rebaseLocked() {
	v.basePos = v.positionLocked()
	v.baseAt = v.clock.Now()
}

func (v *Virtual) seekLocked(ms int64) {
	if ms < 0 {
		ms = 0
	}
	v.basePos = ms
	v.baseAt = v.clock.Now()
}

func (v *Virtual) setPlayingLocked(playing bool) {
	if v.playing == playing {
		return
	}
	v.rebaseLocked()
	v.playing = playing
}
