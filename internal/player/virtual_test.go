package player

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/berrythewa/meshplay/internal/playback"
	"github.com/berrythewa/meshplay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ playback.Player = (*Virtual)(nil)

func TestVirtualAdvancesWhilePlaying(t *testing.T) {
	mock := clock.NewMock()
	v := NewVirtual(mock, nil)

	v.SetQueue(&types.Track{ID: "song", DurationMs: 60_000})
	assert.Equal(t, "song", v.CurrentTrackID())
	assert.False(t, v.IsPlaying())

	mock.Add(time.Second)
	assert.Equal(t, int64(0), v.PositionMs())

	v.Play()
	mock.Add(2 * time.Second)
	assert.Equal(t, int64(2_000), v.PositionMs())

	v.SetSpeed(1.05)
	mock.Add(time.Second)
	assert.Equal(t, int64(3_050), v.PositionMs())

	v.Pause()
	mock.Add(time.Second)
	assert.Equal(t, int64(3_050), v.PositionMs())

	v.Seek(59_500)
	v.SetSpeed(1)
	v.Play()
	mock.Add(5 * time.Second)
	assert.Equal(t, int64(60_000), v.PositionMs(), "position stops at the end of the track")
}

func TestVirtualControlSurfaceIsSilent(t *testing.T) {
	v := NewVirtual(clock.NewMock(), nil)
	v.SetQueue(&types.Track{ID: "song"})
	v.Play()
	v.Seek(100)
	v.SetSpeed(0.95)
	v.Pause()

	select {
	case ev := <-v.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestVirtualUserActionsEmitEvents(t *testing.T) {
	mock := clock.NewMock()
	v := NewVirtual(mock, nil)

	// Nothing loaded
	v.Toggle()
	v.SeekTo(10)

	v.Load(&types.Track{ID: "song"})
	v.Toggle()
	v.SeekTo(4_000)

	var kinds []playback.EventKind
	for i := 0; i < 3; i++ {
		ev := <-v.Events()
		assert.Equal(t, "song", ev.MediaID)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []playback.EventKind{playback.EventTrackChange, playback.EventPlayPause, playback.EventSeek}, kinds)

	st := v.State()
	assert.Equal(t, types.PlaybackState{MediaID: "song", PositionMs: 4_000, IsPlaying: false, Speed: 1}, st)
}

func TestVirtualCurrentTrackIsCopy(t *testing.T) {
	v := NewVirtual(clock.NewMock(), nil)
	assert.Nil(t, v.CurrentTrack())

	v.SetQueue(&types.Track{ID: "song", Title: "A"})
	got := v.CurrentTrack()
	require.NotNil(t, got)
	got.Title = "changed"
	assert.Equal(t, "A", v.CurrentTrack().Title)
}

func TestVirtualIgnoresInvalidInput(t *testing.T) {
	v := NewVirtual(clock.NewMock(), nil)
	v.SetQueue(&types.Track{ID: "song"})

	v.SetSpeed(0)
	assert.Equal(t, 1.0, v.Speed())

	v.Seek(-5)
	assert.Equal(t, int64(0), v.PositionMs())
}
