package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/berrythewa/meshplay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlayer struct {
	mu       sync.Mutex
	trackID  string
	position int64
	playing  bool
	speed    float64
	seeks    []int64
	speeds   []float64
	queued   []*types.Track
}

func newFakePlayer(trackID string, position int64, playing bool) *fakePlayer {
	return &fakePlayer{trackID: trackID, position: position, playing: playing, speed: 1}
}

func (p *fakePlayer) CurrentTrackID() string { p.mu.Lock(); defer p.mu.Unlock(); return p.trackID }
func (p *fakePlayer) PositionMs() int64      { p.mu.Lock(); defer p.mu.Unlock(); return p.position }
func (p *fakePlayer) IsPlaying() bool        { p.mu.Lock(); defer p.mu.Unlock(); return p.playing }
func (p *fakePlayer) Speed() float64         { p.mu.Lock(); defer p.mu.Unlock(); return p.speed }
func (p *fakePlayer) Play()                  { p.mu.Lock(); defer p.mu.Unlock(); p.playing = true }
func (p *fakePlayer) Pause()                 { p.mu.Lock(); defer p.mu.Unlock(); p.playing = false }

func (p *fakePlayer) Seek(ms int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = ms
	p.seeks = append(p.seeks, ms)
}

func (p *fakePlayer) SetSpeed(s float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speed = s
	p.speeds = append(p.speeds, s)
}

func (p *fakePlayer) SetQueue(t *types.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackID = t.ID
	p.position = 0
	p.queued = append(p.queued, t)
}

type playerSnapshot struct {
	trackID  string
	position int64
	playing  bool
	speed    float64
	seeks    int
	speeds   int
}

func (p *fakePlayer) snapshot() playerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return playerSnapshot{p.trackID, p.position, p.playing, p.speed, len(p.seeks), len(p.speeds)}
}

type fakeMesh struct {
	id    types.PeerID
	mu    sync.Mutex
	peers []types.PeerID
	sent  []types.Message
}

func (m *fakeMesh) LocalID() types.PeerID { return m.id }

func (m *fakeMesh) ConnectedPeers() []types.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.PeerID(nil), m.peers...)
}

func (m *fakeMesh) PublishMessage(_ context.Context, msg types.Message) (types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.SenderID = m.id
	m.sent = append(m.sent, msg)
	return msg, nil
}

func (m *fakeMesh) messages() []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Message(nil), m.sent...)
}

func (m *fakeMesh) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

type resolverFunc func(ctx context.Context, id string) *types.Track

func (f resolverFunc) Resolve(ctx context.Context, id string) *types.Track { return f(ctx, id) }

const meshNow = int64(50_000)

type harness struct {
	player *fakePlayer
	mesh   *fakeMesh
	clock  *clock.Mock
	rec    *Reconciler
}

func newHarness(t *testing.T, player *fakePlayer, resolver TrackResolver) *harness {
	t.Helper()
	if resolver == nil {
		resolver = NewChainResolver(nil, nil, nil)
	}
	mesh := &fakeMesh{id: "local", peers: []types.PeerID{"a"}}
	mock := clock.NewMock()
	rec := NewReconciler(player, mesh, mesh, func() int64 { return meshNow }, resolver, DefaultConfig(), nil)
	rec.SetClock(mock)
	t.Cleanup(rec.Stop)
	return &harness{player: player, mesh: mesh, clock: mock, rec: rec}
}

func syncFrom(sender types.PeerID, mediaID string, pos int64, playing bool, speed float64, ts int64) types.Inbound {
	return types.Inbound{
		From: sender,
		Message: types.Message{
			ID:        "m",
			SenderID:  sender,
			TargetID:  types.Broadcast,
			Timestamp: ts,
			Body: types.SyncAudio{
				MediaID:    mediaID,
				PositionMs: pos,
				IsPlaying:  playing,
				Speed:      speed,
			},
		},
	}
}

func TestDriftBands(t *testing.T) {
	tests := []struct {
		name       string
		remotePos  int64
		wantResult Correction
		wantSpeed  float64
		wantPos    int64
	}{
		{"within tolerance", 10_030, CorrectionNone, 1, 10_000},
		{"local behind nudges faster", 10_500, CorrectionNudge, 1.05, 10_000},
		{"local ahead nudges slower", 9_500, CorrectionNudge, 0.95, 10_000},
		{"exactly at nudge threshold", 10_050, CorrectionNone, 1, 10_000},
		{"large drift seeks", 13_000, CorrectionSeek, 1, 13_000},
		{"large negative drift seeks", 7_000, CorrectionSeek, 1, 7_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, newFakePlayer("song", 10_000, true), nil)

			got := h.rec.HandleInbound(syncFrom("a", "song", tt.remotePos, true, 1, meshNow))
			assert.Equal(t, tt.wantResult, got)
			assert.InDelta(t, tt.wantSpeed, h.player.Speed(), 1e-9)
			assert.Equal(t, tt.wantPos, h.player.PositionMs())
		})
	}
}

func TestElapsedTimeIsProjected(t *testing.T) {
	h := newHarness(t, newFakePlayer("song", 12_000, true), nil)

	// Sent two seconds ago at 10s: predicted position is 12s
	got := h.rec.HandleInbound(syncFrom("a", "song", 10_000, true, 1, meshNow-2_000))
	assert.Equal(t, CorrectionNone, got)

	// A paused remote does not advance
	got = h.rec.HandleInbound(syncFrom("a", "song", 9_000, false, 1, meshNow-2_000))
	assert.Equal(t, CorrectionSeek, got)
	assert.Equal(t, int64(9_000), h.player.PositionMs())
	assert.False(t, h.player.IsPlaying())
}

func TestSpeedCorrectedWithinTolerance(t *testing.T) {
	h := newHarness(t, newFakePlayer("song", 10_000, true), nil)

	got := h.rec.HandleInbound(syncFrom("a", "song", 10_020, true, 1.5, meshNow))
	assert.Equal(t, CorrectionSpeed, got)
	assert.Equal(t, 1.5, h.player.Speed())
}

func TestNudgeIsRelativeAndRestored(t *testing.T) {
	h := newHarness(t, newFakePlayer("song", 10_000, true), nil)

	h.rec.HandleInbound(syncFrom("a", "song", 10_400, true, 2, meshNow))
	assert.InDelta(t, 2.1, h.player.Speed(), 1e-9)

	h.clock.Add(999 * time.Millisecond)
	assert.InDelta(t, 2.1, h.player.Speed(), 1e-9)

	h.clock.Add(time.Millisecond)
	assert.Eventually(t, func() bool { return h.player.Speed() == 2.0 }, time.Second, 5*time.Millisecond)
}

func TestRenudgeExtendsWindow(t *testing.T) {
	h := newHarness(t, newFakePlayer("song", 10_000, true), nil)

	h.rec.HandleInbound(syncFrom("a", "song", 10_400, true, 1, meshNow))
	h.clock.Add(600 * time.Millisecond)
	h.rec.HandleInbound(syncFrom("a", "song", 10_400, true, 1, meshNow))
	h.clock.Add(600 * time.Millisecond)
	assert.InDelta(t, 1.05, h.player.Speed(), 1e-9)

	h.clock.Add(400 * time.Millisecond)
	assert.Eventually(t, func() bool { return h.player.Speed() == 1.0 }, time.Second, 5*time.Millisecond)
}

func TestInboundIsIdempotent(t *testing.T) {
	for _, remotePos := range []int64{10_030, 10_500, 13_000} {
		h := newHarness(t, newFakePlayer("song", 10_000, true), nil)
		msg := syncFrom("a", "song", remotePos, true, 1, meshNow)

		h.rec.HandleInbound(msg)
		first := h.player.snapshot()
		h.rec.HandleInbound(msg)
		assert.Equal(t, first, h.player.snapshot(), "remote position %d", remotePos)
	}
}

func TestPlayPauseReconciled(t *testing.T) {
	h := newHarness(t, newFakePlayer("song", 10_000, false), nil)

	h.rec.HandleInbound(syncFrom("a", "song", 10_000, true, 1, meshNow))
	assert.True(t, h.player.IsPlaying())

	h.rec.HandleInbound(syncFrom("a", "song", 10_000, false, 1, meshNow))
	assert.False(t, h.player.IsPlaying())
}

func TestOwnMessagesIgnored(t *testing.T) {
	h := newHarness(t, newFakePlayer("song", 10_000, true), nil)

	got := h.rec.HandleInbound(syncFrom("local", "song", 20_000, true, 1, meshNow))
	assert.Equal(t, CorrectionNone, got)
	assert.Equal(t, int64(10_000), h.player.PositionMs())
	assert.Empty(t, h.rec.RemoteViews())
}

func TestTrackMismatchResolves(t *testing.T) {
	resolved := &types.Track{ID: "other", Title: "Other Song"}
	h := newHarness(t, newFakePlayer("song", 10_000, false), resolverFunc(func(context.Context, string) *types.Track {
		return resolved
	}))

	got := h.rec.HandleInbound(syncFrom("a", "other", 5_000, true, 1, meshNow))
	assert.Equal(t, CorrectionResolve, got)

	require.Eventually(t, func() bool { return h.player.CurrentTrackID() == "other" }, time.Second, 5*time.Millisecond)
	require.Eventually(t, h.player.IsPlaying, time.Second, 5*time.Millisecond)
	snap := h.player.snapshot()
	assert.Equal(t, int64(5_000), snap.position)
	assert.Equal(t, 1, snap.seeks)
}

func TestTrackSwitchStartsAtProjectedPosition(t *testing.T) {
	h := newHarness(t, newFakePlayer("", 0, false), nil)

	// Sent 300 ms ago at 1.5x while playing
	h.rec.HandleInbound(syncFrom("a", "song", 60_000, true, 1.5, meshNow-300))
	require.Eventually(t, h.player.IsPlaying, time.Second, 5*time.Millisecond)

	snap := h.player.snapshot()
	assert.Equal(t, "song", snap.trackID)
	assert.Equal(t, int64(60_450), snap.position)
	assert.InDelta(t, 1.5, snap.speed, 1e-9)

	// Paused state is taken as is
	h2 := newHarness(t, newFakePlayer("", 0, false), nil)
	h2.rec.HandleInbound(syncFrom("a", "song", 42_000, false, 1, meshNow-300))
	require.Eventually(t, func() bool { return h2.player.CurrentTrackID() == "song" }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h2.player.PositionMs() == 42_000 }, time.Second, 5*time.Millisecond)
	assert.False(t, h2.player.IsPlaying())
}

func TestTrackFromPeerIsQuietUntilReconciled(t *testing.T) {
	h := newHarness(t, newFakePlayer("", 0, false), nil)
	ctx := context.Background()
	h.rec.HandlePeersChanged(ctx, []types.PeerID{"a"})

	h.rec.HandleInbound(syncFrom("a", "song", 60_000, true, 1, meshNow))
	require.Eventually(t, h.player.IsPlaying, time.Second, 5*time.Millisecond)
	require.Eventually(t, h.rec.Unsynced, time.Second, 5*time.Millisecond)

	// Neither position updates nor new-peer unicasts go out yet
	require.NoError(t, h.rec.Broadcast(ctx, false))
	h.rec.HandlePeersChanged(ctx, []types.PeerID{"a", "b"})
	assert.Empty(t, h.mesh.messages())

	// A user action is still announced
	require.NoError(t, h.rec.Broadcast(ctx, true))
	assert.Len(t, h.mesh.messages(), 1)

	// The next state on the same track reconciles and lifts the hold
	h.rec.HandleInbound(syncFrom("a", "song", 60_000, true, 1, meshNow))
	assert.False(t, h.rec.Unsynced())
	h.clock.Add(DefaultBroadcastInterval)
	require.NoError(t, h.rec.Broadcast(ctx, false))
	assert.Len(t, h.mesh.messages(), 2)
}

func TestMissingSpeedMeansNormalPlayback(t *testing.T) {
	h := newHarness(t, newFakePlayer("song", 10_000, true), nil)

	got := h.rec.HandleInbound(syncFrom("a", "song", 10_000, true, 0, meshNow))
	assert.Equal(t, CorrectionNone, got)
	assert.Equal(t, 1.0, h.player.Speed())
}

func TestConcurrentMismatchesResolveOnce(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	h := newHarness(t, newFakePlayer("song", 0, false), resolverFunc(func(_ context.Context, id string) *types.Track {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return types.PlaceholderTrack(id)
	}))

	h.rec.HandleInbound(syncFrom("a", "other", 0, true, 1, meshNow))
	h.rec.HandleInbound(syncFrom("b", "other", 0, true, 1, meshNow))
	close(release)

	require.Eventually(t, func() bool { return h.player.CurrentTrackID() == "other" }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	h.player.mu.Lock()
	queued := append([]*types.Track(nil), h.player.queued...)
	h.player.mu.Unlock()
	require.Len(t, queued, 1)
	assert.Equal(t, "Syncing...", queued[0].Title)
}

func TestBroadcast(t *testing.T) {
	h := newHarness(t, newFakePlayer("song", 1_234, true), nil)
	ctx := context.Background()

	require.NoError(t, h.rec.Broadcast(ctx, false))
	sent := h.mesh.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, types.Broadcast, sent[0].TargetID)
	assert.Equal(t, meshNow, sent[0].Timestamp)
	assert.Equal(t, types.SyncAudio{MediaID: "song", PositionMs: 1_234, IsPlaying: true, Speed: 1}, sent[0].Body)

	// Rapid scrubbing is rate limited, forced broadcasts are not
	require.NoError(t, h.rec.Broadcast(ctx, false))
	require.NoError(t, h.rec.HandleLocalEvent(ctx, Event{Kind: EventSeek}))
	assert.Len(t, h.mesh.messages(), 1)

	require.NoError(t, h.rec.HandleLocalEvent(ctx, Event{Kind: EventTrackChange}))
	assert.Len(t, h.mesh.messages(), 2)

	h.clock.Add(DefaultBroadcastInterval)
	require.NoError(t, h.rec.HandleLocalEvent(ctx, Event{Kind: EventPlayPause}))
	assert.Len(t, h.mesh.messages(), 3)
}

func TestBroadcastPreconditions(t *testing.T) {
	h := newHarness(t, newFakePlayer("", 0, false), nil)
	require.NoError(t, h.rec.Broadcast(context.Background(), true))
	assert.Empty(t, h.mesh.messages())

	h2 := newHarness(t, newFakePlayer("song", 0, true), nil)
	h2.mesh.peers = nil
	require.NoError(t, h2.rec.Broadcast(context.Background(), true))
	assert.Empty(t, h2.mesh.messages())
}

func TestBroadcastReportsNominalSpeedWhileNudging(t *testing.T) {
	h := newHarness(t, newFakePlayer("song", 10_000, true), nil)

	h.rec.HandleInbound(syncFrom("a", "song", 10_500, true, 1, meshNow))
	require.InDelta(t, 1.05, h.player.Speed(), 1e-9)

	require.NoError(t, h.rec.Broadcast(context.Background(), true))
	sent := h.mesh.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, 1.0, sent[0].Body.(types.SyncAudio).Speed)
}

func TestNewPeerUnicast(t *testing.T) {
	h := newHarness(t, newFakePlayer("song", 1_000, true), nil)
	ctx := context.Background()

	h.rec.HandlePeersChanged(ctx, []types.PeerID{"a"})
	h.mesh.reset()

	h.rec.HandlePeersChanged(ctx, []types.PeerID{"a", "b"})
	sent := h.mesh.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, types.PeerID("b"), sent[0].TargetID)
	assert.Equal(t, types.KindSyncAudio, sent[0].Body.Kind())

	// No change, nothing sent
	h.rec.HandlePeersChanged(ctx, []types.PeerID{"a", "b"})
	assert.Len(t, h.mesh.messages(), 1)

	// A peer leaving and coming back is new again
	h.rec.HandlePeersChanged(ctx, []types.PeerID{"b"})
	h.rec.HandlePeersChanged(ctx, []types.PeerID{"a", "b"})
	sent = h.mesh.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, types.PeerID("a"), sent[1].TargetID)
}

func TestRemoteViews(t *testing.T) {
	h := newHarness(t, newFakePlayer("song", 10_000, true), nil)

	h.rec.HandleInbound(syncFrom("a", "song", 10_000, true, 1, meshNow))
	views := h.rec.RemoteViews()
	require.Len(t, views, 1)
	assert.Equal(t, types.RemotePlaybackView{
		PeerID:     "a",
		MediaID:    "song",
		PositionMs: 10_000,
		IsPlaying:  true,
		Speed:      1,
		ObservedAt: meshNow,
	}, views[0])

	h.rec.HandlePeersChanged(context.Background(), nil)
	assert.Empty(t, h.rec.RemoteViews())
}
