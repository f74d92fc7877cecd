package playback

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/berrythewa/meshplay/internal/types"
	"github.com/berrythewa/meshplay/pkg/utils"
	"go.uber.org/zap"
)

const (
	DefaultBroadcastInterval = 250 * time.Millisecond
	DefaultSeekThreshold     = 2000 * time.Millisecond
	DefaultNudgeThreshold    = 50 * time.Millisecond
	DefaultNudgeFactor       = 0.05
	DefaultNudgeDuration     = time.Second

	resolveTimeout = 15 * time.Second
	sendTimeout    = 2 * time.Second
)

// Publisher originates mesh messages
type Publisher interface {
	LocalID() types.PeerID
	PublishMessage(ctx context.Context, msg types.Message) (types.Message, error)
}

// PeerSource lists the directly connected peers
type PeerSource interface {
	ConnectedPeers() []types.PeerID
}

// MeshClock returns mesh time in milliseconds
type MeshClock func() int64

// Config holds the drift correction thresholds
type Config struct {
	BroadcastInterval time.Duration // Minimum spacing of non-forced broadcasts
	SeekThreshold     time.Duration // Drift above which the player seeks
	NudgeThreshold    time.Duration // Drift above which the speed is nudged
	NudgeFactor       float64       // Relative speed change while nudging
	NudgeDuration     time.Duration // How long a nudge lasts
}

// DefaultConfig returns the default reconciler settings
func DefaultConfig() Config {
	return Config{
		BroadcastInterval: DefaultBroadcastInterval,
		SeekThreshold:     DefaultSeekThreshold,
		NudgeThreshold:    DefaultNudgeThreshold,
		NudgeFactor:       DefaultNudgeFactor,
		NudgeDuration:     DefaultNudgeDuration,
	}
}

// Correction is the action taken for one inbound playback state
type Correction string

const (
	CorrectionNone    Correction = "none"
	CorrectionSpeed   Correction = "speed"
	CorrectionNudge   Correction = "nudge"
	CorrectionSeek    Correction = "seek"
	CorrectionResolve Correction = "resolve"
)

// Reconciler broadcasts local playback state and aligns the local player
// with the state received from peers
type Reconciler struct {
	player    Player
	publisher Publisher
	peers     PeerSource
	meshTime  MeshClock
	resolver  TrackResolver
	clock     clock.Clock
	logger    *zap.Logger
	cfg       Config
	limiter   *intervalLimiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	knownPeers map[types.PeerID]struct{}
	pending    map[string]struct{}
	views      map[types.PeerID]types.RemotePlaybackView
	nominal    float64
	nudgeTimer *clock.Timer
	nudgeGen   uint64
	nudging    bool

	// Set after switching to a track announced by a peer and cleared by the
	// first drift correction on it. Until then the local position is only a
	// projection and non-forced broadcasts are withheld.
	unsynced bool
}

// NewReconciler wires a reconciler to the player and the mesh
func NewReconciler(player Player, publisher Publisher, peers PeerSource, meshTime MeshClock, resolver TrackResolver, cfg Config, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = defaults.BroadcastInterval
	}
	if cfg.SeekThreshold <= 0 {
		cfg.SeekThreshold = defaults.SeekThreshold
	}
	if cfg.NudgeThreshold <= 0 {
		cfg.NudgeThreshold = defaults.NudgeThreshold
	}
	if cfg.NudgeFactor <= 0 || cfg.NudgeFactor >= 1 {
		cfg.NudgeFactor = defaults.NudgeFactor
	}
	if cfg.NudgeDuration <= 0 {
		cfg.NudgeDuration = defaults.NudgeDuration
	}

	ctx, cancel := context.WithCancel(context.Background())
	clk := clock.New()

	return &Reconciler{
		player:     player,
		publisher:  publisher,
		peers:      peers,
		meshTime:   meshTime,
		resolver:   resolver,
		clock:      clk,
		logger:     logger.With(zap.String("component", "reconciler")),
		cfg:        cfg,
		limiter:    newIntervalLimiter(clk, cfg.BroadcastInterval),
		ctx:        ctx,
		cancel:     cancel,
		knownPeers: make(map[types.PeerID]struct{}),
		pending:    make(map[string]struct{}),
		views:      make(map[types.PeerID]types.RemotePlaybackView),
		nominal:    1,
	}
}

// SetClock replaces the clock used for rate limiting and nudge timers
func (r *Reconciler) SetClock(c clock.Clock) {
	r.clock = c
	r.limiter = newIntervalLimiter(c, r.cfg.BroadcastInterval)
}

// Stop cancels pending corrections and waits for track resolutions
func (r *Reconciler) Stop() {
	r.cancel()

	r.mu.Lock()
	r.cancelNudgeLocked()
	r.mu.Unlock()

	r.wg.Wait()
}

// Reset forgets peers and remote views, e.g. after the mesh stopped
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.knownPeers = make(map[types.PeerID]struct{})
	r.views = make(map[types.PeerID]types.RemotePlaybackView)
	r.unsynced = false
	if r.nudging {
		r.cancelNudgeLocked()
		r.setSpeedIfDiffers(r.nominal)
	}
}

// HandleLocalEvent broadcasts after a local playback change. Track
// changes bypass the rate limit.
func (r *Reconciler) HandleLocalEvent(ctx context.Context, ev Event) error {
	force := ev.Kind == EventTrackChange
	if force {
		r.mu.Lock()
		r.cancelNudgeLocked()
		r.nominal = r.player.Speed()
		r.unsynced = false
		r.mu.Unlock()
	}
	return r.Broadcast(ctx, force)
}

// Broadcast sends the local playback state to every connected peer.
// It does nothing without peers or without a current track, and
// non-forced calls are limited to one per broadcast interval and withheld
// while a track taken from a peer has not been reconciled yet.
func (r *Reconciler) Broadcast(ctx context.Context, force bool) error {
	if len(r.peers.ConnectedPeers()) == 0 {
		return nil
	}
	if r.player.CurrentTrackID() == "" {
		return nil
	}
	if !force && r.Unsynced() {
		return nil
	}
	if !r.limiter.allow(force) {
		return nil
	}

	_, err := r.publisher.PublishMessage(ctx, r.stateMessage(types.Broadcast))
	return err
}

// HandlePeersChanged unicasts the current state to peers that were not
// connected at the previous call
func (r *Reconciler) HandlePeersChanged(ctx context.Context, peers []types.PeerID) {
	r.mu.Lock()
	var joined []types.PeerID
	next := make(map[types.PeerID]struct{}, len(peers))
	for _, id := range peers {
		next[id] = struct{}{}
		if _, ok := r.knownPeers[id]; !ok {
			joined = append(joined, id)
		}
	}
	for id := range r.views {
		if _, ok := next[id]; !ok {
			delete(r.views, id)
		}
	}
	r.knownPeers = next
	unsynced := r.unsynced
	r.mu.Unlock()

	if len(joined) == 0 || unsynced || r.player.CurrentTrackID() == "" {
		return
	}

	for _, id := range joined {
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := r.publisher.PublishMessage(ctx, r.stateMessage(id))
		cancel()
		if err != nil {
			r.logger.Warn("Failed to send state to new peer", zap.String("peer", id.String()), zap.Error(err))
			continue
		}
		r.logger.Debug("Sent state to new peer", zap.String("peer", id.String()))
	}
}

func (r *Reconciler) stateMessage(target types.PeerID) types.Message {
	r.mu.Lock()
	speed := r.player.Speed()
	if r.nudging {
		speed = r.nominal
	}
	r.mu.Unlock()

	return types.Message{
		TargetID:  target,
		Timestamp: r.meshTime(),
		Body: types.SyncAudio{
			MediaID:    r.player.CurrentTrackID(),
			PositionMs: r.player.PositionMs(),
			IsPlaying:  r.player.IsPlaying(),
			Speed:      speed,
		},
	}
}

// HandleInbound applies a peer's playback state to the local player
func (r *Reconciler) HandleInbound(in types.Inbound) Correction {
	body, ok := in.Message.Body.(types.SyncAudio)
	if !ok {
		return CorrectionNone
	}
	if in.Message.SenderID == r.publisher.LocalID() {
		return CorrectionNone
	}

	now := r.meshTime()
	r.mu.Lock()
	r.views[in.Message.SenderID] = types.RemotePlaybackView{
		PeerID:     in.Message.SenderID,
		MediaID:    body.MediaID,
		PositionMs: body.PositionMs,
		IsPlaying:  body.IsPlaying,
		Speed:      body.Speed,
		ObservedAt: now,
	}
	r.mu.Unlock()

	if body.MediaID != r.player.CurrentTrackID() {
		r.resolveAsync(body, in.Message.Timestamp)
		return CorrectionResolve
	}

	correction := r.correctDrift(body, in.Message.Timestamp, now)
	r.reconcilePlaying(body.IsPlaying)
	return correction
}

// nominalSpeed treats a missing or invalid speed as normal playback
func nominalSpeed(body types.SyncAudio) float64 {
	if body.Speed <= 0 {
		return 1
	}
	return body.Speed
}

// projectedPosition is where the sender's playhead is at mesh time now
func projectedPosition(body types.SyncAudio, sentAt, now int64) int64 {
	if !body.IsPlaying {
		return body.PositionMs
	}
	elapsed := now - sentAt
	return body.PositionMs + int64(math.Round(float64(elapsed)*nominalSpeed(body)))
}

func (r *Reconciler) correctDrift(body types.SyncAudio, sentAt, now int64) Correction {
	speed := nominalSpeed(body)
	predicted := projectedPosition(body, sentAt, now)
	diff := predicted - r.player.PositionMs()
	drift := time.Duration(utils.AbsInt64(diff)) * time.Millisecond

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nominal = speed
	r.unsynced = false

	switch {
	case drift > r.cfg.SeekThreshold:
		r.cancelNudgeLocked()
		r.player.Seek(predicted)
		r.setSpeedIfDiffers(speed)
		r.logger.Debug("Large drift, seeking", zap.Int64("diff_ms", diff), zap.Int64("target_ms", predicted))
		return CorrectionSeek

	case drift > r.cfg.NudgeThreshold:
		factor := 1 + r.cfg.NudgeFactor
		if diff < 0 {
			factor = 1 - r.cfg.NudgeFactor
		}
		r.startNudgeLocked(speed * factor)
		r.logger.Debug("Drift, nudging speed", zap.Int64("diff_ms", diff), zap.Float64("speed", speed*factor))
		return CorrectionNudge

	default:
		r.cancelNudgeLocked()
		if r.setSpeedIfDiffers(speed) {
			return CorrectionSpeed
		}
		return CorrectionNone
	}
}

func (r *Reconciler) reconcilePlaying(playing bool) {
	switch {
	case playing && !r.player.IsPlaying():
		r.player.Play()
	case !playing && r.player.IsPlaying():
		r.player.Pause()
	}
}

// startNudgeLocked applies a temporary speed and schedules the restore of
// the nominal speed. A new nudge replaces a running one.
func (r *Reconciler) startNudgeLocked(speed float64) {
	r.setSpeedIfDiffers(speed)

	if r.nudgeTimer != nil {
		r.nudgeTimer.Stop()
	}
	r.nudgeGen++
	gen := r.nudgeGen
	r.nudging = true
	r.nudgeTimer = r.clock.AfterFunc(r.cfg.NudgeDuration, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if gen != r.nudgeGen || !r.nudging {
			return
		}
		r.nudging = false
		r.nudgeTimer = nil
		r.setSpeedIfDiffers(r.nominal)
	})
}

func (r *Reconciler) cancelNudgeLocked() {
	if r.nudgeTimer != nil {
		r.nudgeTimer.Stop()
		r.nudgeTimer = nil
	}
	r.nudgeGen++
	r.nudging = false
}

func (r *Reconciler) setSpeedIfDiffers(speed float64) bool {
	if math.Abs(r.player.Speed()-speed) < 1e-9 {
		return false
	}
	r.player.SetSpeed(speed)
	return true
}

// resolveAsync loads the announced track off the message path and places
// the playhead at the sender's projected position. Only one resolution per
// media id runs at a time.
func (r *Reconciler) resolveAsync(body types.SyncAudio, sentAt int64) {
	r.mu.Lock()
	if _, ok := r.pending[body.MediaID]; ok {
		r.mu.Unlock()
		return
	}
	r.pending[body.MediaID] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.pending, body.MediaID)
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(r.ctx, resolveTimeout)
		defer cancel()

		track := r.resolver.Resolve(ctx, body.MediaID)
		if r.ctx.Err() != nil {
			return
		}

		speed := nominalSpeed(body)

		r.mu.Lock()
		r.cancelNudgeLocked()
		r.nominal = speed
		r.unsynced = true
		r.player.SetQueue(track)
		if pos := projectedPosition(body, sentAt, r.meshTime()); pos > 0 {
			r.player.Seek(pos)
		}
		r.setSpeedIfDiffers(speed)
		r.mu.Unlock()

		r.reconcilePlaying(body.IsPlaying)
		r.logger.Info("Switched to track from mesh",
			zap.String("id", track.ID),
			zap.String("title", track.Title),
			zap.Bool("placeholder", track.Unresolved))
	}()
}

// Unsynced reports whether the current track was taken from a peer and has
// not been reconciled against a later state yet
func (r *Reconciler) Unsynced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsynced
}

// RemoteViews returns the latest playback state reported by each peer
func (r *Reconciler) RemoteViews() []types.RemotePlaybackView {
	r.mu.Lock()
	defer r.mu.Unlock()
	views := make([]types.RemotePlaybackView, 0, len(r.views))
	for _, v := range r.views {
		views = append(views, v)
	}
	return views
}
