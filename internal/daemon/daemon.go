// Package daemon assembles a meshplay node from its configuration and runs
// the loops that connect the mesh, the clock synchronizer, the playback
// reconciler and the player.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/berrythewa/meshplay/internal/api"
	"github.com/berrythewa/meshplay/internal/config"
	"github.com/berrythewa/meshplay/internal/mesh"
	"github.com/berrythewa/meshplay/internal/metadata"
	"github.com/berrythewa/meshplay/internal/playback"
	"github.com/berrythewa/meshplay/internal/player"
	"github.com/berrythewa/meshplay/internal/storage"
	"github.com/berrythewa/meshplay/internal/timesync"
	"github.com/berrythewa/meshplay/internal/transport/mqtt"
	"github.com/berrythewa/meshplay/internal/transport/p2p"
	"github.com/berrythewa/meshplay/internal/types"
	"go.uber.org/zap"
)

const chatBuffer = 32

var _ api.Node = (*Daemon)(nil)

var (
	ErrAlreadyStarted = errors.New("daemon already started")
	ErrStopped        = errors.New("daemon stopped")
)

// Option customizes a Daemon
type Option func(*Daemon)

// WithTransport replaces the transport selected by the configuration
func WithTransport(t mesh.Transport) Option {
	return func(d *Daemon) {
		d.transport = t
	}
}

// WithClock replaces the clock of every time-dependent component
func WithClock(c clock.Clock) Option {
	return func(d *Daemon) {
		d.clock = c
	}
}

// Daemon is a running meshplay node
type Daemon struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  clock.Clock

	transport  mesh.Transport
	manager    *mesh.Manager
	relay      *mesh.Relay
	sync       *timesync.Synchronizer
	reconciler *playback.Reconciler
	resolver   *playback.ChainResolver
	library    *storage.BoltLibrary
	metadata   *metadata.Client
	player     *player.Virtual
	server     *api.Server

	// Set by local player events; the next broadcast tick announces the
	// state even if the rate limit swallowed the event's own broadcast
	dirty atomic.Bool

	chatMu   sync.Mutex
	chatSubs map[chan types.Inbound]struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New builds every component of a node. Nothing runs until Start.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "daemon")),
		clock:    clock.New(),
		chatSubs: make(map[chan types.Inbound]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.transport == nil {
		t, err := newTransport(cfg, logger)
		if err != nil {
			return nil, err
		}
		d.transport = t
	}

	library, err := storage.NewBoltLibrary(storage.LibraryConfig{
		DBPath: cfg.Storage.DBPath,
		Logger: logger,
	})
	if err != nil {
		d.transport.Close()
		return nil, fmt.Errorf("failed to open track library: %w", err)
	}
	d.library = library

	var remote playback.TrackLookup
	if cfg.Metadata.BaseURL != "" {
		d.metadata = metadata.NewClient(cfg.Metadata.BaseURL, cfg.Metadata.Timeout, logger)
		remote = d.metadata
	}
	d.resolver = playback.NewChainResolver(library, remote, logger)

	d.manager = mesh.NewManager(d.transport, logger)
	d.manager.SetClock(d.clock)

	d.relay = mesh.NewRelay(d.manager, mesh.RelayConfig{
		MaxHops:     cfg.Mesh.MaxHops,
		DedupSize:   cfg.Mesh.DedupSize,
		DedupWindow: cfg.Mesh.DedupWindow,
	}, logger)
	d.relay.SetClock(d.clock)

	d.sync = timesync.New(d.relay, timesync.Config{
		Interval:     cfg.TimeSync.Interval,
		SampleWindow: cfg.TimeSync.SampleWindow,
	}, logger)
	d.sync.SetClock(d.clock)

	d.player = player.NewVirtual(d.clock, logger)

	d.reconciler = playback.NewReconciler(d.player, d.relay, d.manager, d.sync.MeshTime, d.resolver, playback.Config{
		BroadcastInterval: cfg.Playback.BroadcastInterval,
		SeekThreshold:     cfg.Playback.SeekThreshold,
		NudgeThreshold:    cfg.Playback.NudgeThreshold,
		NudgeFactor:       cfg.Playback.NudgeFactor,
		NudgeDuration:     cfg.Playback.NudgeDuration,
	}, logger)
	d.reconciler.SetClock(d.clock)

	d.relay.AddHandler(d.route)
	d.manager.OnStop(func() {
		d.sync.Stop()
		d.reconciler.Reset()
	})

	if cfg.API.Enabled {
		d.server = api.NewServer(d, api.Config{Host: cfg.API.Host, Port: cfg.API.Port}, logger)
	}

	return d, nil
}

func newTransport(cfg *config.Config, logger *zap.Logger) (mesh.Transport, error) {
	switch cfg.Mesh.Transport {
	case config.TransportMQTT:
		t, err := mqtt.New(mqtt.Config{
			Broker:     cfg.MQTT.Broker,
			Username:   cfg.MQTT.Username,
			Password:   cfg.MQTT.Password,
			DeviceName: cfg.DeviceName,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create mqtt transport: %w", err)
		}
		return t, nil
	default:
		t, err := p2p.New(p2p.Config{
			ListenPort: cfg.Mesh.ListenPort,
			DeviceName: cfg.DeviceName,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create p2p transport: %w", err)
		}
		return t, nil
	}
}

// Start launches the event loops and the status API
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return ErrAlreadyStarted
	}

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("failed to start status API: %w", err)
		}
		d.logger.Info("Status API listening", zap.String("addr", d.server.Addr()))
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.started = true

	topology := d.manager.SubscribeTopology()
	d.wg.Add(3)
	go d.topologyLoop(ctx, topology)
	go d.playerLoop(ctx)
	go d.broadcastLoop(ctx)

	d.logger.Info("Daemon started",
		zap.String("local_id", d.manager.LocalID().String()),
		zap.String("transport", d.cfg.Mesh.Transport))
	return nil
}

// Stop leaves the mesh and releases every resource. Safe to call repeatedly.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	cancel := d.cancel
	d.mu.Unlock()

	var errs []error
	if d.server != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop status API: %w", err))
		}
		done()
	}

	d.manager.StopAll()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	d.relay.Wait()

	d.reconciler.Stop()
	d.sync.Stop()

	if err := d.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
	}
	if err := d.library.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close track library: %w", err))
	}

	d.chatMu.Lock()
	for ch := range d.chatSubs {
		close(ch)
		delete(d.chatSubs, ch)
	}
	d.chatMu.Unlock()

	d.logger.Info("Daemon stopped")
	return errors.Join(errs...)
}

// topologyLoop keeps clock sync pointed at the host and hands new
// neighbors the current playback state
func (d *Daemon) topologyLoop(ctx context.Context, ch <-chan types.Topology) {
	defer d.wg.Done()
	defer d.manager.UnsubscribeTopology(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case topo, ok := <-ch:
			if !ok {
				return
			}
			d.applyTopology(ctx, topo)
		}
	}
}

func (d *Daemon) applyTopology(ctx context.Context, topo types.Topology) {
	// Without a remote host there is nobody to synchronize against
	switch {
	case topo.State == types.MeshIdle, topo.HostID == "", topo.IsHost():
		if d.sync.Running() {
			d.sync.Stop()
		}
	case topo.IsConnected(topo.HostID):
		d.sync.Start(topo.HostID)
	}

	d.reconciler.HandlePeersChanged(ctx, topo.Connected)
}

func (d *Daemon) playerLoop(ctx context.Context) {
	defer d.wg.Done()

	events := d.player.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			d.dirty.Store(true)
			if err := d.reconciler.HandleLocalEvent(ctx, ev); err != nil {
				d.logger.Warn("Failed to broadcast playback change", zap.String("event", string(ev.Kind)), zap.Error(err))
			}
		}
	}
}

// broadcastLoop publishes position updates while playing, bounded by the
// reconciler's rate limit, and flushes local changes made since the last tick
func (d *Daemon) broadcastLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := d.clock.Ticker(d.cfg.Playback.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flush := d.dirty.Swap(false)
			if !flush && !d.player.IsPlaying() {
				continue
			}
			if err := d.reconciler.Broadcast(ctx, flush); err != nil {
				d.logger.Debug("Position broadcast failed", zap.Error(err))
			}
		}
	}
}

// route dispatches a delivered message by body kind
func (d *Daemon) route(in types.Inbound) {
	switch in.Message.Body.(type) {
	case types.TimeSync:
		d.sync.HandleInbound(in)
	case types.SyncAudio:
		if c := d.reconciler.HandleInbound(in); c != playback.CorrectionNone {
			d.logger.Debug("Playback corrected",
				zap.String("peer", in.From.String()),
				zap.String("correction", string(c)))
		}
	case types.Chat:
		d.publishChat(in)
	}
}

func (d *Daemon) publishChat(in types.Inbound) {
	d.chatMu.Lock()
	defer d.chatMu.Unlock()
	for ch := range d.chatSubs {
		select {
		case ch <- in:
		default:
			d.logger.Warn("Dropping chat message for slow subscriber", zap.String("id", in.Message.ID))
		}
	}
}

// LocalID returns the mesh identity of this node
func (d *Daemon) LocalID() types.PeerID {
	return d.manager.LocalID()
}

// Topology returns the current mesh topology
func (d *Daemon) Topology() types.Topology {
	return d.manager.Topology()
}

// ClockState returns the current clock estimate
func (d *Daemon) ClockState() types.ClockState {
	return d.sync.State()
}

// MeshTime returns mesh time in milliseconds
func (d *Daemon) MeshTime() int64 {
	return d.sync.MeshTime()
}

// Playback returns the local player state and the views reported by peers
func (d *Daemon) Playback() api.PlaybackStatus {
	return api.PlaybackStatus{
		Local:   d.player.State(),
		Track:   d.player.CurrentTrack(),
		Remotes: d.reconciler.RemoteViews(),
	}
}

// CreateRoom starts hosting a new room
func (d *Daemon) CreateRoom(ctx context.Context) (string, error) {
	return d.manager.CreateRoom(ctx)
}

// StartScanning begins discovering rooms
func (d *Daemon) StartScanning(ctx context.Context) error {
	return d.manager.StartScanning(ctx)
}

// JoinRoom connects to an advertising peer
func (d *Daemon) JoinRoom(ctx context.Context, id types.PeerID) error {
	return d.manager.JoinRoom(ctx, id)
}

// StopAll leaves the current room
func (d *Daemon) StopAll() {
	d.manager.StopAll()
}

// JoinRoomByCode scans until a peer advertising code is found, joins it and
// waits for the link. An empty code joins the first room found.
func (d *Daemon) JoinRoomByCode(ctx context.Context, code string) (types.PeerID, error) {
	code = strings.TrimSpace(code)

	ch := d.manager.SubscribeTopology()
	defer d.manager.UnsubscribeTopology(ch)

	if err := d.manager.StartScanning(ctx); err != nil {
		return "", err
	}

	var target types.PeerID
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("failed to join room: %w", ctx.Err())
		case topo := <-ch:
			if target == "" {
				target = findRoom(topo, code)
				if target == "" {
					continue
				}
				if err := d.manager.JoinRoom(ctx, target); err != nil {
					return "", err
				}
				continue
			}
			if topo.State == types.MeshConnected && topo.HostID == target {
				return target, nil
			}
			if !topo.IsConnected(target) && peerState(topo, target) == types.PeerDiscovered {
				return "", fmt.Errorf("failed to join room: connection to %s refused", target)
			}
		}
	}
}

func findRoom(topo types.Topology, code string) types.PeerID {
	for _, p := range topo.Discovered {
		if p.State != types.PeerDiscovered {
			continue
		}
		if code == "" || strings.EqualFold(p.Name, code) {
			return p.ID
		}
	}
	return ""
}

func peerState(topo types.Topology, id types.PeerID) types.ConnectionState {
	for _, p := range topo.Discovered {
		if p.ID == id {
			return p.State
		}
	}
	return ""
}

// SendChat broadcasts a chat message. Local subscribers see it too.
func (d *Daemon) SendChat(ctx context.Context, text string) (types.Message, error) {
	msg, err := d.relay.Publish(ctx, types.Chat{Text: text}, types.Broadcast)
	if err != nil {
		return msg, err
	}
	d.publishChat(types.Inbound{From: d.manager.LocalID(), Message: msg})
	return msg, nil
}

// SubscribeTopology streams topology snapshots
func (d *Daemon) SubscribeTopology() (<-chan types.Topology, func()) {
	ch := d.manager.SubscribeTopology()
	return ch, func() { d.manager.UnsubscribeTopology(ch) }
}

// SubscribeClock streams clock estimates
func (d *Daemon) SubscribeClock() (<-chan types.ClockState, func()) {
	ch := d.sync.Subscribe()
	return ch, func() { d.sync.Unsubscribe(ch) }
}

// SubscribeChat streams chat messages sent and received by this node
func (d *Daemon) SubscribeChat() (<-chan types.Inbound, func()) {
	ch := make(chan types.Inbound, chatBuffer)

	d.chatMu.Lock()
	d.chatSubs[ch] = struct{}{}
	d.chatMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.chatMu.Lock()
			defer d.chatMu.Unlock()
			if _, ok := d.chatSubs[ch]; ok {
				delete(d.chatSubs, ch)
				close(ch)
			}
		})
	}
}

// LoadTrack resolves a track id and starts playing it
func (d *Daemon) LoadTrack(ctx context.Context, id string) (*types.Track, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("track id is required")
	}
	track := d.resolver.Resolve(ctx, id)
	d.player.Load(track)
	d.logger.Info("Track loaded", zap.String("id", track.ID), zap.String("title", track.Title))
	return track, nil
}

// TogglePlayback flips between playing and paused
func (d *Daemon) TogglePlayback() {
	d.player.Toggle()
}

// Seek moves the local playhead and tells the room
func (d *Daemon) Seek(ms int64) {
	d.player.SeekTo(ms)
}

// APIAddr returns the status API address, or "" when disabled
func (d *Daemon) APIAddr() string {
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}
