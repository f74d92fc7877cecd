package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/berrythewa/meshplay/internal/protocol"
	"github.com/berrythewa/meshplay/internal/state"
	"github.com/berrythewa/meshplay/internal/types"
	"github.com/berrythewa/meshplay/pkg/utils"
	"go.uber.org/zap"
)

// PayloadHandler receives raw inbound bytes together with the neighbor they came from
type PayloadHandler func(from types.PeerID, data []byte)

// Stats holds transport-level counters of a manager
type Stats struct {
	PayloadsReceived int64 `json:"payloads_received"`
	PayloadsSent     int64 `json:"payloads_sent"`
	BytesReceived    int64 `json:"bytes_received"`
	BytesSent        int64 `json:"bytes_sent"`
	SendErrors       int64 `json:"send_errors"`
	ConnectFailures  int64 `json:"connect_failures"`
}

// Manager owns the local identity, the connection lifecycle and the
// discovered and connected peer sets of a node
type Manager struct {
	transport Transport
	logger    *zap.Logger
	clock     clock.Clock
	localID   types.PeerID
	roomCode  func() string

	mu          sync.RWMutex
	code        string
	hostID      types.PeerID
	pendingHost types.PeerID
	advertising bool
	discovering bool
	discovered  map[types.PeerID]types.Peer
	connected   []types.PeerID
	stopHooks   []func()

	handlerMu sync.RWMutex
	handler   PayloadHandler

	topology *state.Cell[types.Topology]

	payloadsReceived atomic.Int64
	payloadsSent     atomic.Int64
	bytesReceived    atomic.Int64
	bytesSent        atomic.Int64
	sendErrors       atomic.Int64
	connectFailures  atomic.Int64
}

// NewManager creates a manager on top of a transport and installs its callbacks
func NewManager(transport Transport, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		transport:  transport,
		logger:     logger.With(zap.String("component", "mesh_manager")),
		clock:      clock.New(),
		localID:    transport.LocalID(),
		roomCode:   utils.GenerateRoomCode,
		discovered: make(map[types.PeerID]types.Peer),
	}
	m.topology = state.NewCell(m.snapshotLocked())

	transport.SetCallbacks(Callbacks{
		OnPeerFound:        m.handlePeerFound,
		OnPeerLost:         m.handlePeerLost,
		OnConnected:        m.handleConnected,
		OnConnectionFailed: m.handleConnectionFailed,
		OnDisconnected:     m.handleDisconnected,
		OnPayload:          m.handlePayload,
	})

	return m
}

// SetClock replaces the clock used for peer timestamps
func (m *Manager) SetClock(c clock.Clock) {
	m.clock = c
}

// LocalID returns the id of this node
func (m *Manager) LocalID() types.PeerID {
	return m.localID
}

// SetPayloadHandler installs the consumer of raw inbound payloads
func (m *Manager) SetPayloadHandler(h PayloadHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = h
}

// OnStop registers a hook run synchronously by StopAll
func (m *Manager) OnStop(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopHooks = append(m.stopHooks, hook)
}

// CreateRoom generates a room code and starts advertising under it.
// The local node becomes the host of the room. On failure the state
// is left unchanged.
func (m *Manager) CreateRoom(ctx context.Context) (string, error) {
	m.mu.RLock()
	if m.advertising {
		code := m.code
		m.mu.RUnlock()
		return code, nil
	}
	m.mu.RUnlock()

	code := m.roomCode()
	if err := m.transport.Advertise(ctx, code); err != nil {
		m.logger.Error("Failed to start advertising", zap.String("room", code), zap.Error(err))
		return "", newMeshError("advertise", "", err)
	}

	m.mu.Lock()
	m.code = code
	m.advertising = true
	m.hostID = m.localID
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("Room created", zap.String("room", code))
	return code, nil
}

// StartScanning begins discovering advertising nodes
func (m *Manager) StartScanning(ctx context.Context) error {
	m.mu.RLock()
	if m.discovering {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	if err := m.transport.StartDiscovery(ctx); err != nil {
		m.logger.Error("Failed to start discovery", zap.Error(err))
		return newMeshError("discover", "", err)
	}

	m.mu.Lock()
	m.discovering = true
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("Scanning for rooms")
	return nil
}

// JoinRoom requests a connection to a discovered peer. The mesh state
// only changes once the transport reports the outcome.
func (m *Manager) JoinRoom(ctx context.Context, id types.PeerID) error {
	if id == "" || id == m.localID {
		return fmt.Errorf("invalid peer id %q", id)
	}

	m.mu.Lock()
	m.pendingHost = id
	m.setPeerStateLocked(id, types.PeerConnecting)
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("Joining room", zap.String("peer", id.String()))
	if err := m.transport.Connect(ctx, id); err != nil {
		m.logger.Error("Failed to request connection", zap.String("peer", id.String()), zap.Error(err))
		m.mu.Lock()
		if m.pendingHost == id {
			m.pendingHost = ""
		}
		m.setPeerStateLocked(id, types.PeerDiscovered)
		m.publishLocked()
		m.mu.Unlock()
		return newMeshError("connect", id, err)
	}
	return nil
}

// StopAll withdraws advertising and discovery, severs every connection,
// clears all topology state and runs the stop hooks. Safe to call repeatedly.
func (m *Manager) StopAll() {
	m.mu.Lock()
	peers := append([]types.PeerID(nil), m.connected...)
	m.resetLocked()
	m.publishLocked()
	hooks := make([]func(), len(m.stopHooks))
	copy(hooks, m.stopHooks)
	m.mu.Unlock()

	m.shutdownTransport(peers)

	for _, hook := range hooks {
		hook()
	}

	m.logger.Info("Mesh stopped", zap.Int("severed", len(peers)))
}

// resetLocked clears the session; must be called with the write lock held
func (m *Manager) resetLocked() {
	m.code = ""
	m.hostID = ""
	m.pendingHost = ""
	m.advertising = false
	m.discovering = false
	m.connected = nil
	m.discovered = make(map[types.PeerID]types.Peer)
}

func (m *Manager) shutdownTransport(peers []types.PeerID) {
	if err := m.transport.StopAdvertising(); err != nil {
		m.logger.Debug("Failed to stop advertising", zap.Error(err))
	}
	if err := m.transport.StopDiscovery(); err != nil {
		m.logger.Debug("Failed to stop discovery", zap.Error(err))
	}
	for _, id := range peers {
		if err := m.transport.Disconnect(id); err != nil {
			m.logger.Debug("Failed to disconnect peer", zap.String("peer", id.String()), zap.Error(err))
		}
	}
}

// SendPayload encodes a message and sends it to target, or to every
// connected peer when target is empty or the broadcast marker. Sending
// with no connected peers is a no-op.
func (m *Manager) SendPayload(ctx context.Context, msg types.Message, target types.PeerID) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if target != "" && target != types.Broadcast {
		if !m.IsConnected(target) {
			return newMeshError("send", target, ErrNotConnected)
		}
		return m.send(ctx, target, data)
	}

	return m.SendRaw(ctx, data, "")
}

// SendRaw sends already encoded bytes to every connected peer except one.
// Sends run concurrently over a snapshot of the connected set.
func (m *Manager) SendRaw(ctx context.Context, data []byte, except types.PeerID) error {
	peers := m.ConnectedPeers()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range peers {
		if id == except {
			continue
		}
		wg.Add(1)
		go func(id types.PeerID) {
			defer wg.Done()
			if err := m.send(ctx, id, data); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (m *Manager) send(ctx context.Context, id types.PeerID, data []byte) error {
	if err := m.transport.Send(ctx, id, data); err != nil {
		m.sendErrors.Add(1)
		m.logger.Warn("Failed to send payload", zap.String("peer", id.String()), zap.Error(err))
		return newMeshError("send", id, err)
	}
	m.payloadsSent.Add(1)
	m.bytesSent.Add(int64(len(data)))
	return nil
}

// Topology returns the current topology snapshot
func (m *Manager) Topology() types.Topology {
	return m.topology.Get()
}

// SubscribeTopology returns a channel carrying the latest topology
func (m *Manager) SubscribeTopology() <-chan types.Topology {
	return m.topology.Subscribe()
}

// UnsubscribeTopology releases a channel returned by SubscribeTopology
func (m *Manager) UnsubscribeTopology(ch <-chan types.Topology) {
	m.topology.Unsubscribe(ch)
}

// ConnectedPeers returns a snapshot of the connected set
func (m *Manager) ConnectedPeers() []types.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.PeerID(nil), m.connected...)
}

// IsConnected reports whether id is directly connected
func (m *Manager) IsConnected(id types.PeerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isConnectedLocked(id)
}

// Stats returns a copy of the transport counters
func (m *Manager) Stats() Stats {
	return Stats{
		PayloadsReceived: m.payloadsReceived.Load(),
		PayloadsSent:     m.payloadsSent.Load(),
		BytesReceived:    m.bytesReceived.Load(),
		BytesSent:        m.bytesSent.Load(),
		SendErrors:       m.sendErrors.Load(),
		ConnectFailures:  m.connectFailures.Load(),
	}
}

func (m *Manager) handlePeerFound(p types.DiscoveredPeer) {
	if p.ID == m.localID {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	peer, ok := m.discovered[p.ID]
	if !ok || peer.State == types.PeerDisconnected {
		peer.State = types.PeerDiscovered
	}
	peer.ID = p.ID
	peer.Name = p.Name
	peer.Addrs = p.Addrs
	peer.LastSeen = m.clock.Now()
	if m.isConnectedLocked(p.ID) {
		peer.State = types.PeerConnected
	}
	m.discovered[p.ID] = peer
	m.publishLocked()

	m.logger.Debug("Peer found", zap.String("peer", p.ID.String()), zap.String("room", p.Name))
}

func (m *Manager) handlePeerLost(id types.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isConnectedLocked(id) {
		return
	}
	if _, ok := m.discovered[id]; !ok {
		return
	}
	delete(m.discovered, id)
	m.publishLocked()

	m.logger.Debug("Peer lost", zap.String("peer", id.String()))
}

func (m *Manager) handleConnected(id types.PeerID) {
	if id == m.localID {
		return
	}

	m.mu.Lock()
	if m.isConnectedLocked(id) {
		m.mu.Unlock()
		return
	}
	m.connected = append(m.connected, id)
	m.setPeerStateLocked(id, types.PeerConnected)

	// A joiner hosts nothing: the peer it joined, or failing that the
	// first peer it connects to, is taken as the room host.
	if m.hostID == "" && (m.pendingHost == "" || m.pendingHost == id) {
		m.hostID = id
		m.pendingHost = ""
	}
	m.publishLocked()
	count := len(m.connected)
	m.mu.Unlock()

	m.logger.Info("Peer connected", zap.String("peer", id.String()), zap.Int("connected", count))
}

func (m *Manager) handleConnectionFailed(id types.PeerID, err error) {
	m.connectFailures.Add(1)

	m.mu.Lock()
	if m.pendingHost == id {
		m.pendingHost = ""
	}
	if !m.isConnectedLocked(id) {
		m.setPeerStateLocked(id, types.PeerDiscovered)
	}
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Warn("Connection failed", zap.String("peer", id.String()), zap.Error(err))
}

func (m *Manager) handleDisconnected(id types.PeerID) {
	m.mu.Lock()
	idx := -1
	for i, p := range m.connected {
		if p == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	m.connected = append(m.connected[:idx], m.connected[idx+1:]...)
	delete(m.discovered, id)
	if m.hostID == id {
		m.hostID = ""
	}

	// The last link going away ends the session
	ended := len(m.connected) == 0
	if ended {
		m.resetLocked()
	}
	m.publishLocked()
	remaining := len(m.connected)
	m.mu.Unlock()

	m.logger.Info("Peer disconnected", zap.String("peer", id.String()), zap.Int("connected", remaining))

	if ended {
		m.shutdownTransport(nil)
		m.logger.Info("Last peer left, mesh is idle")
	}
}

func (m *Manager) handlePayload(from types.PeerID, data []byte) {
	m.payloadsReceived.Add(1)
	m.bytesReceived.Add(int64(len(data)))

	m.handlerMu.RLock()
	h := m.handler
	m.handlerMu.RUnlock()

	if h == nil {
		m.logger.Debug("Dropping payload, no handler installed", zap.String("peer", from.String()))
		return
	}
	h(from, data)
}

func (m *Manager) isConnectedLocked(id types.PeerID) bool {
	for _, p := range m.connected {
		if p == id {
			return true
		}
	}
	return false
}

func (m *Manager) setPeerStateLocked(id types.PeerID, s types.ConnectionState) {
	peer, ok := m.discovered[id]
	if !ok {
		peer = types.Peer{ID: id}
	}
	peer.State = s
	peer.LastSeen = m.clock.Now()
	m.discovered[id] = peer
}

func (m *Manager) stateLocked() types.MeshState {
	switch {
	case len(m.connected) > 0:
		return types.MeshConnected
	case m.advertising:
		return types.MeshAdvertising
	case m.discovering:
		return types.MeshDiscovering
	default:
		return types.MeshIdle
	}
}

func (m *Manager) snapshotLocked() types.Topology {
	discovered := make([]types.Peer, 0, len(m.discovered))
	for _, p := range m.discovered {
		p.Addrs = append([]string(nil), p.Addrs...)
		discovered = append(discovered, p)
	}
	sort.Slice(discovered, func(i, j int) bool { return discovered[i].ID < discovered[j].ID })

	return types.Topology{
		LocalID:    m.localID,
		RoomCode:   m.code,
		HostID:     m.hostID,
		State:      m.stateLocked(),
		Connected:  append([]types.PeerID{}, m.connected...),
		Discovered: discovered,
	}
}

// publishLocked must be called with the write lock held so that
// subscribers observe snapshots in mutation order
func (m *Manager) publishLocked() {
	m.topology.Set(m.snapshotLocked())
}
