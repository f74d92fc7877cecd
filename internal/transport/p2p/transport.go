// Package p2p links mesh nodes over libp2p streams and advertises rooms
// on the local network with zeroconf
package p2p

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/berrythewa/meshplay/internal/mesh"
	wire "github.com/berrythewa/meshplay/internal/protocol"
	"github.com/berrythewa/meshplay/internal/types"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// PayloadProtocol carries one encoded mesh message per stream
const PayloadProtocol protocol.ID = "/meshplay/1.0.0/payload"

const (
	connectTimeout = 10 * time.Second
	eventQueueSize = 256
)

var ErrClosed = errors.New("transport closed")

// Config holds the libp2p host settings
type Config struct {
	ListenPort int    // TCP port, 0 picks a free one
	ListenIP   string // Defaults to 0.0.0.0
	DeviceName string // Instance name used in room adverts
}

// Transport implements mesh.Transport on a libp2p host
type Transport struct {
	host   host.Host
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan func(mesh.Callbacks)
	done   chan struct{}

	cbMu sync.RWMutex
	cb   mesh.Callbacks

	mu     sync.Mutex
	linked map[peer.ID]bool
	advert *advertiser
	browse context.CancelFunc
	closed bool
}

// New creates a libp2p host with a fresh ed25519 identity and starts
// accepting payload streams
func New(cfg Config, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "p2p_transport"))

	privKey, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate peer identity: %w", err)
	}

	opts, err := libp2pOptions(cfg, privKey)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		host:   h,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan func(mesh.Callbacks), eventQueueSize),
		done:   make(chan struct{}),
		linked: make(map[peer.ID]bool),
	}

	h.SetStreamHandler(PayloadProtocol, t.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    func(_ network.Network, c network.Conn) { t.markLinked(c.RemotePeer()) },
		DisconnectedF: t.handleConnClosed,
	})
	go t.dispatch()

	logger.Info("Created libp2p host",
		zap.String("peer_id", h.ID().String()),
		zap.Strings("addresses", t.Addrs()))
	return t, nil
}

func libp2pOptions(cfg Config, privKey crypto.PrivKey) ([]libp2p.Option, error) {
	ip := cfg.ListenIP
	if ip == "" {
		ip = "0.0.0.0"
	}
	listen := fmt.Sprintf("/ip4/%s/tcp/%d", ip, cfg.ListenPort)
	if _, err := multiaddr.NewMultiaddr(listen); err != nil {
		return nil, fmt.Errorf("invalid listen address %s: %w", listen, err)
	}

	return []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ListenAddrStrings(listen),
	}, nil
}

// LocalID implements mesh.Transport
func (t *Transport) LocalID() types.PeerID {
	return types.PeerID(t.host.ID().String())
}

// Addrs returns the host's listen addresses
func (t *Transport) Addrs() []string {
	addrs := t.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// SetCallbacks implements mesh.Transport
func (t *Transport) SetCallbacks(cb mesh.Callbacks) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.cb = cb
}

// AddPeer records the addresses of a peer so it can be dialed
func (t *Transport) AddPeer(p types.DiscoveredPeer) error {
	pid, err := peer.Decode(p.ID.String())
	if err != nil {
		return fmt.Errorf("invalid peer id %s: %w", p.ID, err)
	}
	addrs := make([]multiaddr.Multiaddr, 0, len(p.Addrs))
	for _, s := range p.Addrs {
		a, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			t.logger.Debug("Skipping invalid address", zap.String("addr", s), zap.Error(err))
			continue
		}
		addrs = append(addrs, a)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no usable address for peer %s", p.ID)
	}
	t.host.Peerstore().AddAddrs(pid, addrs, peerstore.TempAddrTTL)
	return nil
}

// Connect implements mesh.Transport. The dial runs in the background and
// its outcome is reported through the callbacks.
func (t *Transport) Connect(_ context.Context, id types.PeerID) error {
	pid, err := peer.Decode(id.String())
	if err != nil {
		return fmt.Errorf("invalid peer id %s: %w", id, err)
	}
	if t.isClosed() {
		return ErrClosed
	}

	go func() {
		ctx, cancel := context.WithTimeout(t.ctx, connectTimeout)
		defer cancel()

		info := peer.AddrInfo{ID: pid, Addrs: t.host.Peerstore().Addrs(pid)}
		if err := t.host.Connect(ctx, info); err != nil {
			t.logger.Warn("Failed to connect to peer", zap.String("peer", id.String()), zap.Error(err))
			t.emit(func(cb mesh.Callbacks) {
				if cb.OnConnectionFailed != nil {
					cb.OnConnectionFailed(id, err)
				}
			})
			return
		}
		// Already-open connections produce no notification
		t.markLinked(pid)
	}()
	return nil
}

// Disconnect implements mesh.Transport
func (t *Transport) Disconnect(id types.PeerID) error {
	pid, err := peer.Decode(id.String())
	if err != nil {
		return fmt.Errorf("invalid peer id %s: %w", id, err)
	}
	if err := t.host.Network().ClosePeer(pid); err != nil {
		return fmt.Errorf("failed to close connections to %s: %w", id, err)
	}
	t.markUnlinked(pid)
	return nil
}

// Send implements mesh.Transport by writing the payload on a new stream
func (t *Transport) Send(ctx context.Context, id types.PeerID, data []byte) error {
	pid, err := peer.Decode(id.String())
	if err != nil {
		return fmt.Errorf("invalid peer id %s: %w", id, err)
	}

	s, err := t.host.NewStream(network.WithNoDial(ctx, "mesh payload"), pid, PayloadProtocol)
	if err != nil {
		return fmt.Errorf("failed to open stream to %s: %w", id, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetWriteDeadline(deadline)
	}

	if _, err := s.Write(data); err != nil {
		_ = s.Reset()
		return fmt.Errorf("failed to write payload to %s: %w", id, err)
	}
	return s.Close()
}

func (t *Transport) handleStream(s network.Stream) {
	defer s.Close()

	from := types.PeerID(s.Conn().RemotePeer().String())
	data, err := io.ReadAll(io.LimitReader(s, wire.MaxPayloadSize+1))
	if err != nil {
		t.logger.Debug("Failed to read payload", zap.String("peer", from.String()), zap.Error(err))
		_ = s.Reset()
		return
	}
	if len(data) > wire.MaxPayloadSize {
		t.logger.Warn("Dropping oversized payload", zap.String("peer", from.String()))
		_ = s.Reset()
		return
	}

	t.emit(func(cb mesh.Callbacks) {
		if cb.OnPayload != nil {
			cb.OnPayload(from, data)
		}
	})
}

func (t *Transport) handleConnClosed(n network.Network, c network.Conn) {
	pid := c.RemotePeer()
	if n.Connectedness(pid) == network.Connected {
		return
	}
	t.markUnlinked(pid)
}

func (t *Transport) markLinked(pid peer.ID) {
	t.mu.Lock()
	if t.closed || t.linked[pid] {
		t.mu.Unlock()
		return
	}
	t.linked[pid] = true
	t.mu.Unlock()

	id := types.PeerID(pid.String())
	t.logger.Debug("Peer linked", zap.String("peer", id.String()))
	t.emit(func(cb mesh.Callbacks) {
		if cb.OnConnected != nil {
			cb.OnConnected(id)
		}
	})
}

func (t *Transport) markUnlinked(pid peer.ID) {
	t.mu.Lock()
	if !t.linked[pid] {
		t.mu.Unlock()
		return
	}
	delete(t.linked, pid)
	t.mu.Unlock()

	id := types.PeerID(pid.String())
	t.logger.Debug("Peer unlinked", zap.String("peer", id.String()))
	t.emit(func(cb mesh.Callbacks) {
		if cb.OnDisconnected != nil {
			cb.OnDisconnected(id)
		}
	})
}

// emit queues a callback for the dispatch goroutine so that libp2p
// notifiers and stream handlers never block on mesh processing
func (t *Transport) emit(fn func(mesh.Callbacks)) {
	select {
	case t.events <- fn:
	case <-t.ctx.Done():
	}
}

func (t *Transport) dispatch() {
	defer close(t.done)
	for {
		select {
		case <-t.ctx.Done():
			return
		case fn := <-t.events:
			t.cbMu.RLock()
			cb := t.cb
			t.cbMu.RUnlock()
			fn(cb)
		}
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close implements mesh.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	_ = t.StopAdvertising()
	_ = t.StopDiscovery()

	t.cancel()
	<-t.done

	if err := t.host.Close(); err != nil {
		return fmt.Errorf("failed to close libp2p host: %w", err)
	}
	t.logger.Info("libp2p host closed")
	return nil
}
