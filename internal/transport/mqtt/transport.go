// Package mqtt links mesh nodes through an MQTT broker. Rooms are retained
// adverts and every node owns an inbox topic that carries link control and
// payload frames.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/berrythewa/meshplay/internal/mesh"
	"github.com/berrythewa/meshplay/internal/types"
	"github.com/berrythewa/meshplay/pkg/utils"
	"go.uber.org/zap"
)

const (
	DefaultBroker         = "tcp://localhost:1883"
	DefaultConnectTimeout = 10 * time.Second

	eventQueueSize = 256
)

var (
	ErrClosed    = errors.New("transport closed")
	ErrNotLinked = errors.New("peer not linked")
)

// Config holds the broker settings
type Config struct {
	Broker         string
	Username       string
	Password       string
	DeviceName     string
	ConnectTimeout time.Duration // How long a link request waits for an accept
}

// Transport implements mesh.Transport over an MQTT broker
type Transport struct {
	id     types.PeerID
	cfg    Config
	broker broker
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan func(mesh.Callbacks)
	done   chan struct{}

	cbMu sync.RWMutex
	cb   mesh.Callbacks

	mu          sync.Mutex
	linked      map[types.PeerID]bool
	pending     map[types.PeerID]*time.Timer
	room        string
	discovering bool
	closed      bool
}

// New dials the broker and subscribes to the node's inbox
func New(cfg Config, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "mqtt_transport"))
	if cfg.Broker == "" {
		cfg.Broker = DefaultBroker
	}

	id := types.PeerID(utils.NewNodeID())
	b, err := dialBroker(cfg, id.String(), logger)
	if err != nil {
		return nil, err
	}

	t, err := newTransport(id, cfg, b, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	return t, nil
}

func newTransport(id types.PeerID, cfg Config, b broker, logger *zap.Logger) (*Transport, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id:      id,
		cfg:     cfg,
		broker:  b,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan func(mesh.Callbacks), eventQueueSize),
		done:    make(chan struct{}),
		linked:  make(map[types.PeerID]bool),
		pending: make(map[types.PeerID]*time.Timer),
	}
	go t.dispatch()

	if err := b.Subscribe(inboxTopic(id.String()), t.handleInbox); err != nil {
		cancel()
		<-t.done
		return nil, fmt.Errorf("failed to subscribe to inbox: %w", err)
	}
	return t, nil
}

// LocalID implements mesh.Transport
func (t *Transport) LocalID() types.PeerID {
	return t.id
}

// SetCallbacks implements mesh.Transport
func (t *Transport) SetCallbacks(cb mesh.Callbacks) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.cb = cb
}

// Advertise implements mesh.Transport with a retained room advert
func (t *Transport) Advertise(_ context.Context, roomCode string) error {
	if t.isClosed() {
		return ErrClosed
	}
	if err := t.StopAdvertising(); err != nil {
		return err
	}

	payload, err := json.Marshal(advert{Peer: t.id.String(), Room: roomCode, Name: t.cfg.DeviceName})
	if err != nil {
		return fmt.Errorf("failed to encode advert: %w", err)
	}
	if err := t.broker.Publish(roomTopic(roomCode, t.id.String()), true, payload); err != nil {
		return fmt.Errorf("failed to publish advert: %w", err)
	}

	t.mu.Lock()
	t.room = roomCode
	t.mu.Unlock()

	t.logger.Info("Advertising room", zap.String("room", roomCode))
	return nil
}

// StopAdvertising implements mesh.Transport by clearing the retained advert
func (t *Transport) StopAdvertising() error {
	t.mu.Lock()
	room := t.room
	t.room = ""
	t.mu.Unlock()

	if room == "" {
		return nil
	}
	if err := t.broker.Publish(roomTopic(room, t.id.String()), true, nil); err != nil {
		return fmt.Errorf("failed to withdraw advert: %w", err)
	}
	return nil
}

// StartDiscovery implements mesh.Transport
func (t *Transport) StartDiscovery(context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.discovering {
		t.mu.Unlock()
		return nil
	}
	t.discovering = true
	t.mu.Unlock()

	if err := t.broker.Subscribe(roomFilter, t.handleAdvert); err != nil {
		t.mu.Lock()
		t.discovering = false
		t.mu.Unlock()
		return fmt.Errorf("failed to subscribe to room adverts: %w", err)
	}
	return nil
}

// StopDiscovery implements mesh.Transport
func (t *Transport) StopDiscovery() error {
	t.mu.Lock()
	if !t.discovering {
		t.mu.Unlock()
		return nil
	}
	t.discovering = false
	t.mu.Unlock()
	return t.broker.Unsubscribe(roomFilter)
}

// Connect implements mesh.Transport. The peer accepts automatically;
// without an accept within the connect timeout the attempt fails.
func (t *Transport) Connect(_ context.Context, id types.PeerID) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.linked[id] || t.pending[id] != nil {
		t.mu.Unlock()
		return nil
	}
	t.pending[id] = time.AfterFunc(t.cfg.ConnectTimeout, func() { t.connectTimedOut(id) })
	t.mu.Unlock()

	if err := t.sendFrame(id, frame{Type: frameConnect}); err != nil {
		t.clearPending(id)
		return err
	}
	return nil
}

func (t *Transport) connectTimedOut(id types.PeerID) {
	if !t.clearPending(id) {
		return
	}
	err := fmt.Errorf("no answer from %s within %s", id, t.cfg.ConnectTimeout)
	t.emit(func(cb mesh.Callbacks) {
		if cb.OnConnectionFailed != nil {
			cb.OnConnectionFailed(id, err)
		}
	})
}

// clearPending stops a pending connect and reports whether one existed
func (t *Transport) clearPending(id types.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.pending[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.pending, id)
	return true
}

// Disconnect implements mesh.Transport
func (t *Transport) Disconnect(id types.PeerID) error {
	if !t.unlink(id) {
		return nil
	}
	if err := t.sendFrame(id, frame{Type: frameDisconnect}); err != nil {
		t.logger.Debug("Failed to notify peer of disconnect", zap.String("peer", id.String()), zap.Error(err))
	}
	return nil
}

// Send implements mesh.Transport
func (t *Transport) Send(ctx context.Context, id types.PeerID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	linked := t.linked[id]
	t.mu.Unlock()
	if !linked {
		return fmt.Errorf("%w: %s", ErrNotLinked, id)
	}
	return t.sendFrame(id, frame{Type: frameData, Data: data})
}

func (t *Transport) sendFrame(to types.PeerID, f frame) error {
	f.From = t.id.String()
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	if err := t.broker.Publish(inboxTopic(to.String()), false, data); err != nil {
		return fmt.Errorf("failed to send %s frame to %s: %w", f.Type, to, err)
	}
	return nil
}

func (t *Transport) handleInbox(_ string, payload []byte) {
	f, err := decodeFrame(payload)
	if err != nil {
		t.logger.Warn("Dropping malformed frame", zap.Error(err))
		return
	}
	from := types.PeerID(f.From)

	switch f.Type {
	case frameConnect:
		if t.isClosed() {
			return
		}
		t.link(from)
		// Reply from the dispatch goroutine, never from the broker's
		t.emit(func(mesh.Callbacks) {
			if err := t.sendFrame(from, frame{Type: frameAccept}); err != nil {
				t.logger.Warn("Failed to accept link", zap.String("peer", from.String()), zap.Error(err))
			}
		})
	case frameAccept:
		if t.clearPending(from) {
			t.link(from)
		}
	case frameDisconnect:
		t.unlink(from)
	case frameData:
		t.mu.Lock()
		linked := t.linked[from]
		t.mu.Unlock()
		if !linked {
			t.logger.Debug("Dropping payload from unlinked peer", zap.String("peer", from.String()))
			return
		}
		data := f.Data
		t.emit(func(cb mesh.Callbacks) {
			if cb.OnPayload != nil {
				cb.OnPayload(from, data)
			}
		})
	}
}

func (t *Transport) handleAdvert(topic string, payload []byte) {
	room, peer, err := parseRoomTopic(topic)
	if err != nil {
		t.logger.Debug("Ignoring advert", zap.Error(err))
		return
	}
	id := types.PeerID(peer)
	if id == t.id {
		return
	}

	if len(payload) == 0 {
		t.emit(func(cb mesh.Callbacks) {
			if cb.OnPeerLost != nil {
				cb.OnPeerLost(id)
			}
		})
		return
	}

	var ad advert
	if err := json.Unmarshal(payload, &ad); err != nil || ad.Peer != peer || ad.Room != room {
		t.logger.Debug("Ignoring inconsistent advert", zap.String("topic", topic))
		return
	}
	found := types.DiscoveredPeer{ID: id, Name: room}
	t.emit(func(cb mesh.Callbacks) {
		if cb.OnPeerFound != nil {
			cb.OnPeerFound(found)
		}
	})
}

// link marks a peer linked and reports whether it was new
func (t *Transport) link(id types.PeerID) bool {
	t.mu.Lock()
	if t.closed || t.linked[id] {
		t.mu.Unlock()
		return false
	}
	t.linked[id] = true
	t.mu.Unlock()

	t.emit(func(cb mesh.Callbacks) {
		if cb.OnConnected != nil {
			cb.OnConnected(id)
		}
	})
	return true
}

// unlink removes a peer and reports whether it was linked
func (t *Transport) unlink(id types.PeerID) bool {
	t.mu.Lock()
	if !t.linked[id] {
		t.mu.Unlock()
		return false
	}
	delete(t.linked, id)
	t.mu.Unlock()

	t.emit(func(cb mesh.Callbacks) {
		if cb.OnDisconnected != nil {
			cb.OnDisconnected(id)
		}
	})
	return true
}

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

// Close implements mesh.Transport: it withdraws the advert, tells linked
// peers goodbye and disconnects from the broker
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	peers := make([]types.PeerID, 0, len(t.linked))
	for id := range t.linked {
		peers = append(peers, id)
	}
	for id, timer := range t.pending {
		timer.Stop()
		delete(t.pending, id)
	}
	t.mu.Unlock()

	_ = t.StopAdvertising()
	_ = t.StopDiscovery()
	for _, id := range peers {
		_ = t.Disconnect(id)
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	<-t.done
	t.broker.Close()
	t.logger.Info("MQTT transport closed")
	return nil
}
