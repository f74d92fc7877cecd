package mesh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/berrythewa/meshplay/internal/protocol"
	"github.com/berrythewa/meshplay/internal/types"
	"github.com/berrythewa/meshplay/pkg/utils"
	"go.uber.org/zap"
)

const (
	DefaultMaxHops     = 8
	DefaultDedupSize   = 1024
	DefaultDedupWindow = 30 * time.Second

	forwardTimeout = 5 * time.Second
)

// RelayConfig bounds flooding
type RelayConfig struct {
	MaxHops     int           // Forwarding stops once a message has been forwarded this many times
	DedupSize   int           // Number of message ids remembered
	DedupWindow time.Duration // How long a message id is remembered
}

// DefaultRelayConfig returns the default flooding bounds
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		MaxHops:     DefaultMaxHops,
		DedupSize:   DefaultDedupSize,
		DedupWindow: DefaultDedupWindow,
	}
}

// InboundHandler consumes messages delivered to the local node
type InboundHandler func(in types.Inbound)

// RelayStats holds message-level counters of a relay
type RelayStats struct {
	Delivered    int64 `json:"delivered"`
	Forwarded    int64 `json:"forwarded"`
	Duplicates   int64 `json:"duplicates"`
	DecodeErrors int64 `json:"decode_errors"`
	HopLimited   int64 `json:"hop_limited"`
	Originated   int64 `json:"originated"`
}

// Relay decodes inbound payloads, delivers the ones addressed to this
// node and floods the rest to every neighbor except the one they came from
type Relay struct {
	manager *Manager
	logger  *zap.Logger
	clock   clock.Clock
	seen    *seenCache
	maxHops int

	handlerMu sync.RWMutex
	handlers  map[int]InboundHandler
	nextID    int

	inflight sync.WaitGroup

	delivered    atomic.Int64
	forwarded    atomic.Int64
	duplicates   atomic.Int64
	decodeErrors atomic.Int64
	hopLimited   atomic.Int64
	originated   atomic.Int64
}

// NewRelay creates a relay and installs it as the manager's payload handler
func NewRelay(manager *Manager, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}

	r := &Relay{
		manager:  manager,
		logger:   logger.With(zap.String("component", "relay")),
		clock:    clock.New(),
		seen:     newSeenCache(cfg.DedupSize, cfg.DedupWindow),
		maxHops:  cfg.MaxHops,
		handlers: make(map[int]InboundHandler),
	}
	manager.SetPayloadHandler(r.HandlePayload)
	return r
}

// SetClock replaces the clock used to stamp originated messages
func (r *Relay) SetClock(c clock.Clock) {
	r.clock = c
}

// LocalID returns the id of this node
func (r *Relay) LocalID() types.PeerID {
	return r.manager.LocalID()
}

// AddHandler registers a consumer of delivered messages and returns a
// function removing it
func (r *Relay) AddHandler(h InboundHandler) func() {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()

	id := r.nextID
	r.nextID++
	r.handlers[id] = h

	return func() {
		r.handlerMu.Lock()
		defer r.handlerMu.Unlock()
		delete(r.handlers, id)
	}
}

// Publish originates a message with the given body. Target may be a peer
// id or empty for a broadcast.
func (r *Relay) Publish(ctx context.Context, body types.Body, target types.PeerID) (types.Message, error) {
	msg := types.Message{TargetID: target, Body: body}
	return r.PublishMessage(ctx, msg)
}

// PublishMessage originates a prepared message. Missing id, target and
// timestamp are filled in and the sender is always set to the local id.
// A message addressed to a directly connected peer is unicast; every
// other message is flooded.
func (r *Relay) PublishMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	local := r.manager.LocalID()

	msg.SenderID = local
	msg.Hops = 0
	if msg.ID == "" {
		msg.ID = utils.NewMessageID()
	}
	if msg.TargetID == "" {
		msg.TargetID = types.Broadcast
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = r.clock.Now().UnixMilli()
	}

	// Echoes of our own messages are dropped on arrival
	r.seen.markSeen(dedupKey(msg))
	r.originated.Add(1)

	target := types.Broadcast
	if !msg.IsBroadcast() && r.manager.IsConnected(msg.TargetID) {
		target = msg.TargetID
	}

	if err := r.manager.SendPayload(ctx, msg, target); err != nil {
		return msg, fmt.Errorf("failed to publish %s message: %w", msg.Body.Kind(), err)
	}

	r.logger.Debug("Message published",
		zap.String("id", msg.ID),
		zap.String("kind", string(msg.Body.Kind())),
		zap.String("target", msg.TargetID.String()))
	return msg, nil
}

// HandlePayload processes raw bytes received from a neighbor
func (r *Relay) HandlePayload(from types.PeerID, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		r.decodeErrors.Add(1)
		r.logger.Warn("Dropping undecodable payload", zap.String("peer", from.String()), zap.Error(err))
		return
	}

	local := r.manager.LocalID()
	if msg.SenderID == local {
		r.duplicates.Add(1)
		return
	}
	if !r.seen.markSeen(dedupKey(msg)) {
		r.duplicates.Add(1)
		r.logger.Debug("Dropping duplicate", zap.String("id", msg.ID), zap.String("peer", from.String()))
		return
	}

	// Forwarding runs in the background so a slow neighbor never holds up
	// local delivery or the next inbound payload
	if msg.TargetID != local {
		r.forward(from, msg)
	}

	if msg.AddressedTo(local) {
		r.deliver(types.Inbound{From: from, Message: msg})
	}
}

// Wait blocks until every in-flight forward has finished
func (r *Relay) Wait() {
	r.inflight.Wait()
}

func (r *Relay) forward(from types.PeerID, msg types.Message) {
	if msg.Hops >= r.maxHops {
		r.hopLimited.Add(1)
		r.logger.Debug("Hop limit reached, not forwarding", zap.String("id", msg.ID), zap.Int("hops", msg.Hops))
		return
	}

	msg.Hops++
	data, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("Failed to re-encode message for forwarding", zap.String("id", msg.ID), zap.Error(err))
		return
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		defer cancel()

		if err := r.manager.SendRaw(ctx, data, from); err != nil {
			r.logger.Debug("Forwarding incomplete", zap.String("id", msg.ID), zap.Error(err))
		}
		r.forwarded.Add(1)
	}()
}

func (r *Relay) deliver(in types.Inbound) {
	r.handlerMu.RLock()
	handlers := make([]InboundHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.handlerMu.RUnlock()

	r.delivered.Add(1)
	for _, h := range handlers {
		h(in)
	}
}

// Stats returns a copy of the relay counters
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Delivered:    r.delivered.Load(),
		Forwarded:    r.forwarded.Load(),
		Duplicates:   r.duplicates.Load(),
		DecodeErrors: r.decodeErrors.Load(),
		HopLimited:   r.hopLimited.Load(),
		Originated:   r.originated.Load(),
	}
}

func dedupKey(msg types.Message) string {
	return string(msg.SenderID) + "/" + msg.ID
}
