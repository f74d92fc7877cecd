// Package memory implements an in-process transport where every node of a
// Network can reach every other node. Used for tests and local simulation.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/berrythewa/meshplay/internal/mesh"
	"github.com/berrythewa/meshplay/internal/types"
	"github.com/berrythewa/meshplay/pkg/utils"
	"go.uber.org/zap"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrNotLinked   = errors.New("peer not linked")
	ErrNodeClosed  = errors.New("node closed")
)

// Network is a shared medium that nodes advertise, discover and link over.
// All link state lives here under one lock; callbacks are delivered through
// each node's inbox and never run while the lock is held.
type Network struct {
	logger *zap.Logger

	mu    sync.Mutex
	nodes map[types.PeerID]*Node
}

// NewNetwork creates an empty network
func NewNetwork(logger *zap.Logger) *Network {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Network{
		logger: logger.With(zap.String("component", "memory_transport")),
		nodes:  make(map[types.PeerID]*Node),
	}
}

// NewNode attaches a node with a generated id
func (n *Network) NewNode() *Node {
	return n.NewNodeWithID(types.PeerID(utils.NewNodeID()))
}

// NewNodeWithID attaches a node with a fixed id, replacing nothing if the
// id is already taken
func (n *Network) NewNodeWithID(id types.PeerID) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	if existing, ok := n.nodes[id]; ok {
		return existing
	}
	node := &Node{
		id:    id,
		net:   n,
		links: make(map[types.PeerID]bool),
		inbox: newInbox(),
	}
	n.nodes[id] = node
	go node.inbox.run(node.callbacks)
	return node
}

// Sever drops the link between two nodes as if the radio link was lost.
// Both sides observe a disconnect.
func (n *Network) Sever(a, b types.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unlinkLocked(a, b)
}

func (n *Network) unlinkLocked(a, b types.PeerID) bool {
	na, nb := n.nodes[a], n.nodes[b]
	if na == nil || nb == nil || !na.links[b] {
		return false
	}
	delete(na.links, b)
	delete(nb.links, a)
	na.inbox.push(func(cb mesh.Callbacks) { call1(cb.OnDisconnected, b) })
	nb.inbox.push(func(cb mesh.Callbacks) { call1(cb.OnDisconnected, a) })
	n.logger.Debug("Link severed", zap.String("a", a.String()), zap.String("b", b.String()))
	return true
}

// Node is one endpoint of a Network and implements mesh.Transport
type Node struct {
	id    types.PeerID
	net   *Network
	inbox *inbox

	cbMu sync.RWMutex
	cb   mesh.Callbacks

	// Guarded by net.mu
	room          string
	advertising   bool
	discovering   bool
	closed        bool
	links         map[types.PeerID]bool
	failAdvertise error
	rejectConnect error
}

// LocalID implements mesh.Transport
func (nd *Node) LocalID() types.PeerID {
	return nd.id
}

// SetCallbacks implements mesh.Transport
func (nd *Node) SetCallbacks(cb mesh.Callbacks) {
	nd.cbMu.Lock()
	defer nd.cbMu.Unlock()
	nd.cb = cb
}

func (nd *Node) callbacks() mesh.Callbacks {
	nd.cbMu.RLock()
	defer nd.cbMu.RUnlock()
	return nd.cb
}

// FailAdvertise makes subsequent Advertise calls return err; nil clears it
func (nd *Node) FailAdvertise(err error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()
	nd.failAdvertise = err
}

// RejectConnections makes this node refuse incoming and outgoing links
// with err; nil clears it
func (nd *Node) RejectConnections(err error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()
	nd.rejectConnect = err
}

// Links returns the ids this node is linked to
func (nd *Node) Links() []types.PeerID {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()
	out := make([]types.PeerID, 0, len(nd.links))
	for id := range nd.links {
		out = append(out, id)
	}
	return out
}

// Advertise implements mesh.Transport
func (nd *Node) Advertise(_ context.Context, roomCode string) error {
	n := nd.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if nd.closed {
		return ErrNodeClosed
	}
	if nd.failAdvertise != nil {
		return nd.failAdvertise
	}
	nd.room = roomCode
	nd.advertising = true

	found := types.DiscoveredPeer{ID: nd.id, Name: roomCode}
	for _, other := range n.nodes {
		if other != nd && other.discovering && !other.closed {
			other.inbox.push(func(cb mesh.Callbacks) { call1(cb.OnPeerFound, found) })
		}
	}
	return nil
}

// StopAdvertising implements mesh.Transport
func (nd *Node) StopAdvertising() error {
	n := nd.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if !nd.advertising {
		return nil
	}
	nd.advertising = false
	nd.room = ""

	id := nd.id
	for _, other := range n.nodes {
		if other != nd && other.discovering && !other.closed {
			other.inbox.push(func(cb mesh.Callbacks) { call1(cb.OnPeerLost, id) })
		}
	}
	return nil
}

// StartDiscovery implements mesh.Transport
func (nd *Node) StartDiscovery(context.Context) error {
	n := nd.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if nd.closed {
		return ErrNodeClosed
	}
	nd.discovering = true
	for _, other := range n.nodes {
		if other != nd && other.advertising && !other.closed {
			found := types.DiscoveredPeer{ID: other.id, Name: other.room}
			nd.inbox.push(func(cb mesh.Callbacks) { call1(cb.OnPeerFound, found) })
		}
	}
	return nil
}

// StopDiscovery implements mesh.Transport
func (nd *Node) StopDiscovery() error {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()
	nd.discovering = false
	return nil
}

// Connect implements mesh.Transport. Links are accepted automatically
// unless either side rejects them; the outcome arrives via callbacks.
func (nd *Node) Connect(_ context.Context, id types.PeerID) error {
	n := nd.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if nd.closed {
		return ErrNodeClosed
	}

	target := n.nodes[id]
	var err error
	switch {
	case target == nil || target.closed:
		err = fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	case nd.rejectConnect != nil:
		err = nd.rejectConnect
	case target.rejectConnect != nil:
		err = target.rejectConnect
	}
	if err != nil {
		nd.inbox.push(func(cb mesh.Callbacks) { call2(cb.OnConnectionFailed, id, err) })
		return nil
	}

	if nd.links[id] {
		return nil
	}
	nd.links[id] = true
	target.links[nd.id] = true

	self := nd.id
	nd.inbox.push(func(cb mesh.Callbacks) { call1(cb.OnConnected, id) })
	target.inbox.push(func(cb mesh.Callbacks) { call1(cb.OnConnected, self) })
	n.logger.Debug("Link established", zap.String("a", self.String()), zap.String("b", id.String()))
	return nil
}

// Disconnect implements mesh.Transport
func (nd *Node) Disconnect(id types.PeerID) error {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()
	nd.net.unlinkLocked(nd.id, id)
	return nil
}

// Send implements mesh.Transport. Payloads are copied and queued on the
// receiver's inbox in send order.
func (nd *Node) Send(ctx context.Context, id types.PeerID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n := nd.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if nd.closed {
		return ErrNodeClosed
	}
	if !nd.links[id] {
		return fmt.Errorf("%w: %s", ErrNotLinked, id)
	}

	payload := append([]byte(nil), data...)
	from := nd.id
	n.nodes[id].inbox.push(func(cb mesh.Callbacks) {
		if cb.OnPayload != nil {
			cb.OnPayload(from, payload)
		}
	})
	return nil
}

// Close severs every link, withdraws the node and stops its inbox
func (nd *Node) Close() error {
	n := nd.net
	n.mu.Lock()
	if nd.closed {
		n.mu.Unlock()
		return nil
	}
	for id := range nd.links {
		n.unlinkLocked(nd.id, id)
	}
	nd.closed = true
	nd.advertising = false
	nd.discovering = false
	for _, other := range n.nodes {
		if other != nd && other.discovering && !other.closed {
			id := nd.id
			other.inbox.push(func(cb mesh.Callbacks) { call1(cb.OnPeerLost, id) })
		}
	}
	delete(n.nodes, nd.id)
	n.mu.Unlock()

	nd.inbox.close()
	return nil
}

func call1[T any](fn func(T), v T) {
	if fn != nil {
		fn(v)
	}
}

func call2[A, B any](fn func(A, B), a A, b B) {
	if fn != nil {
		fn(a, b)
	}
}
