package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/berrythewa/meshplay/internal/mesh"
	"github.com/berrythewa/meshplay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu        sync.Mutex
	found     []types.DiscoveredPeer
	lost      []types.PeerID
	connected []types.PeerID
	failed    []types.PeerID
	dropped   []types.PeerID
	payloads  []string
}

func attach(n *Node) *recorder {
	r := &recorder{}
	n.SetCallbacks(mesh.Callbacks{
		OnPeerFound: func(p types.DiscoveredPeer) { r.mu.Lock(); r.found = append(r.found, p); r.mu.Unlock() },
		OnPeerLost:  func(id types.PeerID) { r.mu.Lock(); r.lost = append(r.lost, id); r.mu.Unlock() },
		OnConnected: func(id types.PeerID) { r.mu.Lock(); r.connected = append(r.connected, id); r.mu.Unlock() },
		OnConnectionFailed: func(id types.PeerID, _ error) {
			r.mu.Lock()
			r.failed = append(r.failed, id)
			r.mu.Unlock()
		},
		OnDisconnected: func(id types.PeerID) { r.mu.Lock(); r.dropped = append(r.dropped, id); r.mu.Unlock() },
		OnPayload: func(from types.PeerID, data []byte) {
			r.mu.Lock()
			r.payloads = append(r.payloads, from.String()+":"+string(data))
			r.mu.Unlock()
		},
	})
	return r
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		found:     append([]types.DiscoveredPeer(nil), r.found...),
		lost:      append([]types.PeerID(nil), r.lost...),
		connected: append([]types.PeerID(nil), r.connected...),
		failed:    append([]types.PeerID(nil), r.failed...),
		dropped:   append([]types.PeerID(nil), r.dropped...),
		payloads:  append([]string(nil), r.payloads...),
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 2*time.Millisecond)
}

func TestDiscoveryBothOrders(t *testing.T) {
	net := NewNetwork(nil)
	host := net.NewNodeWithID("host")
	early := net.NewNodeWithID("early")
	late := net.NewNodeWithID("late")
	attach(host)
	er := attach(early)
	lr := attach(late)
	ctx := context.Background()

	require.NoError(t, early.StartDiscovery(ctx))
	require.NoError(t, host.Advertise(ctx, "1234"))
	require.NoError(t, late.StartDiscovery(ctx))

	want := []types.DiscoveredPeer{{ID: "host", Name: "1234"}}
	eventually(t, func() bool { return len(er.snapshot().found) == 1 && len(lr.snapshot().found) == 1 })
	assert.Equal(t, want, er.snapshot().found)
	assert.Equal(t, want, lr.snapshot().found)

	require.NoError(t, host.StopAdvertising())
	eventually(t, func() bool { return len(er.snapshot().lost) == 1 })
	assert.Equal(t, []types.PeerID{"host"}, er.snapshot().lost)
}

func TestConnectSendDisconnect(t *testing.T) {
	net := NewNetwork(nil)
	a, b := net.NewNodeWithID("a"), net.NewNodeWithID("b")
	ar, br := attach(a), attach(b)
	ctx := context.Background()

	require.ErrorIs(t, a.Send(ctx, "b", []byte("x")), ErrNotLinked)

	require.NoError(t, a.Connect(ctx, "b"))
	eventually(t, func() bool { return len(ar.snapshot().connected) == 1 && len(br.snapshot().connected) == 1 })
	assert.Equal(t, []types.PeerID{"b"}, ar.snapshot().connected)
	assert.Equal(t, []types.PeerID{"a"}, br.snapshot().connected)

	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, a.Send(ctx, "b", []byte(s)))
	}
	eventually(t, func() bool { return len(br.snapshot().payloads) == 3 })
	assert.Equal(t, []string{"a:1", "a:2", "a:3"}, br.snapshot().payloads)

	require.NoError(t, b.Disconnect("a"))
	eventually(t, func() bool { return len(ar.snapshot().dropped) == 1 && len(br.snapshot().dropped) == 1 })
	assert.Empty(t, a.Links())
	require.ErrorIs(t, a.Send(ctx, "b", []byte("x")), ErrNotLinked)
}

func TestConnectFailures(t *testing.T) {
	net := NewNetwork(nil)
	a, b := net.NewNodeWithID("a"), net.NewNodeWithID("b")
	ar := attach(a)
	attach(b)
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx, "nobody"))
	b.RejectConnections(errors.New("busy"))
	require.NoError(t, a.Connect(ctx, "b"))

	eventually(t, func() bool { return len(ar.snapshot().failed) == 2 })
	assert.Equal(t, []types.PeerID{"nobody", "b"}, ar.snapshot().failed)
	assert.Empty(t, ar.snapshot().connected)
}

func TestFailAdvertise(t *testing.T) {
	net := NewNetwork(nil)
	a := net.NewNodeWithID("a")
	a.FailAdvertise(errors.New("radio off"))
	require.Error(t, a.Advertise(context.Background(), "1111"))

	a.FailAdvertise(nil)
	require.NoError(t, a.Advertise(context.Background(), "1111"))
}

func TestSeverAndClose(t *testing.T) {
	net := NewNetwork(nil)
	a, b, c := net.NewNodeWithID("a"), net.NewNodeWithID("b"), net.NewNodeWithID("c")
	ar, _, cr := attach(a), attach(b), attach(c)
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx, "b"))
	require.NoError(t, c.Connect(ctx, "b"))

	net.Sever("a", "b")
	eventually(t, func() bool { return len(ar.snapshot().dropped) == 1 })

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	eventually(t, func() bool { return len(cr.snapshot().dropped) == 1 })
	require.ErrorIs(t, b.Send(ctx, "c", nil), ErrNodeClosed)
	require.ErrorIs(t, b.Advertise(ctx, "1"), ErrNodeClosed)
}
