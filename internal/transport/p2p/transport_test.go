package p2p

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/berrythewa/meshplay/internal/mesh"
	"github.com/berrythewa/meshplay/internal/types"
	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerFromEntry(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		Text:     []string{"room=4821", "peer=12D3KooWabc", "junk"},
		Port:     4001,
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.20")},
		AddrIPv6: []net.IP{net.ParseIP("fe80::1")},
	}

	p, ok := peerFromEntry(entry)
	require.True(t, ok)
	assert.Equal(t, types.DiscoveredPeer{
		ID:    "12D3KooWabc",
		Name:  "4821",
		Addrs: []string{"/ip4/192.168.1.20/tcp/4001", "/ip6/fe80::1/tcp/4001"},
	}, p)
}

func TestPeerFromEntryRejectsIncompleteAdverts(t *testing.T) {
	cases := map[string]*zeroconf.ServiceEntry{
		"nil":        nil,
		"no room":    {Text: []string{"peer=x"}, Port: 1, AddrIPv4: []net.IP{net.IPv4(10, 0, 0, 1)}},
		"no peer":    {Text: []string{"room=1234"}, Port: 1, AddrIPv4: []net.IP{net.IPv4(10, 0, 0, 1)}},
		"no port":    {Text: []string{"room=1234", "peer=x"}, AddrIPv4: []net.IP{net.IPv4(10, 0, 0, 1)}},
		"no address": {Text: []string{"room=1234", "peer=x"}, Port: 1},
	}
	for name, entry := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := peerFromEntry(entry)
			assert.False(t, ok)
		})
	}
}

type linkEvents struct {
	mu        sync.Mutex
	connected []types.PeerID
	dropped   []types.PeerID
	payloads  [][]byte
}

func (e *linkEvents) callbacks() mesh.Callbacks {
	return mesh.Callbacks{
		OnConnected: func(id types.PeerID) {
			e.mu.Lock()
			e.connected = append(e.connected, id)
			e.mu.Unlock()
		},
		OnDisconnected: func(id types.PeerID) {
			e.mu.Lock()
			e.dropped = append(e.dropped, id)
			e.mu.Unlock()
		},
		OnPayload: func(_ types.PeerID, data []byte) {
			e.mu.Lock()
			e.payloads = append(e.payloads, data)
			e.mu.Unlock()
		},
	}
}

func (e *linkEvents) counts() (int, int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.connected), len(e.dropped), len(e.payloads)
}

func newLoopback(t *testing.T) (*Transport, *linkEvents) {
	t.Helper()
	tr, err := New(Config{ListenIP: "127.0.0.1"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	ev := &linkEvents{}
	tr.SetCallbacks(ev.callbacks())
	return tr, ev
}

func TestLoopbackLinkAndSend(t *testing.T) {
	a, aev := newLoopback(t)
	b, bev := newLoopback(t)

	require.NoError(t, a.AddPeer(types.DiscoveredPeer{ID: b.LocalID(), Addrs: b.Addrs()}))
	require.NoError(t, a.Connect(context.Background(), b.LocalID()))

	require.Eventually(t, func() bool {
		ac, _, _ := aev.counts()
		bc, _, _ := bev.counts()
		return ac == 1 && bc == 1
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Send(ctx, b.LocalID(), []byte(`{"hello":"mesh"}`)))

	require.Eventually(t, func() bool {
		_, _, n := bev.counts()
		return n == 1
	}, 5*time.Second, 10*time.Millisecond)
	bev.mu.Lock()
	assert.Equal(t, []byte(`{"hello":"mesh"}`), bev.payloads[0])
	bev.mu.Unlock()

	require.NoError(t, a.Disconnect(b.LocalID()))
	require.Eventually(t, func() bool {
		_, ad, _ := aev.counts()
		_, bd, _ := bev.counts()
		return ad == 1 && bd == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAddPeerValidation(t *testing.T) {
	a, _ := newLoopback(t)

	require.Error(t, a.AddPeer(types.DiscoveredPeer{ID: "not-a-peer-id", Addrs: []string{"/ip4/127.0.0.1/tcp/1"}}))
	require.Error(t, a.AddPeer(types.DiscoveredPeer{ID: a.LocalID(), Addrs: []string{"garbage"}}))
	require.Error(t, a.Connect(context.Background(), "not-a-peer-id"))
}

func TestLibp2pOptionsRejectsBadIP(t *testing.T) {
	_, err := libp2pOptions(Config{ListenIP: "not-an-ip"}, nil)
	require.Error(t, err)
}
