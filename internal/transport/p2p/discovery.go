package p2p

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/berrythewa/meshplay/internal/mesh"
	"github.com/berrythewa/meshplay/internal/types"
	"github.com/grandcat/zeroconf"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const (
	ServiceType = "_meshplay._tcp"
	domain      = "local."

	txtRoom = "room"
	txtPeer = "peer"
)

type advertiser struct {
	server *zeroconf.Server
	room   string
}

// Advertise implements mesh.Transport by registering a zeroconf service
// whose TXT record carries the room code and the libp2p peer id
func (t *Transport) Advertise(_ context.Context, roomCode string) error {
	port, err := t.tcpPort()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.advert != nil {
		t.advert.server.Shutdown()
		t.advert = nil
	}

	instance := t.cfg.DeviceName
	if instance == "" {
		instance = "meshplay"
	}
	instance = fmt.Sprintf("%s-%s", instance, roomCode)

	txt := []string{txtRoom + "=" + roomCode, txtPeer + "=" + t.host.ID().String()}
	server, err := zeroconf.Register(instance, ServiceType, domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register zeroconf service: %w", err)
	}
	t.advert = &advertiser{server: server, room: roomCode}

	t.logger.Info("Advertising room", zap.String("room", roomCode), zap.Int("port", port))
	return nil
}

// StopAdvertising implements mesh.Transport
func (t *Transport) StopAdvertising() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.advert == nil {
		return nil
	}
	t.advert.server.Shutdown()
	t.advert = nil
	t.logger.Info("Stopped advertising")
	return nil
}

// StartDiscovery implements mesh.Transport by browsing for room adverts
func (t *Transport) StartDiscovery(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.browse != nil {
		return nil
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create zeroconf resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(t.ctx)
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		cancel()
		return fmt.Errorf("failed to browse for rooms: %w", err)
	}
	t.browse = cancel

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				t.handleEntry(entry)
			}
		}
	}()

	t.logger.Info("Browsing for rooms")
	return nil
}

// StopDiscovery implements mesh.Transport
func (t *Transport) StopDiscovery() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browse == nil {
		return nil
	}
	t.browse()
	t.browse = nil
	return nil
}

func (t *Transport) handleEntry(entry *zeroconf.ServiceEntry) {
	p, ok := peerFromEntry(entry)
	if !ok || p.ID == t.LocalID() {
		return
	}
	if err := t.AddPeer(p); err != nil {
		t.logger.Debug("Ignoring advert", zap.String("peer", p.ID.String()), zap.Error(err))
		return
	}

	t.emit(func(cb mesh.Callbacks) {
		if cb.OnPeerFound != nil {
			cb.OnPeerFound(p)
		}
	})
}

// peerFromEntry turns a zeroconf answer into a dialable peer
func peerFromEntry(entry *zeroconf.ServiceEntry) (types.DiscoveredPeer, bool) {
	if entry == nil {
		return types.DiscoveredPeer{}, false
	}

	meta := make(map[string]string, len(entry.Text))
	for _, txt := range entry.Text {
		if k, v, found := strings.Cut(txt, "="); found {
			meta[k] = v
		}
	}
	id, room := meta[txtPeer], meta[txtRoom]
	if id == "" || room == "" || entry.Port <= 0 {
		return types.DiscoveredPeer{}, false
	}

	var addrs []string
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, tcpAddr("ip4", ip, entry.Port))
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, tcpAddr("ip6", ip, entry.Port))
	}
	if len(addrs) == 0 {
		return types.DiscoveredPeer{}, false
	}

	return types.DiscoveredPeer{ID: types.PeerID(id), Name: room, Addrs: addrs}, true
}

func tcpAddr(family string, ip net.IP, port int) string {
	return "/" + family + "/" + ip.String() + "/tcp/" + strconv.Itoa(port)
}

func (t *Transport) tcpPort() (int, error) {
	for _, a := range t.host.Addrs() {
		v, err := a.ValueForProtocol(multiaddr.P_TCP)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(v)
		if err == nil && port > 0 {
			return port, nil
		}
	}
	return 0, fmt.Errorf("host has no tcp listen address")
}
