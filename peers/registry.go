package peers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/loralink/packet"
	"github.com/outofforest/loralink/rxtracker"
)

// UnknownSNR is reported for hosts never heard from.
const UnknownSNR int8 = -128

// Host is the identity of the local radio host.
type Host struct {
	Address    packet.Address
	HardwareID HardwareID
	Version    packet.Version
}

// Peer is a remote host known to the registry.
type Peer struct {
	Address    packet.Address
	HardwareID HardwareID
	LastSeen   time.Time
	SNR        int8
	Version    packet.Version

	tracker *rxtracker.Tracker
}

// Reply is a packet the registry requests to transmit.
type Reply struct {
	Header  packet.Header
	Payload []byte
}

// Config is the configuration of registry.
type Config struct {
	Host Host

	// P2P disables discovery, packets from unknown addresses create peers.
	P2P bool
}

// Registry keeps the table of known peers and runs the address discovery handshake.
type Registry struct {
	p2p bool

	mu    sync.RWMutex
	host  Host
	peers []*Peer
}

// New creates registry.
func New(config Config) *Registry {
	return &Registry{
		p2p:  config.P2P,
		host: config.Host,
	}
}

// Host returns identity of the local host.
func (r *Registry) Host() Host {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.host
}

// HostAddress returns the current address of the local host.
func (r *Registry) HostAddress() packet.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.host.Address
}

// IsGateway reports whether local host is the gateway.
func (r *Registry) IsGateway() bool {
	return r.HostAddress() == packet.Gateway
}

// Peers returns snapshot of known peers.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peer := *p
		peer.tracker = nil
		peers = append(peers, peer)
	}
	return peers
}

// AddressFor returns address of the host with hardware ID.
func (r *Registry) AddressFor(id HardwareID) (packet.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == r.host.HardwareID {
		return r.host.Address, true
	}
	if p := r.byHardwareID(id); p != nil {
		return p.Address, true
	}
	return packet.Unassigned, false
}

// HardwareIDFor returns hardware ID of the host with address.
func (r *Registry) HardwareIDFor(addr packet.Address) (HardwareID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if addr == r.host.Address {
		return r.host.HardwareID, true
	}
	if p := r.byAddress(addr); p != nil {
		return p.HardwareID, true
	}
	return HardwareID{}, false
}

// SignalQualityFor returns last SNR reported for peer.
func (r *Registry) SignalQualityFor(addr packet.Address) (int8, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p := r.byAddress(addr); p != nil {
		return p.SNR, true
	}
	return UnknownSNR, false
}

// LastSeen returns the moment peer was heard from last time.
func (r *Registry) LastSeen(addr packet.Address) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p := r.byAddress(addr); p != nil {
		return p.LastSeen, true
	}
	return time.Time{}, false
}

// VersionFor returns protocol version spoken by host.
func (r *Registry) VersionFor(addr packet.Address) (packet.Version, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if addr == r.host.Address {
		return r.host.Version, true
	}
	if p := r.byAddress(addr); p != nil {
		return p.Version, true
	}
	return 0, false
}

// UpsertPeer updates peer matched by hardware ID, or by address if hardware ID is not known,
// otherwise inserts it.
func (r *Registry) UpsertPeer(peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.upsert(peer)
}

// Observe updates peer state on received packet and returns the tracker responsible for the
// peer. ok is false if packet must be dropped, replies are packets to send back.
func (r *Registry) Observe(
	ctx context.Context,
	p *packet.Packet,
	snr int8,
	now time.Time,
) (tracker *rxtracker.Tracker, replies []Reply, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := p.Source()
	peer := r.byAddress(src)
	if peer != nil {
		peer.LastSeen = now
		peer.SNR = snr
		peer.Version = p.Version()
	}

	if p.Type() == packet.TypeID {
		return nil, nil, true
	}

	if peer == nil {
		switch {
		case src == packet.Broadcast:
			return nil, nil, false
		case src == packet.Gateway || r.p2p:
			peer = r.upsert(Peer{
				Address:  src,
				LastSeen: now,
				SNR:      snr,
				Version:  p.Version(),
			})
			logger.Get(ctx).Info("Peer registered", zap.Uint8("address", uint8(src)))
		default:
			logger.Get(ctx).Debug("Packet from unknown peer", zap.Stringer("packet", p))
			if p.Dest() == r.host.Address {
				return nil, []Reply{r.idRequired(src)}, false
			}
			return nil, nil, false
		}
	}

	return peer.tracker, nil, true
}

func (r *Registry) upsert(peer Peer) *Peer {
	var existing *Peer
	if peer.HardwareID.IsZero() {
		existing = r.byAddress(peer.Address)
	} else {
		existing = r.byHardwareID(peer.HardwareID)
		if existing == nil {
			// Peer registered from traffic before its hardware ID was known.
			if p := r.byAddress(peer.Address); p != nil && p.HardwareID.IsZero() {
				existing = p
			}
		}
	}

	if existing == nil {
		p := peer
		p.tracker = rxtracker.New()
		r.peers = append(r.peers, &p)
		return &p
	}

	if existing.Address != peer.Address {
		existing.tracker = rxtracker.New()
	}
	existing.Address = peer.Address
	if !peer.HardwareID.IsZero() {
		existing.HardwareID = peer.HardwareID
	}
	existing.LastSeen = peer.LastSeen
	existing.SNR = peer.SNR
	existing.Version = peer.Version
	return existing
}

func (r *Registry) byAddress(addr packet.Address) *Peer {
	for _, p := range r.peers {
		if p.Address == addr {
			return p
		}
	}
	return nil
}

func (r *Registry) byHardwareID(id HardwareID) *Peer {
	for _, p := range r.peers {
		if p.HardwareID == id {
			return p
		}
	}
	return nil
}
