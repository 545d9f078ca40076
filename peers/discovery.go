package peers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/loralink/packet"
)

// OpCode is the first payload byte of an ID packet.
type OpCode uint8

// ID protocol operations.
const (
	// OpDiscover requests an address: opcode | hardware ID.
	OpDiscover OpCode = iota

	// OpAttribution assigns an address: opcode | requester hardware ID | address | gateway hardware ID.
	OpAttribution

	// OpIDRequired asks an unknown sender to run discovery again: opcode.
	OpIDRequired
)

const (
	discoverSize    = 1 + HardwareIDSize
	attributionSize = 1 + HardwareIDSize + 1 + HardwareIDSize
)

// DiscoverRequest returns the DISCOVER packet which asks dest for an address.
func (r *Registry) DiscoverRequest(dest packet.Address) Reply {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.discover(dest)
}

// HandleID processes packet of the ID protocol.
func (r *Registry) HandleID(ctx context.Context, p *packet.Packet, snr int8, now time.Time) []Reply {
	log := logger.Get(ctx)

	payload := p.Payload()
	if len(payload) == 0 {
		log.Error("ID packet without payload", zap.Stringer("packet", p))
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch OpCode(payload[0]) {
	case OpDiscover:
		if p.Dest() != r.host.Address || r.host.Address != packet.Gateway {
			return nil
		}
		if len(payload) < discoverSize {
			log.Error("Invalid DISCOVER payload", zap.Int("size", len(payload)))
			return nil
		}

		var id HardwareID
		copy(id[:], payload[1:])

		addr, ok := r.allocate(id)
		if !ok {
			log.Error("No address available, ignoring discovery", zap.Stringer("hardwareID", id))
			return nil
		}

		r.upsert(Peer{
			Address:    addr,
			HardwareID: id,
			LastSeen:   now,
			SNR:        snr,
			Version:    p.Version(),
		})
		log.Info("Address attributed", zap.Stringer("hardwareID", id), zap.Uint8("address", uint8(addr)))

		return []Reply{r.attribution(id, addr)}
	case OpAttribution:
		if len(payload) < attributionSize {
			log.Error("Invalid ATTRIBUTION payload", zap.Int("size", len(payload)))
			return nil
		}

		var id HardwareID
		copy(id[:], payload[1:])
		if id != r.host.HardwareID {
			return nil
		}

		addr := packet.Address(payload[1+HardwareIDSize])
		if addr < packet.MinPeer || addr > packet.MaxPeer {
			log.Error("Invalid attributed address", zap.Uint8("address", uint8(addr)))
			return nil
		}

		var gatewayID HardwareID
		copy(gatewayID[:], payload[2+HardwareIDSize:])

		r.host.Address = addr
		r.upsert(Peer{
			Address:    p.Source(),
			HardwareID: gatewayID,
			LastSeen:   now,
			SNR:        snr,
			Version:    p.Version(),
		})
		log.Info("Address assigned", zap.Uint8("address", uint8(addr)), zap.Stringer("gateway", gatewayID))
		return nil
	case OpIDRequired:
		if p.Dest() != r.host.Address || r.host.Address == packet.Gateway {
			return nil
		}

		log.Info("Identification required, running discovery", zap.Uint8("requester", uint8(p.Source())))
		r.host.Address = packet.Unassigned
		return []Reply{r.discover(p.Source())}
	default:
		log.Error("Unknown ID op code", zap.Uint8("opCode", payload[0]))
		return nil
	}
}

func (r *Registry) allocate(id HardwareID) (packet.Address, bool) {
	if p := r.byHardwareID(id); p != nil && p.Address >= packet.MinPeer && p.Address <= packet.MaxPeer {
		return p.Address, true
	}
	for addr := packet.MinPeer; addr <= packet.MaxPeer; addr++ {
		if addr != r.host.Address && r.byAddress(addr) == nil {
			return addr, true
		}
	}
	return packet.Unassigned, false
}

func (r *Registry) header(src, dest packet.Address) packet.Header {
	return packet.Header{
		Version: r.host.Version,
		QoS:     packet.BestEffort,
		Type:    packet.TypeID,
		Source:  src,
		Dest:    dest,
	}
}

func (r *Registry) discover(dest packet.Address) Reply {
	payload := make([]byte, 0, discoverSize)
	payload = append(payload, byte(OpDiscover))
	payload = append(payload, r.host.HardwareID[:]...)
	return Reply{
		Header:  r.header(packet.Broadcast, dest),
		Payload: payload,
	}
}

func (r *Registry) attribution(id HardwareID, addr packet.Address) Reply {
	payload := make([]byte, 0, attributionSize)
	payload = append(payload, byte(OpAttribution))
	payload = append(payload, id[:]...)
	payload = append(payload, byte(addr))
	payload = append(payload, r.host.HardwareID[:]...)
	return Reply{
		Header:  r.header(packet.Gateway, packet.Broadcast),
		Payload: payload,
	}
}

func (r *Registry) idRequired(dest packet.Address) Reply {
	return Reply{
		Header:  r.header(r.host.Address, dest),
		Payload: []byte{byte(OpIDRequired)},
	}
}
