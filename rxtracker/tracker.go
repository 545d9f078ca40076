package rxtracker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/loralink/packet"
)

// MaxFragments is the maximum number of buffered fragments of a single message.
const MaxFragments = 64

// Message is the reassembled payload ready for delivery.
type Message struct {
	Type    packet.Type
	Payload []byte
}

// Tracker suppresses duplicates and reassembles fragments received from a single peer.
type Tracker struct {
	mu        sync.Mutex
	last      *packet.Packet
	fragments []*packet.Packet

	// Fragments of the last reassembled message.
	delivered []*packet.Packet
}

// New creates tracker.
func New() *Tracker {
	return &Tracker{}
}

// Accept processes received packet and returns the message to deliver, if any.
func (t *Tracker) Accept(ctx context.Context, p *packet.Packet) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	log := logger.Get(ctx)

	if t.isDuplicate(p) {
		log.Debug("Duplicate packet ignored", zap.Stringer("packet", p))
		return Message{}, false
	}
	if t.last != nil {
		if p.Seq() != t.last.Seq()+1 {
			log.Warn("Missing packet",
				zap.Uint8("expectedSeq", t.last.Seq()+1),
				zap.Uint8("seq", p.Seq()),
				zap.Uint8("source", uint8(p.Source())))
		}
	}
	t.last = p.Clone()

	if p.Split() {
		if len(t.fragments) >= MaxFragments {
			log.Warn("Too many fragments, dropping incomplete message",
				zap.Int("fragments", len(t.fragments)))
			t.fragments = nil
		}
		t.fragments = append(t.fragments, t.last)
		return Message{}, false
	}

	if len(t.fragments) == 0 {
		t.delivered = nil
		return Message{
			Type:    p.Type(),
			Payload: append([]byte(nil), p.Payload()...),
		}, true
	}

	fragments := append(t.fragments, t.last)
	t.fragments = nil
	t.delivered = fragments

	first := fragments[0]
	var size int
	for _, f := range fragments {
		size += len(f.Payload())
	}
	payload := make([]byte, 0, size)
	for i, f := range fragments {
		if f.Type() != first.Type() {
			log.Warn("Inconsistent fragment types",
				zap.Stringer("expected", first.Type()), zap.Stringer("type", f.Type()))
		}
		if i > 0 && f.Seq() != fragments[i-1].Seq()+1 {
			log.Warn("Non-contiguous fragments",
				zap.Uint8("previousSeq", fragments[i-1].Seq()), zap.Uint8("seq", f.Seq()))
		}
		payload = append(payload, f.Payload()...)
	}

	return Message{Type: first.Type(), Payload: payload}, true
}

// isDuplicate reports whether p is a retransmission of the last packet or of any fragment of the
// message being reassembled or the last reassembled one.
func (t *Tracker) isDuplicate(p *packet.Packet) bool {
	if t.last != nil && p.Equal(t.last) {
		return true
	}
	for _, f := range t.fragments {
		if p.Equal(f) {
			return true
		}
	}
	if !p.Split() {
		return false
	}
	for _, f := range t.delivered {
		if p.Equal(f) {
			return true
		}
	}
	return false
}
