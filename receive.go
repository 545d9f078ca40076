package loralink

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/loralink/packet"
	"github.com/outofforest/loralink/txqueue"
)

func (l *Link) receive(ctx context.Context, ev Event, now time.Time) {
	log := logger.Get(ctx)

	p, err := packet.FromWire(ev.Data, l.cipher)
	if err != nil {
		log.Debug("Decoding packet failed", zap.Error(err))
		return
	}
	if err := p.Verify(); err != nil {
		log.Debug("Integrity check failed", zap.Stringer("packet", p), zap.Error(err))
		return
	}

	host := l.registry.HostAddress()
	dest := p.Dest()
	if dest != host && dest != packet.Broadcast {
		return
	}

	tracker, replies, ok := l.registry.Observe(ctx, p, ev.SNR, now)
	l.enqueueReplies(replies, txqueue.High)
	if !ok {
		return
	}

	if p.QoS() == packet.AtLeastOnce && dest == host {
		ack := packet.New(packet.Header{
			Version: l.registry.Host().Version,
			QoS:     packet.BestEffort,
			Type:    packet.TypeAck,
			Source:  host,
			Dest:    p.Source(),
		}, []byte{p.Seq()}, l.cipher != nil)
		// Not droppable, so enqueue can't fail.
		_ = l.queue.Enqueue(txqueue.Options{Priority: txqueue.Highest}, ack)
		l.forceTx = true
	}

	switch p.Type() {
	case packet.TypeAck:
		payload := p.Payload()
		if len(payload) == 0 {
			log.Error("ACK without sequence number", zap.Stringer("packet", p))
			return
		}
		if !l.queue.RemoveByKey(p.Source(), payload[0]) {
			log.Debug("ACK for unknown packet", zap.Stringer("packet", p))
		}
	case packet.TypeID:
		hadAddress := host != packet.Unassigned
		if replies := l.registry.HandleID(ctx, p, ev.SNR, now); len(replies) > 0 {
			l.enqueueReplies(replies, txqueue.High)
			l.forceTx = true
		}
		// Address dropped on ID_REQUIRED, HandleID has already requested a new one.
		if hadAddress && l.registry.HostAddress() == packet.Unassigned {
			l.lastDiscover = now
		}
	default:
		msg, ok := tracker.Accept(ctx, p)
		if !ok {
			return
		}
		if l.config.Handler != nil {
			l.config.Handler(ctx, Incoming{
				Source:  p.Source(),
				Type:    msg.Type,
				Payload: msg.Payload,
				SNR:     ev.SNR,
			})
		}
	}
}
