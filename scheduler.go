package loralink

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/loralink/packet"
	"github.com/outofforest/loralink/peers"
	"github.com/outofforest/loralink/txqueue"
)

type state uint8

const (
	stateInit state = iota
	stateEnterListen
	stateListening
	stateEnterTransmit
	stateTransmitting
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "INIT"
	case stateEnterListen:
		return "ENTER_LISTEN"
	case stateListening:
		return "LISTENING"
	case stateEnterTransmit:
		return "ENTER_TRANSMIT"
	case stateTransmitting:
		return "TRANSMITTING"
	default:
		return "INVALID"
	}
}

// tick executes one transition of the scheduler.
func (l *Link) tick(ctx context.Context) {
	now := l.config.Clock.Now()

	l.rediscover(ctx, now)

	switch l.state {
	case stateInit:
		l.state = stateEnterListen
	case stateEnterListen:
		l.enterListen(ctx, now)
	case stateListening:
		l.listen(ctx, now)
	case stateEnterTransmit:
		l.enterTransmit(ctx, now)
	case stateTransmitting:
		l.transmit(ctx, now)
	}
}

func (l *Link) rediscover(ctx context.Context, now time.Time) {
	if l.config.Mode != ModeNetwork || l.config.Gateway || l.registry.HostAddress() != packet.Unassigned {
		return
	}
	if !l.lastDiscover.IsZero() && now.Sub(l.lastDiscover) < l.config.DiscoverInterval {
		return
	}
	logger.Get(ctx).Debug("Requesting address")
	l.lastDiscover = now
	l.enqueueReplies([]peers.Reply{l.registry.DiscoverRequest(packet.Gateway)}, txqueue.High)
}

func (l *Link) enterListen(ctx context.Context, now time.Time) {
	if !l.listening {
		if err := l.driver.EnterListen(ctx); err != nil {
			logger.Get(ctx).Error("Entering listen mode failed", zap.Error(err))
			return
		}
		l.listening = true
	}

	l.lastRecv = now
	l.listenJitter = l.jitter(l.config.Timing.MinListen)
	l.forceTx = false
	l.state = stateListening
}

func (l *Link) listen(ctx context.Context, now time.Time) {
	log := logger.Get(ctx)

	ev, err := l.driver.Poll(ctx)
	if err != nil {
		log.Error("Polling radio failed", zap.Error(err))
		ev = Event{Kind: EventUnknown}
	}

	switch ev.Kind {
	case EventReceived:
		l.rearm(ctx)
		l.lastRecv = now
		l.receive(ctx, ev, now)
	case EventTimeout:
		l.rearm(ctx)
	case EventUnknown:
		log.Debug("Unknown radio event")
		l.rearm(ctx)
	case EventNone:
	}

	timing := l.config.Timing
	if l.forceTx || now.Sub(l.lastRecv) > 2*timing.MinListen+l.listenJitter+timing.PacketGap {
		l.forceTx = false
		l.state = stateEnterTransmit
	}
}

func (l *Link) rearm(ctx context.Context) {
	if err := l.driver.EnterListen(ctx); err != nil {
		logger.Get(ctx).Error("Re-arming listen mode failed", zap.Error(err))
	}
	l.listening = true
}

func (l *Link) enterTransmit(ctx context.Context, now time.Time) {
	l.queue.CleanUp(ctx, now)

	timing := l.config.Timing
	sinceSent := now.Sub(l.lastSent)

	switch {
	case now.Sub(l.lastRecv) > timing.MinListen+timing.MaxTransmitWindow:
		if sinceSent > timing.PacketGap {
			l.state = stateEnterListen
		}
	case l.queue.HasSendable(now):
		if l.listening {
			if err := l.driver.ExitListen(ctx); err != nil {
				logger.Get(ctx).Error("Exiting listen mode failed", zap.Error(err))
			}
			l.listening = false
		}
		if sinceSent > timing.PacketGap {
			l.state = stateTransmitting
		}
	case sinceSent > timing.QuietPeriod:
		l.state = stateEnterListen
	}
}

func (l *Link) transmit(ctx context.Context, now time.Time) {
	log := logger.Get(ctx)
	l.state = stateEnterTransmit

	d, ok := l.queue.NextSendable(ctx, now)
	if !ok {
		log.Error("Nothing to transmit")
		return
	}

	data, err := packet.ToWire(d.Packet, l.cipher)
	if err != nil {
		log.Error("Encoding packet failed, dropping", zap.Stringer("packet", d.Packet), zap.Error(err))
		l.queue.Drop(d.ID)
		return
	}

	if err := l.driver.Transmit(ctx, data); err != nil {
		log.Error("Transmission failed, reinitializing radio", zap.Error(err))
		if err := l.driver.Initialize(ctx, l.config.SpreadingFactor); err != nil {
			log.Error("Radio initialization failed", zap.Error(err))
		}
		l.listening = false
		return
	}

	log.Debug("Packet sent", zap.Stringer("packet", d.Packet))
	l.queue.MarkSent(d.ID, now)
	l.lastSent = now
	if d.Packet.QoS() == packet.AtLeastOnce {
		l.state = stateEnterListen
	}
}
