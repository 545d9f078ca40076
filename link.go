package loralink

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/loralink/packet"
	"github.com/outofforest/loralink/peers"
	"github.com/outofforest/loralink/txqueue"
	"github.com/outofforest/parallel"
)

var (
	// ErrEmptyPayload is returned when there is nothing to send.
	ErrEmptyPayload = errors.New("empty payload")

	// ErrNoAddress is returned when sending before the host got its address.
	ErrNoAddress = errors.New("host has no address assigned")

	// ErrInvalidAddress is returned when destination is outside the address space.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrBroadcastAck is returned when acknowledgment is requested for broadcast.
	ErrBroadcastAck = errors.New("broadcast can't be acknowledged")
)

// Message is the outbound message.
type Message struct {
	Type       packet.Type
	Dest       packet.Address
	Payload    []byte
	RequireAck bool

	// AllowDrop makes the send fail if queue is full. OTA messages are never dropped.
	AllowDrop bool
}

// Incoming is the deduplicated and reassembled inbound message.
type Incoming struct {
	Source  packet.Address
	Type    packet.Type
	Payload []byte
	SNR     int8
}

// Handler is called from the scheduler for every inbound message.
type Handler func(ctx context.Context, msg Incoming)

// Link runs the listen-then-transmit discipline over a half-duplex radio.
type Link struct {
	config   Config
	driver   Driver
	cipher   *packet.Cipher
	queue    *txqueue.Queue
	registry *peers.Registry
	jitter   func(max time.Duration) time.Duration

	// Owned by the scheduler.
	state        state
	listening    bool
	forceTx      bool
	lastRecv     time.Time
	lastSent     time.Time
	lastDiscover time.Time
	listenJitter time.Duration
}

// New creates link.
func New(config Config, driver Driver) (*Link, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}

	var cipher *packet.Cipher
	if len(config.EncryptionKey) > 0 {
		if cipher, err = packet.NewCipher(config.EncryptionKey); err != nil {
			return nil, err
		}
	}

	return &Link{
		config: config,
		driver: driver,
		cipher: cipher,
		queue:  txqueue.New(config.QueueCapacity),
		registry: peers.New(peers.Config{
			Host: config.host(),
			P2P:  config.Mode == ModeP2P,
		}),
		jitter: randomJitter,
	}, nil
}

// Run initializes the radio and runs the scheduler until context is canceled.
func (l *Link) Run(ctx context.Context) error {
	if err := l.driver.Initialize(ctx, l.config.SpreadingFactor); err != nil {
		return errors.Wrap(err, "radio initialization failed")
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("scheduler", parallel.Fail, func(ctx context.Context) error {
			ticker := time.NewTicker(l.config.TickInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case <-ticker.C:
					l.tick(ctx)
				}
			}
		})

		return nil
	})
}

// Send fragments and enqueues the message. It is safe to call concurrently with the scheduler.
func (l *Link) Send(msg Message) error {
	if len(msg.Payload) == 0 {
		return errors.WithStack(ErrEmptyPayload)
	}
	if !msg.Type.Known() || msg.Type == packet.TypeAck || msg.Type == packet.TypeID {
		return errors.Errorf("type %s can't be sent", msg.Type)
	}
	if msg.Dest > packet.Broadcast {
		return errors.Wrapf(ErrInvalidAddress, "address %d", msg.Dest)
	}
	if msg.Dest == packet.Broadcast && msg.RequireAck {
		return errors.WithStack(ErrBroadcastAck)
	}

	host := l.registry.Host()
	if host.Address == packet.Unassigned {
		return errors.WithStack(ErrNoAddress)
	}

	h := packet.Header{
		Version: host.Version,
		QoS:     packet.BestEffort,
		Type:    msg.Type,
		Source:  host.Address,
		Dest:    msg.Dest,
	}
	if msg.RequireAck {
		h.QoS = packet.AtLeastOnce
	}

	padded := l.cipher != nil
	pkts := packet.Fragment(h, msg.Payload, packet.MaxPayload(l.config.MTU, padded), padded)
	return l.queue.Enqueue(txqueue.Options{
		Priority:  txqueue.Low,
		Timeout:   l.config.RetryTimeout,
		MaxRetry:  l.config.MaxRetry,
		Droppable: msg.AllowDrop && msg.Type != packet.TypeOTA,
	}, pkts...)
}

// Address returns the current address of the host.
func (l *Link) Address() packet.Address {
	return l.registry.HostAddress()
}

// HardwareID returns the hardware ID of the host.
func (l *Link) HardwareID() peers.HardwareID {
	return l.config.HardwareID
}

// Peers returns known peers.
func (l *Link) Peers() []peers.Peer {
	return l.registry.Peers()
}

// Registry returns the peer registry used by the link.
func (l *Link) Registry() *peers.Registry {
	return l.registry
}

// Pending returns the number of packets waiting for transmission or acknowledgment.
func (l *Link) Pending() int {
	return l.queue.Len()
}

func (l *Link) enqueueReplies(replies []peers.Reply, priority txqueue.Priority) {
	padded := l.cipher != nil
	for _, r := range replies {
		// Not droppable, so enqueue can't fail.
		_ = l.queue.Enqueue(txqueue.Options{
			Priority: priority,
			Timeout:  l.config.RetryTimeout,
			MaxRetry: l.config.MaxRetry,
		}, packet.New(r.Header, r.Payload, padded))
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
