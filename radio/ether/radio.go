package ether

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/loralink"
	"github.com/outofforest/loralink/peers"
	"github.com/outofforest/loralink/radio/ether/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"
)

const maxPendingFrames = 16

var (
	// ErrDisconnected is returned when transmitting while hub is not connected.
	ErrDisconnected = errors.New("radio is not connected to the hub")

	// ErrNotInitialized is returned when radio is used before initialization.
	ErrNotInitialized = errors.New("radio is not initialized")

	// ErrListening is returned when transmitting in listen mode.
	ErrListening = errors.New("radio is in listen mode")

	// ErrBusy is returned when the transmit buffer is full.
	ErrBusy = errors.New("radio is busy")
)

var _ loralink.Driver = &Radio{}

// RadioConfig is the config of radio.
type RadioConfig struct {
	Hub            string
	MaxMessageSize uint64

	// HardwareID is announced to the hub, random one is used if not set.
	HardwareID peers.HardwareID

	// SNR is reported for every received frame.
	SNR int8
}

// Radio is the half-duplex radio attached to the hub.
type Radio struct {
	config RadioConfig
	id     wire.RadioID

	mu          sync.Mutex
	sendCh      chan<- *wire.Frame
	channel     wire.Channel
	initialized bool
	listening   bool
	pending     []loralink.Event
}

// NewRadio creates new radio.
func NewRadio(config RadioConfig) (*Radio, error) {
	if config.Hub == "" {
		return nil, errors.New("no hub specified")
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}

	id, err := radioID(config.HardwareID)
	if err != nil {
		return nil, err
	}

	return &Radio{
		config: config,
		id:     id,
	}, nil
}

// Run keeps the radio connected to the hub.
func (r *Radio) Run(ctx context.Context) error {
	connConfig := resonance.Config{
		MaxMessageSize: r.config.MaxMessageSize,
	}

	log := logger.Get(ctx)
	for {
		err := resonance.RunClient(ctx, r.config.Hub, connConfig,
			func(ctx context.Context, c *resonance.Connection) error {
				return r.runConn(ctx, c)
			})

		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}

		log.Error("Hub connection failed", zap.String("hub", r.config.Hub), zap.Error(err))
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

// Connected reports whether radio is connected to the hub.
func (r *Radio) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sendCh != nil
}

// Initialize tunes the radio to the channel of the spreading factor.
func (r *Radio) Initialize(ctx context.Context, sf loralink.SpreadingFactor) error {
	if _, err := sf.MinListenTime(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.channel = wire.Channel(sf)
	r.initialized = true
	r.listening = false
	r.pending = nil
	return nil
}

// Transmit sends frame to the hub.
func (r *Radio) Transmit(ctx context.Context, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case !r.initialized:
		return errors.WithStack(ErrNotInitialized)
	case r.listening:
		return errors.WithStack(ErrListening)
	case r.sendCh == nil:
		return errors.WithStack(ErrDisconnected)
	}

	select {
	case r.sendCh <- &wire.Frame{Sender: r.id, Channel: r.channel, Data: data}:
		return nil
	default:
		return errors.WithStack(ErrBusy)
	}
}

// Poll returns the oldest received frame.
func (r *Radio) Poll(ctx context.Context) (loralink.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return loralink.Event{}, errors.WithStack(ErrNotInitialized)
	}
	if len(r.pending) == 0 {
		return loralink.Event{Kind: loralink.EventNone}, nil
	}

	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev, nil
}

// EnterListen starts listening.
func (r *Radio) EnterListen(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return errors.WithStack(ErrNotInitialized)
	}
	r.listening = true
	return nil
}

// ExitListen stops listening.
func (r *Radio) ExitListen(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return errors.WithStack(ErrNotInitialized)
	}
	r.listening = false
	return nil
}

func (r *Radio) attach(ch chan<- *wire.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sendCh = ch
}

func (r *Radio) detach(ch chan<- *wire.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sendCh == ch {
		r.sendCh = nil
	}
	close(ch)
}

func (r *Radio) deliver(ctx context.Context, frame *wire.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Half-duplex radio hears nothing while transmitting or tuned to another channel.
	if !r.initialized || !r.listening || frame.Channel != r.channel {
		return
	}
	if len(r.pending) >= maxPendingFrames {
		logger.Get(ctx).Warn("Receive buffer is full, frame lost")
		return
	}
	r.pending = append(r.pending, loralink.Event{
		Kind: loralink.EventReceived,
		Data: frame.Data,
		SNR:  r.config.SNR,
	})
}

func (r *Radio) runConn(ctx context.Context, c *resonance.Connection) error {
	m := wire.NewMarshaller()

	if err := c.SendProton(&wire.Hello{
		RadioID: r.id,
	}, m); err != nil {
		return err
	}

	msg, err := c.ReceiveProton(m)
	if err != nil {
		return err
	}

	if _, ok := msg.(*wire.Hello); !ok {
		return errors.New("hello message expected")
	}

	sendCh := make(chan *wire.Frame, queueSize)
	r.attach(sendCh)
	logger.Get(ctx).Info("Connected to hub", zap.String("hub", r.config.Hub))

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer r.detach(sendCh)

			for {
				msg, err := c.ReceiveProton(m)
				if err != nil {
					return err
				}

				frame, ok := msg.(*wire.Frame)
				if !ok {
					return errors.New("frame message expected")
				}

				r.deliver(ctx, frame)
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer func() {
				for range sendCh {
				}
			}()
			defer c.Close()

			for frame := range sendCh {
				if err := c.SendProton(frame, m); err != nil {
					return err
				}
			}

			return nil
		})

		return nil
	})
}
