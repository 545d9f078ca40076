package ether

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/loralink/peers"
	"github.com/outofforest/loralink/radio/ether/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"
)

// DefaultMaxMessageSize is enough for the largest radio frame.
const DefaultMaxMessageSize = 4096

const queueSize = 100

type chans struct {
	Sender   chan<- *wire.Frame
	Receiver <-chan *wire.Frame
}

type hubConns struct {
	mu    sync.RWMutex
	conns map[wire.RadioID]chans
}

func newHubConns() *hubConns {
	return &hubConns{
		conns: map[wire.RadioID]chans{},
	}
}

func (c *hubConns) Add(radioID wire.RadioID) <-chan *wire.Frame {
	ch := make(chan *wire.Frame, queueSize)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.conns[radioID]; ok {
		close(ch.Sender)
	}

	c.conns[radioID] = chans{Sender: ch, Receiver: ch}

	return ch
}

func (c *hubConns) Remove(radioID wire.RadioID, ch <-chan *wire.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if chs, exists := c.conns[radioID]; exists && chs.Receiver == ch {
		delete(c.conns, radioID)
		close(chs.Sender)
	}
}

// Broadcast delivers frame to all the radios except the sender. Frames are lost for radios
// which don't keep up.
func (c *hubConns) Broadcast(ctx context.Context, frame *wire.Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for radioID, conn := range c.conns {
		if radioID == frame.Sender {
			continue
		}
		select {
		case conn.Sender <- frame:
		default:
			logger.Get(ctx).Warn("Radio is too slow, frame lost")
		}
	}
}

// HubConfig defines hub configuration.
type HubConfig struct {
	MaxMessageSize uint64
}

// RunHub runs the hub simulating shared air medium for radios connected to ls.
func RunHub(ctx context.Context, ls net.Listener, config HubConfig) error {
	hubID, err := radioID(peers.HardwareID{})
	if err != nil {
		return err
	}

	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}

	conns := newHubConns()
	connConfig := resonance.Config{
		MaxMessageSize: config.MaxMessageSize,
	}

	logger.Get(ctx).Info("Hub started", zap.Stringer("address", ls.Addr()))

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			return resonance.RunServer(ctx, ls, connConfig,
				func(ctx context.Context, c *resonance.Connection) error {
					return runHubConn(ctx, hubID, c, conns)
				})
		})

		return nil
	})
}

func runHubConn(
	ctx context.Context,
	hubID wire.RadioID,
	c *resonance.Connection,
	conns *hubConns,
) error {
	m := wire.NewMarshaller()

	if err := c.SendProton(&wire.Hello{
		RadioID: hubID,
	}, m); err != nil {
		return err
	}

	msg, err := c.ReceiveProton(m)
	if err != nil {
		return err
	}

	helloMsg, ok := msg.(*wire.Hello)
	if !ok {
		return errors.New("hello message expected")
	}

	sendCh := conns.Add(helloMsg.RadioID)
	logger.Get(ctx).Info("Radio connected", zap.Stringer("hardwareID", hardwareID(helloMsg.RadioID)))

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer conns.Remove(helloMsg.RadioID, sendCh)

			for {
				msg, err := c.ReceiveProton(m)
				if err != nil {
					return err
				}

				frame, ok := msg.(*wire.Frame)
				if !ok {
					return errors.New("frame message expected")
				}
				frame.Sender = helloMsg.RadioID

				conns.Broadcast(ctx, frame)
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
