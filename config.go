package loralink

import (
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/loralink/packet"
	"github.com/outofforest/loralink/peers"
)

// Mode is the addressing mode of the link.
type Mode string

// Modes.
const (
	// ModeNetwork runs discovery, the gateway attributes addresses to peers.
	ModeNetwork Mode = "network"

	// ModeP2P uses static addresses, every sender becomes a peer.
	ModeP2P Mode = "p2p"
)

// SpreadingFactor is the LoRa spreading factor name.
type SpreadingFactor string

// Spreading factors.
const (
	SF7  SpreadingFactor = "sf7"
	SF8  SpreadingFactor = "sf8"
	SF9  SpreadingFactor = "sf9"
	SF10 SpreadingFactor = "sf10"
	SF11 SpreadingFactor = "sf11"
	SF12 SpreadingFactor = "sf12"
)

var minListenTimes = map[SpreadingFactor]time.Duration{
	SF7:  100 * time.Millisecond,
	SF8:  150 * time.Millisecond,
	SF9:  250 * time.Millisecond,
	SF10: 400 * time.Millisecond,
	SF11: 800 * time.Millisecond,
	SF12: 1500 * time.Millisecond,
}

// MinListenTime returns the minimum time the channel must be listened to before it is assumed idle.
func (sf SpreadingFactor) MinListenTime() (time.Duration, error) {
	d, exists := minListenTimes[sf]
	if !exists {
		return 0, errors.Errorf("unknown spreading factor %q", sf)
	}
	return d, nil
}

// Defaults.
const (
	DefaultSpreadingFactor = SF7
	DefaultMTU             = 255
	DefaultQueueCapacity   = 32
	DefaultMaxRetry        = 3
	DefaultTickInterval    = 5 * time.Millisecond
	DefaultPacketGap       = 50 * time.Millisecond
	DefaultQuietPeriod     = 100 * time.Millisecond
)

// Timing defines windows of the listen-then-transmit cycle. Zero fields are derived from
// the spreading factor.
type Timing struct {
	// MinListen is the base listening window.
	MinListen time.Duration

	// PacketGap is the minimum gap between two transmissions.
	PacketGap time.Duration

	// QuietPeriod is the time to wait for outbound work before returning to listening.
	QuietPeriod time.Duration

	// MaxTransmitWindow bounds the time spent transmitting before listening is forced.
	MaxTransmitWindow time.Duration
}

// Config is the configuration of link.
type Config struct {
	Mode Mode

	// Gateway makes the host the address authority in network mode.
	Gateway bool

	// Address is the static host address in P2P mode.
	Address packet.Address

	// HardwareID identifies the host during discovery. Random one is generated if not set.
	HardwareID peers.HardwareID

	SpreadingFactor SpreadingFactor

	// EncryptionKey enables encryption if set, it must be exactly 32 bytes long.
	EncryptionKey []byte

	MTU              int
	QueueCapacity    int
	MaxRetry         int
	RetryTimeout     time.Duration
	DiscoverInterval time.Duration
	TickInterval     time.Duration
	Timing           Timing

	// Handler receives inbound messages.
	Handler Handler

	// Clock is used to read the current time, system clock is used if not set.
	Clock Clock
}

func (c Config) withDefaults() (Config, error) {
	if c.Mode == "" {
		c.Mode = ModeNetwork
	}
	if c.Mode != ModeNetwork && c.Mode != ModeP2P {
		return Config{}, errors.Errorf("unknown mode %q", c.Mode)
	}
	if c.Mode == ModeP2P && c.Address > packet.MaxPeer {
		return Config{}, errors.Wrapf(ErrInvalidAddress, "address %d", c.Address)
	}
	if c.SpreadingFactor == "" {
		c.SpreadingFactor = DefaultSpreadingFactor
	}
	minListen, err := c.SpreadingFactor.MinListenTime()
	if err != nil {
		return Config{}, err
	}
	if len(c.EncryptionKey) != 0 && len(c.EncryptionKey) != packet.KeySize {
		return Config{}, errors.WithStack(packet.ErrKeySize)
	}
	if c.HardwareID.IsZero() {
		if c.HardwareID, err = peers.RandomHardwareID(); err != nil {
			return Config{}, err
		}
	}

	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if packet.MaxPayload(c.MTU, len(c.EncryptionKey) > 0) <= 0 {
		return Config{}, errors.Errorf("MTU %d is too small", c.MTU)
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.MaxRetry == 0 {
		c.MaxRetry = DefaultMaxRetry
	}
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	}

	if c.Timing.MinListen == 0 {
		c.Timing.MinListen = minListen
	}
	if c.Timing.PacketGap == 0 {
		c.Timing.PacketGap = DefaultPacketGap
	}
	if c.Timing.QuietPeriod == 0 {
		c.Timing.QuietPeriod = DefaultQuietPeriod
	}
	if c.Timing.MaxTransmitWindow == 0 {
		c.Timing.MaxTransmitWindow = 4 * c.Timing.MinListen
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = 4 * c.Timing.MinListen
	}
	if c.DiscoverInterval == 0 {
		c.DiscoverInterval = 10 * c.Timing.MinListen
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}

	return c, nil
}

func (c Config) host() peers.Host {
	host := peers.Host{
		HardwareID: c.HardwareID,
		Version:    packet.Version2,
	}
	switch {
	case c.Mode == ModeP2P:
		host.Address = c.Address
	case c.Gateway:
		host.Address = packet.Gateway
	default:
		host.Address = packet.Unassigned
	}
	return host
}
