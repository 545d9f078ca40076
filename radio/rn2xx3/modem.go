package rn2xx3

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/loralink"
	"github.com/outofforest/loralink/peers"
	"github.com/outofforest/parallel"
)

// Defaults.
const (
	DefaultBaud            = 57600
	DefaultCommandTimeout  = time.Second
	DefaultTransmitTimeout = 10 * time.Second
)

const (
	respOK      = "ok"
	respTxOK    = "radio_tx_ok"
	respErr     = "radio_err"
	prefixRx    = "radio_rx"
	lineBufSize = 64
)

// ErrTimeout is returned when modem doesn't respond in time.
var ErrTimeout = errors.New("modem response timeout")

var _ loralink.Driver = &Modem{}

// Config is the configuration of modem.
type Config struct {
	Device          string
	Baud            int
	CommandTimeout  time.Duration
	TransmitTimeout time.Duration
}

// Modem drives Microchip RN2483/RN2903 LoRa modem over its text command interface.
type Modem struct {
	config Config
	port   io.ReadWriteCloser
	lines  chan string

	mu    sync.Mutex
	async []string
}

// Open opens the serial port of the modem.
func Open(config Config) (*Modem, error) {
	if config.Baud == 0 {
		config.Baud = DefaultBaud
	}

	port, err := serial.OpenPort(&serial.Config{
		Name: config.Device,
		Baud: config.Baud,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening serial port %s failed", config.Device)
	}

	return New(port, config), nil
}

// New creates modem communicating over port.
func New(port io.ReadWriteCloser, config Config) *Modem {
	if config.CommandTimeout == 0 {
		config.CommandTimeout = DefaultCommandTimeout
	}
	if config.TransmitTimeout == 0 {
		config.TransmitTimeout = DefaultTransmitTimeout
	}

	return &Modem{
		config: config,
		port:   port,
		lines:  make(chan string, lineBufSize),
	}
}

// Run reads lines reported by modem until context is canceled. Port is closed on exit.
func (m *Modem) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("reader", parallel.Fail, func(ctx context.Context) error {
			scanner := bufio.NewScanner(m.port)
			for scanner.Scan() {
				line := strings.TrimRight(scanner.Text(), "\r")
				if line == "" {
					continue
				}
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case m.lines <- line:
				}
			}
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			if err := scanner.Err(); err != nil {
				return errors.WithStack(err)
			}
			return errors.New("serial port closed")
		})
		spawn("closer", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = m.port.Close()
			return errors.WithStack(ctx.Err())
		})

		return nil
	})
}

// Initialize puts modem into raw LoRa radio mode.
func (m *Modem) Initialize(ctx context.Context, sf loralink.SpreadingFactor) error {
	if _, err := sf.MinListenTime(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.async = nil

	// Response to mac pause is the pause duration.
	if _, err := m.command(ctx, "mac pause", m.config.CommandTimeout); err != nil {
		return err
	}
	for _, cmd := range []string{
		"radio set mod lora",
		"radio set sf " + string(sf),
		"radio set wdt 0",
	} {
		if err := m.expect(ctx, cmd, respOK); err != nil {
			return err
		}
	}
	return nil
}

// Transmit sends hex encoded frame and waits until it is on air.
func (m *Modem) Transmit(ctx context.Context, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.expect(ctx, "radio tx "+data, respOK); err != nil {
		return err
	}

	resp, err := m.response(ctx, m.config.TransmitTimeout, false)
	if err != nil {
		return err
	}
	if resp != respTxOK {
		return errors.Errorf("transmission failed: %s", resp)
	}
	return nil
}

// Poll returns the event reported by modem since last poll.
func (m *Modem) Poll(ctx context.Context) (loralink.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var line string
	if len(m.async) > 0 {
		line = m.async[0]
		m.async = m.async[1:]
	} else {
		select {
		case line = <-m.lines:
		default:
			return loralink.Event{Kind: loralink.EventNone}, nil
		}
	}

	switch {
	case strings.HasPrefix(line, prefixRx):
		ev := loralink.Event{
			Kind: loralink.EventReceived,
			Data: strings.TrimSpace(strings.TrimPrefix(line, prefixRx)),
			SNR:  peers.UnknownSNR,
		}
		snr, err := m.snr(ctx)
		if err != nil {
			logger.Get(ctx).Warn("Reading SNR failed", zap.Error(err))
		} else {
			ev.SNR = snr
		}
		return ev, nil
	case line == respErr:
		return loralink.Event{Kind: loralink.EventTimeout}, nil
	default:
		logger.Get(ctx).Debug("Unexpected modem message", zap.String("message", line))
		return loralink.Event{Kind: loralink.EventUnknown}, nil
	}
}

// EnterListen starts continuous reception.
func (m *Modem) EnterListen(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.expect(ctx, "radio rx 0", respOK)
}

// ExitListen stops reception.
func (m *Modem) ExitListen(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.expect(ctx, "radio rxstop", respOK)
}

// RawCommand sends command and returns the response.
func (m *Modem) RawCommand(ctx context.Context, cmd string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.command(ctx, cmd, m.config.CommandTimeout)
}

func (m *Modem) snr(ctx context.Context) (int8, error) {
	resp, err := m.command(ctx, "radio get snr", m.config.CommandTimeout)
	if err != nil {
		return 0, err
	}
	snr, err := strconv.ParseInt(resp, 10, 8)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid SNR %q", resp)
	}
	return int8(snr), nil
}

func (m *Modem) expect(ctx context.Context, cmd, expected string) error {
	resp, err := m.command(ctx, cmd, m.config.CommandTimeout)
	if err != nil {
		return err
	}
	if resp != expected {
		return errors.Errorf("command %q failed: %s", cmd, resp)
	}
	return nil
}

func (m *Modem) command(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if _, err := m.port.Write([]byte(cmd + "\r\n")); err != nil {
		return "", errors.Wrapf(err, "sending command %q failed", cmd)
	}
	resp, err := m.response(ctx, timeout, true)
	if err != nil {
		return "", errors.Wrapf(err, "command %q", cmd)
	}
	return resp, nil
}

// response waits for the next line. If skipAsync is set, reception results are stored for Poll.
func (m *Modem) response(ctx context.Context, timeout time.Duration, skipAsync bool) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", errors.WithStack(ctx.Err())
		case <-timer.C:
			return "", errors.WithStack(ErrTimeout)
		case line := <-m.lines:
			if skipAsync && (strings.HasPrefix(line, prefixRx) || line == respErr) {
				m.async = append(m.async, line)
				continue
			}
			return line, nil
		}
	}
}
