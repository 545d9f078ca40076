package loralink

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/loralink/packet"
	"github.com/outofforest/loralink/peers"
	"github.com/outofforest/loralink/txqueue"
	"github.com/outofforest/qa"
)

var (
	errTransmit = errors.New("transmit failed")
	testKey     = []byte("0123456789abcdef0123456789abcdef")
	nodeID      = peers.HardwareID{0x02, 0x00, 0x00, 0x00, 0x00, 0x05}
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

type fakeDriver struct {
	events    []Event
	sent      []string
	failTx    int
	inits     int
	enters    int
	exits     int
	listening bool
}

func (d *fakeDriver) Initialize(ctx context.Context, sf SpreadingFactor) error {
	d.inits++
	d.listening = false
	return nil
}

func (d *fakeDriver) Transmit(ctx context.Context, data string) error {
	if d.listening {
		return errors.New("transmit while listening")
	}
	if d.failTx > 0 {
		d.failTx--
		return errTransmit
	}
	d.sent = append(d.sent, data)
	return nil
}

func (d *fakeDriver) Poll(ctx context.Context) (Event, error) {
	if len(d.events) == 0 {
		return Event{Kind: EventNone}, nil
	}
	ev := d.events[0]
	d.events = d.events[1:]
	return ev, nil
}

func (d *fakeDriver) EnterListen(ctx context.Context) error {
	d.enters++
	d.listening = true
	return nil
}

func (d *fakeDriver) ExitListen(ctx context.Context) error {
	d.exits++
	d.listening = false
	return nil
}

type env struct {
	t      *testing.T
	ctx    context.Context
	clock  *manualClock
	driver *fakeDriver
	link   *Link
	inbox  []Incoming
}

func newEnv(t *testing.T, config Config) *env {
	e := &env{
		t:      t,
		ctx:    qa.NewContext(t),
		clock:  &manualClock{now: time.Unix(1_700_000_000, 0)},
		driver: &fakeDriver{},
	}

	config.Clock = e.clock
	config.Handler = func(ctx context.Context, msg Incoming) {
		e.inbox = append(e.inbox, msg)
	}
	if config.Mode == "" {
		config.Mode = ModeP2P
		config.Address = 1
	}
	if config.HardwareID.IsZero() {
		config.HardwareID = nodeID
	}

	link, err := New(config, e.driver)
	require.NoError(t, err)
	link.jitter = func(time.Duration) time.Duration { return 0 }
	e.link = link
	return e
}

// run executes n ticks advancing clock by step before each of them.
func (e *env) run(n int, step time.Duration) {
	for range n {
		e.clock.now = e.clock.now.Add(step)
		e.link.tick(e.ctx)
	}
}

// runUntil ticks until condition is met.
func (e *env) runUntil(step time.Duration, cond func() bool) {
	for range 10000 {
		if cond() {
			return
		}
		e.run(1, step)
	}
	e.t.Fatal("condition not met")
}

func (e *env) inject(h packet.Header, seq uint8, payload []byte, key []byte) {
	var cipher *packet.Cipher
	if key != nil {
		var err error
		cipher, err = packet.NewCipher(key)
		require.NoError(e.t, err)
	}

	p := packet.New(h, payload, cipher != nil)
	p.SetSeq(seq)
	p.Seal()
	data, err := packet.ToWire(p, cipher)
	require.NoError(e.t, err)
	e.driver.events = append(e.driver.events, Event{Kind: EventReceived, Data: data, SNR: -7})
}

func (e *env) sentPackets(key []byte) []*packet.Packet {
	var cipher *packet.Cipher
	if key != nil {
		var err error
		cipher, err = packet.NewCipher(key)
		require.NoError(e.t, err)
	}

	pkts := make([]*packet.Packet, 0, len(e.driver.sent))
	for _, s := range e.driver.sent {
		p, err := packet.FromWire(s, cipher)
		require.NoError(e.t, err)
		require.NoError(e.t, p.Verify())
		pkts = append(pkts, p)
	}
	return pkts
}

func TestIdleCycle(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{})

	e.run(1, 0)
	requireT.Equal(stateEnterListen, e.link.state)
	e.run(1, 0)
	requireT.Equal(stateListening, e.link.state)
	requireT.Equal(1, e.driver.enters)

	// 2 x 100ms + 50ms gap must pass.
	e.run(25, 10*time.Millisecond)
	requireT.Equal(stateListening, e.link.state)
	e.run(1, 10*time.Millisecond)
	requireT.Equal(stateEnterTransmit, e.link.state)

	// Nothing to send, back to listening without re-arming the radio.
	e.run(1, 10*time.Millisecond)
	requireT.Equal(stateEnterListen, e.link.state)
	e.run(1, 10*time.Millisecond)
	requireT.Equal(stateListening, e.link.state)
	requireT.Equal(1, e.driver.enters)
	requireT.Zero(e.driver.exits)
	requireT.Empty(e.driver.sent)
}

func TestTimeoutRearmsListening(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{})

	e.run(2, 0)
	e.driver.events = append(e.driver.events, Event{Kind: EventTimeout}, Event{Kind: EventUnknown},
		Event{Kind: EventReceived, Data: "not hex"})
	e.run(3, time.Millisecond)
	requireT.Equal(4, e.driver.enters)
	requireT.Equal(stateListening, e.link.state)
	requireT.Empty(e.inbox)
}

func TestSendBestEffort(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{})

	requireT.NoError(e.link.Send(Message{Type: packet.TypeData, Dest: 3, Payload: []byte("hi")}))
	requireT.Equal(1, e.link.Pending())

	e.runUntil(10*time.Millisecond, func() bool { return len(e.driver.sent) == 1 })
	requireT.Equal(1, e.driver.exits)
	requireT.Zero(e.link.Pending())

	pkts := e.sentPackets(nil)
	requireT.Equal(packet.TypeData, pkts[0].Type())
	requireT.Equal(packet.BestEffort, pkts[0].QoS())
	requireT.Equal(packet.Address(1), pkts[0].Source())
	requireT.Equal(packet.Address(3), pkts[0].Dest())
	requireT.Equal([]byte("hi"), pkts[0].Payload())

	// Best-effort packet is not resent.
	e.run(500, 10*time.Millisecond)
	requireT.Len(e.driver.sent, 1)
}

func TestSendFragmented(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{MTU: 25})

	payload := make([]byte, 3*20+10)
	for i := range payload {
		payload[i] = byte(i)
	}
	requireT.NoError(e.link.Send(Message{Type: packet.TypeOTA, Dest: 2, Payload: payload}))
	requireT.Equal(4, e.link.Pending())

	e.runUntil(10*time.Millisecond, func() bool { return len(e.driver.sent) == 4 })

	var received []byte
	for i, p := range e.sentPackets(nil) {
		requireT.Equal(uint8(i), p.Seq())
		requireT.Equal(i < 3, p.Split())
		received = append(received, p.Payload()...)
	}
	requireT.Equal(payload, received)
}

func TestReliableRetriedAndDropped(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{})

	requireT.NoError(e.link.Send(Message{Type: packet.TypeData, Dest: 2, Payload: []byte("x"), RequireAck: true}))
	e.run(1000, 10*time.Millisecond)

	requireT.Len(e.driver.sent, 4)
	for _, s := range e.driver.sent {
		requireT.Equal(e.driver.sent[0], s)
	}
	requireT.Zero(e.link.Pending())
}

func TestReliableReturnsToListening(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{})

	requireT.NoError(e.link.Send(Message{Type: packet.TypeData, Dest: 2, Payload: []byte("x"), RequireAck: true}))
	e.runUntil(10*time.Millisecond, func() bool { return len(e.driver.sent) == 1 })
	requireT.Equal(stateEnterListen, e.link.state)
	e.run(1, 10*time.Millisecond)
	requireT.Equal(stateListening, e.link.state)
	requireT.True(e.driver.listening)
}

func TestAckRemovesPending(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{})

	requireT.NoError(e.link.Send(Message{Type: packet.TypeData, Dest: 2, Payload: []byte("x"), RequireAck: true}))
	e.runUntil(10*time.Millisecond, func() bool { return len(e.driver.sent) == 1 })
	requireT.Equal(1, e.link.Pending())

	seq := e.sentPackets(nil)[0].Seq()
	e.inject(packet.Header{Type: packet.TypeAck, Source: 2, Dest: 1}, 0, []byte{seq}, nil)
	e.runUntil(10*time.Millisecond, func() bool { return e.link.Pending() == 0 })

	e.run(1000, 10*time.Millisecond)
	requireT.Len(e.driver.sent, 1)
	requireT.Empty(e.inbox)
}

func TestReceiveDeliversAndAcknowledges(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{})
	e.run(2, 0)

	h := packet.Header{Type: packet.TypeData, QoS: packet.AtLeastOnce, Source: 2, Dest: 1}
	e.inject(h, 9, []byte("hello"), nil)
	e.run(1, time.Millisecond)
	requireT.Equal(stateEnterTransmit, e.link.state)
	requireT.Equal([]Incoming{{Source: 2, Type: packet.TypeData, Payload: []byte("hello"), SNR: -7}}, e.inbox)

	e.run(2, time.Millisecond)
	requireT.Len(e.driver.sent, 1)

	// Retransmission is acknowledged again but delivered once.
	e.inject(h, 9, []byte("hello"), nil)
	e.runUntil(10*time.Millisecond, func() bool { return len(e.driver.sent) == 2 })
	requireT.Len(e.inbox, 1)

	for _, ack := range e.sentPackets(nil) {
		requireT.Equal(packet.TypeAck, ack.Type())
		requireT.Equal(packet.BestEffort, ack.QoS())
		requireT.Equal(packet.Address(1), ack.Source())
		requireT.Equal(packet.Address(2), ack.Dest())
		requireT.Equal([]byte{9}, ack.Payload())
	}

	snr, ok := e.link.Registry().SignalQualityFor(2)
	requireT.True(ok)
	requireT.EqualValues(-7, snr)
}

func TestReceiveReassembles(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{EncryptionKey: testKey})
	e.run(2, 0)

	payload := make([]byte, 3*packet.MaxPayload(DefaultMTU, true)+10)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	cipher, err := packet.NewCipher(testKey)
	requireT.NoError(err)
	for i, p := range packet.Fragment(packet.Header{Type: packet.TypeData, Source: 2, Dest: packet.Broadcast},
		payload, packet.MaxPayload(DefaultMTU, true), true) {
		p.SetSeq(uint8(i))
		p.Seal()
		data, err := packet.ToWire(p, cipher)
		requireT.NoError(err)
		e.driver.events = append(e.driver.events, Event{Kind: EventReceived, Data: data})

		// Unrelated packet from another peer lands between fragments.
		e.inject(packet.Header{Type: packet.TypePing, Source: 3, Dest: 1}, uint8(i), []byte{byte(i)}, testKey)
	}

	e.run(8, time.Millisecond)
	requireT.Len(e.inbox, 5)

	var pings int
	for _, msg := range e.inbox {
		switch msg.Source {
		case 2:
			requireT.Equal(payload, msg.Payload)
		case 3:
			requireT.Equal(packet.TypePing, msg.Type)
			pings++
		}
	}
	requireT.Equal(4, pings)
}

func TestReceiveDropsInvalid(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{})
	e.run(2, 0)

	// Addressed to another host.
	e.inject(packet.Header{Type: packet.TypeData, Source: 2, Dest: 3}, 0, []byte("x"), nil)
	// Encrypted with a key the link doesn't have.
	e.inject(packet.Header{Type: packet.TypeData, Source: 2, Dest: 1}, 1, []byte("x"), testKey)

	// Corrupted.
	p := packet.New(packet.Header{Type: packet.TypeData, Source: 2, Dest: 1}, []byte("xyz"), false)
	p.Seal()
	raw := p.Bytes()
	raw[len(raw)-1] ^= 0x01
	data, err := packet.ToWire(p, nil)
	requireT.NoError(err)
	e.driver.events = append(e.driver.events, Event{Kind: EventReceived, Data: data})

	e.run(3, time.Millisecond)
	requireT.Empty(e.inbox)
	requireT.Empty(e.link.Peers())
}

func TestTransmitFailureReinitializesRadio(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{})
	e.driver.failTx = 1

	requireT.NoError(e.link.Send(Message{Type: packet.TypeData, Dest: 2, Payload: []byte("x")}))
	e.runUntil(10*time.Millisecond, func() bool { return e.driver.inits == 1 })
	requireT.Empty(e.driver.sent)
	requireT.Equal(1, e.link.Pending())

	e.runUntil(10*time.Millisecond, func() bool { return len(e.driver.sent) == 1 })
	requireT.Zero(e.link.Pending())
}

func TestTransmitWindowIsBounded(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{})

	for range 20 {
		requireT.NoError(e.link.Send(Message{Type: packet.TypeData, Dest: 2, Payload: []byte("x")}))
	}

	var transmitted bool
	e.runUntil(10*time.Millisecond, func() bool {
		if e.link.state == stateTransmitting {
			transmitted = true
		}
		return transmitted && e.link.state == stateListening
	})
	requireT.NotEmpty(e.driver.sent)
	requireT.Less(len(e.driver.sent), 20)

	e.runUntil(10*time.Millisecond, func() bool { return len(e.driver.sent) == 20 })
}

func TestSendValidation(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{QueueCapacity: 1})

	requireT.ErrorIs(e.link.Send(Message{Type: packet.TypeData, Dest: 2}), ErrEmptyPayload)
	requireT.ErrorIs(e.link.Send(Message{Type: packet.TypeData, Dest: 16, Payload: []byte("x")}), ErrInvalidAddress)
	requireT.ErrorIs(e.link.Send(Message{
		Type:       packet.TypeData,
		Dest:       packet.Broadcast,
		Payload:    []byte("x"),
		RequireAck: true,
	}), ErrBroadcastAck)
	requireT.Error(e.link.Send(Message{Type: packet.TypeAck, Dest: 2, Payload: []byte("x")}))

	requireT.NoError(e.link.Send(Message{Type: packet.TypeData, Dest: 2, Payload: []byte("x"), AllowDrop: true}))
	requireT.ErrorIs(e.link.Send(Message{
		Type:      packet.TypeData,
		Dest:      2,
		Payload:   []byte("x"),
		AllowDrop: true,
	}), txqueue.ErrQueueFull)

	// Not droppable messages bypass the cap.
	requireT.NoError(e.link.Send(Message{Type: packet.TypeData, Dest: 2, Payload: []byte("x")}))
	requireT.NoError(e.link.Send(Message{Type: packet.TypeOTA, Dest: 2, Payload: []byte("x"), AllowDrop: true}))
	requireT.Equal(3, e.link.Pending())
}

func TestDiscovery(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{Mode: ModeNetwork})

	requireT.Equal(packet.Unassigned, e.link.Address())
	requireT.ErrorIs(e.link.Send(Message{Type: packet.TypeData, Dest: 0, Payload: []byte("x")}), ErrNoAddress)

	e.runUntil(10*time.Millisecond, func() bool { return len(e.driver.sent) == 1 })
	discover := e.sentPackets(nil)[0]
	requireT.Equal(packet.TypeID, discover.Type())
	requireT.Equal(packet.Broadcast, discover.Source())
	requireT.Equal(packet.Gateway, discover.Dest())
	requireT.Equal(append([]byte{byte(peers.OpDiscover)}, nodeID[:]...), discover.Payload())

	// Request is repeated while there is no answer.
	e.runUntil(10*time.Millisecond, func() bool { return len(e.driver.sent) == 2 })

	gatewayID := peers.HardwareID{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	payload := []byte{byte(peers.OpAttribution)}
	payload = append(payload, nodeID[:]...)
	payload = append(payload, 4)
	payload = append(payload, gatewayID[:]...)
	e.inject(packet.Header{Type: packet.TypeID, Source: packet.Gateway, Dest: packet.Broadcast}, 0, payload, nil)
	e.runUntil(10*time.Millisecond, func() bool { return e.link.Address() == 4 })

	id, ok := e.link.Registry().HardwareIDFor(packet.Gateway)
	requireT.True(ok)
	requireT.Equal(gatewayID, id)

	requireT.NoError(e.link.Send(Message{Type: packet.TypeData, Dest: packet.Gateway, Payload: []byte("x")}))
	sent := len(e.driver.sent)
	e.run(1000, 10*time.Millisecond)
	requireT.Len(e.driver.sent, sent+1)
	p := e.sentPackets(nil)[sent]
	requireT.Equal(packet.TypeData, p.Type())
	requireT.Equal(packet.Address(4), p.Source())
}

func TestGatewayAttributesAddress(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{Mode: ModeNetwork, Gateway: true})
	requireT.Equal(packet.Gateway, e.link.Address())
	e.run(2, 0)

	peerID := peers.HardwareID{0x02, 0x00, 0x00, 0x00, 0x00, 0x09}
	e.inject(packet.Header{Type: packet.TypeID, Source: packet.Broadcast, Dest: packet.Gateway}, 0,
		append([]byte{byte(peers.OpDiscover)}, peerID[:]...), nil)
	e.runUntil(10*time.Millisecond, func() bool { return len(e.driver.sent) == 1 })

	attribution := e.sentPackets(nil)[0]
	requireT.Equal(packet.TypeID, attribution.Type())
	requireT.Equal(packet.Broadcast, attribution.Dest())
	requireT.Equal(byte(peers.OpAttribution), attribution.Payload()[0])

	addr, ok := e.link.Registry().AddressFor(peerID)
	requireT.True(ok)
	requireT.Equal(packet.MinPeer, addr)

	// Gateway never requests an address for itself.
	e.run(1000, 10*time.Millisecond)
	requireT.Len(e.driver.sent, 1)
}

func TestUnknownSenderIsAskedToIdentify(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{Mode: ModeNetwork, Gateway: true})
	e.run(2, 0)

	e.inject(packet.Header{Type: packet.TypeData, Source: 6, Dest: packet.Gateway}, 0, []byte("x"), nil)
	e.runUntil(10*time.Millisecond, func() bool { return len(e.driver.sent) == 1 })
	requireT.Empty(e.inbox)

	p := e.sentPackets(nil)[0]
	requireT.Equal(packet.TypeID, p.Type())
	requireT.Equal(packet.Address(6), p.Dest())
	requireT.Equal([]byte{byte(peers.OpIDRequired)}, p.Payload())
}

func TestIdentificationRequiredRequestsAddressOnce(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t, Config{Mode: ModeNetwork})

	gatewayID := peers.HardwareID{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	payload := []byte{byte(peers.OpAttribution)}
	payload = append(payload, nodeID[:]...)
	payload = append(payload, 4)
	payload = append(payload, gatewayID[:]...)
	e.inject(packet.Header{Type: packet.TypeID, Source: packet.Gateway, Dest: packet.Broadcast}, 0, payload, nil)
	e.runUntil(10*time.Millisecond, func() bool { return e.link.Address() == 4 })

	// Last address request is long gone.
	e.run(300, 10*time.Millisecond)
	sent := len(e.driver.sent)

	e.inject(packet.Header{Type: packet.TypeID, Source: packet.Gateway, Dest: 4}, 1,
		[]byte{byte(peers.OpIDRequired)}, nil)
	e.run(50, 10*time.Millisecond)
	requireT.Equal(packet.Unassigned, e.link.Address())

	var discovers int
	for _, p := range e.sentPackets(nil)[sent:] {
		if p.Type() == packet.TypeID && p.Payload()[0] == byte(peers.OpDiscover) {
			discovers++
		}
	}
	requireT.Equal(1, discovers)
}

func TestConfig(t *testing.T) {
	requireT := require.New(t)

	config, err := Config{}.withDefaults()
	requireT.NoError(err)
	requireT.Equal(ModeNetwork, config.Mode)
	requireT.Equal(SF7, config.SpreadingFactor)
	requireT.Equal(100*time.Millisecond, config.Timing.MinListen)
	requireT.Equal(400*time.Millisecond, config.Timing.MaxTransmitWindow)
	requireT.Equal(400*time.Millisecond, config.RetryTimeout)
	requireT.Equal(time.Second, config.DiscoverInterval)
	requireT.Equal(DefaultMTU, config.MTU)
	requireT.False(config.HardwareID.IsZero())

	config, err = Config{SpreadingFactor: SF12}.withDefaults()
	requireT.NoError(err)
	requireT.Equal(1500*time.Millisecond, config.Timing.MinListen)

	_, err = Config{SpreadingFactor: "sf13"}.withDefaults()
	requireT.Error(err)
	_, err = Config{EncryptionKey: []byte("short")}.withDefaults()
	requireT.ErrorIs(err, packet.ErrKeySize)
	_, err = Config{Mode: ModeP2P, Address: packet.Broadcast}.withDefaults()
	requireT.ErrorIs(err, ErrInvalidAddress)
	_, err = Config{Mode: "mesh"}.withDefaults()
	requireT.Error(err)
	_, err = Config{MTU: packet.HeaderSize}.withDefaults()
	requireT.Error(err)
}
