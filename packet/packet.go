package packet

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

// HeaderSize is the size of the packet header.
// Layout:
//
//	byte 0: version(3) | qos(1) | split(1) | type(3)
//	byte 1: padding length
//	byte 2: source(4) | destination(4)
//	byte 3: checksum
//	byte 4: sequence number
const HeaderSize = 5

// BlockSize is the cipher block size the padded buffer is aligned to.
const BlockSize = 16

const (
	offFlags    = 0
	offPadding  = 1
	offAddress  = 2
	offChecksum = 3
	offSeq      = 4
)

var (
	// ErrTooShort is returned when buffer can't hold the header.
	ErrTooShort = errors.New("packet shorter than header")

	// ErrChecksum is returned when XOR of the buffer is not zero.
	ErrChecksum = errors.New("checksum mismatch")

	// ErrUnknownType is returned when type field is outside the known set.
	ErrUnknownType = errors.New("unknown packet type")

	// ErrUnknownVersion is returned when protocol version is not recognized.
	ErrUnknownVersion = errors.New("unknown protocol version")

	// ErrBadPadding is returned when padding length does not fit the buffer.
	ErrBadPadding = errors.New("invalid padding length")
)

// Version is the protocol version.
type Version uint8

// Protocol versions.
const (
	Version1 Version = 0
	Version2 Version = 1
)

// Known reports whether the version is recognized.
func (v Version) Known() bool {
	return v == Version1 || v == Version2
}

// QoS is the delivery class of a packet.
type QoS uint8

// Delivery classes.
const (
	BestEffort  QoS = 0
	AtLeastOnce QoS = 1
)

func (q QoS) String() string {
	if q == AtLeastOnce {
		return "at-least-once"
	}
	return "best-effort"
}

// Type is the packet type.
type Type uint8

// Packet types.
const (
	TypePing Type = iota
	TypeOTA
	TypeData
	TypeAck
	TypeID
)

// Known reports whether the type is in the known set.
func (t Type) Known() bool {
	return t <= TypeID
}

func (t Type) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypeOTA:
		return "OTA"
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeID:
		return "ID"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Address is the link address of a host.
type Address uint8

// Address space.
const (
	Gateway    Address = 0
	MinPeer    Address = 1
	MaxPeer    Address = 14
	Broadcast  Address = 15
	Unassigned Address = 255
)

// Header contains the fields set by the sender.
type Header struct {
	Version Version
	QoS     QoS
	Split   bool
	Type    Type
	Source  Address
	Dest    Address
}

// Packet is the atomic wire unit. It owns its buffer, header and payload are views into it.
type Packet struct {
	buf []byte
}

// New builds a packet. Payload is copied. When padded is true, zero bytes are appended so the
// whole buffer is a multiple of BlockSize. Checksum is left at zero.
func New(h Header, payload []byte, padded bool) *Packet {
	var padding int
	if padded {
		padding = PaddingFor(len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload)+padding)
	buf[offFlags] = byte(h.Version&0x07)<<5 | byte(h.QoS&0x01)<<4 | byte(h.Type&0x07)
	if h.Split {
		buf[offFlags] |= 0x08
	}
	buf[offPadding] = byte(padding)
	buf[offAddress] = byte(h.Source&0x0F)<<4 | byte(h.Dest&0x0F)
	copy(buf[HeaderSize:], payload)

	return &Packet{buf: buf}
}

// Parse builds a packet from raw bytes. The buffer is copied.
func Parse(raw []byte) (*Packet, error) {
	if len(raw) < HeaderSize {
		return nil, errors.WithStack(ErrTooShort)
	}
	return &Packet{buf: bytes.Clone(raw)}, nil
}

// PaddingFor returns number of zero bytes needed to align a packet carrying payloadSize
// bytes to BlockSize.
func PaddingFor(payloadSize int) int {
	return (BlockSize - (HeaderSize+payloadSize)%BlockSize) % BlockSize
}

// Header returns the header fields.
func (p *Packet) Header() Header {
	return Header{
		Version: p.Version(),
		QoS:     p.QoS(),
		Split:   p.Split(),
		Type:    p.Type(),
		Source:  p.Source(),
		Dest:    p.Dest(),
	}
}

// Version returns the protocol version.
func (p *Packet) Version() Version {
	return Version(p.buf[offFlags] >> 5)
}

// QoS returns the delivery class.
func (p *Packet) QoS() QoS {
	return QoS((p.buf[offFlags] >> 4) & 0x01)
}

// Split reports whether the packet is a fragment which is not the last one.
func (p *Packet) Split() bool {
	return p.buf[offFlags]&0x08 != 0
}

// Type returns the packet type.
func (p *Packet) Type() Type {
	return Type(p.buf[offFlags] & 0x07)
}

// PaddingLen returns the number of padding bytes.
func (p *Packet) PaddingLen() int {
	return int(p.buf[offPadding])
}

// Source returns the source address.
func (p *Packet) Source() Address {
	return Address(p.buf[offAddress] >> 4)
}

// Dest returns the destination address.
func (p *Packet) Dest() Address {
	return Address(p.buf[offAddress] & 0x0F)
}

// Checksum returns the checksum field.
func (p *Packet) Checksum() byte {
	return p.buf[offChecksum]
}

// Seq returns the sequence number.
func (p *Packet) Seq() uint8 {
	return p.buf[offSeq]
}

// SetSeq sets the sequence number. Checksum must be recomputed afterwards.
func (p *Packet) SetSeq(seq uint8) {
	p.buf[offSeq] = seq
}

// Payload returns read-only view of the payload.
func (p *Packet) Payload() []byte {
	end := len(p.buf) - p.PaddingLen()
	if end < HeaderSize {
		end = HeaderSize
	}
	return p.buf[HeaderSize:end:end]
}

// Bytes returns read-only view of the whole buffer.
func (p *Packet) Bytes() []byte {
	return p.buf
}

// Size returns total size of the packet.
func (p *Packet) Size() int {
	return len(p.buf)
}

// Clone returns a deep copy of the packet.
func (p *Packet) Clone() *Packet {
	return &Packet{buf: bytes.Clone(p.buf)}
}

// Equal reports whether both packets are byte-identical.
func (p *Packet) Equal(p2 *Packet) bool {
	if p == nil || p2 == nil {
		return p == p2
	}
	return bytes.Equal(p.buf, p2.buf)
}

// ComputeChecksum returns the value which, stored in the checksum field, makes XOR of the whole
// buffer equal to zero.
func (p *Packet) ComputeChecksum() byte {
	var sum byte
	for i, b := range p.buf {
		if i != offChecksum {
			sum ^= b
		}
	}
	return sum
}

// Seal stores the computed checksum in the header.
func (p *Packet) Seal() {
	p.buf[offChecksum] = p.ComputeChecksum()
}

// Verify checks integrity of a received packet.
// XOR detects any single-byte corruption but not every multi-byte one.
func (p *Packet) Verify() error {
	if len(p.buf) < HeaderSize {
		return errors.WithStack(ErrTooShort)
	}

	var sum byte
	for _, b := range p.buf {
		sum ^= b
	}
	if sum != 0 {
		return errors.WithStack(ErrChecksum)
	}
	if !p.Type().Known() {
		return errors.Wrapf(ErrUnknownType, "type %d", p.Type())
	}
	if !p.Version().Known() {
		return errors.Wrapf(ErrUnknownVersion, "version %d", p.Version())
	}
	if p.PaddingLen() > len(p.buf)-HeaderSize {
		return errors.WithStack(ErrBadPadding)
	}
	return nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s v%d %s split=%t %d->%d seq=%d size=%d",
		p.Type(), p.Version(), p.QoS(), p.Split(), p.Source(), p.Dest(), p.Seq(), p.Size())
}
