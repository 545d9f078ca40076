package wire

import (
	"reflect"
	"unsafe"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id0 uint64 = iota + 1
	id1
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Hello{},
		Frame{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Hello:
		return id0, nil
	case *Frame:
		return id1, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Hello:
		return size0(msg2), nil
	case *Frame:
		return size1(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return id0, marshal0(msg2, buf), nil
	case *Frame:
		return id1, marshal1(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id0:
		msg := &Hello{}
		return msg, unmarshal0(msg, buf), nil
	case id1:
		msg := &Frame{}
		return msg, unmarshal1(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Hello:
		return id0, makePatch0(msg2, msgSrc.(*Hello), buf), nil
	case *Frame:
		return id1, makePatch1(msg2, msgSrc.(*Frame), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return applyPatch0(msg2, buf), nil
	case *Frame:
		return applyPatch1(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *Hello) uint64 {
	var n uint64 = 16
	return n
}

func marshal0(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// RadioID

		copy(b[o:o+16], unsafe.Slice(&m.RadioID[0], 16))
		o += 16
	}

	return o
}

func unmarshal0(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// RadioID

		copy(unsafe.Slice(&m.RadioID[0], 16), b[o:o+16])
		o += 16
	}

	return o
}

func makePatch0(m, mSrc *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// RadioID

		if reflect.DeepEqual(m.RadioID, mSrc.RadioID) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			copy(b[o:o+16], unsafe.Slice(&m.RadioID[0], 16))
			o += 16
		}
	}

	return o
}

func applyPatch0(m *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// RadioID

		if b[0]&0x01 != 0 {
			copy(unsafe.Slice(&m.RadioID[0], 16), b[o:o+16])
			o += 16
		}
	}

	return o
}

func size1(m *Frame) uint64 {
	var n uint64 = 18
	{
		// Channel

		{
			l := uint64(len(m.Channel))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Data

		{
			l := uint64(len(m.Data))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal1(m *Frame, b []byte) uint64 {
	var o uint64
	{
		// Sender

		copy(b[o:o+16], unsafe.Slice(&m.Sender[0], 16))
		o += 16
	}
	{
		// Channel

		{
			l := uint64(len(m.Channel))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Channel)
			o += l
		}
	}
	{
		// Data

		{
			l := uint64(len(m.Data))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Data)
			o += l
		}
	}

	return o
}

func unmarshal1(m *Frame, b []byte) uint64 {
	var o uint64
	{
		// Sender

		copy(unsafe.Slice(&m.Sender[0], 16), b[o:o+16])
		o += 16
	}
	{
		// Channel

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Channel = Channel(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Data

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Data = string(b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func makePatch1(m, mSrc *Frame, b []byte) uint64 {
	var o uint64 = 1
	{
		// Sender

		if reflect.DeepEqual(m.Sender, mSrc.Sender) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			copy(b[o:o+16], unsafe.Slice(&m.Sender[0], 16))
			o += 16
		}
	}
	{
		// Channel

		if reflect.DeepEqual(m.Channel, mSrc.Channel) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Channel))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Channel)
				o += l
			}
		}
	}
	{
		// Data

		if reflect.DeepEqual(m.Data, mSrc.Data) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			{
				l := uint64(len(m.Data))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Data)
				o += l
			}
		}
	}

	return o
}

func applyPatch1(m *Frame, b []byte) uint64 {
	var o uint64 = 1
	{
		// Sender

		if b[0]&0x01 != 0 {
			copy(unsafe.Slice(&m.Sender[0], 16), b[o:o+16])
			o += 16
		}
	}
	{
		// Channel

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Channel = Channel(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Data

		if b[0]&0x04 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Data = string(b[o:o+l])
					o += l
				}
			}
		}
	}

	return o
}
