package peers

import (
	"crypto/rand"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// HardwareIDSize is the size of the hardware identifier.
const HardwareIDSize = 6

// HardwareID is the MAC-like stable identifier of a radio host.
type HardwareID [HardwareIDSize]byte

// IsZero reports whether ID is not set.
func (id HardwareID) IsZero() bool {
	return id == HardwareID{}
}

func (id HardwareID) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", id[0], id[1], id[2], id[3], id[4], id[5])
}

// ParseHardwareID parses ID in the aa:bb:cc:dd:ee:ff form.
func ParseHardwareID(s string) (HardwareID, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return HardwareID{}, errors.WithStack(err)
	}
	if len(mac) != HardwareIDSize {
		return HardwareID{}, errors.Errorf("hardware ID must be %d bytes, got %d", HardwareIDSize, len(mac))
	}

	var id HardwareID
	copy(id[:], mac)
	return id, nil
}

// RandomHardwareID generates random locally administered hardware ID.
func RandomHardwareID() (HardwareID, error) {
	var id HardwareID
	if _, err := rand.Read(id[:]); err != nil {
		return HardwareID{}, errors.WithStack(err)
	}
	id[0] = id[0]&0xFC | 0x02
	return id, nil
}
