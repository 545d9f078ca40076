package ether

import (
	"crypto/rand"

	"github.com/pkg/errors"

	"github.com/outofforest/loralink/peers"
	"github.com/outofforest/loralink/radio/ether/wire"
)

// radioID builds the ID announced to the hub: hardware address followed by random session
// bytes, so the same node reconnecting gets a fresh slot in the hub.
// Locally administered hardware address is generated if hw is zero.
func radioID(hw peers.HardwareID) (wire.RadioID, error) {
	if hw.IsZero() {
		var err error
		if hw, err = peers.RandomHardwareID(); err != nil {
			return wire.RadioID{}, err
		}
	}

	var id wire.RadioID
	copy(id[:], hw[:])
	if _, err := rand.Read(id[peers.HardwareIDSize:]); err != nil {
		return wire.RadioID{}, errors.WithStack(err)
	}
	return id, nil
}

func hardwareID(id wire.RadioID) peers.HardwareID {
	var hw peers.HardwareID
	copy(hw[:], id[:])
	return hw
}
