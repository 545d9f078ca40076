package wire

type (
	// RadioID identifies the radio connected to the hub.
	RadioID [16]byte

	// Channel is the name of the air channel, radios on different channels don't hear each other.
	Channel string
)

// Hello is the message exchanged between radio and hub when connecting.
type Hello struct {
	RadioID RadioID
}

// Frame is the frame transmitted over the air.
type Frame struct {
	Sender  RadioID
	Channel Channel

	// Data is the hex encoded frame, as the radio modem reports it.
	Data string
}
