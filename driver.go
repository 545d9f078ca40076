package loralink

import "context"

// EventKind is the kind of the event reported by radio driver.
type EventKind uint8

// Event kinds.
const (
	// EventNone means nothing happened since last poll.
	EventNone EventKind = iota

	// EventReceived means a frame has been received.
	EventReceived

	// EventTimeout means the listen window expired without receiving anything.
	EventTimeout

	// EventUnknown means the radio reported something unexpected.
	EventUnknown
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventReceived:
		return "received"
	case EventTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Event is the result of polling the radio.
type Event struct {
	Kind EventKind

	// Data is the hex encoded frame, set for EventReceived.
	Data string

	// SNR is the signal quality of the received frame.
	SNR int8
}

// Driver is the half-duplex radio used by the link. It is called from the scheduler only.
type Driver interface {
	// Initialize configures the radio for the spreading factor.
	Initialize(ctx context.Context, sf SpreadingFactor) error

	// Transmit sends hex encoded frame.
	Transmit(ctx context.Context, data string) error

	// Poll returns the pending event without blocking.
	Poll(ctx context.Context) (Event, error)

	// EnterListen arms passive listening.
	EnterListen(ctx context.Context) error

	// ExitListen stops passive listening.
	ExitListen(ctx context.Context) error
}
