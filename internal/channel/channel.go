// Package channel abstracts the full-duplex message channel between two
// endpoints. Two interchangeable backends exist: a relayed websocket channel
// multiplexed by session code, and a direct WebRTC data channel negotiated
// through a rendezvous broker. Both deliver typed protocol messages and
// surface lifecycle transitions as events on a channel rather than through
// registered callbacks, so ordering and cancellation stay explicit.
package channel

import (
	"errors"

	"github.com/dropbeam/dropbeam/internal/protocol"
)

// ErrNotConnected is returned by Send on a channel that is not open.
var ErrNotConnected = errors.New("channel: not connected")

// EventKind classifies lifecycle events.
type EventKind int

const (
	EventOpen EventKind = iota
	EventClosed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one lifecycle transition. Err is set for EventError.
type Event struct {
	Kind EventKind
	Err  error
}

// Channel is the contract both backends implement. Recv is closed when the
// underlying connection goes away; Events carries open/close/error
// transitions in the order they occurred.
type Channel interface {
	// Send transmits a control message.
	Send(msg protocol.Message) error
	// SendChunk transmits one chunk payload, using the backend's most
	// efficient encoding (base64-in-JSON on the relay, binary framing on
	// the data channel). Backends with a send buffer guard return a
	// recoverable NETWORK_INTERRUPTED error instead of queuing unboundedly.
	SendChunk(chunk *protocol.FileChunk) error
	// Recv yields inbound messages. Closed on disconnect.
	Recv() <-chan protocol.Message
	// Events yields lifecycle transitions. Closed on disconnect.
	Events() <-chan Event
	// IsOpen reports whether Send can currently succeed.
	IsOpen() bool
	// Close tears the channel down. Idempotent.
	Close() error
}

// Signaler is the rendezvous-side contract the direct backend negotiates
// through: offers and answers travel as protocol messages relayed by a
// broker between two peers that share a code.
type Signaler interface {
	Send(msg protocol.Message) error
	Recv() <-chan protocol.Message
	Close() error
}
