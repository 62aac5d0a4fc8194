package relay

import (
	"sync"

	"github.com/dropbeam/dropbeam/internal/channel"
	"github.com/dropbeam/dropbeam/internal/protocol"
	"github.com/dropbeam/dropbeam/internal/session"
)

// LocalEndpoint is the desktop process's own side of a session it hosts.
// It lives in the same process as the registry, so delivery is a channel
// write rather than a socket write. It implements both Endpoint (so the
// registry can deliver to it) and channel.Channel (so the transfer loops
// run over it unchanged, exactly as they do over a remote backend).
type LocalEndpoint struct {
	code     session.Code
	registry *Registry

	recv   chan protocol.Message
	events chan channel.Event

	mu   sync.Mutex
	open bool
	once sync.Once
}

// OpenSession creates a new registry session owned by the returned
// endpoint.
func OpenSession(r *Registry) (*LocalEndpoint, error) {
	ep := &LocalEndpoint{
		registry: r,
		recv:     make(chan protocol.Message, 64),
		events:   make(chan channel.Event, 8),
		open:     true,
	}
	code, err := r.Create(ep)
	if err != nil {
		return nil, err
	}
	ep.code = code
	ep.events <- channel.Event{Kind: channel.EventOpen}
	return ep, nil
}

// Code returns the session code to present to the joining client.
func (ep *LocalEndpoint) Code() session.Code { return ep.code }

// Deliver is the registry-facing side: inbound messages from the joined
// client land here. A full receive buffer fails fast with a recoverable
// error rather than blocking the forwarding path.
func (ep *LocalEndpoint) Deliver(msg protocol.Message) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.open {
		return channel.ErrNotConnected
	}
	select {
	case ep.recv <- msg:
		return nil
	default:
		return protocol.NewError(protocol.ErrNetworkInterrupted, "receive buffer full")
	}
}

// Send forwards a message to the session's joined client.
func (ep *LocalEndpoint) Send(msg protocol.Message) error {
	if !ep.IsOpen() {
		return channel.ErrNotConnected
	}
	return ep.registry.ToClient(ep.code, msg)
}

// SendChunk forwards a chunk; on the relay path chunks ride as base64 in
// the JSON envelope, so this is plain Send.
func (ep *LocalEndpoint) SendChunk(chunk *protocol.FileChunk) error {
	return ep.Send(chunk)
}

func (ep *LocalEndpoint) Recv() <-chan protocol.Message { return ep.recv }

func (ep *LocalEndpoint) Events() <-chan channel.Event { return ep.events }

func (ep *LocalEndpoint) IsOpen() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.open
}

// Close tears down the session. The joined client is notified and closed
// by the registry. Idempotent.
func (ep *LocalEndpoint) Close() error {
	ep.once.Do(func() {
		// Flipping open under the same mutex Deliver holds guarantees no
		// delivery is in flight when the channels are closed.
		ep.mu.Lock()
		ep.open = false
		ep.mu.Unlock()

		ep.registry.DropOwner(ep.code)

		select {
		case ep.events <- channel.Event{Kind: channel.EventClosed}:
		default:
		}
		close(ep.events)
		close(ep.recv)
	})
	return nil
}
