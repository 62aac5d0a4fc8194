package client

import (
	"sync"

	"github.com/dropbeam/dropbeam/internal/channel"
	"github.com/dropbeam/dropbeam/internal/protocol"
)

// boundChannel presents the client's lifecycle as one long-lived channel.
// Sends always target the client's current connection, and Recv keeps
// draining across the scheduled reconnect, so a consumer holding the bound
// channel is never left talking to a connection the client has already
// replaced.
type boundChannel struct {
	cl *Client

	recv   chan protocol.Message
	events chan channel.Event

	closeOnce sync.Once
	done      chan struct{}
}

// Bind returns the channel view of the client. It consumes the client's
// state stream, so a bound client has no other States observer. The bound
// channel emits EventOpen on every authenticated connection and EventClosed
// once the lifecycle ends; Recv closes with it.
func (c *Client) Bind() channel.Channel {
	b := &boundChannel{
		cl:     c,
		recv:   make(chan protocol.Message, 64),
		events: make(chan channel.Event, 8),
		done:   make(chan struct{}),
	}
	go b.pump()
	return b
}

// pump follows the lifecycle: each time the client reaches connected it
// drains that connection into the bound stream, then waits for the next
// connection or the end of the lifecycle. All sends into recv and events
// happen on this goroutine, so shutdown can close them without racing.
func (b *boundChannel) pump() {
	defer b.shutdown()
	for {
		select {
		case <-b.done:
			return
		case st := <-b.cl.States():
			switch st {
			case StateConnected:
				ch := b.cl.Channel()
				if ch == nil {
					continue
				}
				b.emit(channel.Event{Kind: channel.EventOpen})
				b.forward(ch)
			case StateError, StateIdle:
				return
			}
		}
	}
}

// forward drains one connection until it dies or the bound channel closes.
func (b *boundChannel) forward(ch channel.Channel) {
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-ch.Recv():
			if !ok {
				return
			}
			select {
			case b.recv <- msg:
			case <-b.done:
				return
			}
		}
	}
}

func (b *boundChannel) shutdown() {
	b.emit(channel.Event{Kind: channel.EventClosed})
	close(b.recv)
	close(b.events)
}

func (b *boundChannel) emit(ev channel.Event) {
	select {
	case b.events <- ev:
	default:
	}
}

func (b *boundChannel) Send(msg protocol.Message) error {
	if ch := b.cl.Channel(); ch != nil {
		return ch.Send(msg)
	}
	return channel.ErrNotConnected
}

func (b *boundChannel) SendChunk(chunk *protocol.FileChunk) error {
	if ch := b.cl.Channel(); ch != nil {
		return ch.SendChunk(chunk)
	}
	return channel.ErrNotConnected
}

func (b *boundChannel) Recv() <-chan protocol.Message { return b.recv }

func (b *boundChannel) Events() <-chan channel.Event { return b.events }

func (b *boundChannel) IsOpen() bool {
	ch := b.cl.Channel()
	return ch != nil && ch.IsOpen()
}

// Close stops the pump; it does not end the client lifecycle.
func (b *boundChannel) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
