package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dropbeam/dropbeam/internal/protocol"
)

// RelayConfig tunes the relayed websocket backend.
type RelayConfig struct {
	// URL is the relay websocket endpoint, e.g. ws://host:4180/ws.
	URL string
	// KeepaliveInterval spaces the ping messages that detect silently-dead
	// sockets. The relay answers each ping with a pong.
	KeepaliveInterval time.Duration
	// DialTimeout bounds the websocket dial.
	DialTimeout time.Duration
	Logger      *logrus.Logger
}

// DefaultRelayConfig returns the stock relay tuning.
func DefaultRelayConfig(url string) RelayConfig {
	return RelayConfig{
		URL:               url,
		KeepaliveInterval: 30 * time.Second,
		DialTimeout:       15 * time.Second,
	}
}

// RelayChannel is the relayed backend: one persistent websocket to the
// desktop-hosted relay, which multiplexes by session code. Chunk payloads
// ride as base64 inside the JSON envelope; the ~33% overhead is an accepted
// simplification on this path.
type RelayChannel struct {
	conn *websocket.Conn
	log  *logrus.Logger

	writeMu sync.Mutex
	recv    chan protocol.Message
	events  chan Event

	openMu sync.Mutex
	open   bool

	closeOnce sync.Once
	done      chan struct{}
}

// DialRelay connects to the relay. The caller still has to authenticate
// with an auth message before the relay forwards anything.
func DialRelay(ctx context.Context, cfg RelayConfig) (*RelayChannel, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		terr := protocol.NewErrorf(protocol.ErrConnectionFailed, "dialing relay %s", cfg.URL)
		terr.Details = err.Error()
		return nil, terr
	}

	c := &RelayChannel{
		conn:   conn,
		log:    cfg.Logger,
		recv:   make(chan protocol.Message, 64),
		events: make(chan Event, 8),
		open:   true,
		done:   make(chan struct{}),
	}
	c.events <- Event{Kind: EventOpen}

	go c.readLoop()
	go c.keepalive(cfg.KeepaliveInterval)
	return c, nil
}

// Send marshals msg into the JSON envelope and writes one text frame.
func (c *RelayChannel) Send(msg protocol.Message) error {
	if !c.IsOpen() {
		return ErrNotConnected
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", msg.Type(), err)
	}
	return nil
}

// SendChunk sends the chunk as base64 inside the JSON envelope.
func (c *RelayChannel) SendChunk(chunk *protocol.FileChunk) error {
	return c.Send(chunk)
}

func (c *RelayChannel) Recv() <-chan protocol.Message { return c.recv }

func (c *RelayChannel) Events() <-chan Event { return c.events }

func (c *RelayChannel) IsOpen() bool {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	return c.open
}

// Close tears down the websocket. Idempotent.
func (c *RelayChannel) Close() error {
	c.closeOnce.Do(func() {
		c.openMu.Lock()
		c.open = false
		c.openMu.Unlock()

		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *RelayChannel) readLoop() {
	defer func() {
		_ = c.Close()
		c.emit(Event{Kind: EventClosed})
		close(c.recv)
		close(c.events)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.emit(Event{Kind: EventError, Err: err})
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warnf("Dropping undecodable relay frame: %v", err)
			continue
		}

		// Pongs only prove liveness; they never reach the consumer.
		if _, ok := msg.(*protocol.Pong); ok {
			continue
		}

		select {
		case c.recv <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *RelayChannel) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Send(&protocol.Ping{}); err != nil {
				c.log.Debugf("Keepalive ping failed: %v", err)
				return
			}
		}
	}
}

func (c *RelayChannel) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}
