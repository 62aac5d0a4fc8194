package broker

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dropbeam/dropbeam/internal/protocol"
	"github.com/dropbeam/dropbeam/internal/session"
)

// Client is one signaling connection to the broker. It satisfies the
// direct backend's Signaler contract.
type Client struct {
	conn *websocket.Conn
	log  *logrus.Logger

	writeMu sync.Mutex
	recv    chan protocol.Message

	once sync.Once
	done chan struct{}
}

// Dial connects to the broker's signaling endpoint, e.g.
// ws://host:4190/signal.
func Dial(ctx context.Context, url string, log *logrus.Logger) (*Client, error) {
	if log == nil {
		log = logrus.New()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		terr := protocol.NewErrorf(protocol.ErrConnectionFailed, "dialing broker %s", url)
		terr.Details = err.Error()
		return nil, terr
	}

	c := &Client{
		conn: conn,
		log:  log,
		recv: make(chan protocol.Message, 16),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Register asks the broker for a fresh peer code and waits for it.
func (c *Client) Register(ctx context.Context) (session.Code, error) {
	if err := c.Send(&protocol.SignalRegister{}); err != nil {
		return "", err
	}
	for {
		select {
		case msg, ok := <-c.recv:
			if !ok {
				return "", protocol.NewError(protocol.ErrSignalingFailed, "broker connection closed")
			}
			switch m := msg.(type) {
			case *protocol.SignalRegistered:
				return session.ParseCode(m.Code)
			case *protocol.ErrorMessage:
				return "", protocol.NewError(protocol.ErrSignalingFailed, m.Message)
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Connect joins the peer registered under code.
func (c *Client) Connect(code string) error {
	return c.Send(&protocol.SignalConnect{Code: session.Normalize(code)})
}

// Send transmits one signaling message.
func (c *Client) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Recv yields inbound signaling messages. Closed on disconnect.
func (c *Client) Recv() <-chan protocol.Message { return c.recv }

// Close tears down the signaling connection. Idempotent.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		_ = c.Close()
		close(c.recv)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warnf("Dropping undecodable broker frame: %v", err)
			continue
		}
		select {
		case c.recv <- msg:
		case <-c.done:
			return
		}
	}
}
