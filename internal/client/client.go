// Package client implements the connecting endpoint's lifecycle: dial,
// authenticate with the session code, hold the connection, and recover
// from a drop with a single delayed reconnect.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dropbeam/dropbeam/internal/channel"
	"github.com/dropbeam/dropbeam/internal/protocol"
)

// DialFunc opens the underlying channel; injected so the lifecycle is
// testable without a live relay and works over either backend.
type DialFunc func(ctx context.Context) (channel.Channel, error)

// Config tunes the client lifecycle.
type Config struct {
	// SessionCode is presented in the auth message.
	SessionCode string
	// Dial opens the channel. Required.
	Dial DialFunc
	// AuthTimeout bounds the wait for the auth response.
	AuthTimeout time.Duration
	// ReconnectDelay is the pause before the single reconnect attempt that
	// follows a drop of an established connection.
	ReconnectDelay time.Duration
	Logger         *logrus.Logger
}

// DefaultConfig returns the stock client tuning for code.
func DefaultConfig(code string, dial DialFunc) Config {
	return Config{
		SessionCode:    code,
		Dial:           dial,
		AuthTimeout:    15 * time.Second,
		ReconnectDelay: 2 * time.Second,
	}
}

// Client drives the connect/auth/reconnect state machine. State changes
// are published on a channel rather than through registered callbacks, so
// observers see them in order and can stop listening by simply returning.
type Client struct {
	cfg Config
	log *logrus.Logger

	mu       sync.Mutex
	state    State
	ch       channel.Channel
	clientID string

	states chan State
}

// New builds a Client in StateIdle.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 15 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	return &Client{
		cfg:    cfg,
		log:    cfg.Logger,
		state:  StateIdle,
		states: make(chan State, 16),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// States yields every state transition in order. The channel is never
// closed; observers stop reading when they lose interest.
func (c *Client) States() <-chan State { return c.states }

// Channel returns the live channel once connected, nil otherwise.
func (c *Client) Channel() channel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// ClientID returns the id assigned by the authenticating side.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SetTransferring overlays the transferring state on an established
// connection; it is cosmetic and never affects reconnect behavior.
func (c *Client) SetTransferring(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if active && c.state == StateConnected {
		c.setStateLocked(StateTransferring)
	} else if !active && c.state == StateTransferring {
		c.setStateLocked(StateConnected)
	}
}

// Run connects, authenticates, and holds the connection until ctx is
// cancelled or the lifecycle ends. A drop of an established connection
// schedules one reconnect after the configured delay, re-running the whole
// connect+auth sequence; any failure before reaching connected — including
// during that reconnect — is terminal immediately, so a permanently bad
// code cannot loop forever.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.setState(StateConnecting)
		ch, err := c.connect(ctx)
		if err != nil {
			c.setState(StateError)
			return err
		}

		c.mu.Lock()
		c.ch = ch
		c.setStateLocked(StateConnected)
		c.mu.Unlock()
		c.log.Infof("Connected to session %s", c.cfg.SessionCode)

		err = c.hold(ctx, ch)
		_ = ch.Close()
		c.mu.Lock()
		c.ch = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			c.setState(StateIdle)
			return nil
		}

		c.setState(StateDisconnected)
		c.log.Warnf("Connection lost (%v), reconnecting in %s", err, c.cfg.ReconnectDelay)

		select {
		case <-time.After(c.cfg.ReconnectDelay):
		case <-ctx.Done():
			c.setState(StateIdle)
			return nil
		}
	}
}

// connect dials and authenticates. Auth failure is terminal; the channel
// is closed before returning any error.
func (c *Client) connect(ctx context.Context) (channel.Channel, error) {
	ch, err := c.cfg.Dial(ctx)
	if err != nil {
		return nil, err
	}

	if err := ch.Send(&protocol.Auth{SessionCode: c.cfg.SessionCode}); err != nil {
		_ = ch.Close()
		return nil, err
	}

	deadline := time.After(c.cfg.AuthTimeout)
	for {
		select {
		case msg, ok := <-ch.Recv():
			if !ok {
				_ = ch.Close()
				return nil, protocol.NewError(protocol.ErrConnectionFailed, "connection closed during auth")
			}
			switch m := msg.(type) {
			case *protocol.AuthSuccess:
				c.mu.Lock()
				c.clientID = m.ClientID
				c.mu.Unlock()
				return ch, nil
			case *protocol.AuthFailed:
				_ = ch.Close()
				return nil, protocol.NewError(protocol.ErrNotAuthenticated, m.Reason)
			case *protocol.ErrorMessage:
				_ = ch.Close()
				return nil, protocol.NewError(m.Code, m.Message)
			}
		case <-deadline:
			_ = ch.Close()
			return nil, protocol.NewErrorf(protocol.ErrTimeout, "no auth response within %s", c.cfg.AuthTimeout)
		case <-ctx.Done():
			_ = ch.Close()
			return nil, protocol.NewError(protocol.ErrCancelled, "connect cancelled")
		}
	}
}

// hold blocks until the channel dies or ctx is cancelled, returning the
// channel's closing error if any.
func (c *Client) hold(ctx context.Context, ch channel.Channel) error {
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return channel.ErrNotConnected
			}
			switch ev.Kind {
			case channel.EventClosed:
				return channel.ErrNotConnected
			case channel.EventError:
				c.log.Debugf("Channel error: %v", ev.Err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	select {
	case c.states <- s:
	default:
	}
}
