// Package broker implements the public rendezvous service for the direct
// backend: peers register under short codes and exchange SDP offers and
// answers through it. The broker never sees file bytes; once the data
// channel opens the peers stop talking to it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dropbeam/dropbeam/internal/protocol"
	"github.com/dropbeam/dropbeam/internal/session"
)

// Config tunes the broker server.
type Config struct {
	// Addr is the listen address, e.g. ":4190".
	Addr string
	// PairTTL is how long an unpaired registration survives; SweepInterval
	// is how often stale ones are collected.
	PairTTL       time.Duration
	SweepInterval time.Duration
	Logger        *logrus.Logger
}

// DefaultConfig returns the stock broker tuning.
func DefaultConfig() Config {
	return Config{
		Addr:          ":4190",
		PairTTL:       10 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// peer is one connected signaling socket.
type peer struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
}

func (p *peer) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) close() {
	p.once.Do(func() { _ = p.conn.Close() })
}

// pairing is one code's rendezvous state: the registering side, and later
// the connecting side.
type pairing struct {
	code      session.Code
	owner     *peer
	guest     *peer
	createdAt time.Time
}

// Server is the rendezvous broker.
type Server struct {
	cfg Config
	log *logrus.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	pairings map[session.Code]*pairing
	listener net.Listener
}

// NewServer builds a broker Server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.PairTTL <= 0 {
		cfg.PairTTL = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		pairings: make(map[session.Code]*pairing),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Addr returns the bound listen address once Run has started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/signal", s.handleWS)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{Handler: mux}
	s.log.Infof("Broker listening on %s", ln.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.sweep()
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("Websocket upgrade failed: %v", err)
		return
	}

	p := &peer{conn: conn}
	defer p.close()

	var code session.Code
	defer func() {
		if code != "" {
			s.drop(code, p)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			s.log.Warnf("Dropping undecodable signaling frame: %v", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.SignalRegister:
			registered, err := s.register(p)
			if err != nil {
				_ = p.send(&protocol.ErrorMessage{Code: protocol.ErrSignalingFailed, Message: err.Error()})
				continue
			}
			code = registered
			_ = p.send(&protocol.SignalRegistered{Code: code.String()})

		case *protocol.SignalConnect:
			joined, err := s.connect(m.Code, p)
			if err != nil {
				_ = p.send(&protocol.ErrorMessage{Code: protocol.ErrSignalingFailed, Message: err.Error()})
				continue
			}
			code = joined

		case *protocol.SignalOffer, *protocol.SignalAnswer:
			// Offers and answers are forwarded verbatim to the other side.
			if err := s.forward(code, p, msg); err != nil {
				_ = p.send(&protocol.ErrorMessage{Code: protocol.ErrSignalingFailed, Message: err.Error()})
			}

		default:
			_ = p.send(&protocol.ErrorMessage{
				Code:    protocol.ErrSignalingFailed,
				Message: fmt.Sprintf("unexpected %s on signaling connection", msg.Type()),
			})
		}
	}
}

// maxCodeAttempts bounds regeneration when a freshly drawn code collides
// with a live pairing.
const maxCodeAttempts = 5

func (s *Server) register(p *peer) (session.Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := session.NewCode()
		if err != nil {
			return "", err
		}
		if _, taken := s.pairings[code]; taken {
			continue
		}
		s.pairings[code] = &pairing{code: code, owner: p, createdAt: time.Now()}
		s.log.Infof("Peer registered under %s", code)
		return code, nil
	}
	return "", fmt.Errorf("could not draw a free peer code after %d attempts", maxCodeAttempts)
}

func (s *Server) connect(rawCode string, p *peer) (session.Code, error) {
	code, err := session.ParseCode(rawCode)
	if err != nil {
		return "", fmt.Errorf("invalid peer code")
	}

	s.mu.Lock()
	pair, ok := s.pairings[code]
	if ok && pair.guest == nil {
		pair.guest = p
	} else if ok {
		ok = false
	}
	var owner *peer
	if ok {
		owner = pair.owner
	}
	s.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("no peer waiting under that code")
	}

	_ = owner.send(&protocol.SignalPeerJoined{})
	s.log.Infof("Peer joined %s", code)
	return code, nil
}

// forward relays msg to the opposite side of the pairing.
func (s *Server) forward(code session.Code, from *peer, msg protocol.Message) error {
	if code == "" {
		return fmt.Errorf("not registered or connected")
	}

	s.mu.Lock()
	pair, ok := s.pairings[code]
	var to *peer
	if ok {
		if from == pair.owner {
			to = pair.guest
		} else {
			to = pair.owner
		}
	}
	s.mu.Unlock()

	if !ok || to == nil {
		return fmt.Errorf("no peer to forward to")
	}
	return to.send(msg)
}

// drop removes the pairing a disconnecting peer belongs to and closes the
// other side, which will notice and fail its negotiation.
func (s *Server) drop(code session.Code, p *peer) {
	s.mu.Lock()
	pair, ok := s.pairings[code]
	var other *peer
	if ok && (pair.owner == p || pair.guest == p) {
		delete(s.pairings, code)
		if pair.owner == p {
			other = pair.guest
		} else {
			other = pair.owner
		}
	}
	s.mu.Unlock()

	if other != nil {
		other.close()
	}
}

func (s *Server) sweep() {
	cutoff := time.Now().Add(-s.cfg.PairTTL)

	s.mu.Lock()
	var stale []*pairing
	for code, pair := range s.pairings {
		if pair.createdAt.Before(cutoff) {
			stale = append(stale, pair)
			delete(s.pairings, code)
		}
	}
	s.mu.Unlock()

	for _, pair := range stale {
		s.log.Infof("Pairing %s expired", pair.code)
		pair.owner.close()
		if pair.guest != nil {
			pair.guest.close()
		}
	}
}

// Len reports the number of live pairings.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairings)
}
