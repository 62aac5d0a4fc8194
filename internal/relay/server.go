package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dropbeam/dropbeam/internal/protocol"
	"github.com/dropbeam/dropbeam/internal/session"
)

// downloadPrefix is the HTTP path under which shared files are streamed.
const downloadPrefix = "/api/download/"

// Config tunes the relay server.
type Config struct {
	// Addr is the listen address, e.g. ":4180".
	Addr string
	// KeepaliveInterval is the expected client ping spacing; a socket silent
	// for twice this long is treated as dead and closed.
	KeepaliveInterval time.Duration
	// SessionTTL is the idle expiry for registry sessions; SweepInterval is
	// how often expired sessions are collected.
	SessionTTL    time.Duration
	SweepInterval time.Duration
	// ManifestPath is where the share manifest JSON lives.
	ManifestPath string
	Logger       *logrus.Logger
}

// DefaultConfig returns the stock relay tuning.
func DefaultConfig() Config {
	return Config{
		Addr:              ":4180",
		KeepaliveInterval: 30 * time.Second,
		SessionTTL:        10 * time.Minute,
		SweepInterval:     time.Minute,
		ManifestPath:      "dropbeam-shares.json",
	}
}

// Server is the desktop-hosted relay process: it owns the session registry,
// accepts websocket clients, forwards messages between the two sides of
// each session, and streams previously shared files over HTTP.
type Server struct {
	cfg      Config
	log      *logrus.Logger
	registry *Registry
	shares   *ShareStore

	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a Server, loading the share manifest from disk.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	shares, err := OpenShareStore(cfg.ManifestPath)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		registry: NewRegistry(cfg.SessionTTL, cfg.Logger),
		shares:   shares,
		upgrader: websocket.Upgrader{
			// Browser clients connect from a different origin than the API.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Registry exposes the session registry, mainly for the host-side endpoint
// and tests.
func (s *Server) Registry() *Registry { return s.registry }

// OpenSession creates a session owned by this process and returns its
// host-side endpoint. The returned endpoint's code is what the user
// presents to the joining device.
func (s *Server) OpenSession() (*LocalEndpoint, error) {
	return OpenSession(s.registry)
}

// Share registers path as downloadable, announces it on the session, and
// returns the share id.
func (s *Server) Share(code session.Code, path string) (string, error) {
	id, err := s.shares.Add(path)
	if err != nil {
		return "", err
	}

	entry, _ := s.shares.Lookup(id)
	files := append(s.registry.Files(code), protocol.FileEntry{ID: id, Name: entry.Name})
	if err := s.registry.SetFiles(code, files); err != nil {
		return "", err
	}
	return id, nil
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
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc(downloadPrefix, s.handleDownload)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{Handler: mux}
	s.log.Infof("Relay listening on %s", ln.Addr())

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
				if n := s.registry.Sweep(); n > 0 {
					s.log.Debugf("Swept %d expired sessions", n)
				}
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

// handleDownload streams a previously shared file by id: 404 when the id is
// unknown or the file is gone from disk.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, downloadPrefix)
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	entry, ok := s.shares.Lookup(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.Name))
	http.ServeFile(w, r, entry.Path)
}

// wsEndpoint adapts one websocket connection to the registry's Endpoint.
type wsEndpoint struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
}

func (ep *wsEndpoint) Deliver(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	ep.writeMu.Lock()
	defer ep.writeMu.Unlock()
	return ep.conn.WriteMessage(websocket.TextMessage, data)
}

func (ep *wsEndpoint) Close() error {
	ep.once.Do(func() { _ = ep.conn.Close() })
	return nil
}

// handleWS runs one client connection: authenticate by session code first,
// then forward until the socket dies.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("Websocket upgrade failed: %v", err)
		return
	}

	ep := &wsEndpoint{conn: conn}
	defer ep.Close()

	code, ok := s.authenticate(conn, ep)
	if !ok {
		return
	}
	defer s.registry.DropClient(code)

	s.serveClient(conn, ep, code)
}

// authenticate reads until a valid auth message arrives. Anything sent
// before auth is rejected with a not-authenticated error and mutates no
// state; a wrong code gets auth-failed and the socket is closed.
func (s *Server) authenticate(conn *websocket.Conn, ep *wsEndpoint) (session.Code, bool) {
	deadline := 2 * s.cfg.KeepaliveInterval

	for {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", false
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.log.Warnf("Dropping undecodable pre-auth frame: %v", err)
			continue
		}

		auth, isAuth := msg.(*protocol.Auth)
		if !isAuth {
			_ = ep.Deliver(&protocol.ErrorMessage{
				Code:    protocol.ErrNotAuthenticated,
				Message: "not authenticated",
			})
			continue
		}

		clientID, err := s.registry.Join(auth.SessionCode, ep)
		if err != nil {
			_ = ep.Deliver(&protocol.AuthFailed{Reason: err.Error()})
			s.log.Infof("Auth failed from %s: %v", conn.RemoteAddr(), err)
			return "", false
		}

		code, _ := session.ParseCode(auth.SessionCode)
		_ = ep.Deliver(&protocol.AuthSuccess{ClientID: clientID.String()})
		if files := s.registry.Files(code); len(files) > 0 {
			_ = ep.Deliver(&protocol.AvailableFiles{Files: files})
		}
		s.log.Infof("Client %s authenticated for session %s", clientID, code)
		return code, true
	}
}

// serveClient forwards an authenticated client's traffic. Pings are
// answered locally; file requests resolve against the share store; all
// other messages go to the session owner verbatim.
func (s *Server) serveClient(conn *websocket.Conn, ep *wsEndpoint, code session.Code) {
	deadline := 2 * s.cfg.KeepaliveInterval

	for {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Debugf("Client on session %s gone: %v", code, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.log.Warnf("Dropping undecodable frame on session %s: %v", code, err)
			continue
		}
		s.registry.Touch(code)

		switch m := msg.(type) {
		case *protocol.Ping:
			_ = ep.Deliver(&protocol.Pong{})

		case *protocol.FileRequest:
			entry, ok := s.shares.Lookup(m.FileID)
			if !ok {
				_ = ep.Deliver(&protocol.ErrorMessage{
					Code:    protocol.ErrUnknown,
					Message: fmt.Sprintf("no shared file %s", m.FileID),
				})
				continue
			}
			_ = ep.Deliver(&protocol.FileReady{
				FileID:      m.FileID,
				FileName:    entry.Name,
				DownloadURL: downloadPrefix + m.FileID,
			})

		default:
			if err := s.registry.ToOwner(code, msg); err != nil {
				s.log.Warnf("Forwarding %s on session %s: %v", msg.Type(), code, err)
			}
		}
	}
}
