// Package relay implements the desktop-hosted relay: a session registry
// keyed by short codes, a websocket endpoint that authenticates clients by
// code and forwards typed messages between the two sides of a session, and
// an HTTP download surface for previously shared files.
package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dropbeam/dropbeam/internal/protocol"
	"github.com/dropbeam/dropbeam/internal/session"
)

// maxCodeAttempts bounds regeneration when a freshly drawn code collides
// with a live session. At a 32^6 keyspace one retry is already rare.
const maxCodeAttempts = 5

// Endpoint is one side of a relayed session: something messages can be
// delivered to.
type Endpoint interface {
	Deliver(msg protocol.Message) error
	Close() error
}

// Session pairs the owning endpoint (the desktop that presented the code)
// with at most one joined client, plus the files announced as shareable.
type Session struct {
	Code       session.Code
	owner      Endpoint
	client     Endpoint
	clientID   session.ClientID
	files      []protocol.FileEntry
	createdAt  time.Time
	lastActive time.Time
}

// Registry owns the code → session mapping. Expiry is idle-based: any
// message traffic through a session refreshes its deadline, so a
// long-running active transfer is never evicted mid-flight.
type Registry struct {
	log *logrus.Logger
	ttl time.Duration

	mu       sync.Mutex
	sessions map[session.Code]*Session
}

// NewRegistry builds a Registry with the given idle TTL.
func NewRegistry(ttl time.Duration, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Registry{
		log:      log,
		ttl:      ttl,
		sessions: make(map[session.Code]*Session),
	}
}

// Create registers a new session owned by owner and returns its code. A
// drawn code that collides with a live session is regenerated, never
// silently overwritten.
func (r *Registry) Create(owner Endpoint) (session.Code, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := session.NewCode()
		if err != nil {
			return "", fmt.Errorf("generating session code: %w", err)
		}
		if _, taken := r.sessions[code]; taken {
			r.log.Warnf("Session code collision on %s, regenerating", code)
			continue
		}
		now := time.Now()
		r.sessions[code] = &Session{
			Code:       code,
			owner:      owner,
			createdAt:  now,
			lastActive: now,
		}
		r.log.Infof("Session %s created", code)
		return code, nil
	}
	return "", fmt.Errorf("could not draw a free session code after %d attempts", maxCodeAttempts)
}

// Join attaches client to the session addressed by rawCode. Lookup is
// case-insensitive. A session with a live client rejects further joins.
func (r *Registry) Join(rawCode string, client Endpoint) (session.ClientID, error) {
	code, err := session.ParseCode(rawCode)
	if err != nil {
		return "", protocol.NewError(protocol.ErrNotAuthenticated, "invalid session code")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[code]
	if !ok {
		return "", protocol.NewError(protocol.ErrNotAuthenticated, "unknown session code")
	}
	if sess.client != nil {
		return "", protocol.NewError(protocol.ErrRateLimited, "session already has a connected client")
	}

	sess.client = client
	sess.clientID = session.NewClientID()
	sess.lastActive = time.Now()
	r.log.Infof("Client %s joined session %s", sess.clientID, code)
	return sess.clientID, nil
}

// Touch refreshes the idle deadline for code.
func (r *Registry) Touch(code session.Code) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[code]; ok {
		sess.lastActive = time.Now()
	}
}

// ToClient delivers msg to the session's joined client.
func (r *Registry) ToClient(code session.Code, msg protocol.Message) error {
	r.mu.Lock()
	sess, ok := r.sessions[code]
	var client Endpoint
	if ok {
		sess.lastActive = time.Now()
		client = sess.client
	}
	r.mu.Unlock()

	if !ok {
		return protocol.NewErrorf(protocol.ErrPeerUnreachable, "session %s is gone", code)
	}
	if client == nil {
		return protocol.NewError(protocol.ErrPeerUnreachable, "no client connected")
	}
	return client.Deliver(msg)
}

// ToOwner delivers msg to the session's owning endpoint.
func (r *Registry) ToOwner(code session.Code, msg protocol.Message) error {
	r.mu.Lock()
	sess, ok := r.sessions[code]
	var owner Endpoint
	if ok {
		sess.lastActive = time.Now()
		owner = sess.owner
	}
	r.mu.Unlock()

	if !ok {
		return protocol.NewErrorf(protocol.ErrPeerUnreachable, "session %s is gone", code)
	}
	return owner.Deliver(msg)
}

// SetFiles replaces the session's announced shareable files and pushes the
// new list to the joined client, if any.
func (r *Registry) SetFiles(code session.Code, files []protocol.FileEntry) error {
	r.mu.Lock()
	sess, ok := r.sessions[code]
	var client Endpoint
	if ok {
		sess.files = append([]protocol.FileEntry(nil), files...)
		client = sess.client
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown session %s", code)
	}
	if client != nil {
		return client.Deliver(&protocol.AvailableFiles{Files: files})
	}
	return nil
}

// Files returns the session's current announcement.
func (r *Registry) Files(code session.Code) []protocol.FileEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[code]; ok {
		return append([]protocol.FileEntry(nil), sess.files...)
	}
	return nil
}

// DropOwner deletes the session outright. The joined client, if any, is
// told the peer is gone and then closed; a code is never reusable after
// its owner leaves.
func (r *Registry) DropOwner(code session.Code) {
	r.mu.Lock()
	sess, ok := r.sessions[code]
	delete(r.sessions, code)
	r.mu.Unlock()

	if !ok {
		return
	}
	if sess.client != nil {
		_ = sess.client.Deliver(&protocol.ErrorMessage{
			Code:    protocol.ErrPeerUnreachable,
			Message: "session closed by host",
		})
		_ = sess.client.Close()
	}
	r.log.Infof("Session %s closed", code)
}

// DropClient clears the client slot only. The session and its owner
// persist so a new client can join under the same code.
func (r *Registry) DropClient(code session.Code) {
	r.mu.Lock()
	sess, ok := r.sessions[code]
	var owner Endpoint
	if ok && sess.client != nil {
		sess.client = nil
		sess.clientID = ""
		sess.lastActive = time.Now()
		owner = sess.owner
	}
	r.mu.Unlock()

	if owner != nil {
		_ = owner.Deliver(&protocol.ErrorMessage{
			Code:    protocol.ErrPeerUnreachable,
			Message: "client disconnected",
		})
		r.log.Infof("Client left session %s", code)
	}
}

// Sweep removes sessions idle longer than the TTL, closing both ends.
// Meant to be called periodically.
func (r *Registry) Sweep() int {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	var expired []*Session
	for code, sess := range r.sessions {
		if sess.lastActive.Before(cutoff) {
			expired = append(expired, sess)
			delete(r.sessions, code)
		}
	}
	r.mu.Unlock()

	for _, sess := range expired {
		r.log.Infof("Session %s expired after %s idle", sess.Code, r.ttl)
		if sess.client != nil {
			_ = sess.client.Deliver(&protocol.ErrorMessage{
				Code:    protocol.ErrTimeout,
				Message: "session expired",
			})
			_ = sess.client.Close()
		}
		_ = sess.owner.Close()
	}
	return len(expired)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
