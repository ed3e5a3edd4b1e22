// Package session maps session identifiers to live transport instances.
//
// Each logical session gets its own transport: a protocol server instance is
// stateful and single-connection by design, so reusing one to serve two
// independently initialized sessions corrupts both. The manager exists to
// make that misuse impossible, and to bridge reconnecting clients back onto
// their event stream.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	kerrors "github.com/keelmcp/keel/internal/errors"
	"github.com/keelmcp/keel/internal/event"
)

// methodInitialize is the protocol-level handshake method that may open a
// new session.
const methodInitialize = "initialize"

// Session is one tracked session.
type Session struct {
	ID          string
	Transport   Transport
	ConnectedAt time.Time
	Params      *mcp.InitializeParams
}

// Manager owns the session registry.
type Manager struct {
	log     *slog.Logger
	factory Factory
	events  *event.Store

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. The factory builds one transport per
// initialized session; events backs stream replay for reconnecting clients.
func NewManager(log *slog.Logger, factory Factory, events *event.Store) *Manager {
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		log:      log.With("component", "sessions"),
		factory:  factory,
		events:   events,
		sessions: make(map[string]*Session, 8),
	}
}

// Acquire resolves the transport for a request.
//
// A supplied sessionID with a live transport wins (session affinity; no new
// transport is built). Otherwise requestBody must be a protocol initialize
// message: the manager then constructs exactly one new transport under a
// fresh session id and registers it, deregistering automatically when the
// transport closes. Anything else fails with ErrSessionNotFound.
func (m *Manager) Acquire(ctx context.Context, requestBody []byte, sessionID string) (*Session, error) {
	if sessionID != "" {
		if sess, ok := m.Get(sessionID); ok {
			return sess, nil
		}
	}

	params, err := parseInitialize(requestBody)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()

	transport, err := m.factory(ctx, id, params)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	if err := transport.Connect(ctx); err != nil {
		transport.Close() //nolint:errcheck // best-effort cleanup

		return nil, fmt.Errorf("connect transport: %w", err)
	}

	sess := &Session{
		ID:          id,
		Transport:   transport,
		ConnectedAt: time.Now(),
		Params:      params,
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	transport.OnClose(func() { m.deregister(id) })

	m.log.Info("session started", "session_id", id)

	return sess, nil
}

// parseInitialize decodes requestBody as a JSON-RPC initialize request. Any
// other payload means the caller has no live session to address.
func parseInitialize(requestBody []byte) (*mcp.InitializeParams, error) {
	var req struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}

	if err := json.Unmarshal(requestBody, &req); err != nil {
		return nil, fmt.Errorf("%w: undecodable request body", kerrors.ErrSessionNotFound)
	}

	if req.Method != methodInitialize {
		return nil, fmt.Errorf("%w: method %q cannot open a session", kerrors.ErrSessionNotFound, req.Method)
	}

	var params mcp.InitializeParams

	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("decode initialize params: %w", err)
		}
	}

	return &params, nil
}

// Get is a side-effect-free registry lookup.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]

	return sess, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions)
}

func (m *Manager) deregister(sessionID string) {
	m.mu.Lock()

	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)

	m.mu.Unlock()

	if ok {
		m.log.Info("session ended", "session_id", sessionID)
	}
}

// Resume replays the events a reconnecting client missed, in order, through
// sender, and returns the stream id to keep appending to. An unrecognized
// lastEventID yields an empty stream id: the caller starts a fresh stream.
func (m *Manager) Resume(ctx context.Context, lastEventID string, sender event.Sender) (string, error) {
	return m.events.ReplayAfter(ctx, lastEventID, sender)
}

// ReleaseAll closes every tracked transport concurrently, best-effort, and
// clears the registry regardless of individual close outcomes.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}

	m.sessions = make(map[string]*Session, 8)

	m.mu.Unlock()

	var g errgroup.Group

	for _, sess := range sessions {
		g.Go(func() error {
			if err := sess.Transport.Close(); err != nil {
				m.log.Warn("transport close failed", "session_id", sess.ID, "error", err)

				return err
			}

			return nil
		})
	}

	return g.Wait()
}

// Close is an alias for ReleaseAll, for use in shutdown paths.
func (m *Manager) Close() error {
	return m.ReleaseAll()
}
