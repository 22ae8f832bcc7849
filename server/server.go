package server

import (
	"fmt"
	"net/http"

	"github.com/chazu/tapir/store"
)

// TapirServer is the Connect control surface over a set of engine sessions.
type TapirServer struct {
	sessions  *SessionStore
	snapshots *store.Store
	mux       *http.ServeMux
}

// ServerOption configures a TapirServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	engineFactory EngineFactory
	snapshots     *store.Store
}

// WithEngineFactory sets the factory used to build the engine behind each
// new session. Without this, sessions get plain in-process engines.
func WithEngineFactory(fn EngineFactory) ServerOption {
	return func(c *serverConfig) { c.engineFactory = fn }
}

// WithSnapshotStore sets the snapshot database the snapshot procedures use.
// Without this, those procedures are rejected. The caller keeps ownership of
// the store.
func WithSnapshotStore(st *store.Store) ServerOption {
	return func(c *serverConfig) { c.snapshots = st }
}

// New creates a TapirServer.
func New(opts ...ServerOption) *TapirServer {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	sessions := NewSessionStore(cfg.engineFactory)

	s := &TapirServer{
		sessions:  sessions,
		snapshots: cfg.snapshots,
		mux:       http.NewServeMux(),
	}

	engineSvc := NewEngineService(sessions, cfg.snapshots)
	sessionSvc := NewSessionService(sessions)

	enginePath, engineHandler := NewEngineServiceHandler(engineSvc)
	sessionPath, sessionHandler := NewSessionServiceHandler(sessionSvc)

	s.mux.Handle(enginePath, engineHandler)
	s.mux.Handle(sessionPath, sessionHandler)

	return s
}

// Handler returns the assembled mux, for tests and embedding.
func (s *TapirServer) Handler() http.Handler {
	return s.mux
}

// Sessions returns the server's session store.
func (s *TapirServer) Sessions() *SessionStore {
	return s.sessions
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *TapirServer) ListenAndServe(addr string) error {
	fmt.Printf("Tapir engine server listening on %s\n", addr)
	fmt.Printf("  Connect (HTTP/CBOR): http://%s/tapir.v1.EngineService/GetState\n", addr)
	return http.ListenAndServe(addr, s.mux)
}

// Stop shuts down every session.
func (s *TapirServer) Stop() {
	s.sessions.Close()
}
