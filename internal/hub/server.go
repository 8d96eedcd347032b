// Package hub serves a task backend to remote clients.
//
// Operations are JSON over HTTP. The change feed is a websocket per
// workspace that carries one store.Frame per committed change, in commit
// order, after an initial "ready" frame.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tasknest/tasknest/internal/logging"
	"github.com/tasknest/tasknest/internal/store"
	"github.com/tasknest/tasknest/internal/store/sqlstore"
)

// UserHeader carries the calling user's id.
const UserHeader = "X-Nest-User"

// Backend is what the hub serves.
type Backend interface {
	store.Backend
	Counts(ctx context.Context) (sqlstore.Counts, error)
}

// Server manages HTTP routes and websocket feed connections.
type Server struct {
	backend  Backend
	addr     string
	listener net.Listener
	server   *http.Server
	router   *mux.Router

	// WebSocket client management
	clients   map[*websocket.Conn]string
	clientsMu sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger logrus.FieldLogger
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8080")
	Addr string

	// WriteTimeout bounds a single feed frame write (default: 5s)
	WriteTimeout time.Duration

	// Logger for server activity (default: discard)
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":8080",
		WriteTimeout: 5 * time.Second,
	}
}

// NewServer creates a hub for backend.
func NewServer(backend Backend, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		backend: backend,
		addr:    config.Addr,
		clients: make(map[*websocket.Conn]string),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logging.OrDiscard(config.Logger).WithField("component", "hub"),
	}
	s.router = s.routes(config.WriteTimeout)
	return s
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.WithField("addr", ln.Addr().String()).Info("Hub listening")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Server error")
		}
	}()
	return nil
}

// Stop closes feed connections and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("Stopping hub")
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("Hub stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of open feed connections.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) routes(writeTimeout time.Duration) *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/workspaces/{ws}/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks", s.handleInsertTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}", s.handleUpdateTask).Methods(http.MethodPatch)
	api.HandleFunc("/tasks/{id}", s.handleDeleteTask).Methods(http.MethodDelete)
	api.HandleFunc("/tasks/{id}/updated_at", s.handleGetUpdatedAt).Methods(http.MethodGet)
	api.HandleFunc("/users/{user}/workspace", s.handleFindWorkspace).Methods(http.MethodGet)
	api.HandleFunc("/users/{user}/workspaces", s.handleCreateWorkspace).Methods(http.MethodPost)
	api.HandleFunc("/users/{user}/workspaces/{ws}", s.handleIsMember).Methods(http.MethodGet)
	api.HandleFunc("/users/{user}/workspaces/{ws}/migrate", s.handleMigrate).Methods(http.MethodPost)

	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		s.handleWebSocket(w, req, writeTimeout)
	}).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	return r
}

// handleWebSocket upgrades the connection and streams the workspace feed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) {
	workspaceID := r.URL.Query().Get("workspace")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace query parameter is required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	send := func(f store.Frame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to marshal frame: %w", err)
		}
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		defer wcancel()
		return conn.Write(wctx, websocket.MessageText, data)
	}

	log := s.logger.WithFields(logrus.Fields{
		"workspace_id": workspaceID,
		"user_id":      r.Header.Get(UserHeader),
	})

	unsubscribe, err := s.backend.Subscribe(ctx, workspaceID, func(ev store.ChangeEvent) {
		if err := send(store.FrameFromEvent(ev)); err != nil {
			log.WithError(err).Debug("Failed to send frame")
			cancel()
		}
	})
	if err != nil {
		cancel()
		log.WithError(err).Warn("Subscribe failed")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = workspaceID
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	log.WithField("clients", clientCount).Info("Feed client connected")

	if err := send(store.Frame{Kind: store.FrameReady, WorkspaceID: workspaceID}); err != nil {
		cancel()
	}

	s.wg.Add(1)
	go s.readLoop(ctx, cancel, conn, unsubscribe)
}

// readLoop keeps the connection alive and cleans up when either side ends it.
func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, unsubscribe store.Unsubscribe) {
	defer s.wg.Done()
	defer s.removeClient(conn)
	defer unsubscribe()
	defer cancel()

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		// Clients don't send anything; reads only detect disconnects.
	}
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	ws, exists := s.clients[conn]
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.WithFields(logrus.Fields{
			"workspace_id": ws,
			"clients":      clientCount,
		}).Info("Feed client disconnected")
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.backend.Counts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
		"counts":  counts,
	})
}

// handleRoot returns basic server information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>tasknest hub</title>
</head>
<body>
    <h1>tasknest hub</h1>
    <p>Change feed: <code>ws://%s/ws?workspace=&lt;id&gt;</code></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// The upgrade needs the original writer.
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"user_id":  r.Header.Get(UserHeader),
			"duration": time.Since(start).String(),
		}).Debug("Request")
	})
}
