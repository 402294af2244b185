// Package server provides the WebSocket relay server: the connection hub
// and the command dispatcher over it.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fileverse/collab-relay/internal/cache"
	"github.com/fileverse/collab-relay/internal/config"
	"github.com/fileverse/collab-relay/internal/protocol"
	"github.com/fileverse/collab-relay/internal/session"
	"github.com/fileverse/collab-relay/internal/store"
)

// TokenVerifier is the capability-token contract the dispatcher consumes.
type TokenVerifier interface {
	VerifyOwnerToken(ctx context.Context, token, contractAddress, collaboratorAddress string) (string, error)
	VerifyCollaborationToken(ctx context.Context, token, sessionDid string) error
}

// UpdateLog is the slice of the durable store the dispatcher drives.
type UpdateLog interface {
	CreateUpdate(ctx context.Context, u store.DocumentUpdate) error
	CreateCommit(ctx context.Context, c store.DocumentCommit) error
	UpdatesByDocument(ctx context.Context, documentID string, q store.QueryOptions) ([]store.DocumentUpdate, error)
	CommitsByDocument(ctx context.Context, documentID string, q store.QueryOptions) ([]store.DocumentCommit, error)
}

// Server is the relay's HTTP front: the upgrade endpoint plus the health
// and stats surface.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	verifier   TokenVerifier
	updates    UpdateLog
	sessions   *session.Manager
	bus        *cache.Client
	hub        *Hub
	nodeID     string
	startedAt  time.Time
}

// Deps are the wired singletons the server is built from.
type Deps struct {
	Verifier TokenVerifier
	Updates  UpdateLog
	Sessions *session.Manager
	Bus      *cache.Client // nil when running single-node
	NodeID   string
}

// New creates a server instance over the wired dependencies.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		config:    cfg,
		verifier:  deps.Verifier,
		updates:   deps.Updates,
		sessions:  deps.Sessions,
		bus:       deps.Bus,
		nodeID:    deps.NodeID,
		startedAt: time.Now().UTC(),
	}

	s.hub = NewHub(deps.Sessions, cfg.PingInterval, cfg.PongTimeout, cfg.MaxFrameBytes)
	s.hub.dispatch = s.dispatchCommand

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// WriteTimeout is intentionally unset because WebSocket connections
	// are long-lived. Go's http.Server.WriteTimeout sets a deadline on the
	// underlying net.Conn BEFORE the handler runs, which kills hijacked
	// WebSocket connections after the timeout period.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s
}

// Hub exposes the connection hub (tests and stats).
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	slog.Info("Starting collaboration relay", "addr", s.httpServer.Addr, "nodeId", s.nodeID)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully stops the server: no new upgrades, then every open
// socket is closed so each connection's disconnect cleanup runs.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.CloseAll()
	return err
}

// handleSocket upgrades the request and runs the connection until close.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely same-origin or non-browser client
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := newConn(uuid.NewString(), ws, s.config.SendQueueDepth, cancel)
	s.hub.register(c)

	go c.writePump(s.config.PingInterval, s.config.WSWriteTimeout)

	// Handshake goes out first on every new socket.
	c.enqueue(protocol.Marshal(protocol.Handshake(s.config.ServerDid)), true)

	s.hub.readLoop(ctx, c)
}

// isOriginAllowed checks the Origin header against the configured list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix := parts[0]
	suffix := parts[1]

	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The middle part (subdomain) must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(protocol.Marshal(map[string]string{"status": "ok", "nodeId": s.nodeID}))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]interface{}{
		"nodeId":      s.nodeID,
		"connections": s.hub.Count(),
		"sessions":    s.sessions.Count(),
		"uptimeSec":   int64(time.Since(s.startedAt).Seconds()),
	}
	if s.bus != nil {
		stats["busReconnects"] = s.bus.Reconnects()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(protocol.Marshal(stats))
}

// corsMiddleware adds CORS headers for the health/stats surface. WebSocket
// upgrades bypass CORS, which is why the upgrader validates origins itself.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			if strings.Contains(o, "*") && matchWildcardOrigin(origin, o) {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
