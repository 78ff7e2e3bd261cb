// Package web implements the HTTP/WS Surface (§4.G): a JSON REST API
// over the Provisioning Orchestrator and State Store, a broadcasting
// WebSocket hub, and the captive-portal catch-all/probe endpoints.
package web

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"distiller-wifi/internal/netadapter"
	"distiller-wifi/internal/orchestrator"
	"distiller-wifi/internal/state"

	"github.com/google/uuid"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// Server is the HTTP server for the provisioning REST/WS surface.
type Server struct {
	store   *state.Manager
	orch    *orchestrator.Orchestrator
	adapter netadapter.Adapter
	apIP    string
	webPort int
	logger  *slog.Logger
	mux     *http.ServeMux
	wsHub   *WSHub

	allowedOrigins []string

	scanMu        sync.Mutex
	lastScanAt    time.Time
	lastScanList  []netadapter.WiFiNetwork

	sessMu      sync.Mutex
	sessionBusy map[string]bool

	wg          sync.WaitGroup
	unsubChange func()
}

// NewServer builds a Server and starts its WebSocket hub and State
// Store subscription. Call Stop to release both.
func NewServer(store *state.Manager, orch *orchestrator.Orchestrator, adapter netadapter.Adapter, apIP string, webPort int, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		store:       store,
		orch:        orch,
		adapter:     adapter,
		apIP:        apIP,
		webPort:     webPort,
		logger:      logger.With("component", "web"),
		mux:         http.NewServeMux(),
		sessionBusy: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubChange = store.OnChange(func(_, next *state.SystemState) {
		s.wsHub.Broadcast(next.APIView())
	})

	s.routes()
	return s
}

// Stop shuts down the WS hub and unsubscribes from the State Store.
func (s *Server) Stop() {
	if s.unsubChange != nil {
		s.unsubChange()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/networks", s.handleNetworks)
	s.mux.HandleFunc("POST /api/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("GET /ws", s.handleWS)

	for _, path := range []string{
		"/generate_204", "/gen_204",
		"/hotspot-detect.html", "/library/test/success.html",
		"/ncsi.txt", "/connecttest.txt", "/success.txt",
	} {
		s.mux.HandleFunc("GET "+path, s.handleCaptiveProbe)
	}
	s.mux.HandleFunc("/", s.handleCatchAll)
}

// ServeHTTP implements http.Handler, ensuring every request carries a
// session_id cookie before dispatch (§4.G "Session IDs").
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := s.ensureSessionCookie(w, r)
	s.store.TouchSession(sessionID)
	s.mux.ServeHTTP(w, r)
}

func (s *Server) ensureSessionCookie(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie("session_id"); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     "session_id",
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (s *Server) inAPMode() bool {
	return s.store.Get().ConnectionState == state.APMode
}
