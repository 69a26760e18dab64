package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/engine"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/events"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/ircode"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/irlearn"
)

// Controller is the engine surface the HTTP API drives.
type Controller interface {
	Devices() []engine.DeviceInfo
	Zones(deviceID string) ([]av.Zone, error)
	Zone(deviceID string, zone int) (av.Zone, error)
	Execute(ctx context.Context, deviceID string, zone int, action av.Action, p av.Params) (av.Zone, error)
	QueryStatus(ctx context.Context, deviceID string) ([]av.Zone, error)

	StartLearn(ctx context.Context, gatewayID, profileID, button string) (irlearn.Session, error)
	WaitCapture(ctx context.Context, gatewayID string) (irlearn.Session, error)
	TestCandidate(ctx context.Context, gatewayID string) (irlearn.Session, error)
	Commit(gatewayID string) (ircode.Command, error)
	CancelLearn(ctx context.Context, gatewayID string) error
	LearnStatus(gatewayID string) (irlearn.Session, error)

	Play(ctx context.Context, profileID, button string) error
	SaveCode(cmd ircode.Command) error
	DeleteCode(profileID, button string) error
	Codes(profileID string) ([]ircode.Command, error)
	ExportProfile(profileID string) ([]byte, error)
	ImportProfile(data []byte) (ircode.Profile, error)
	Profile(profileID string) (engine.ProfileStatus, error)
	Profiles() ([]engine.ProfileStatus, error)
}

// MacroRunner lists and runs stored macros.
type MacroRunner interface {
	List() ([]string, error)
	Run(ctx context.Context, name string) error
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithMacros exposes macros under /api/macros.
func WithMacros(m MacroRunner) ServerOption {
	return func(s *Server) {
		s.macros = m
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP and WebSocket front end of the engine.
type Server struct {
	ctl            Controller
	router         chi.Router
	wsHub          *WSHub
	logger         *slog.Logger
	apiKey         string
	allowedOrigins []string
	macros         MacroRunner
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts forwarding bus events to
// WebSocket clients.
func NewServer(ctl Controller, bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		ctl:    ctl,
		logger: logger.With("component", "web"),
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

	s.unsubEvents = bus.OnAll(func(e events.Event) {
		s.wsHub.Broadcast(e)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for it.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.cors)
	r.Use(s.auth)

	r.Get("/api/version", s.handleAPIVersion)

	r.Get("/api/devices", s.handleAPIListDevices)
	r.Get("/api/devices/{id}", s.handleAPIGetDevice)
	r.Get("/api/devices/{id}/zones", s.handleAPIListZones)
	r.Post("/api/devices/{id}/zones/status", s.handleAPIQueryStatus)
	r.Get("/api/devices/{id}/zones/{zone}", s.handleAPIGetZone)
	r.Post("/api/devices/{id}/zones/{zone}", s.handleAPIExecute)

	r.Get("/api/gateways/{id}/learn", s.handleAPILearnStatus)
	r.Post("/api/gateways/{id}/learn", s.handleAPIStartLearn)
	r.Delete("/api/gateways/{id}/learn", s.handleAPICancelLearn)
	r.Post("/api/gateways/{id}/learn/wait", s.handleAPIWaitCapture)
	r.Post("/api/gateways/{id}/learn/test", s.handleAPITestCandidate)
	r.Post("/api/gateways/{id}/learn/commit", s.handleAPICommit)

	r.Get("/api/profiles", s.handleAPIListProfiles)
	r.Post("/api/profiles/import", s.handleAPIImportProfile)
	r.Get("/api/profiles/{id}", s.handleAPIGetProfile)
	r.Get("/api/profiles/{id}/export", s.handleAPIExportProfile)
	r.Get("/api/profiles/{id}/codes", s.handleAPIListCodes)
	r.Put("/api/profiles/{id}/codes/{button}", s.handleAPISaveCode)
	r.Delete("/api/profiles/{id}/codes/{button}", s.handleAPIDeleteCode)
	r.Post("/api/profiles/{id}/codes/{button}/play", s.handleAPIPlay)

	r.Get("/api/macros", s.handleAPIListMacros)
	r.Post("/api/macros/{name}/run", s.handleAPIRunMacro)

	r.Get("/ws", s.handleWS)
	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// cors checks Origin on mutating requests to prevent CSRF and answers
// preflight requests.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if len(s.allowedOrigins) == 0 || origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			if !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			if !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		next.ServeHTTP(w, r)
	})
}

// auth requires X-API-Key on /api/ paths. The WebSocket endpoint is left
// open because browsers cannot set custom headers on the upgrade.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
