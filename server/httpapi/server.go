package httpapi

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/migadu/livequery/bridge"
	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/consts"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/health"
	"github.com/migadu/livequery/pkg/metrics"
	"github.com/migadu/livequery/server/idgen"
	"github.com/migadu/livequery/store"
)

// Store is the part of a backend the HTTP API reads and mutates directly.
type Store interface {
	Get(ctx context.Context, collection store.Collection, id string) (store.Record, error)
	store.Writer
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	bridge       *bridge.Bridge
	store        Store
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
	writeTimeout time.Duration
	pingInterval time.Duration
	maxBodySize  int64
	health       *health.Monitor
	upgrader     websocket.Upgrader
	validate     *validator.Validate
	now          func() time.Time
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
	WriteTimeout time.Duration
	PingInterval time.Duration
	MaxBodySize  int64
	// Health, when set, backs GET /health with component checks.
	Health *health.Monitor
}

// OptionsFromConfig converts the [server] section.
func OptionsFromConfig(cfg config.ServerConfig) ServerOptions {
	return ServerOptions{
		Addr:         cfg.Addr,
		APIKey:       cfg.APIKey,
		AllowedHosts: cfg.AllowedHosts,
		TLS:          cfg.TLS,
		TLSCertFile:  cfg.TLSCertFile,
		TLSKeyFile:   cfg.TLSKeyFile,
		WriteTimeout: cfg.GetWriteTimeout(),
		PingInterval: cfg.GetPingInterval(),
		MaxBodySize:  cfg.GetMaxBodySize(),
	}
}

// New creates a new HTTP API server. An empty API key disables
// authentication.
func New(b *bridge.Bridge, st Store, options ServerOptions) (*Server, error) {
	if b == nil || st == nil {
		return nil, fmt.Errorf("HTTP API server requires a bridge and a store")
	}
	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}
	for _, host := range options.AllowedHosts {
		if strings.Contains(host, "/") {
			if _, _, err := net.ParseCIDR(host); err != nil {
				return nil, fmt.Errorf("invalid allowed host %q: %w", host, err)
			}
		}
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = 10 * time.Second
	}
	if options.PingInterval <= 0 {
		options.PingInterval = 30 * time.Second
	}
	if options.MaxBodySize <= 0 {
		options.MaxBodySize = 25 << 20
	}

	s := &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		bridge:       b,
		store:        st,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
		writeTimeout: options.WriteTimeout,
		pingInterval: options.PingInterval,
		maxBodySize:  options.MaxBodySize,
		health:       options.Health,
		validate:     validator.New(),
		now:          time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Access is governed by the API key and allowed hosts.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	if s.apiKey == "" {
		logger.Warn("HTTP API: no API key configured, authentication is disabled")
	}
	return s, nil
}

// Start starts the HTTP API server and blocks until ctx is done.
func Start(ctx context.Context, b *bridge.Bridge, st Store, options ServerOptions, errChan chan error) {
	server, err := New(b, st, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: Starting server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP API: Error shutting down server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/graphql", s.handleGraphQL).Methods("POST")
	router.HandleFunc("/graphql/ws", s.handleWebsocket).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Subscription routes
	v1.HandleFunc("/subscriptions", s.handleListSubscriptions).Methods("GET")
	v1.HandleFunc("/subscriptions/{id}", s.handleCancelSubscription).Methods("DELETE")

	// Item routes
	v1.HandleFunc("/folders/{folder}/items", s.handleImportItem).Methods("POST")
	v1.HandleFunc("/items/{id}", s.handleUpdateItem).Methods("PATCH")
	v1.HandleFunc("/items/{id}", s.handleDeleteItem).Methods("DELETE")

	return router
}

// Middleware functions

// statusRecorder remembers the response code. It passes Hijack through so
// websocket upgrades keep working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(context.WithValue(r.Context(), consts.RequestIDKey, requestID))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		logger.Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"status", rec.status, "request_id", requestID, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		if !hostAllowed(s.allowedHosts, clientIP) {
			logger.Warn("HTTP API: rejected client", "ip", clientIP, "path", r.URL.Path)
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func hostAllowed(allowedHosts []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, allowedHost := range allowedHosts {
		if allowedHost == clientIP {
			return true
		}
		if !strings.Contains(allowedHost, "/") || ip == nil {
			continue
		}
		if _, cidr, err := net.ParseCIDR(allowedHost); err == nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken reads the API key from the Authorization header. Websocket
// clients that cannot set headers may pass it as the access_token query
// parameter instead.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if websocket.IsWebSocketUpgrade(r) {
			if token := r.URL.Query().Get("access_token"); token != "" {
				return token, true
			}
		}
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("HTTP API: Error encoding JSON response", "error", err)
	}
}

// writeRaw sends an already encoded JSON document.
func (s *Server) writeRaw(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		logger.Debug("HTTP API: Error writing response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
