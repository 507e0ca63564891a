package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"inkdash/internal/battery"
	"inkdash/internal/config"
	appLog "inkdash/internal/log"
	"inkdash/internal/model"
)

// StatusProvider exposes the update loop's current state.
type StatusProvider interface {
	Status() model.Status
}

// Server provides a small local HTTP API to check on the appliance:
// health, loop status, battery level and the last captured frame.
type Server struct {
	cfg     *config.Config
	status  StatusProvider
	battery battery.Reader
	router  *mux.Router

	// accessLog receives Apache combined log lines; nil disables them.
	accessLog io.Writer

	// In-memory cache for battery status. This avoids hitting I2C on
	// every single HTTP call.
	batteryMu    sync.RWMutex
	batteryCache *batteryCache
}

// NewServer constructs a new Server. batteryReader may be nil when battery
// monitoring is disabled.
func NewServer(cfg *config.Config, status StatusProvider, batteryReader battery.Reader) *Server {
	s := &Server{
		cfg:     cfg,
		status:  status,
		battery: batteryReader,
		router:  mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		h = s.basicAuthMiddleware(h)
	}
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(h)
	if s.accessLog != nil {
		h = handlers.CombinedLoggingHandler(s.accessLog, h)
	}
	return h
}

// Serve listens on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	logWriter := appLog.Writer()
	defer logWriter.Close()
	s.accessLog = logWriter

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP status server", "listen", "http://"+s.cfg.Listen, "basic_auth", s.basicAuthEnabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP status server stopped")
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="inkdash", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	s.router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/battery", s.handleBattery).Methods(http.MethodGet)
	s.router.HandleFunc("/preview.png", s.handlePreview).Methods(http.MethodGet, http.MethodHead)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	model.Status
	Healthy bool `json:"healthy"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	st := s.status.Status()
	writeJSON(w, http.StatusOK, statusResponse{Status: st, Healthy: st.Healthy()})
}

// batteryCache holds the last known battery status and its timestamp.
type batteryCache struct {
	status    battery.Status
	updatedAt time.Time
}

// batteryResponse is the JSON response shape for /api/battery.
type batteryResponse struct {
	Percent   int `json:"percent"`
	VoltageMv int `json:"voltage_mv"`
}

// handleBattery exposes current battery status. Readings are cached for a
// short while; battery level does not need sub-second precision.
func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	if s.battery == nil {
		writeError(w, http.StatusServiceUnavailable, "battery monitoring disabled")
		return
	}

	const batteryCacheTTL = 30 * time.Second
	now := time.Now()

	s.batteryMu.RLock()
	bc := s.batteryCache
	s.batteryMu.RUnlock()
	if bc != nil && now.Sub(bc.updatedAt) < batteryCacheTTL {
		writeJSON(w, http.StatusOK, batteryResponse{Percent: bc.status.Percent, VoltageMv: bc.status.VoltageMv})
		return
	}

	status, err := s.battery.Read(r.Context())
	if err != nil {
		appLog.Error("battery read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read battery")
		return
	}

	s.batteryMu.Lock()
	s.batteryCache = &batteryCache{status: status, updatedAt: time.Now()}
	s.batteryMu.Unlock()

	writeJSON(w, http.StatusOK, batteryResponse{Percent: status.Percent, VoltageMv: status.VoltageMv})
}

// handlePreview serves the last captured screenshot from disk.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	// http.ServeFile answers 404 for a missing file and 500 for others.
	http.ServeFile(w, r, s.cfg.Capture.ScreenshotPath)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
