package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/xeudoxus/pitboss-grill-driver/internal/config"
	"github.com/xeudoxus/pitboss-grill-driver/internal/controller"
	"github.com/xeudoxus/pitboss-grill-driver/internal/grill"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The host platform connects over the LAN, not a browser; origin
	// checks don't apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server is the host HTTP API around one controller.
type Server struct {
	mu          sync.RWMutex
	cfg         *config.Config // swapped, never mutated, on pref changes
	ctrl        *controller.Controller
	broadcaster *Broadcaster
}

func NewServer(cfg *config.Config, ctrl *controller.Controller, broadcaster *Broadcaster) *Server {
	return &Server{cfg: cfg, ctrl: ctrl, broadcaster: broadcaster}
}

// Router builds the API surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/api/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/api/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/command", s.handleCommand).Methods(http.MethodPost)
	r.HandleFunc("/api/discover", s.handleDiscover).Methods(http.MethodPost)
	r.HandleFunc("/api/prefs", s.handleGetPrefs).Methods(http.MethodGet)
	r.HandleFunc("/api/prefs", s.handlePutPrefs).Methods(http.MethodPut)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("ws upgrade: %v", err)
		return
	}
	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		return
	}
	// Reader loop: the host sends nothing meaningful; we read to detect
	// the close.
	go func() {
		defer s.broadcaster.RemoveClient(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Derived())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Refresh(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Derived())
}

// commandRequest is the JSON body of POST /api/command.
type commandRequest struct {
	Kind        string `json:"kind"` // temperature, light, prime, power, unit
	Temperature int    `json:"temperature,omitempty"`
	On          bool   `json:"on,omitempty"`
	Celsius     bool   `json:"celsius,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cmd, err := req.toCommand()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), grill.RequestTimeout*3)
	defer cancel()
	if err := s.ctrl.SendCommand(ctx, cmd); err != nil {
		status := http.StatusBadGateway
		if grill.IsAuthError(err) {
			status = http.StatusUnauthorized
		}
		if errors.Is(err, grill.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (req commandRequest) toCommand() (controller.Command, error) {
	switch req.Kind {
	case "temperature":
		return controller.Command{Kind: controller.CommandSetTemperature, Temperature: req.Temperature}, nil
	case "light":
		return controller.Command{Kind: controller.CommandSetLight, On: req.On}, nil
	case "prime":
		return controller.Command{Kind: controller.CommandSetPrime, On: req.On}, nil
	case "power":
		return controller.Command{Kind: controller.CommandSetPower, On: req.On}, nil
	case "unit":
		return controller.Command{Kind: controller.CommandSetUnit, Celsius: req.Celsius}, nil
	}
	return controller.Command{}, fmt.Errorf("%w: unknown command kind %q", grill.ErrInvalidArgument, req.Kind)
}

type discoverRequest struct {
	Bypass bool `json:"bypass,omitempty"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if r.Body != nil {
		// An empty body means a plain rate-limited scan.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	ip, err := s.ctrl.Rediscover(r.Context(), req.Bypass)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": ip != "", "ip": ip})
}

// prefsRequest is the mutable preference subset exposed to the host.
type prefsRequest struct {
	IPAddress       *string `json:"ipAddress,omitempty"`
	RefreshSeconds  *int    `json:"refreshSeconds,omitempty"`
	AutoRediscovery *bool   `json:"autoRediscovery,omitempty"`
}

func (s *Server) handleGetPrefs(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"ipAddress":       cfg.Device.IPAddress,
		"refreshSeconds":  int(cfg.Device.RefreshInterval / time.Second),
		"autoRediscovery": cfg.Device.AutoRediscovery,
	})
}

func (s *Server) handlePutPrefs(w http.ResponseWriter, r *http.Request) {
	var req prefsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	old := s.cfg
	updated := *old
	if req.IPAddress != nil {
		updated.Device.IPAddress = *req.IPAddress
	}
	if req.RefreshSeconds != nil {
		updated.Device.RefreshInterval = time.Duration(*req.RefreshSeconds) * time.Second
	}
	if req.AutoRediscovery != nil {
		updated.Device.AutoRediscovery = *req.AutoRediscovery
	}
	s.cfg = &updated
	s.mu.Unlock()

	if err := s.ctrl.OnPrefsChanged(old, &updated); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.handleGetPrefs(w, r)
}

// ListenAndServe runs the API until ctx is cancelled.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: handler,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Infof("host API listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorPayload{Error: err.Error()})
}
