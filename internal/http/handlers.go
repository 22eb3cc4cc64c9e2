// Package httpapi serves the local control API the UI layer uses to observe
// the driver client and issue commands.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/example/ride-driver/internal/agent"
	"github.com/example/ride-driver/internal/apperr"
	"github.com/example/ride-driver/internal/models"
	"github.com/example/ride-driver/internal/storage"
)

// Driver is everything the control API needs from the agent.
type Driver interface {
	Snapshot() agent.Snapshot
	Subscribe() (<-chan agent.Snapshot, func())
	Login(ctx context.Context, req agent.LoginRequest) (models.LoginResult, error)
	Logout(ctx context.Context) error
	SetOnline(ctx context.Context, online bool) error
	ToggleOnline(ctx context.Context) (bool, error)
	Accept(ctx context.Context, rideID string) error
	Reject(ctx context.Context, rideID, reason string) error
	MarkArrived(ctx context.Context, rideID string) error
	StartRide(ctx context.Context, rideID string) error
	CompleteRide(ctx context.Context, rideID string) error
	Acknowledge(ctx context.Context) error
	Journal(ctx context.Context, limit int) ([]storage.Entry, error)
}

type Server struct {
	driver   Driver
	logger   *zap.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(d Driver, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{driver: d, logger: logger.Named("http"), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/state", s.handleState).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/journal", s.handleJournal).Methods("GET")
	api.HandleFunc("/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/logout", s.handleLogout).Methods("POST")
	api.HandleFunc("/online", s.handleOnline).Methods("POST")
	api.HandleFunc("/ride/{action:accept|reject|arrived|start|complete|acknowledge}", s.handleRide).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.driver.Snapshot())
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := cast.ToInt(r.URL.Query().Get("limit"))
	entries, err := s.driver.Journal(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []storage.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req agent.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Validation("http.login", err))
		return
	}
	res, err := s.driver.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"driverId": res.DriverID, "name": res.Name, "phone": res.Phone})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.driver.Logout(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type onlineRequest struct {
	// Online toggles the current flag when omitted.
	Online *bool `json:"online"`
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, apperr.Validation("http.online", err))
			return
		}
	}
	var online bool
	var err error
	if req.Online == nil {
		online, err = s.driver.ToggleOnline(r.Context())
	} else {
		online = *req.Online
		err = s.driver.SetOnline(r.Context(), online)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": online})
}

type rideRequest struct {
	RideID string `json:"rideId"`
	Reason string `json:"reason"`
}

func (s *Server) handleRide(w http.ResponseWriter, r *http.Request) {
	var req rideRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, apperr.Validation("http.ride", err))
			return
		}
	}
	ctx := r.Context()
	var err error
	switch mux.Vars(r)["action"] {
	case "accept":
		err = s.driver.Accept(ctx, req.RideID)
	case "reject":
		err = s.driver.Reject(ctx, req.RideID, req.Reason)
	case "arrived":
		err = s.driver.MarkArrived(ctx, req.RideID)
	case "start":
		err = s.driver.StartRide(ctx, req.RideID)
	case "complete":
		err = s.driver.CompleteRide(ctx, req.RideID)
	case "acknowledge":
		err = s.driver.Acknowledge(ctx)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.driver.Snapshot().Ride)
}

// handleEvents streams a snapshot on every change until the client leaves.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	updates, stop := s.driver.Subscribe()
	defer stop()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case snap := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(snap); err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

type errorBody struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindNetwork:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		return 499
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Warn("request failed", zap.Int("status", code), zap.Error(err))
	}
	writeJSON(w, code, errorBody{Error: true, Message: err.Error(), Kind: string(apperr.KindOf(err))})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
