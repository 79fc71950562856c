package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/coupon-reminders/internal/ingest"
	"github.com/example/coupon-reminders/internal/location"
	"github.com/example/coupon-reminders/internal/models"
	"github.com/example/coupon-reminders/internal/preferences"
)

// Tracker is the location source the device app controls.
type Tracker interface {
	Subject() models.TrackedSubject
	RequestPermission(ctx context.Context) (models.Coordinate, error)
	StartTracking() error
	StopTracking()
}

// FixSink accepts fixes and failures reported by the device app.
type FixSink interface {
	Push(c models.Coordinate, at time.Time)
	Fail(err error)
}

type PreferenceStore interface {
	Get(couponID string) (models.CouponReminderConfig, error)
	List() []models.CouponReminderConfig
	Update(ctx context.Context, couponID string, patch models.ReminderPatch) (models.CouponReminderConfig, error)
}

// SessionRegistry takes ownership of upgraded device connections.
type SessionRegistry interface {
	Add(conn *websocket.Conn)
}

type Server struct {
	tracker Tracker
	fixes   FixSink
	prefs   PreferenceStore
	ws      SessionRegistry
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(tracker Tracker, fixes FixSink, prefs PreferenceStore, ws SessionRegistry, logger *slog.Logger) *Server {
	s := &Server{tracker: tracker, fixes: fixes, prefs: prefs, ws: ws, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/location", s.handleLocation).Methods(http.MethodPost)
	api.HandleFunc("/location/error", s.handleLocationError).Methods(http.MethodPost)
	api.HandleFunc("/tracking", s.handleTracking).Methods(http.MethodGet)
	api.HandleFunc("/tracking/permission", s.handleRequestPermission).Methods(http.MethodPost)
	api.HandleFunc("/tracking/start", s.handleStartTracking).Methods(http.MethodPost)
	api.HandleFunc("/tracking/stop", s.handleStopTracking).Methods(http.MethodPost)
	api.HandleFunc("/reminders", s.handleListReminders).Methods(http.MethodGet)
	api.HandleFunc("/reminders/{coupon_id}", s.handleGetReminder).Methods(http.MethodGet)
	api.HandleFunc("/reminders/{coupon_id}", s.handlePatchReminder).Methods(http.MethodPatch)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type fixRequest struct {
	Lat        *float64  `json:"lat"`
	Lon        *float64  `json:"lon"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var req fixRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Lat == nil || req.Lon == nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	c := models.Coordinate{Lat: *req.Lat, Lon: *req.Lon}
	if err := ingest.ValidateCoordinate(c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.fixes.Push(c, req.RecordedAt)
	w.WriteHeader(http.StatusNoContent)
}

type failureRequest struct {
	Failure string `json:"failure"`
	Detail  string `json:"detail"`
}

func (s *Server) handleLocationError(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := location.FailureError(req.Failure, req.Detail)
	if errors.Is(err, location.ErrUnknownFailure) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.fixes.Fail(err)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Subject())
}

func (s *Server) handleRequestPermission(w http.ResponseWriter, r *http.Request) {
	_, err := s.tracker.RequestPermission(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.tracker.Subject())
	case errors.Is(err, location.ErrAcquisitionTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusForbidden, err.Error())
	}
}

func (s *Server) handleStartTracking(w http.ResponseWriter, r *http.Request) {
	err := s.tracker.StartTracking()
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.tracker.Subject())
	case errors.Is(err, location.ErrNotGranted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleStopTracking(w http.ResponseWriter, r *http.Request) {
	s.tracker.StopTracking()
	writeJSON(w, http.StatusOK, s.tracker.Subject())
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.prefs.List())
}

func (s *Server) handleGetReminder(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.prefs.Get(mux.Vars(r)["coupon_id"])
	if err != nil {
		s.writePreferenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePatchReminder(w http.ResponseWriter, r *http.Request) {
	var patch models.ReminderPatch
	if err := decode(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := s.prefs.Update(r.Context(), mux.Vars(r)["coupon_id"], patch)
	if err != nil {
		s.writePreferenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) writePreferenceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, preferences.ErrUnknownCoupon):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, preferences.ErrInvalidConfig):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("preference store failure", "error", err)
		writeError(w, http.StatusInternalServerError, "preference store unavailable")
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.ws.Add(conn)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newID() string { return uuid.NewString() }
