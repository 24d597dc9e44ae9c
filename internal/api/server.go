// Package api exposes stream control, live tracks and the activity log over
// HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	goahttp "goa.design/goa/v3/http"

	"kiosk/internal/activity"
	"kiosk/internal/auth"
	"kiosk/internal/database"
	"kiosk/internal/middleware"
	"kiosk/internal/pipeline"
	"kiosk/internal/tracking"
)

// Streams controls the running detection loops. *pipeline.Manager
// implements it.
type Streams interface {
	StartStream(ctx context.Context, cfg pipeline.StreamConfig) error
	StopStream(id string) error
	Streams() []pipeline.StreamStats
	Tracks(id string) ([]tracking.Track, error)
	Stats(id string) (pipeline.StreamStats, error)
	Trigger(ctx context.Context, id string) (bool, error)
}

// Store persists stream configurations and activity. *database.Database
// implements it.
type Store interface {
	SaveStream(ctx context.Context, rec *database.StreamRecord) error
	GetStream(ctx context.Context, id string) (*database.StreamRecord, error)
	ListStreams(ctx context.Context) ([]*database.StreamRecord, error)
	DeleteStream(ctx context.Context, id string) error
	ListActivity(ctx context.Context, filter database.ActivityFilter) ([]activity.Record, error)
	Ping(ctx context.Context) error
}

// HealthFunc reports the health of each backend; nil means healthy.
type HealthFunc func(ctx context.Context) map[string]error

// Server holds the HTTP handlers.
type Server struct {
	streams Streams
	store   Store
	health  HealthFunc
	auth    *auth.Authenticator
	logger  *log.Entry
}

// New creates the API server. health may be nil.
func New(streams Streams, store Store, health HealthFunc, authenticator *auth.Authenticator) *Server {
	return &Server{
		streams: streams,
		store:   store,
		health:  health,
		auth:    authenticator,
		logger:  log.WithField("component", "api"),
	}
}

// Mount registers the routes on mux.
func (s *Server) Mount(mux goahttp.Muxer) {
	protect := middleware.AuthMiddleware(s.auth)
	guarded := func(h http.HandlerFunc) http.HandlerFunc {
		return protect(h).ServeHTTP
	}

	mux.Handle(http.MethodGet, "/healthz", s.healthz)
	mux.Handle(http.MethodGet, "/readyz", s.readyz)
	mux.Handle(http.MethodPost, "/auth/login", s.login)

	mux.Handle(http.MethodGet, "/streams", guarded(s.listStreams))
	mux.Handle(http.MethodPost, "/streams", guarded(s.createStream))
	mux.Handle(http.MethodDelete, "/streams/{id}", guarded(withID(mux, s.deleteStream)))
	mux.Handle(http.MethodPost, "/streams/{id}/start", guarded(withID(mux, s.startStream)))
	mux.Handle(http.MethodPost, "/streams/{id}/stop", guarded(withID(mux, s.stopStream)))
	mux.Handle(http.MethodPost, "/streams/{id}/detect", guarded(withID(mux, s.detect)))
	mux.Handle(http.MethodGet, "/streams/{id}/tracks", guarded(withID(mux, s.tracks)))
	mux.Handle(http.MethodGet, "/streams/{id}/stats", guarded(withID(mux, s.stats)))
	mux.Handle(http.MethodGet, "/activity", guarded(s.listActivity))
}

func withID(mux goahttp.Muxer, h func(w http.ResponseWriter, r *http.Request, id string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, r, mux.Vars(r)["id"])
	}
}

// StreamView is a configured stream and, when running, its loop stats.
type StreamView struct {
	*database.StreamRecord
	Stats *pipeline.StreamStats `json:"stats,omitempty"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the bearer token.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DetectResponse reports whether a triggered iteration ran.
type DetectResponse struct {
	Ran bool `json:"ran"`
}

// ReadyResponse lists the backend checks.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.write(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.health != nil {
		for name, err := range s.health(ctx) {
			checks[name] = err
		}
	}

	resp := ReadyResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
	status := http.StatusOK
	for name, err := range checks {
		if err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	s.write(r.Context(), w, status, resp)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		s.writeError(r.Context(), w, errBadRequest("invalid login body"))
		return
	}

	token, expiresAt, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.write(r.Context(), w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) listStreams(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListStreams(r.Context())
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	running := make(map[string]pipeline.StreamStats)
	for _, st := range s.streams.Streams() {
		running[st.StreamID] = st
	}

	views := make([]StreamView, 0, len(records))
	for _, rec := range records {
		view := StreamView{StreamRecord: rec}
		if st, ok := running[rec.ID]; ok {
			view.Stats = &st
		}
		views = append(views, view)
	}
	s.write(r.Context(), w, http.StatusOK, views)
}

func (s *Server) createStream(w http.ResponseWriter, r *http.Request) {
	var cfg pipeline.StreamConfig
	if err := goahttp.RequestDecoder(r).Decode(&cfg); err != nil {
		s.writeError(r.Context(), w, errBadRequest("invalid stream body"))
		return
	}
	if cfg.ID == "" {
		s.writeError(r.Context(), w, errBadRequest("id is required"))
		return
	}
	cfg.Source = cfg.Source.Normalize()
	if err := cfg.Source.Validate(); err != nil {
		s.writeError(r.Context(), w, errBadRequest(err.Error()))
		return
	}

	rec := &database.StreamRecord{ID: cfg.ID, Name: cfg.Name, Source: cfg.Source, Autostart: cfg.Autostart}
	if existing, err := s.store.GetStream(r.Context(), cfg.ID); err == nil {
		rec.CreatedAt = existing.CreatedAt
	}
	if err := s.store.SaveStream(r.Context(), rec); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.write(r.Context(), w, http.StatusCreated, StreamView{StreamRecord: rec})
}

func (s *Server) deleteStream(w http.ResponseWriter, r *http.Request, id string) {
	stopErr := s.streams.StopStream(id)
	if stopErr != nil && !errors.Is(stopErr, pipeline.ErrStreamNotFound) {
		s.writeError(r.Context(), w, stopErr)
		return
	}

	if err := s.store.DeleteStream(r.Context(), id); err != nil {
		// A running stream that was never stored is still removed.
		if !errors.Is(err, database.ErrNotFound) || stopErr != nil {
			s.writeError(r.Context(), w, err)
			return
		}
	}
	s.write(r.Context(), w, http.StatusNoContent, nil)
}

func (s *Server) startStream(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := s.store.GetStream(r.Context(), id)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	cfg := pipeline.StreamConfig{ID: rec.ID, Name: rec.Name, Source: rec.Source, Autostart: rec.Autostart}
	if err := s.streams.StartStream(r.Context(), cfg); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.stats(w, r, id)
}

func (s *Server) stopStream(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.streams.StopStream(id); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.write(r.Context(), w, http.StatusNoContent, nil)
}

func (s *Server) detect(w http.ResponseWriter, r *http.Request, id string) {
	ran, err := s.streams.Trigger(r.Context(), id)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.write(r.Context(), w, http.StatusOK, DetectResponse{Ran: ran})
}

func (s *Server) tracks(w http.ResponseWriter, r *http.Request, id string) {
	tracks, err := s.streams.Tracks(id)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	if tracks == nil {
		tracks = []tracking.Track{}
	}
	s.write(r.Context(), w, http.StatusOK, tracks)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request, id string) {
	st, err := s.streams.Stats(id)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.write(r.Context(), w, http.StatusOK, st)
}

func (s *Server) listActivity(w http.ResponseWriter, r *http.Request) {
	filter, err := parseActivityFilter(r)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	records, err := s.store.ListActivity(r.Context(), filter)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	if records == nil {
		records = []activity.Record{}
	}
	s.write(r.Context(), w, http.StatusOK, records)
}

const maxActivityLimit = 1000

func parseActivityFilter(r *http.Request) (database.ActivityFilter, error) {
	q := r.URL.Query()
	filter := database.ActivityFilter{
		StreamID: q.Get("stream"),
		Name:     q.Get("name"),
		Limit:    100,
	}

	parseTime := func(key string, dst *time.Time) error {
		v := q.Get(key)
		if v == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return errBadRequest(fmt.Sprintf("%s must be RFC3339", key))
		}
		*dst = t
		return nil
	}
	if err := parseTime("since", &filter.Since); err != nil {
		return filter, err
	}
	if err := parseTime("until", &filter.Until); err != nil {
		return filter, err
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, errBadRequest("limit must be a positive integer")
		}
		filter.Limit = min(n, maxActivityLimit)
	}

	if v := q.Get("snapshots"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errBadRequest("snapshots must be a boolean")
		}
		filter.WithSnapshots = b
	}
	return filter, nil
}
