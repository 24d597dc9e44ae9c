package api

import (
	"context"
	"errors"
	"net/http"

	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"

	"kiosk/internal/auth"
	"kiosk/internal/camera"
	"kiosk/internal/database"
	"kiosk/internal/pipeline"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Name      string `json:"name"`
	Message   string `json:"message"`
	RequestID string `json:"id,omitempty"`
}

type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func errBadRequest(msg string) error { return badRequest{msg: msg} }

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) (int, string) {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, pipeline.ErrStreamNotFound), errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, pipeline.ErrStreamExists):
		return http.StatusConflict, "already_running"
	case errors.Is(err, pipeline.ErrStreamStopped):
		return http.StatusConflict, "stopped"
	case errors.Is(err, camera.ErrSourceUnavailable):
		return http.StatusServiceUnavailable, "source_unavailable"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auth.ErrAuthDisabled):
		return http.StatusBadRequest, "auth_disabled"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, name := statusFor(err)
	resp := ErrorResponse{Name: name, Message: err.Error()}
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok {
		resp.RequestID = id
	}

	entry := s.logger.WithError(err).WithField("status", status)
	if resp.RequestID != "" {
		entry = entry.WithField("request_id", resp.RequestID)
	}
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	s.write(ctx, w, status, resp)
}

func (s *Server) write(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := enc.Encode(v); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}
