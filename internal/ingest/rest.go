package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"presencewatch/internal/config"
	"presencewatch/internal/engine"
	"presencewatch/internal/model"
	"presencewatch/internal/normalize"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorName = "X-Actor-Name"
)

type Recorder interface {
	CheckIn(ctx context.Context, a engine.Attempt) (model.AttendanceEvent, error)
	CheckOut(ctx context.Context, a engine.Attempt) (model.AttendanceEvent, error)
}

// TerminalServer accepts check-ins from tenant terminals. The actor is
// already authenticated upstream and identified by request headers; the
// tenant comes from the terminal link.
type TerminalServer struct {
	recorder Recorder
	logger   *slog.Logger
}

type errorResponse struct {
	Error          string   `json:"error"`
	Message        string   `json:"message"`
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
	RadiusMeters   *float64 `json:"radius_meters,omitempty"`
	Fields         any      `json:"fields,omitempty"`
}

type recordResponse struct {
	Event    model.AttendanceEvent `json:"event"`
	Warnings []string              `json:"warnings,omitempty"`
}

func NewTerminalServer(recorder Recorder, logger *slog.Logger) *TerminalServer {
	return &TerminalServer{recorder: recorder, logger: logger}
}

func (s *TerminalServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/terminals/{tenantID}", func(r chi.Router) {
		r.Post("/checkin", s.handle(model.EventCheckIn))
		r.Post("/checkout", s.handle(model.EventCheckOut))
	})
	return r
}

func StartREST(ctx context.Context, cfg *config.Manager, recorder Recorder, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("terminal ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("terminal ingest enabled", "addr", current.Addr)
	}
	server := NewTerminalServer(recorder, logger)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("terminal ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *TerminalServer) handle(kind model.EventType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "request body too large or unreadable"})
			return
		}
		var req normalize.CheckInRequest
		if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
			if err := json.Unmarshal(trimmed, &req); err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "invalid JSON body"})
				return
			}
		}
		pos, actor, err := normalize.CheckIn(req, normalize.Actor{
			ActorID:   r.Header.Get(HeaderActorID),
			ActorName: r.Header.Get(HeaderActorName),
		})
		if err != nil {
			writeError(w, err)
			return
		}

		attempt := engine.Attempt{
			TenantID:  chi.URLParam(r, "tenantID"),
			ActorID:   actor.ActorID,
			ActorName: actor.ActorName,
			Location:  engine.FixedLocator{Position: pos},
		}
		var ev model.AttendanceEvent
		if kind == model.EventCheckIn {
			ev, err = s.recorder.CheckIn(r.Context(), attempt)
		} else {
			ev, err = s.recorder.CheckOut(r.Context(), attempt)
		}
		if err != nil && ev.EventID == "" {
			writeError(w, err)
			return
		}
		resp := recordResponse{Event: ev}
		if err != nil {
			resp.Warnings = append(resp.Warnings, engine.ErrorCode(err)+": "+err.Error())
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

// statusFor gives every failure kind a distinct status.
func statusFor(err error) int {
	var geo *engine.GeofenceViolationError
	var pe *engine.PersistenceError
	var ve *normalize.ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, engine.ErrInvalidAttempt):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrLocationUnavailable):
		return http.StatusUnprocessableEntity
	case errors.As(err, &geo):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrConfigurationMissing):
		return http.StatusNotFound
	case errors.As(err, &pe):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: engine.ErrorCode(err), Message: err.Error()}
	var geo *engine.GeofenceViolationError
	if errors.As(err, &geo) {
		resp.DistanceMeters = &geo.DistanceMeters
		resp.RadiusMeters = &geo.RadiusMeters
	}
	var ve *normalize.ValidationError
	if errors.As(err, &ve) {
		resp.Error = "validation_failed"
		resp.Fields = ve.Fields
	}
	writeJSON(w, statusFor(err), resp)
}
