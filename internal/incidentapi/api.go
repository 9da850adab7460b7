// Package incidentapi serves the HTTP interface of the incident pipeline.
package incidentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/commander/internal/alert"
	"github.com/linnemanlabs/commander/internal/authmw"
	"github.com/linnemanlabs/commander/internal/incident"
)

// IncidentService defines the pipeline operations the API needs.
type IncidentService interface {
	Submit(ctx context.Context, al *alert.Alert) (*incident.Incident, error)
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)
	ListActive(ctx context.Context) ([]*incident.Incident, error)
	ListCompleted(ctx context.Context) ([]*incident.Incident, error)
	Resolve(ctx context.Context, id string) (*incident.Incident, error)
	Close(ctx context.Context, id string) (*incident.Incident, error)
	Retry(ctx context.Context, id string) (bool, error)
	Reset(ctx context.Context) error
	InFlight() int
}

// SubscriberCounter reports how many event stream subscribers are attached.
type SubscriberCounter interface {
	Len() int
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	svc      IncidentService
	subs     SubscriberCounter
	apiToken string
}

// New creates the API. svc is required; subs may be nil. Operator routes
// require apiToken as a bearer token.
func New(logger log.Logger, svc IncidentService, subs SubscriberCounter, apiToken string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	return &API{
		logger:   logger,
		svc:      svc,
		subs:     subs,
		apiToken: apiToken,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlert)
		r.Get("/dashboard", a.handleDashboard)

		r.Route("/incidents", func(r chi.Router) {
			r.Get("/active", a.handleListActive)
			r.Get("/completed", a.handleListCompleted)
			r.Get("/{id}", a.handleGetIncident)
			r.Get("/{id}/timeline", a.handleTimeline)

			r.Group(func(r chi.Router) {
				r.Use(authmw.BearerToken(a.apiToken))
				r.Post("/{id}/resolve", a.handleResolve)
				r.Post("/{id}/close", a.handleClose)
				r.Post("/{id}/retry", a.handleRetry)
			})
		})

		r.With(authmw.BearerToken(a.apiToken)).Post("/admin/reset", a.handleReset)
	})
}

// incidentID reads and validates the id path parameter, tagging the span.
func (a *API) incidentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("commander.incident.id", id))

	if err := incident.ValidateID(id); err != nil {
		a.writeError(w, r, err)
		return "", false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, incident.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, incident.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, incident.ErrStageOutOfOrder), errors.Is(err, incident.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and writes it as a JSON error. Internal
// errors are logged and never echoed to the caller.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, "request failed", "path", r.URL.Path)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing useful to do with a write error once the header is out
	_ = json.NewEncoder(w).Encode(v)
}
