package incidentapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/linnemanlabs/commander/internal/incident"
)

type listResponse struct {
	Incidents []*incident.Incident `json:"incidents"`
	Count     int                  `json:"count"`
}

type timelineResponse struct {
	IncidentID string                   `json:"incident_id"`
	Status     incident.Status          `json:"status"`
	Timeline   []incident.TimelineEntry `json:"timeline"`
	LastError  *incident.StageError     `json:"last_error,omitempty"`
}

type retryResponse struct {
	ID      string `json:"id"`
	Started bool   `json:"started"`
}

func (a *API) handleListActive(w http.ResponseWriter, r *http.Request) {
	a.writeList(w, r, a.svc.ListActive)
}

func (a *API) handleListCompleted(w http.ResponseWriter, r *http.Request) {
	a.writeList(w, r, a.svc.ListCompleted)
}

func (a *API) writeList(w http.ResponseWriter, r *http.Request, list func(context.Context) ([]*incident.Incident, error)) {
	incs, err := list(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if incs == nil {
		incs = []*incident.Incident{}
	}
	writeJSON(w, http.StatusOK, listResponse{Incidents: incs, Count: len(incs)})
}

// lookup loads the incident named by the path, writing the error response
// when it cannot.
func (a *API) lookup(w http.ResponseWriter, r *http.Request) (*incident.Incident, bool) {
	id, ok := a.incidentID(w, r)
	if !ok {
		return nil, false
	}
	inc, found, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	if !found {
		a.writeError(w, r, fmt.Errorf("%w: %s", incident.ErrNotFound, id))
		return nil, false
	}
	return inc, true
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	inc, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, timelineResponse{
		IncidentID: inc.ID,
		Status:     inc.Status,
		Timeline:   inc.Timeline,
		LastError:  inc.LastError,
	})
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := a.incidentID(w, r)
	if !ok {
		return
	}
	inc, err := a.svc.Resolve(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	id, ok := a.incidentID(w, r)
	if !ok {
		return
	}
	inc, err := a.svc.Close(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := a.incidentID(w, r)
	if !ok {
		return
	}
	started, err := a.svc.Retry(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, retryResponse{ID: id, Started: started})
}
