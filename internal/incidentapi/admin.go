package incidentapi

import (
	"net/http"
	"time"

	"github.com/linnemanlabs/commander/internal/incident"
)

type dashboardResponse struct {
	Active      int                     `json:"active"`
	Completed   int                     `json:"completed"`
	ByStatus    map[incident.Status]int `json:"by_status"`
	BySeverity  map[string]int          `json:"by_severity"`
	ByCategory  map[string]int          `json:"by_category"`
	InFlight    int                     `json:"pipelines_in_flight"`
	Subscribers int                     `json:"subscribers"`
	GeneratedAt time.Time               `json:"generated_at"`
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	active, err := a.svc.ListActive(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	completed, err := a.svc.ListCompleted(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	d := dashboardResponse{
		Active:      len(active),
		Completed:   len(completed),
		ByStatus:    make(map[incident.Status]int),
		BySeverity:  make(map[string]int),
		ByCategory:  make(map[string]int),
		InFlight:    a.svc.InFlight(),
		GeneratedAt: time.Now().UTC(),
	}
	for _, list := range [][]*incident.Incident{active, completed} {
		for _, inc := range list {
			d.ByStatus[inc.Status]++
			d.BySeverity[severityOf(inc)]++
			if inc.Classification != nil {
				d.ByCategory[inc.Classification.Category]++
			}
		}
	}
	if a.subs != nil {
		d.Subscribers = a.subs.Len()
	}

	writeJSON(w, http.StatusOK, d)
}

// severityOf prefers the classified severity over the reported one.
func severityOf(inc *incident.Incident) string {
	if inc.Classification != nil && inc.Classification.Severity != "" {
		return inc.Classification.Severity
	}
	if inc.Alert != nil {
		return inc.Alert.Severity
	}
	return "unknown"
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Reset(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
