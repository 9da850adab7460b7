package incidentapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/commander/internal/alert"
	"github.com/linnemanlabs/commander/internal/incident"
)

type submitResponse struct {
	ID     string          `json:"id"`
	Status incident.Status `json:"status"`
}

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var al alert.Alert
	if err := dec.Decode(&al); err != nil {
		a.writeError(w, r, fmt.Errorf("%w: invalid payload: %w", incident.ErrValidation, err))
		return
	}

	inc, err := a.svc.Submit(r.Context(), &al)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("commander.incident.id", inc.ID),
		attribute.String("commander.alert.type", inc.Alert.Type),
		attribute.String("commander.alert.severity", inc.Alert.Severity),
	)
	writeJSON(w, http.StatusAccepted, submitResponse{ID: inc.ID, Status: inc.Status})
}
