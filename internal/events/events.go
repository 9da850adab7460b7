// Package events defines the messages pushed to observers of the incident
// pipeline. An Event is a typed envelope whose data is encoded once at
// creation, so fan-out to many subscribers never re-marshals.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/commander/internal/incident"
)

// Type names an event kind on the wire.
type Type string

const (
	TypeIncidentCreated   Type = "incident_created"
	TypeAgentProgress     Type = "agent_progress"
	TypeAgentCompleted    Type = "agent_completed"
	TypeAgentError        Type = "agent_error"
	TypeIncidentResolved  Type = "incident_resolved"
	TypeIncidentCompleted Type = "incident_completed"
	TypeIncidentClosed    Type = "incident_closed"
	TypeSnapshot          Type = "snapshot"
	TypeSystemReset       Type = "system_reset"
	TypeEcho              Type = "echo"
)

// Event is the envelope sent to every subscriber.
type Event struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// New encodes payload into an event stamped with the current time. A payload
// that cannot be encoded yields an event whose data carries the encoding error.
func New(t Type, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": fmt.Sprintf("encode %s: %v", t, err)})
	}
	return Event{Type: t, Data: data, Timestamp: time.Now().UTC()}
}

// Decode unmarshals the event data into T.
func Decode[T any](e Event) (T, error) {
	var v T
	if len(e.Data) == 0 {
		return v, fmt.Errorf("event %s has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return v, nil
}

// IncidentPayload carries a full incident record. Used by incident_created,
// incident_resolved, incident_completed and incident_closed.
type IncidentPayload struct {
	Incident *incident.Incident `json:"incident"`
}

// AgentProgress announces that a stage has started.
type AgentProgress struct {
	IncidentID string         `json:"incident_id"`
	Stage      incident.Stage `json:"stage"`
	Agent      string         `json:"agent"`
	Progress   float64        `json:"progress"`
}

// AgentCompleted reports a stage result and the status it produced.
type AgentCompleted struct {
	IncidentID string          `json:"incident_id"`
	Stage      incident.Stage  `json:"stage"`
	Agent      string          `json:"agent"`
	Status     incident.Status `json:"status"`
	DurationMS int64           `json:"duration_ms"`
	Result     any             `json:"result"`
}

// AgentError reports a failed stage. The incident keeps its prior status.
type AgentError struct {
	IncidentID string         `json:"incident_id"`
	Stage      incident.Stage `json:"stage"`
	Agent      string         `json:"agent"`
	Error      string         `json:"error"`
}

// Snapshot is the full state sent to a subscriber when it attaches.
type Snapshot struct {
	Active    []*incident.Incident `json:"active_incidents"`
	Completed []*incident.Incident `json:"completed_incidents"`
}

// SystemReset announces that every incident was discarded.
type SystemReset struct {
	Message string `json:"message"`
}

// Echo returns a client message back to its sender.
type Echo struct {
	Message json.RawMessage `json:"message"`
}
