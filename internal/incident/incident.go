package incident

import (
	"fmt"
	"time"

	"github.com/linnemanlabs/commander/internal/alert"
)

// StageResult is what a processor returns for one stage. Exactly the payload
// matching Stage must be set.
type StageResult struct {
	Stage          Stage           `json:"stage"`
	Duration       time.Duration   `json:"-"`
	Classification *Classification `json:"classification,omitempty"`
	Plan           *ResolutionPlan `json:"resolution_plan,omitempty"`
	Execution      *Execution      `json:"execution,omitempty"`
	PostMortem     *PostMortem     `json:"postmortem,omitempty"`
}

// Payload returns the stage-specific result value, or nil.
func (r *StageResult) Payload() any {
	switch r.Stage {
	case StageClassification:
		if r.Classification != nil {
			return r.Classification
		}
	case StageAdvisory:
		if r.Plan != nil {
			return r.Plan
		}
	case StageExecution:
		if r.Execution != nil {
			return r.Execution
		}
	case StagePostMortem:
		if r.PostMortem != nil {
			return r.PostMortem
		}
	}
	return nil
}

// Validate checks that the result carries exactly the payload of its stage.
func (r *StageResult) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: stage result is required", ErrValidation)
	}
	if !r.Stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", ErrValidation, r.Stage)
	}
	set := 0
	for _, p := range []bool{r.Classification != nil, r.Plan != nil, r.Execution != nil, r.PostMortem != nil} {
		if p {
			set++
		}
	}
	if set != 1 || r.Payload() == nil {
		return fmt.Errorf("%w: result payload does not match stage %q", ErrValidation, r.Stage)
	}
	return nil
}

// New builds a fresh open incident from an alert. The alert is normalized,
// validated and copied; a zero timestamp defaults to now.
func New(id string, al *alert.Alert, now time.Time) (*Incident, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if al == nil {
		return nil, fmt.Errorf("%w: alert is required", ErrValidation)
	}
	a := al.Clone()
	a.Normalize()
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if a.ID == "" {
		a.ID = id
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	inc := &Incident{
		ID:        id,
		Alert:     a,
		CreatedAt: now,
		UpdatedAt: now,
		Timeline:  []TimelineEntry{},
	}
	inc.Status = DeriveStatus(inc)
	return inc, nil
}

// DeriveStatus computes the status implied by which results are present.
// The first matching rule wins.
func DeriveStatus(inc *Incident) Status {
	switch {
	case inc.ClosedAt != nil:
		return StatusClosed
	case inc.PostMortem != nil || inc.ForcedResolution:
		return StatusResolved
	case inc.Plan != nil:
		return StatusResolving
	case inc.Classification != nil:
		return StatusAnalyzing
	default:
		return StatusOpen
	}
}

// HasResult reports whether the stage's result is attached.
func (inc *Incident) HasResult(s Stage) bool {
	switch s {
	case StageClassification:
		return inc.Classification != nil
	case StageAdvisory:
		return inc.Plan != nil
	case StageExecution:
		return inc.Execution != nil
	case StagePostMortem:
		return inc.PostMortem != nil
	default:
		return false
	}
}

// NextStage returns the first stage without a result. ok is false once the
// incident is resolved or closed.
func (inc *Incident) NextStage() (Stage, bool) {
	if DeriveStatus(inc).Terminal() {
		return "", false
	}
	for _, s := range Stages {
		if !inc.HasResult(s) {
			return s, true
		}
	}
	return "", false
}

// Apply attaches a stage result, appends a timeline entry and re-derives the
// status. Only the next expected stage is accepted.
func (inc *Incident) Apply(res *StageResult, now time.Time) error {
	if err := res.Validate(); err != nil {
		return err
	}
	next, ok := inc.NextStage()
	if !ok {
		return fmt.Errorf("%w: incident %s is %s", ErrStageOutOfOrder, inc.ID, DeriveStatus(inc))
	}
	if res.Stage != next {
		return fmt.Errorf("%w: got %s, want %s", ErrStageOutOfOrder, res.Stage, next)
	}

	switch res.Stage {
	case StageClassification:
		inc.Classification = res.Classification
	case StageAdvisory:
		inc.Plan = res.Plan
	case StageExecution:
		inc.Execution = res.Execution
	case StagePostMortem:
		inc.PostMortem = res.PostMortem
		inc.ResolvedAt = &now
	}

	inc.Timeline = append(inc.Timeline, TimelineEntry{
		At:         now,
		Agent:      res.Stage.Agent(),
		Action:     res.Stage.Action(),
		Stage:      res.Stage,
		Summary:    summarize(res),
		DurationMS: res.Duration.Milliseconds(),
	})
	inc.LastError = nil
	inc.UpdatedAt = now
	inc.Status = DeriveStatus(inc)
	return nil
}

// ForceResolve marks the incident resolved by operator action, skipping any
// remaining stages.
func (inc *Incident) ForceResolve(now time.Time) error {
	if st := DeriveStatus(inc); st.Terminal() {
		return fmt.Errorf("%w: cannot resolve a %s incident", ErrInvalidTransition, st)
	}
	inc.ForcedResolution = true
	inc.ResolvedAt = &now
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		At:     now,
		Agent:  "operator",
		Action: "resolve_incident",
	})
	inc.UpdatedAt = now
	inc.Status = DeriveStatus(inc)
	return nil
}

// Close moves a resolved incident to closed.
func (inc *Incident) Close(now time.Time) error {
	if st := DeriveStatus(inc); st != StatusResolved {
		return fmt.Errorf("%w: cannot close a %s incident", ErrInvalidTransition, st)
	}
	inc.ClosedAt = &now
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		At:     now,
		Agent:  "operator",
		Action: "close_incident",
	})
	inc.UpdatedAt = now
	inc.Status = DeriveStatus(inc)
	return nil
}

// RecordFailure stores the most recent stage failure. Status is unchanged.
func (inc *Incident) RecordFailure(stage Stage, msg string, now time.Time) {
	inc.LastError = &StageError{
		Stage:   stage,
		Agent:   stage.Agent(),
		Message: msg,
		At:      now,
	}
	inc.UpdatedAt = now
}

// Clone returns a copy that shares no mutable state with inc. Attached stage
// results are never modified after Apply, so they are shared.
func (inc *Incident) Clone() *Incident {
	if inc == nil {
		return nil
	}
	cp := *inc
	cp.Alert = inc.Alert.Clone()
	cp.Timeline = append([]TimelineEntry{}, inc.Timeline...)
	if inc.ResolvedAt != nil {
		t := *inc.ResolvedAt
		cp.ResolvedAt = &t
	}
	if inc.ClosedAt != nil {
		t := *inc.ClosedAt
		cp.ClosedAt = &t
	}
	if inc.LastError != nil {
		e := *inc.LastError
		cp.LastError = &e
	}
	return &cp
}

func summarize(res *StageResult) string {
	switch res.Stage {
	case StageClassification:
		c := res.Classification
		return fmt.Sprintf("classified as %s/%s (confidence %.2f)", c.Category, c.Severity, c.Confidence)
	case StageAdvisory:
		p := res.Plan
		return fmt.Sprintf("%d step plan, ~%d min, success %.0f%%", len(p.Steps), p.EstimatedMinutes, p.SuccessProbability*100)
	case StageExecution:
		e := res.Execution
		return fmt.Sprintf("executed %d steps, %d pending manual", len(e.Steps)-e.PendingSteps, e.PendingSteps)
	case StagePostMortem:
		return res.PostMortem.Title
	default:
		return ""
	}
}
