package incident

import (
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/commander/internal/alert"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testAlert() *alert.Alert {
	return &alert.Alert{
		Type:             "database",
		Severity:         "high",
		Message:          "connection pool exhausted",
		AffectedServices: []string{"user-service"},
	}
}

func newTestIncident(t *testing.T) *Incident {
	t.Helper()
	inc, err := New(NewID(), testAlert(), t0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return inc
}

func resultFor(s Stage) *StageResult {
	r := &StageResult{Stage: s, Duration: 25 * time.Millisecond}
	switch s {
	case StageClassification:
		r.Classification = &Classification{Category: "database", Severity: "high", Confidence: 0.8}
	case StageAdvisory:
		r.Plan = &ResolutionPlan{Steps: []ResolutionStep{{Number: 1, Description: "restart pool"}}, EstimatedMinutes: 5}
	case StageExecution:
		r.Execution = &Execution{Success: true, Steps: []ExecutedStep{{Number: 1, Executed: true, Success: true}}}
	case StagePostMortem:
		r.PostMortem = &PostMortem{Title: "Post-Mortem: database incident"}
	}
	return r
}

func TestNew(t *testing.T) {
	t.Parallel()

	inc := newTestIncident(t)
	if inc.Status != StatusOpen {
		t.Errorf("Status = %q, want %q", inc.Status, StatusOpen)
	}
	if !inc.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", inc.CreatedAt, t0)
	}
	if !inc.Alert.Timestamp.Equal(t0) {
		t.Errorf("alert Timestamp = %v, want default %v", inc.Alert.Timestamp, t0)
	}
	if len(inc.Timeline) != 0 {
		t.Errorf("Timeline len = %d, want 0", len(inc.Timeline))
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   string
		al   *alert.Alert
	}{
		{"missing type", NewID(), &alert.Alert{Severity: "high"}},
		{"missing severity", NewID(), &alert.Alert{Type: "cpu"}},
		{"bad severity", NewID(), &alert.Alert{Type: "cpu", Severity: "urgent"}},
		{"nil alert", NewID(), nil},
		{"malformed id", "inc-1", testAlert()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.id, tt.al, t0)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestNew_DoesNotAliasAlert(t *testing.T) {
	t.Parallel()

	al := testAlert()
	inc, err := New(NewID(), al, t0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	al.AffectedServices[0] = "mutated"
	if inc.Alert.AffectedServices[0] != "user-service" {
		t.Errorf("incident alert changed with caller's alert: %q", inc.Alert.AffectedServices[0])
	}
}

func TestApply_StatusProgression(t *testing.T) {
	t.Parallel()

	inc := newTestIncident(t)
	want := []Status{StatusAnalyzing, StatusResolving, StatusResolving, StatusResolved}

	for i, s := range Stages {
		now := t0.Add(time.Duration(i+1) * time.Second)
		if err := inc.Apply(resultFor(s), now); err != nil {
			t.Fatalf("Apply(%s): %v", s, err)
		}
		if inc.Status != want[i] {
			t.Errorf("after %s: Status = %q, want %q", s, inc.Status, want[i])
		}
		if inc.Status != DeriveStatus(inc) {
			t.Errorf("after %s: stored status %q disagrees with derived %q", s, inc.Status, DeriveStatus(inc))
		}
	}

	if len(inc.Timeline) != len(Stages) {
		t.Fatalf("Timeline len = %d, want %d", len(inc.Timeline), len(Stages))
	}
	for i, e := range inc.Timeline {
		if e.Stage != Stages[i] {
			t.Errorf("Timeline[%d].Stage = %q, want %q", i, e.Stage, Stages[i])
		}
		if e.Agent != Stages[i].Agent() {
			t.Errorf("Timeline[%d].Agent = %q, want %q", i, e.Agent, Stages[i].Agent())
		}
		if e.DurationMS != 25 {
			t.Errorf("Timeline[%d].DurationMS = %d, want 25", i, e.DurationMS)
		}
	}
	if inc.ResolvedAt == nil {
		t.Fatal("ResolvedAt not set after postmortem")
	}
	if _, ok := inc.NextStage(); ok {
		t.Error("NextStage reported work on a resolved incident")
	}
}

func TestApply_OutOfOrder(t *testing.T) {
	t.Parallel()

	inc := newTestIncident(t)
	err := inc.Apply(resultFor(StageAdvisory), t0)
	if !errors.Is(err, ErrStageOutOfOrder) {
		t.Fatalf("err = %v, want ErrStageOutOfOrder", err)
	}
	if inc.Status != StatusOpen {
		t.Errorf("Status = %q, want unchanged %q", inc.Status, StatusOpen)
	}
	if inc.Plan != nil {
		t.Error("rejected result was attached")
	}
}

func TestApply_Duplicate(t *testing.T) {
	t.Parallel()

	inc := newTestIncident(t)
	if err := inc.Apply(resultFor(StageClassification), t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := inc.Apply(resultFor(StageClassification), t0); !errors.Is(err, ErrStageOutOfOrder) {
		t.Fatalf("err = %v, want ErrStageOutOfOrder", err)
	}
	if len(inc.Timeline) != 1 {
		t.Errorf("Timeline len = %d, want 1", len(inc.Timeline))
	}
}

func TestApply_MismatchedPayload(t *testing.T) {
	t.Parallel()

	inc := newTestIncident(t)
	res := &StageResult{Stage: StageClassification, Plan: &ResolutionPlan{}}
	if err := inc.Apply(res, t0); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	both := resultFor(StageClassification)
	both.Plan = &ResolutionPlan{}
	if err := inc.Apply(both, t0); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation for two payloads", err)
	}
}

func TestApply_AfterForcedResolution(t *testing.T) {
	t.Parallel()

	inc := newTestIncident(t)
	if err := inc.Apply(resultFor(StageClassification), t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := inc.ForceResolve(t0); err != nil {
		t.Fatalf("ForceResolve: %v", err)
	}
	if inc.Status != StatusResolved {
		t.Fatalf("Status = %q, want %q", inc.Status, StatusResolved)
	}
	if err := inc.Apply(resultFor(StageAdvisory), t0); !errors.Is(err, ErrStageOutOfOrder) {
		t.Fatalf("err = %v, want ErrStageOutOfOrder", err)
	}
}

func TestApply_ClearsLastError(t *testing.T) {
	t.Parallel()

	inc := newTestIncident(t)
	inc.RecordFailure(StageClassification, "model timeout", t0)
	if inc.LastError == nil || inc.LastError.Agent != "IncidentClassifier" {
		t.Fatalf("LastError = %+v, want classifier failure", inc.LastError)
	}
	if inc.Status != StatusOpen {
		t.Errorf("Status = %q, want %q after failure", inc.Status, StatusOpen)
	}
	if err := inc.Apply(resultFor(StageClassification), t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if inc.LastError != nil {
		t.Errorf("LastError = %+v, want nil after success", inc.LastError)
	}
}

func TestForceResolve_Terminal(t *testing.T) {
	t.Parallel()

	inc := newTestIncident(t)
	if err := inc.ForceResolve(t0); err != nil {
		t.Fatalf("ForceResolve: %v", err)
	}
	if err := inc.ForceResolve(t0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second ForceResolve err = %v, want ErrInvalidTransition", err)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	inc := newTestIncident(t)
	if err := inc.Close(t0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Close on open err = %v, want ErrInvalidTransition", err)
	}

	for _, s := range Stages {
		if err := inc.Apply(resultFor(s), t0); err != nil {
			t.Fatalf("Apply(%s): %v", s, err)
		}
	}
	if err := inc.Close(t0.Add(time.Hour)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if inc.Status != StatusClosed {
		t.Errorf("Status = %q, want %q", inc.Status, StatusClosed)
	}
	if err := inc.Close(t0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Close err = %v, want ErrInvalidTransition", err)
	}
	if err := inc.Apply(resultFor(StageClassification), t0); !errors.Is(err, ErrStageOutOfOrder) {
		t.Fatalf("Apply on closed err = %v, want ErrStageOutOfOrder", err)
	}
}

func TestDeriveStatus(t *testing.T) {
	t.Parallel()

	now := t0
	tests := []struct {
		name string
		inc  Incident
		want Status
	}{
		{"empty", Incident{}, StatusOpen},
		{"classified", Incident{Classification: &Classification{}}, StatusAnalyzing},
		{"planned", Incident{Classification: &Classification{}, Plan: &ResolutionPlan{}}, StatusResolving},
		{"executed", Incident{Classification: &Classification{}, Plan: &ResolutionPlan{}, Execution: &Execution{}}, StatusResolving},
		{"postmortem", Incident{PostMortem: &PostMortem{}}, StatusResolved},
		{"forced", Incident{Classification: &Classification{}, ForcedResolution: true}, StatusResolved},
		{"closed wins", Incident{PostMortem: &PostMortem{}, ClosedAt: &now}, StatusClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DeriveStatus(&tt.inc); got != tt.want {
				t.Errorf("DeriveStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClone_Independent(t *testing.T) {
	t.Parallel()

	inc := newTestIncident(t)
	if err := inc.Apply(resultFor(StageClassification), t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	cp := inc.Clone()
	cp.Timeline[0].Summary = "changed"
	cp.Alert.Metrics = map[string]float64{"cpu_usage": 99}
	cp.Status = StatusClosed

	if inc.Timeline[0].Summary == "changed" {
		t.Error("timeline shared between clone and original")
	}
	if inc.Alert.Metrics != nil {
		t.Error("alert shared between clone and original")
	}
	if inc.Status != StatusAnalyzing {
		t.Errorf("Status = %q, want %q", inc.Status, StatusAnalyzing)
	}
}

func TestValidateID(t *testing.T) {
	t.Parallel()

	if err := ValidateID(NewID()); err != nil {
		t.Errorf("ValidateID(NewID()) = %v", err)
	}
	for _, id := range []string{"", "abc", "01ARZ3NDEKTSV4RRFFQ69G5FA", "01ARZ3NDEKTSV4RRFFQ69G5FAVX"} {
		if err := ValidateID(id); !errors.Is(err, ErrValidation) {
			t.Errorf("ValidateID(%q) = %v, want ErrValidation", id, err)
		}
	}
}

func TestStage_Index(t *testing.T) {
	t.Parallel()

	for i, s := range Stages {
		if s.Index() != i {
			t.Errorf("%s.Index() = %d, want %d", s, s.Index(), i)
		}
	}
	if Stage("bogus").Valid() {
		t.Error("unknown stage reported valid")
	}
}
