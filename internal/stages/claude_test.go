package stages

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/commander/internal/alert"
	"github.com/linnemanlabs/commander/internal/incident"
	"github.com/linnemanlabs/commander/internal/llm"
)

type fakeProvider struct {
	mu      sync.Mutex
	text    string
	stop    llm.StopReason
	err     error
	prompts []string
}

func (f *fakeProvider) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req.Prompt)
	if f.err != nil {
		return nil, f.err
	}
	stop := f.stop
	if stop == "" {
		stop = llm.StopEnd
	}
	return &llm.Response{Text: f.text, StopReason: stop, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

func newTestClaude(p llm.Provider) *Claude {
	return NewClaude(p, NewRules(WithClock(func() time.Time { return testNow })), nil)
}

func TestClaude_Classify(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{text: "Here you go:\n```json\n" +
		`{"category":"database","severity":"high","confidence":0.8,"tags":["db"],"estimated_impact":"moderate","reasoning":"pool exhausted"}` +
		"\n```"}
	c := newTestClaude(p)

	res, err := c.Process(context.Background(), incident.StageClassification, &incident.Incident{ID: "x", Alert: dbAlert()})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	cl := res.Classification
	if cl == nil {
		t.Fatal("Classification is nil")
	}
	if cl.Category != CategoryDatabase || cl.Severity != alert.SeverityHigh || cl.Confidence != 0.8 {
		t.Errorf("Classification = %+v", cl)
	}
	if !cl.ClassifiedAt.Equal(testNow) {
		t.Errorf("ClassifiedAt = %v, want %v", cl.ClassifiedAt, testNow)
	}
	if err := res.Validate(); err != nil {
		t.Errorf("result does not validate: %v", err)
	}
	if !strings.Contains(p.prompts[0], "Database connection pool exhausted") {
		t.Errorf("prompt does not carry the alert: %q", p.prompts[0])
	}
}

func TestClaude_UnusableOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		stop llm.StopReason
	}{
		{"no json", "I cannot help with that", ""},
		{"malformed json", `{"category": }`, ""},
		{"invalid category", `{"category":"weather","severity":"high","confidence":0.5,"reasoning":"x"}`, ""},
		{"confidence out of range", `{"category":"network","severity":"high","confidence":1.5,"reasoning":"x"}`, ""},
		{"truncated", `{"category":"network"`, llm.StopMaxTokens},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClaude(&fakeProvider{text: tt.text, stop: tt.stop})
			_, err := c.Process(context.Background(), incident.StageClassification, &incident.Incident{ID: "x", Alert: dbAlert()})
			if !errors.Is(err, ErrModelOutput) {
				t.Errorf("err = %v, want ErrModelOutput", err)
			}
		})
	}
}

func TestClaude_ProviderError(t *testing.T) {
	t.Parallel()

	boom := errors.New("overloaded")
	c := newTestClaude(&fakeProvider{err: boom})
	_, err := c.Process(context.Background(), incident.StageClassification, &incident.Incident{ID: "x", Alert: dbAlert()})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestClaude_AdviseForcesApprovalForHighRisk(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{text: `{
		"steps": [
			{"description": "inspect", "automation_possible": true, "risk_level": "low"},
			{"description": "kill sessions", "automation_possible": true, "risk_level": "high"}
		],
		"estimated_time_minutes": 9,
		"success_probability": 0.7,
		"human_approval_required": false,
		"reasoning": "standard approach"
	}`}
	c := newTestClaude(p)

	inc := classified(dbAlert(), CategoryDatabase, alert.SeverityHigh, 0.9)
	res, err := c.Process(context.Background(), incident.StageAdvisory, inc)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	plan := res.Plan
	if !plan.HumanApprovalRequired {
		t.Error("HumanApprovalRequired = false, want true for high risk step")
	}
	if len(plan.Steps) != 2 || plan.Steps[1].Number != 2 {
		t.Errorf("Steps = %+v, want renumbered steps", plan.Steps)
	}
	if len(plan.Runbooks) != 1 || plan.Runbooks[0] != "Database Connection Pool Exhaustion" {
		t.Errorf("Runbooks = %v, want reference runbook", plan.Runbooks)
	}
	if !strings.Contains(p.prompts[0], "pg_terminate_backend") {
		t.Error("prompt does not include the reference runbook")
	}
}

func TestClaude_ExecutionUsesRules(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{err: errors.New("must not be called")}
	c := newTestClaude(p)

	plan := &incident.ResolutionPlan{Steps: []incident.ResolutionStep{{Number: 1, Automatable: true, RiskLevel: "low"}}}
	res, err := c.Process(context.Background(), incident.StageExecution, &incident.Incident{Plan: plan})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Execution == nil || res.Execution.PendingSteps != 0 {
		t.Errorf("Execution = %+v", res.Execution)
	}
	if len(p.prompts) != 0 {
		t.Errorf("provider called %d times, want 0", len(p.prompts))
	}
}

func TestClaude_PostMortemKeepsDerivedFields(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{text: `{"summary":"pool ran dry","root_cause":"leaked connections","lessons_learned":["add pool alerts"]}`}
	c := newTestClaude(p)

	res, err := c.Process(context.Background(), incident.StagePostMortem, handledIncident())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	pm := res.PostMortem
	if pm.Summary != "pool ran dry" || pm.RootCause != "leaked connections" {
		t.Errorf("narrative = %q / %q", pm.Summary, pm.RootCause)
	}
	if pm.Title != "Database Incident - db-monitor" {
		t.Errorf("Title = %q, want rule-derived title", pm.Title)
	}
	if len(pm.Timeline) != 3 || len(pm.ActionItems) == 0 || len(pm.Recommendations) == 0 {
		t.Errorf("derived fields missing: %+v", pm)
	}
	if !strings.Contains(pm.Markdown, "leaked connections") {
		t.Error("Markdown does not include the model root cause")
	}
}

func TestNewClaude_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic without provider")
		}
	}()
	NewClaude(nil, NewRules(), nil)
}
