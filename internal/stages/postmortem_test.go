package stages

import (
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/commander/internal/alert"
	"github.com/linnemanlabs/commander/internal/incident"
)

func handledIncident() *incident.Incident {
	return &incident.Incident{
		ID:        "01JNM6Y0000000000000000000",
		Alert:     dbAlert(),
		CreatedAt: testNow,
		Classification: &incident.Classification{
			Category:   CategoryDatabase,
			Severity:   alert.SeverityHigh,
			Confidence: 0.9,
		},
		Execution: &incident.Execution{
			Success:      true,
			Steps:        make([]incident.ExecutedStep, 4),
			PendingSteps: 1,
		},
		Timeline: []incident.TimelineEntry{
			{At: testNow.Add(2 * time.Second), Agent: "ResolutionAdvisor", Action: "suggest_resolution", DurationMS: 12},
			{At: testNow.Add(time.Second), Agent: "IncidentClassifier", Action: "classify_incident", Summary: "classified"},
		},
	}
}

func TestWritePostMortem(t *testing.T) {
	t.Parallel()

	now := testNow.Add(45 * time.Minute)
	pm := WritePostMortem(handledIncident(), now)

	if pm.Title != "Database Incident - db-monitor" {
		t.Errorf("Title = %q", pm.Title)
	}
	if pm.Duration != "45m0s" {
		t.Errorf("Duration = %q, want 45m0s", pm.Duration)
	}
	if pm.Impact != "Medium-Low - Limited service impact" {
		t.Errorf("Impact = %q", pm.Impact)
	}
	if !strings.Contains(pm.RootCause, "**Primary Cause:** Connection pool exhaustion") {
		t.Errorf("RootCause = %q", pm.RootCause)
	}
	if !strings.Contains(pm.RootCause, "3 automated actions") {
		t.Errorf("RootCause = %q, want automated action count", pm.RootCause)
	}
	if !strings.Contains(pm.Summary, "Status: Resolved") {
		t.Errorf("Summary = %q", pm.Summary)
	}

	wantEvents := []string{"Incident Detected", "classify_incident", "suggest_resolution"}
	if len(pm.Timeline) != len(wantEvents) {
		t.Fatalf("len(Timeline) = %d, want %d", len(pm.Timeline), len(wantEvents))
	}
	for i, e := range pm.Timeline {
		if e.Event != wantEvents[i] {
			t.Errorf("Timeline[%d].Event = %q, want %q", i, e.Event, wantEvents[i])
		}
	}
	if pm.Timeline[2].Details != "Agent: ResolutionAdvisor (Duration: 12ms)" {
		t.Errorf("Timeline[2].Details = %q", pm.Timeline[2].Details)
	}

	wantLessons := []string{
		"Optimize response time through better automation and runbook improvements",
		"Consider implementing connection pool monitoring and auto-scaling",
	}
	if len(pm.LessonsLearned) != len(wantLessons) {
		t.Fatalf("LessonsLearned = %v, want %v", pm.LessonsLearned, wantLessons)
	}
	for i := range wantLessons {
		if pm.LessonsLearned[i] != wantLessons[i] {
			t.Errorf("LessonsLearned[%d] = %q, want %q", i, pm.LessonsLearned[i], wantLessons[i])
		}
	}

	wantOwners := []string{"DevOps Team", "SRE Team", "On-call Team", "Database Team", "Documentation Team"}
	if len(pm.ActionItems) != len(wantOwners) {
		t.Fatalf("ActionItems = %+v", pm.ActionItems)
	}
	for i, a := range pm.ActionItems {
		if a.Owner != wantOwners[i] {
			t.Errorf("ActionItems[%d].Owner = %q, want %q", i, a.Owner, wantOwners[i])
		}
	}
	if pm.ActionItems[3].DueInDays != 7 || pm.ActionItems[3].Priority != "high" {
		t.Errorf("database action item = %+v", pm.ActionItems[3])
	}

	if len(pm.Recommendations) != 4 || pm.Recommendations[0] != "Implement faster detection and response mechanisms" {
		t.Errorf("Recommendations = %v", pm.Recommendations)
	}

	for _, want := range []string{
		"# Post-Incident Report: Database Incident - db-monitor",
		"**Status:** Resolved",
		"## Action Items",
		"- **Automation Rate:** 75.0%",
	} {
		if !strings.Contains(pm.Markdown, want) {
			t.Errorf("Markdown missing %q", want)
		}
	}
}

func TestWritePostMortem_NoLessonsFallback(t *testing.T) {
	t.Parallel()

	inc := handledIncident()
	inc.Classification = &incident.Classification{Category: CategoryNetwork, Severity: alert.SeverityLow, Confidence: 0.9}
	inc.Execution.PendingSteps = 0

	pm := WritePostMortem(inc, testNow.Add(time.Minute))

	if len(pm.LessonsLearned) != 1 || pm.LessonsLearned[0] != "Incident handled effectively - maintain current processes" {
		t.Errorf("LessonsLearned = %v", pm.LessonsLearned)
	}
	if len(pm.ActionItems) != 1 || pm.ActionItems[0].Owner != "Documentation Team" {
		t.Errorf("ActionItems = %+v, want documentation only", pm.ActionItems)
	}
}

func TestPrimaryCause(t *testing.T) {
	t.Parallel()

	tests := []struct {
		message string
		want    string
	}{
		{"Memory pressure on node", "Resource exhaustion"},
		{"too many connections", "Connection pool exhaustion"},
		{"upstream timeout", "Performance degradation"},
		{"Error rate above 5%", "Application errors"},
		{"storage volume full", "Storage capacity issue"},
		{"something odd", "Unknown - requires investigation (network related)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			if got := primaryCause(&alert.Alert{Message: tt.message}, CategoryNetwork); got != tt.want {
				t.Errorf("primaryCause(%q) = %q, want %q", tt.message, got, tt.want)
			}
		})
	}
}

func TestAssessImpact(t *testing.T) {
	t.Parallel()

	tests := []struct {
		severity string
		services int
		want     string
	}{
		{alert.SeverityCritical, 4, "High - Multiple critical services affected, significant user impact"},
		{alert.SeverityCritical, 3, "Medium-High - Critical severity but limited service scope"},
		{alert.SeverityHigh, 3, "Medium - Multiple services affected"},
		{alert.SeverityMedium, 10, "Low-Medium - Minor service disruption"},
		{alert.SeverityLow, 0, "Low - Minimal impact"},
	}

	for _, tt := range tests {
		if got := assessImpact(tt.severity, tt.services); got != tt.want {
			t.Errorf("assessImpact(%q, %d) = %q, want %q", tt.severity, tt.services, got, tt.want)
		}
	}
}
