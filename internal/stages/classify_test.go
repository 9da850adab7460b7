package stages

import (
	"slices"
	"testing"
	"time"

	"github.com/linnemanlabs/commander/internal/alert"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dbAlert() *alert.Alert {
	return &alert.Alert{
		Type:             "database",
		Severity:         alert.SeverityHigh,
		Message:          "Database connection pool exhausted",
		SourceSystem:     "db-monitor",
		AffectedServices: []string{"user-db", "auth-service"},
		Metrics:          map[string]float64{"connection_count": 500},
		Timestamp:        testNow,
	}
}

func cpuAlert() *alert.Alert {
	return &alert.Alert{
		Type:             "cpu",
		Severity:         alert.SeverityCritical,
		Message:          "CPU usage critical on web servers",
		SourceSystem:     "prometheus",
		AffectedServices: []string{"web-01"},
		Metrics:          map[string]float64{"cpu_usage": 98, "memory_usage": 70},
		Timestamp:        testNow,
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		alert      *alert.Alert
		category   string
		severity   string
		confidence float64
		tags       []string
		impact     string
	}{
		{
			name:       "database connection",
			alert:      dbAlert(),
			category:   CategoryDatabase,
			severity:   alert.SeverityHigh,
			confidence: 1.0,
			tags:       []string{"database", "service:user-db", "service:auth-service"},
			impact:     "Medium-High - User experience degraded",
		},
		{
			name:       "cpu escalates to critical",
			alert:      cpuAlert(),
			category:   CategoryInfrastructure,
			severity:   alert.SeverityCritical,
			confidence: 1.0,
			tags:       []string{"cpu", "service:web-01", "high-cpu"},
			impact:     "Medium-High - System stability compromised",
		},
		{
			name:       "sparse network alert downgrades",
			alert:      &alert.Alert{Type: "network", Severity: alert.SeverityMedium, Message: "High latency detected"},
			category:   CategoryNetwork,
			severity:   alert.SeverityLow,
			confidence: 0.65,
			tags:       []string{"network"},
			impact:     "Low - Minimal business impact",
		},
		{
			name: "application health check",
			alert: &alert.Alert{
				Type:     "application",
				Severity: alert.SeverityHigh,
				Message:  "Service health check failing",
				Metrics:  map[string]float64{"error_rate": 0.15},
			},
			category:   CategoryApplication,
			severity:   alert.SeverityCritical,
			confidence: 0.75,
			tags:       []string{"application", "high-error-rate"},
			impact:     "Medium-High - System stability compromised",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Classify(tt.alert, testNow)
			if got.Category != tt.category {
				t.Errorf("Category = %q, want %q", got.Category, tt.category)
			}
			if got.Severity != tt.severity {
				t.Errorf("Severity = %q, want %q", got.Severity, tt.severity)
			}
			if got.Confidence != tt.confidence {
				t.Errorf("Confidence = %v, want %v", got.Confidence, tt.confidence)
			}
			if !slices.Equal(got.Tags, tt.tags) {
				t.Errorf("Tags = %v, want %v", got.Tags, tt.tags)
			}
			if got.EstimatedImpact != tt.impact {
				t.Errorf("EstimatedImpact = %q, want %q", got.EstimatedImpact, tt.impact)
			}
			if got.Reasoning == "" {
				t.Error("Reasoning is empty")
			}
			if !got.ClassifiedAt.Equal(testNow) {
				t.Errorf("ClassifiedAt = %v, want %v", got.ClassifiedAt, testNow)
			}
		})
	}
}

func TestCategorize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		alert alert.Alert
		want  string
	}{
		{"db service name", alert.Alert{Type: "custom", AffectedServices: []string{"orders-db"}}, CategoryDatabase},
		{"redis message", alert.Alert{Type: "custom", Message: "redis eviction storm"}, CategoryDatabase},
		{"db wins over network", alert.Alert{Type: "network", Message: "query timeout"}, CategoryDatabase},
		{"certificate", alert.Alert{Type: "custom", Message: "certificate expires soon"}, CategoryNetwork},
		{"gateway", alert.Alert{Type: "custom", Message: "gateway 502s"}, CategoryNetwork},
		{"error rate", alert.Alert{Type: "custom", Message: "error rate above slo"}, CategoryApplication},
		{"service name", alert.Alert{Type: "custom", AffectedServices: []string{"checkout-service"}}, CategoryApplication},
		{"disk default", alert.Alert{Type: "disk", Message: "disk 95% full"}, CategoryInfrastructure},
		{"nothing matches", alert.Alert{Type: "custom"}, CategoryInfrastructure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			al := tt.alert
			al.Normalize()
			msg := al.Message
			if got := categorize(&al, msg); got != tt.want {
				t.Errorf("categorize = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScoreSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		severity string
		message  string
		metrics  map[string]float64
		category string
		want     string
	}{
		{"low stays low", alert.SeverityLow, "", nil, CategoryInfrastructure, alert.SeverityLow},
		{"medium without signals drops", alert.SeverityMedium, "", nil, CategoryInfrastructure, alert.SeverityLow},
		{"medium with outage keyword", alert.SeverityMedium, "region outage", nil, CategoryInfrastructure, alert.SeverityMedium},
		{"high with memory and response time", alert.SeverityHigh, "", map[string]float64{"memory_usage": 95, "response_time": 6000}, CategoryInfrastructure, alert.SeverityCritical},
		{"unknown severity defaults to medium weight", "bogus", "service down", nil, CategoryInfrastructure, alert.SeverityMedium},
		{"thresholds are exclusive", alert.SeverityHigh, "", map[string]float64{"cpu_usage": 95, "error_rate": 0.1}, CategoryInfrastructure, alert.SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			al := &alert.Alert{Severity: tt.severity, Message: tt.message, Metrics: tt.metrics}
			if got := scoreSeverity(al, tt.message, tt.category); got != tt.want {
				t.Errorf("scoreSeverity = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTags_LimitsServicesAndMatchesKeywords(t *testing.T) {
	t.Parallel()

	al := &alert.Alert{
		Type:             "database",
		AffectedServices: []string{"a", "b", "c", "d"},
		Metrics:          map[string]float64{"memory_usage": 90, "response_time": 3500},
	}
	got := tags(al, "nightly backup on cluster failed: ssl handshake")
	want := []string{"database", "service:a", "service:b", "service:c", "high-memory", "slow-response", "backup", "security", "clustering"}
	if !slices.Equal(got, want) {
		t.Errorf("tags = %v, want %v", got, want)
	}
}
