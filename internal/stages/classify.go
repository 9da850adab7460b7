package stages

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/commander/internal/alert"
	"github.com/linnemanlabs/commander/internal/incident"
)

// Incident categories produced by Classify.
const (
	CategoryDatabase       = "database"
	CategoryNetwork        = "network"
	CategoryApplication    = "application"
	CategoryInfrastructure = "infrastructure"
)

var severityWeight = map[string]int{
	alert.SeverityCritical: 4,
	alert.SeverityHigh:     3,
	alert.SeverityMedium:   2,
	alert.SeverityLow:      1,
}

var categoryKeywords = map[string][]string{
	CategoryDatabase:       {"database", "connection", "query", "sql"},
	CategoryNetwork:        {"network", "latency", "ssl", "dns"},
	CategoryApplication:    {"application", "service", "api", "error"},
	CategoryInfrastructure: {"cpu", "memory", "disk", "storage"},
}

var outageKeywords = []string{"down", "failed", "critical", "emergency", "outage"}

// criticalServices are user-facing services whose involvement raises the
// business impact of an incident.
var criticalServices = []string{"auth", "api-gateway", "payment", "checkout", "user"}

// Classify assigns a category, severity, confidence and tags to an alert.
func Classify(al *alert.Alert, now time.Time) *incident.Classification {
	msg := strings.ToLower(al.Message)
	category := categorize(al, msg)
	severity := scoreSeverity(al, msg, category)

	return &incident.Classification{
		Category:        category,
		Severity:        severity,
		Confidence:      confidence(al, msg, category, severity),
		Tags:            tags(al, msg),
		EstimatedImpact: estimateImpact(al, category, severity),
		Reasoning:       classificationReasoning(al, category, severity),
		ClassifiedAt:    now,
	}
}

func categorize(al *alert.Alert, msg string) string {
	switch {
	case containsAny(msg, "database", "connection", "query", "sql", "redis", "mongo"),
		strings.Contains(al.Type, "database"), strings.Contains(al.Type, "db"),
		anyService(al, "db"):
		return CategoryDatabase
	case containsAny(msg, "network", "latency", "timeout", "ssl", "certificate", "dns"),
		al.Type == "network",
		containsAny(msg, "cdn", "proxy", "gateway"):
		return CategoryNetwork
	case containsAny(msg, "application", "service", "endpoint", "api", "error rate"),
		al.Type == "application",
		anyService(al, "service"):
		return CategoryApplication
	default:
		return CategoryInfrastructure
	}
}

func scoreSeverity(al *alert.Alert, msg, category string) string {
	score, ok := severityWeight[al.Severity]
	if !ok {
		score = 2
	}

	if al.Metric("cpu_usage") > 95 {
		score++
	}
	if al.Metric("memory_usage") > 90 {
		score++
	}
	if al.Metric("error_rate") > 0.1 {
		score++
	}
	if al.Metric("response_time") > 5000 {
		score++
	}
	if containsAny(msg, outageKeywords...) {
		score++
	}
	if category == CategoryDatabase && strings.Contains(msg, "connection") {
		score++
	}
	if category == CategoryApplication && strings.Contains(msg, "health check") {
		score++
	}

	switch {
	case score >= 5:
		return alert.SeverityCritical
	case score >= 4:
		return alert.SeverityHigh
	case score >= 3:
		return alert.SeverityMedium
	default:
		return alert.SeverityLow
	}
}

func confidence(al *alert.Alert, msg, category, severity string) float64 {
	c := 0.5
	if al.Type != "" {
		c += 0.1
	}
	if len(al.Metrics) > 0 {
		c += 0.1
	}
	if len(al.AffectedServices) > 0 {
		c += 0.1
	}
	if al.SourceSystem != "" {
		c += 0.1
	}

	matches := 0
	for _, kw := range categoryKeywords[category] {
		if strings.Contains(msg, kw) {
			matches++
		}
	}
	c += math.Min(float64(matches)*0.05, 0.2)

	if severity == alert.SeverityCritical && (al.Metric("cpu_usage") > 95 || al.Metric("error_rate") > 0.2) {
		c += 0.1
	}
	return math.Round(math.Min(c, 1.0)*100) / 100
}

func tags(al *alert.Alert, msg string) []string {
	var out []string
	if al.Type != "" {
		out = append(out, al.Type)
	}
	for i, svc := range al.AffectedServices {
		if i == 3 {
			break
		}
		out = append(out, "service:"+svc)
	}

	if al.Metric("cpu_usage") > 90 {
		out = append(out, "high-cpu")
	}
	if al.Metric("memory_usage") > 85 {
		out = append(out, "high-memory")
	}
	if al.Metric("error_rate") > 0.05 {
		out = append(out, "high-error-rate")
	}
	if al.Metric("response_time") > 3000 {
		out = append(out, "slow-response")
	}

	if strings.Contains(msg, "backup") {
		out = append(out, "backup")
	}
	if containsAny(msg, "ssl", "certificate") {
		out = append(out, "security")
	}
	if strings.Contains(msg, "cluster") {
		out = append(out, "clustering")
	}
	return out
}

func estimateImpact(al *alert.Alert, category, severity string) string {
	userFacing := slices.ContainsFunc(al.AffectedServices, func(svc string) bool {
		return containsAny(strings.ToLower(svc), criticalServices...)
	})

	switch severity {
	case alert.SeverityCritical:
		if userFacing {
			return "High - Critical user-facing services affected"
		}
		return "Medium-High - System stability compromised"
	case alert.SeverityHigh:
		if userFacing {
			return "Medium-High - User experience degraded"
		}
		return "Medium - Internal systems affected"
	case alert.SeverityMedium:
		if category == CategoryDatabase {
			return "Medium - Data integrity or availability concerns"
		}
		return "Low-Medium - Limited service impact"
	default:
		return "Low - Minimal business impact"
	}
}

func classificationReasoning(al *alert.Alert, category, severity string) string {
	parts := []string{fmt.Sprintf("Categorized as %s based on alert type and message content", category)}
	if severity != al.Severity {
		parts = append(parts, fmt.Sprintf("Severity adjusted from %s to %s based on metrics", al.Severity, severity))
	}

	var critical []string
	if cpu := al.Metric("cpu_usage"); cpu > 90 {
		critical = append(critical, fmt.Sprintf("CPU %g%%", cpu))
	}
	if er := al.Metric("error_rate"); er > 0.1 {
		critical = append(critical, fmt.Sprintf("Error rate %.1f%%", er*100))
	}
	if len(critical) > 0 {
		parts = append(parts, "Critical metrics: "+strings.Join(critical, ", "))
	}
	if n := len(al.AffectedServices); n > 0 {
		parts = append(parts, fmt.Sprintf("Affects %d service(s)", n))
	}
	return strings.Join(parts, "; ")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func anyService(al *alert.Alert, sub string) bool {
	return slices.ContainsFunc(al.AffectedServices, func(svc string) bool {
		return strings.Contains(strings.ToLower(svc), sub)
	})
}
