package stages

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/commander/internal/alert"
	"github.com/linnemanlabs/commander/internal/incident"
)

// effectiveness summarizes how the incident was handled.
type effectiveness struct {
	automated int
	manual    int
	rate      float64
	minutes   int
}

// WritePostMortem assembles the post-incident review for an incident that has
// been through classification, advisory and execution.
func WritePostMortem(inc *incident.Incident, now time.Time) *incident.PostMortem {
	pm, r := draftPostMortem(inc, now)
	pm.Markdown = renderMarkdown(inc.ID, pm, r)
	return pm
}

// report carries the derived facts the markdown rendering needs beyond the
// post-mortem fields.
type report struct {
	status string
	eff    effectiveness
}

func draftPostMortem(inc *incident.Incident, now time.Time) (*incident.PostMortem, report) {
	al := inc.Alert
	if al == nil {
		al = &alert.Alert{}
	}
	c := inc.Classification
	if c == nil {
		c = &incident.Classification{Category: "unknown", Severity: al.Severity}
	}

	timeline := reconstructTimeline(inc)
	start := al.Timestamp
	if start.IsZero() {
		start = inc.CreatedAt
	}
	duration := now.Sub(start).Round(time.Second)
	eff := assessEffectiveness(inc.Execution, duration)

	source := cmp.Or(al.SourceSystem, "Unknown System")
	cause := primaryCause(al, c.Category)
	status := "Ongoing"
	if inc.Execution != nil && inc.Execution.Success {
		status = "Resolved"
	}

	pm := &incident.PostMortem{
		Title:       fmt.Sprintf("%s Incident - %s", capitalize(c.Category), source),
		Impact:      assessImpact(c.Severity, len(al.AffectedServices)),
		RootCause:   analyzeRootCause(al, cause, eff.automated),
		Duration:    duration.String(),
		Timeline:    timeline,
		GeneratedAt: now,
	}
	pm.Summary = fmt.Sprintf("%s severity %s incident from %s lasting %s. Primary cause: %s. Status: %s.",
		capitalize(c.Severity), c.Category, source, pm.Duration, cause, status)
	pm.LessonsLearned = lessonsLearned(c, eff)
	pm.ActionItems = actionItems(pm.LessonsLearned, eff, c.Category)
	pm.Recommendations = recommendations(eff)
	return pm, report{status: status, eff: eff}
}

func reconstructTimeline(inc *incident.Incident) []incident.PostMortemEvent {
	msg := "Unknown alert"
	at := inc.CreatedAt
	if inc.Alert != nil {
		msg = cmp.Or(inc.Alert.Message, msg)
		if !inc.Alert.Timestamp.IsZero() {
			at = inc.Alert.Timestamp
		}
	}

	out := []incident.PostMortemEvent{{At: at, Event: "Incident Detected", Details: "Alert: " + msg}}
	for _, e := range inc.Timeline {
		details := "Agent: " + e.Agent
		if e.DurationMS > 0 {
			details += fmt.Sprintf(" (Duration: %dms)", e.DurationMS)
		}
		if e.Summary != "" {
			details += " - " + e.Summary
		}
		out = append(out, incident.PostMortemEvent{At: e.At, Event: e.Action, Details: details})
	}
	slices.SortStableFunc(out, func(a, b incident.PostMortemEvent) int { return a.At.Compare(b.At) })
	return out
}

func assessEffectiveness(ex *incident.Execution, d time.Duration) effectiveness {
	var e effectiveness
	if ex != nil {
		e.manual = ex.PendingSteps
		e.automated = len(ex.Steps) - ex.PendingSteps
	}
	e.rate = float64(e.automated) / float64(max(e.automated+e.manual, 1))
	e.minutes = int(d.Minutes())
	return e
}

func assessImpact(severity string, services int) string {
	switch severity {
	case alert.SeverityCritical:
		if services > 3 {
			return "High - Multiple critical services affected, significant user impact"
		}
		return "Medium-High - Critical severity but limited service scope"
	case alert.SeverityHigh:
		if services > 2 {
			return "Medium - Multiple services affected"
		}
		return "Medium-Low - Limited service impact"
	case alert.SeverityMedium:
		return "Low-Medium - Minor service disruption"
	default:
		return "Low - Minimal impact"
	}
}

func primaryCause(al *alert.Alert, category string) string {
	msg := strings.ToLower(al.Message)
	switch {
	case containsAny(msg, "cpu", "memory"):
		return "Resource exhaustion"
	case strings.Contains(msg, "connection"):
		return "Connection pool exhaustion"
	case containsAny(msg, "timeout", "latency"):
		return "Performance degradation"
	case strings.Contains(msg, "error rate"):
		return "Application errors"
	case containsAny(msg, "disk", "storage"):
		return "Storage capacity issue"
	default:
		return fmt.Sprintf("Unknown - requires investigation (%s related)", category)
	}
}

func analyzeRootCause(al *alert.Alert, cause string, automated int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Primary Cause:** %s\n\n", cause)
	fmt.Fprintf(&b, "**Alert Details:** %s\n\n", al.Message)

	if len(al.Metrics) > 0 {
		b.WriteString("**Contributing Factors:**\n")
		if v := al.Metric("cpu_usage"); v > 90 {
			fmt.Fprintf(&b, "- High CPU usage: %g%%\n", v)
		}
		if v := al.Metric("memory_usage"); v > 85 {
			fmt.Fprintf(&b, "- High memory usage: %g%%\n", v)
		}
		if v := al.Metric("error_rate"); v > 0.05 {
			fmt.Fprintf(&b, "- Elevated error rate: %.1f%%\n", v*100)
		}
		if v := al.Metric("response_time"); v > 3000 {
			fmt.Fprintf(&b, "- Slow response time: %gms\n", v)
		}
	}
	if automated > 0 {
		fmt.Fprintf(&b, "\n**Agent Response:** %d automated actions taken\n", automated)
	}
	b.WriteString("\n**Recommendation:** Implement monitoring thresholds and automated scaling to prevent recurrence.")
	return b.String()
}

func lessonsLearned(c *incident.Classification, eff effectiveness) []string {
	var out []string
	if c.Confidence < 0.7 {
		out = append(out, "Improve alert classification accuracy through better data collection")
	}
	if eff.rate < 0.5 {
		out = append(out, "Increase automation for common resolution steps")
	}
	if eff.minutes > 30 {
		out = append(out, "Optimize response time through better automation and runbook improvements")
	}
	if eff.manual > 2 {
		out = append(out, "Reduce manual intervention requirements through improved automation")
	}

	switch c.Category {
	case CategoryDatabase:
		out = append(out, "Consider implementing connection pool monitoring and auto-scaling")
	case CategoryInfrastructure:
		out = append(out, "Implement predictive monitoring to catch resource issues earlier")
	case CategoryApplication:
		out = append(out, "Improve application health checks and circuit breaker patterns")
	}
	if c.Severity == alert.SeverityCritical {
		out = append(out, "Critical incidents require immediate escalation protocols")
	}

	if len(out) == 0 {
		out = append(out, "Incident handled effectively - maintain current processes")
	}
	return out
}

func actionItems(lessons []string, eff effectiveness, category string) []incident.ActionItem {
	var out []incident.ActionItem
	for _, l := range lessons {
		l = strings.ToLower(l)
		switch {
		case strings.Contains(l, "automation"):
			out = append(out, incident.ActionItem{
				Description: "Implement additional automation for identified manual steps",
				Owner:       "DevOps Team",
				Priority:    "high",
				DueInDays:   14,
			})
		case strings.Contains(l, "monitoring"):
			out = append(out, incident.ActionItem{
				Description: "Enhance monitoring thresholds and alert accuracy",
				Owner:       "SRE Team",
				Priority:    "medium",
				DueInDays:   21,
			})
		}
	}
	if eff.minutes > 20 {
		out = append(out, incident.ActionItem{
			Description: "Review and optimize incident response runbooks",
			Owner:       "On-call Team",
			Priority:    "medium",
			DueInDays:   10,
		})
	}
	if category == CategoryDatabase {
		out = append(out, incident.ActionItem{
			Description: "Implement database connection pool monitoring dashboard",
			Owner:       "Database Team",
			Priority:    "high",
			DueInDays:   7,
		})
	}
	return append(out, incident.ActionItem{
		Description: "Update incident response documentation with lessons learned",
		Owner:       "Documentation Team",
		Priority:    "low",
		DueInDays:   30,
	})
}

func recommendations(eff effectiveness) []string {
	var out []string
	if eff.rate < 0.7 {
		out = append(out, "Increase automation coverage for incident response procedures")
	}
	if eff.minutes > 15 {
		out = append(out, "Implement faster detection and response mechanisms")
	}
	if eff.manual > 3 {
		out = append(out, "Reduce manual intervention requirements through better tooling")
	}
	return append(out,
		"Conduct regular incident response drills to improve team readiness",
		"Review and update monitoring thresholds based on incident patterns",
		"Implement chaos engineering practices to proactively identify weaknesses",
	)
}

func renderMarkdown(id string, pm *incident.PostMortem, r report) string {
	eff := r.eff
	var b strings.Builder
	fmt.Fprintf(&b, "# Post-Incident Report: %s\n\n", pm.Title)
	fmt.Fprintf(&b, "**Incident ID:** %s  \n", id)
	fmt.Fprintf(&b, "**Date:** %s  \n", pm.GeneratedAt.UTC().Format(time.DateTime))
	fmt.Fprintf(&b, "**Status:** %s  \n\n", r.status)

	b.WriteString("## Executive Summary\n\n")
	fmt.Fprintf(&b, "- **Duration:** %s\n", pm.Duration)
	fmt.Fprintf(&b, "- **Impact:** %s\n", pm.Impact)
	fmt.Fprintf(&b, "- **Summary:** %s\n\n", pm.Summary)

	b.WriteString("## Timeline\n\n| Time | Event | Details |\n|------|-------|---------|\n")
	for _, e := range pm.Timeline {
		fmt.Fprintf(&b, "| %s | %s | %s |\n", e.At.UTC().Format(time.TimeOnly), e.Event, strings.ReplaceAll(e.Details, "|", `\|`))
	}

	b.WriteString("\n## Root Cause Analysis\n\n")
	b.WriteString(pm.RootCause)
	b.WriteString("\n\n## Resolution Effectiveness\n\n")
	fmt.Fprintf(&b, "- **Automated Actions:** %d\n", eff.automated)
	fmt.Fprintf(&b, "- **Manual Interventions:** %d\n", eff.manual)
	fmt.Fprintf(&b, "- **Automation Rate:** %.1f%%\n", eff.rate*100)

	b.WriteString("\n## Lessons Learned\n\n")
	for i, l := range pm.LessonsLearned {
		fmt.Fprintf(&b, "%d. %s\n", i+1, l)
	}

	b.WriteString("\n## Action Items\n\n| Description | Owner | Priority | Due |\n|-------------|-------|----------|-----|\n")
	for _, a := range pm.ActionItems {
		due := pm.GeneratedAt.AddDate(0, 0, a.DueInDays).UTC().Format(time.DateOnly)
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", a.Description, a.Owner, a.Priority, due)
	}

	b.WriteString("\n## Recommendations\n\n")
	for _, r := range pm.Recommendations {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
