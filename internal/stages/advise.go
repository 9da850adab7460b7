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

// maxRunbooks bounds how many runbooks feed one plan.
const maxRunbooks = 2

// Advise builds a resolution plan from the catalog for a classified incident.
func Advise(cat *Catalog, inc *incident.Incident, now time.Time) *incident.ResolutionPlan {
	c := inc.Classification
	category, severity, conf := CategoryInfrastructure, alert.SeverityMedium, 0.5
	if c != nil {
		category, severity, conf = c.Category, c.Severity, c.Confidence
	}

	matched := cat.Match(category, severity, maxRunbooks)

	var steps []incident.ResolutionStep
	if len(matched) > 0 {
		steps = runbookSteps(matched[0], firstService(inc.Alert))
	} else {
		steps = genericSteps(category, severity)
	}

	titles := make([]string, 0, len(matched))
	for _, rb := range matched {
		titles = append(titles, rb.Title)
	}

	prob := successProbability(matched, conf, severity)
	return &incident.ResolutionPlan{
		Runbooks:              titles,
		Steps:                 steps,
		EstimatedMinutes:      estimateMinutes(steps, severity),
		SuccessProbability:    prob,
		HumanApprovalRequired: requiresApproval(steps, severity),
		ParallelActions:       parallelActions(steps),
		RollbackPlan:          rollbackPlan(steps),
		Prerequisites:         prerequisites(matched, category),
		Reasoning:             planReasoning(category, severity, len(matched), prob),
		GeneratedAt:           now,
	}
}

func firstService(al *alert.Alert) string {
	if al == nil || len(al.AffectedServices) == 0 {
		return ""
	}
	return al.AffectedServices[0]
}

func runbookSteps(rb Runbook, service string) []incident.ResolutionStep {
	fill := func(s string) string { return s }
	if service != "" {
		r := strings.NewReplacer("[service-name]", service, "[service]", service, "[app-name]", service)
		fill = r.Replace
	}

	out := make([]incident.ResolutionStep, 0, len(rb.Steps))
	for i, s := range rb.Steps {
		out = append(out, incident.ResolutionStep{
			Number:          i + 1,
			Description:     s.Description,
			Command:         fill(s.Command),
			ExpectedResult:  s.ExpectedResult,
			Automatable:     s.Automatable,
			RiskLevel:       s.RiskLevel,
			RollbackCommand: fill(s.RollbackCommand),
		})
	}
	return out
}

func genericSteps(category, severity string) []incident.ResolutionStep {
	steps := []incident.ResolutionStep{
		{
			Number:         1,
			Description:    fmt.Sprintf("Investigate %s incident details", category),
			Command:        "Review monitoring dashboards and logs",
			ExpectedResult: "Root cause identified",
			RiskLevel:      "low",
		},
		{
			Number:         2,
			Description:    "Apply immediate mitigation if available",
			Command:        "Execute appropriate mitigation steps",
			ExpectedResult: "Incident impact reduced",
			RiskLevel:      "medium",
		},
	}
	if severity == alert.SeverityCritical || severity == alert.SeverityHigh {
		steps = append(steps, incident.ResolutionStep{
			Number:         3,
			Description:    "Escalate to on-call engineer",
			Command:        "Page on-call engineer with incident details",
			ExpectedResult: "Expert engaged for resolution",
			Automatable:    true,
			RiskLevel:      "low",
		})
	}
	return steps
}

func estimateMinutes(steps []incident.ResolutionStep, severity string) int {
	base := float64(len(steps) * 3)
	switch severity {
	case alert.SeverityCritical:
		base *= 1.5
	case alert.SeverityLow:
		base *= 0.8
	}
	for _, s := range steps {
		if !s.Automatable {
			base += 2
		}
	}
	return max(int(base), 5)
}

func successProbability(matched []Runbook, conf float64, severity string) float64 {
	if len(matched) == 0 {
		return 0.6
	}
	var sum float64
	for _, rb := range matched {
		sum += rb.SuccessRate
	}
	p := sum / float64(len(matched)) * (0.7 + 0.3*conf)
	switch severity {
	case alert.SeverityCritical:
		p *= 0.9
	case alert.SeverityLow:
		p *= 1.1
	}
	return math.Round(math.Min(p, 0.95)*1000) / 1000
}

func requiresApproval(steps []incident.ResolutionStep, severity string) bool {
	if severity == alert.SeverityCritical {
		return true
	}
	return slices.ContainsFunc(steps, func(s incident.ResolutionStep) bool {
		return s.RiskLevel == "high" ||
			strings.Contains(strings.ToLower(s.Command), "database") ||
			strings.Contains(s.Command, "pg_")
	})
}

func parallelActions(steps []incident.ResolutionStep) []string {
	var monitor, investigate int
	for _, s := range steps {
		d := strings.ToLower(s.Description)
		if strings.Contains(d, "monitor") {
			monitor++
		}
		if containsAny(d, "check", "analyze", "review") {
			investigate++
		}
	}

	var out []string
	if monitor > 1 {
		out = append(out, "Multiple monitoring tasks can be executed simultaneously")
	}
	if investigate > 1 {
		out = append(out, "Investigation and analysis steps can run concurrently")
	}
	return out
}

func rollbackPlan(steps []incident.ResolutionStep) []string {
	var out []string
	for _, s := range slices.Backward(steps) {
		if s.RollbackCommand != "" {
			out = append(out, fmt.Sprintf("Step %d rollback: %s", s.Number, s.RollbackCommand))
		}
	}
	if len(out) == 0 {
		return []string{
			"No specific rollback commands available",
			"Monitor system state and manually revert changes if needed",
			"Restore from backup if system state is compromised",
		}
	}
	return append([]string{"Execute rollback commands in the following order:"}, out...)
}

func prerequisites(matched []Runbook, category string) []string {
	var out []string
	for _, rb := range matched {
		out = append(out, rb.Prerequisites...)
	}
	switch category {
	case CategoryDatabase:
		out = append(out, "database admin access")
	case CategoryInfrastructure:
		out = append(out, "system admin access")
	case CategoryApplication:
		out = append(out, "kubectl access")
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func planReasoning(category, severity string, runbooks int, prob float64) string {
	parts := []string{fmt.Sprintf("Resolution approach selected for %s incident with %s severity.", category, severity)}
	if runbooks > 0 {
		parts = append(parts, fmt.Sprintf("Matched %d proven runbook(s) for this incident type.", runbooks))
	} else {
		parts = append(parts, "No specific runbooks matched, using generic resolution approach.")
	}
	switch {
	case prob > 0.8:
		parts = append(parts, "High probability of successful resolution based on historical data.")
	case prob < 0.6:
		parts = append(parts, "Moderate success probability, consider escalation if initial steps fail.")
	}
	if severity == alert.SeverityCritical {
		parts = append(parts, "Critical severity requires immediate action and human oversight.")
	}
	return strings.Join(parts, " ")
}
