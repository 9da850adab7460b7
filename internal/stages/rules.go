package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/commander/internal/incident"
)

// Rules is the deterministic stage processor.
type Rules struct {
	catalog *Catalog
	now     func() time.Time
}

// RulesOption configures Rules.
type RulesOption func(*Rules)

// WithCatalog replaces the built-in runbook catalog.
func WithCatalog(c *Catalog) RulesOption {
	return func(r *Rules) { r.catalog = c }
}

// WithClock overrides the time source stamped on stage results.
func WithClock(now func() time.Time) RulesOption {
	return func(r *Rules) { r.now = now }
}

// NewRules creates the rule-based processor.
func NewRules(opts ...RulesOption) *Rules {
	r := &Rules{now: time.Now}
	for _, o := range opts {
		o(r)
	}
	if r.catalog == nil {
		r.catalog = DefaultCatalog()
	}
	return r
}

// Process implements pipeline.Processor.
func (r *Rules) Process(ctx context.Context, stage incident.Stage, inc *incident.Incident) (*incident.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := r.now()
	res := &incident.StageResult{Stage: stage}

	switch stage {
	case incident.StageClassification:
		if inc.Alert == nil {
			return nil, fmt.Errorf("incident %s has no alert", inc.ID)
		}
		res.Classification = Classify(inc.Alert, now)
	case incident.StageAdvisory:
		res.Plan = Advise(r.catalog, inc, now)
	case incident.StageExecution:
		res.Execution = Execute(inc.Plan, now)
	case incident.StagePostMortem:
		res.PostMortem = WritePostMortem(inc, now)
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	return res, nil
}
