package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/commander/internal/alert"
	"github.com/linnemanlabs/commander/internal/incident"
	"github.com/linnemanlabs/commander/internal/llm"
)

var tracer = otel.Tracer("github.com/linnemanlabs/commander/internal/stages")

const systemPrompt = `You are an incident response agent for a production platform.
You receive a JSON description of an incident and answer with a single JSON
object and nothing else. Use only the fields requested.`

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func v() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ErrModelOutput marks a model response that could not be used as a stage
// result.
var ErrModelOutput = errors.New("unusable model output")

// Claude drives classification, advisory and post-mortem through a language
// model. Execution stays with the rule-based executor.
type Claude struct {
	provider llm.Provider
	rules    *Rules
	logger   log.Logger
	now      func() time.Time
}

// NewClaude creates a model-backed processor. provider and rules are required.
func NewClaude(provider llm.Provider, rules *Rules, logger log.Logger) *Claude {
	if provider == nil {
		panic(xerrors.New("llm provider is required"))
	}
	if rules == nil {
		panic(xerrors.New("rules processor is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Claude{provider: provider, rules: rules, logger: logger, now: rules.now}
}

// Process implements pipeline.Processor.
func (c *Claude) Process(ctx context.Context, stage incident.Stage, inc *incident.Incident) (*incident.StageResult, error) {
	switch stage {
	case incident.StageClassification:
		return c.classify(ctx, inc)
	case incident.StageAdvisory:
		return c.advise(ctx, inc)
	case incident.StagePostMortem:
		return c.postMortem(ctx, inc)
	default:
		return c.rules.Process(ctx, stage, inc)
	}
}

type modelClassification struct {
	Category        string   `json:"category" validate:"oneof=database network application infrastructure"`
	Severity        string   `json:"severity" validate:"oneof=critical high medium low"`
	Confidence      float64  `json:"confidence" validate:"gte=0,lte=1"`
	Tags            []string `json:"tags"`
	EstimatedImpact string   `json:"estimated_impact"`
	Reasoning       string   `json:"reasoning" validate:"required"`
}

func (c *Claude) classify(ctx context.Context, inc *incident.Incident) (*incident.StageResult, error) {
	prompt := fmt.Sprintf(`Classify this alert.
Answer with {"category": one of database|network|application|infrastructure,
"severity": one of critical|high|medium|low, "confidence": 0..1,
"tags": [string], "estimated_impact": string, "reasoning": string}.

Alert:
%s`, mustJSON(inc.Alert))

	var out modelClassification
	if err := c.ask(ctx, incident.StageClassification, inc.ID, prompt, &out); err != nil {
		return nil, err
	}
	return &incident.StageResult{
		Stage: incident.StageClassification,
		Classification: &incident.Classification{
			Category:        out.Category,
			Severity:        out.Severity,
			Confidence:      out.Confidence,
			Tags:            out.Tags,
			EstimatedImpact: out.EstimatedImpact,
			Reasoning:       out.Reasoning,
			ClassifiedAt:    c.now(),
		},
	}, nil
}

type modelStep struct {
	Description     string `json:"description" validate:"required"`
	Command         string `json:"command"`
	ExpectedResult  string `json:"expected_result"`
	Automatable     bool   `json:"automation_possible"`
	RiskLevel       string `json:"risk_level" validate:"oneof=low medium high"`
	RollbackCommand string `json:"rollback_command"`
}

type modelPlan struct {
	Steps                 []modelStep `json:"steps" validate:"required,min=1,dive"`
	EstimatedMinutes      int         `json:"estimated_time_minutes" validate:"gte=0"`
	SuccessProbability    float64     `json:"success_probability" validate:"gte=0,lte=1"`
	HumanApprovalRequired bool        `json:"human_approval_required"`
	ParallelActions       []string    `json:"parallel_actions"`
	RollbackPlan          []string    `json:"rollback_plan"`
	Prerequisites         []string    `json:"prerequisites"`
	Reasoning             string      `json:"reasoning" validate:"required"`
}

func (c *Claude) advise(ctx context.Context, inc *incident.Incident) (*incident.StageResult, error) {
	cl := inc.Classification
	var reference []Runbook
	if cl != nil {
		reference = c.rules.catalog.Match(cl.Category, cl.Severity, maxRunbooks)
	}

	prompt := fmt.Sprintf(`Propose a resolution plan for this classified incident.
Answer with {"steps": [{"description", "command", "expected_result",
"automation_possible": bool, "risk_level": low|medium|high, "rollback_command"}],
"estimated_time_minutes": int, "success_probability": 0..1,
"human_approval_required": bool, "parallel_actions": [string],
"rollback_plan": [string], "prerequisites": [string], "reasoning": string}.
Require human approval for critical incidents and for any high risk step.

Incident:
%s

Reference runbooks:
%s`, mustJSON(map[string]any{"alert": inc.Alert, "classification": cl}), mustJSON(reference))

	var out modelPlan
	if err := c.ask(ctx, incident.StageAdvisory, inc.ID, prompt, &out); err != nil {
		return nil, err
	}

	plan := &incident.ResolutionPlan{
		Steps:                 make([]incident.ResolutionStep, 0, len(out.Steps)),
		EstimatedMinutes:      out.EstimatedMinutes,
		SuccessProbability:    out.SuccessProbability,
		HumanApprovalRequired: out.HumanApprovalRequired,
		ParallelActions:       out.ParallelActions,
		RollbackPlan:          out.RollbackPlan,
		Prerequisites:         out.Prerequisites,
		Reasoning:             out.Reasoning,
		GeneratedAt:           c.now(),
	}
	for _, rb := range reference {
		plan.Runbooks = append(plan.Runbooks, rb.Title)
	}
	for i, s := range out.Steps {
		plan.Steps = append(plan.Steps, incident.ResolutionStep{
			Number:          i + 1,
			Description:     s.Description,
			Command:         s.Command,
			ExpectedResult:  s.ExpectedResult,
			Automatable:     s.Automatable,
			RiskLevel:       s.RiskLevel,
			RollbackCommand: s.RollbackCommand,
		})
		if s.RiskLevel == "high" {
			plan.HumanApprovalRequired = true
		}
	}
	if cl != nil && cl.Severity == alert.SeverityCritical {
		plan.HumanApprovalRequired = true
	}
	return &incident.StageResult{Stage: incident.StageAdvisory, Plan: plan}, nil
}

type modelPostMortem struct {
	Summary         string   `json:"summary" validate:"required"`
	RootCause       string   `json:"root_cause" validate:"required"`
	LessonsLearned  []string `json:"lessons_learned" validate:"required,min=1"`
	Recommendations []string `json:"recommendations"`
}

// postMortem starts from the rule-based report, which owns the timeline,
// duration and action items, and replaces its narrative with the model's.
func (c *Claude) postMortem(ctx context.Context, inc *incident.Incident) (*incident.StageResult, error) {
	base, r := draftPostMortem(inc, c.now())

	prompt := fmt.Sprintf(`Write the narrative of a blameless post-incident review.
Answer with {"summary": string, "root_cause": string,
"lessons_learned": [string], "recommendations": [string]}.

Incident:
%s`, mustJSON(map[string]any{
		"alert":           inc.Alert,
		"classification":  inc.Classification,
		"resolution_plan": inc.Plan,
		"execution":       inc.Execution,
		"timeline":        base.Timeline,
		"duration":        base.Duration,
	}))

	var out modelPostMortem
	if err := c.ask(ctx, incident.StagePostMortem, inc.ID, prompt, &out); err != nil {
		return nil, err
	}

	base.Summary = out.Summary
	base.RootCause = out.RootCause
	base.LessonsLearned = out.LessonsLearned
	if len(out.Recommendations) > 0 {
		base.Recommendations = out.Recommendations
	}
	base.Markdown = renderMarkdown(inc.ID, base, r)
	return &incident.StageResult{Stage: incident.StagePostMortem, PostMortem: base}, nil
}

// ask sends prompt to the model and decodes its JSON answer into out.
func (c *Claude) ask(ctx context.Context, stage incident.Stage, id, prompt string, out any) error {
	ctx, span := tracer.Start(ctx, "stages.claude")
	defer span.End()
	span.SetAttributes(
		attribute.String("commander.incident.id", id),
		attribute.String("commander.stage", string(stage)),
	)

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	resp, err := c.provider.Complete(ctx, &llm.Request{System: systemPrompt, Prompt: prompt})
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(
		attribute.Int("llm.tokens.input", resp.Usage.InputTokens),
		attribute.Int("llm.tokens.output", resp.Usage.OutputTokens),
	)
	c.logger.Info(ctx, "model stage completed",
		"incident_id", id,
		"stage", stage,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)

	if resp.StopReason == llm.StopMaxTokens {
		return fail(fmt.Errorf("%w: response truncated at max tokens", ErrModelOutput))
	}
	raw, ok := extractJSON(resp.Text)
	if !ok {
		return fail(fmt.Errorf("%w: no JSON object in response", ErrModelOutput))
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrModelOutput, err))
	}
	if err := v().Struct(out); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrModelOutput, err))
	}
	return nil
}

// extractJSON returns the outermost object in s, tolerating prose or code
// fences around it.
func extractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

func mustJSON(val any) string {
	b, err := json.MarshalIndent(val, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", val)
	}
	return string(b)
}
