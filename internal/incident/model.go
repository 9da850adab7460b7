package incident

import (
	"time"

	"github.com/linnemanlabs/commander/internal/alert"
)

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusOpen means created, no stage has completed yet
	StatusOpen Status = "open"

	// StatusAnalyzing means classified, awaiting a resolution plan
	StatusAnalyzing Status = "analyzing"

	// StatusResolving means a resolution plan exists
	StatusResolving Status = "resolving"

	// StatusResolved means the post-mortem is written or an operator forced resolution
	StatusResolved Status = "resolved"

	// StatusClosed means an operator closed a resolved incident
	StatusClosed Status = "closed"
)

// Active reports whether the status belongs to the operational view.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusAnalyzing || s == StatusResolving
}

// Terminal reports whether no further stage may be applied.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// Incident is the tracked record created from one alert.
type Incident struct {
	ID               string          `json:"id"`
	Alert            *alert.Alert    `json:"alert"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	ForcedResolution bool            `json:"forced_resolution,omitempty"`
	Classification   *Classification `json:"classification,omitempty"`
	Plan             *ResolutionPlan `json:"resolution_plan,omitempty"`
	Execution        *Execution      `json:"execution,omitempty"`
	PostMortem       *PostMortem     `json:"postmortem,omitempty"`
	Timeline         []TimelineEntry `json:"timeline"`
	LastError        *StageError     `json:"last_error,omitempty"`
}

// TimelineEntry records one completed stage or operator action.
type TimelineEntry struct {
	At         time.Time `json:"timestamp"`
	Agent      string    `json:"agent"`
	Action     string    `json:"action"`
	Stage      Stage     `json:"stage,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// StageError is the most recent stage failure, cleared by the next success.
type StageError struct {
	Stage   Stage     `json:"stage"`
	Agent   string    `json:"agent"`
	Message string    `json:"message"`
	At      time.Time `json:"timestamp"`
}

// Classification is the output of the classification stage.
type Classification struct {
	Category        string    `json:"category"`
	Severity        string    `json:"severity"`
	Confidence      float64   `json:"confidence"`
	Tags            []string  `json:"tags,omitempty"`
	EstimatedImpact string    `json:"estimated_impact,omitempty"`
	Reasoning       string    `json:"reasoning,omitempty"`
	ClassifiedAt    time.Time `json:"classified_at"`
}

// ResolutionStep is one action in a resolution plan.
type ResolutionStep struct {
	Number          int    `json:"step_number"`
	Description     string `json:"description"`
	Command         string `json:"command,omitempty"`
	ExpectedResult  string `json:"expected_result,omitempty"`
	Automatable     bool   `json:"automation_possible"`
	RiskLevel       string `json:"risk_level"`
	RollbackCommand string `json:"rollback_command,omitempty"`
}

// ResolutionPlan is the output of the advisory stage.
type ResolutionPlan struct {
	Runbooks              []string         `json:"runbooks,omitempty"`
	Steps                 []ResolutionStep `json:"steps"`
	EstimatedMinutes      int              `json:"estimated_time_minutes"`
	SuccessProbability    float64          `json:"success_probability"`
	HumanApprovalRequired bool             `json:"human_approval_required"`
	ParallelActions       []string         `json:"parallel_actions,omitempty"`
	RollbackPlan          []string         `json:"rollback_plan,omitempty"`
	Prerequisites         []string         `json:"prerequisites,omitempty"`
	Reasoning             string           `json:"reasoning,omitempty"`
	GeneratedAt           time.Time        `json:"generated_at"`
}

// ExecutedStep is the outcome of carrying out one plan step.
type ExecutedStep struct {
	Number      int    `json:"step_number"`
	Description string `json:"description"`
	Executed    bool   `json:"executed"`
	Success     bool   `json:"success"`
	Note        string `json:"note,omitempty"`
}

// Execution is the output of the execution stage.
type Execution struct {
	Success      bool           `json:"success"`
	Steps        []ExecutedStep `json:"steps"`
	PendingSteps int            `json:"pending_manual_steps"`
	ExecutedAt   time.Time      `json:"executed_at"`
}

// ActionItem is a follow-up recorded in a post-mortem.
type ActionItem struct {
	Description string `json:"description"`
	Owner       string `json:"owner"`
	Priority    string `json:"priority"`
	DueInDays   int    `json:"due_in_days"`
}

// PostMortemEvent is one line of a post-mortem's reconstructed timeline.
type PostMortemEvent struct {
	At      time.Time `json:"timestamp"`
	Event   string    `json:"event"`
	Details string    `json:"details,omitempty"`
}

// PostMortem is the output of the final stage.
type PostMortem struct {
	Title           string            `json:"title"`
	Summary         string            `json:"summary"`
	Impact          string            `json:"impact"`
	RootCause       string            `json:"root_cause"`
	Duration        string            `json:"duration"`
	Timeline        []PostMortemEvent `json:"timeline,omitempty"`
	LessonsLearned  []string          `json:"lessons_learned,omitempty"`
	ActionItems     []ActionItem      `json:"action_items,omitempty"`
	Recommendations []string          `json:"recommendations,omitempty"`
	Markdown        string            `json:"markdown,omitempty"`
	GeneratedAt     time.Time         `json:"generated_at"`
}
