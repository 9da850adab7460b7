package incident

// Stage is one ordered processing phase of the pipeline.
type Stage string

const (
	StageClassification Stage = "classification"
	StageAdvisory       Stage = "advisory"
	StageExecution      Stage = "execution"
	StagePostMortem     Stage = "postmortem"
)

// Stages is the fixed processing order.
var Stages = []Stage{
	StageClassification,
	StageAdvisory,
	StageExecution,
	StagePostMortem,
}

// Index returns the position of s in Stages, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// Agent is the display name of the worker that performs the stage.
func (s Stage) Agent() string {
	switch s {
	case StageClassification:
		return "IncidentClassifier"
	case StageAdvisory:
		return "ResolutionAdvisor"
	case StageExecution:
		return "ResolutionExecutor"
	case StagePostMortem:
		return "PostMortemGenerator"
	default:
		return "unknown"
	}
}

// Action is the timeline verb recorded when the stage completes.
func (s Stage) Action() string {
	switch s {
	case StageClassification:
		return "classify_incident"
	case StageAdvisory:
		return "suggest_resolution"
	case StageExecution:
		return "execute_resolution"
	case StagePostMortem:
		return "generate_postmortem"
	default:
		return string(s)
	}
}
