package templates

// Step names one prompt-driven research step.
type Step string

const (
	StepPlanner    Step = "planner"
	StepResearcher Step = "researcher"
	StepReviewer   Step = "reviewer"
	StepReporter   Step = "reporter"
)

// Steps lists every step a prompt set must define, in workflow order.
var Steps = []Step{StepPlanner, StepResearcher, StepReviewer, StepReporter}

// Prompt is the raw system/user template pair of one step.
type Prompt struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// PromptSet captures the user-editable prompt file.
type PromptSet struct {
	Version    string `yaml:"version"`
	Planner    Prompt `yaml:"planner"`
	Researcher Prompt `yaml:"researcher"`
	Reviewer   Prompt `yaml:"reviewer"`
	Reporter   Prompt `yaml:"reporter"`
}

// Prompt returns the prompt of step, if known.
func (p *PromptSet) Prompt(step Step) (Prompt, bool) {
	switch step {
	case StepPlanner:
		return p.Planner, true
	case StepResearcher:
		return p.Researcher, true
	case StepReviewer:
		return p.Reviewer, true
	case StepReporter:
		return p.Reporter, true
	}
	return Prompt{}, false
}
