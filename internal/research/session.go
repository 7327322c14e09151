// Package research implements the research workflow: the step executors
// and the state machine that sequences them.
package research

import (
	"errors"
	"fmt"

	"github.com/Kocoro-lab/deep-research/internal/evidence"
)

// ErrCancelled is returned by Machine.Run when cancellation is observed.
var ErrCancelled = errors.New("research session cancelled")

// Phase is a workflow state.
type Phase string

const (
	PhasePlanning    Phase = "planning"
	PhaseResearching Phase = "researching"
	PhaseReviewing   Phase = "reviewing"
	PhaseReporting   Phase = "reporting"
	PhaseDone        Phase = "done"
)

// Session is one research request's evolving state. It is owned by a single
// workflow execution and mutated only through Apply.
type Session struct {
	ID            string
	Task          string
	SubQueries    []string
	Notes         []evidence.Note
	ReportContent string
	LoopCount     int
	MaxLoops      int
	Feedback      string
}

// NewSession creates a session with loopCount 0. maxLoops below 1 is raised
// to 1.
func NewSession(id, task string, maxLoops int) *Session {
	if maxLoops < 1 {
		maxLoops = 1
	}
	return &Session{ID: id, Task: task, MaxLoops: maxLoops}
}

// StepOutput is the partial update produced by one step. The concrete
// variants are PlanOutput, ResearchOutput, ReviewOutput and ReportOutput.
type StepOutput interface {
	stepOutput()
}

// PlanOutput starts a fresh plan.
type PlanOutput struct {
	SubQueries []string
	Fallback   bool
}

// ResearchOutput carries the deduplicated note set after a research pass and
// the notes that pass contributed.
type ResearchOutput struct {
	Notes []evidence.Note
	Added []evidence.Note
}

// ReviewOutput is the reviewer verdict after loop accounting.
type ReviewOutput struct {
	LoopCount       int
	Feedback        string
	SubQueries      []string
	Satisfactory    bool
	BudgetExhausted bool
	ParseFailed     bool
}

// ReportOutput holds the complete report text.
type ReportOutput struct {
	ReportContent string
}

func (PlanOutput) stepOutput()     {}
func (ResearchOutput) stepOutput() {}
func (ReviewOutput) stepOutput()   {}
func (ReportOutput) stepOutput()   {}

// Apply merges a step output into the session.
func (s *Session) Apply(out StepOutput) {
	switch o := out.(type) {
	case PlanOutput:
		s.SubQueries = o.SubQueries
		s.Notes = nil
		s.LoopCount = 0
	case ResearchOutput:
		s.Notes = o.Notes
	case ReviewOutput:
		s.LoopCount = o.LoopCount
		s.Feedback = o.Feedback
		s.SubQueries = o.SubQueries
	case ReportOutput:
		s.ReportContent = o.ReportContent
	default:
		panic(fmt.Sprintf("research: unhandled step output %T", out))
	}
}

// Next returns the state following phase. After Reviewing the route depends
// only on whether sub-queries remain, not on the reviewer's verdict.
func Next(phase Phase, s *Session) Phase {
	switch phase {
	case PhasePlanning:
		return PhaseResearching
	case PhaseResearching:
		return PhaseReviewing
	case PhaseReviewing:
		if len(s.SubQueries) > 0 {
			return PhaseResearching
		}
		return PhaseReporting
	default:
		return PhaseDone
	}
}
