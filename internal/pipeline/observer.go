package pipeline

import (
	"fmt"

	"github.com/Kocoro-lab/deep-research/internal/admission"
	"github.com/Kocoro-lab/deep-research/internal/evidence"
	"github.com/Kocoro-lab/deep-research/internal/research"
	"github.com/Kocoro-lab/deep-research/internal/streaming"
)

// observer turns workflow progress into stream events and reports the
// ticket's cancellation at every checkpoint.
type observer struct {
	em     *emitter
	ticket *admission.Ticket
}

func (o *observer) PhaseStarted(phase research.Phase, sess *research.Session) {
	o.em.emit(streaming.Progress(string(phase), sess.LoopCount, sess.MaxLoops, progressMessage(phase, sess)))
}

func (o *observer) Planned(subQueries []string) {
	o.em.emit(streaming.Planner(subQueries))
}

func (o *observer) Searching(query string) {
	o.em.emit(streaming.ResearcherSearch(query))
}

func (o *observer) NotesAdded(notes []evidence.Note) {
	o.em.emit(streaming.ResearcherNotes(evidence.Previews(notes)))
}

func (o *observer) Reviewed(feedback string, hasMoreQueries bool) {
	o.em.emit(streaming.Reviewer(feedback, hasMoreQueries))
}

func (o *observer) ReportChunk(text string) {
	o.em.emit(streaming.ReportChunk(text))
}

func (o *observer) Checkpoint() error {
	if o.ticket.IsCancelled() {
		return research.ErrCancelled
	}
	return nil
}

func progressMessage(phase research.Phase, sess *research.Session) string {
	switch phase {
	case research.PhasePlanning:
		return "Planning research strategy"
	case research.PhaseResearching:
		return fmt.Sprintf("Researching %d queries", len(sess.SubQueries))
	case research.PhaseReviewing:
		return fmt.Sprintf("Reviewing findings (loop %d of %d)", sess.LoopCount+1, sess.MaxLoops)
	case research.PhaseReporting:
		return "Writing final report"
	}
	return string(phase)
}
