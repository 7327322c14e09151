package research

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/evidence"
	"github.com/Kocoro-lab/deep-research/internal/metrics"
	"github.com/Kocoro-lab/deep-research/internal/tracing"
)

// Observer receives workflow progress. Checkpoint is consulted at every step
// boundary, before each sub-query search and between report fragments;
// returning ErrCancelled stops the run.
type Observer interface {
	PhaseStarted(phase Phase, sess *Session)
	Planned(subQueries []string)
	Searching(query string)
	NotesAdded(notes []evidence.Note)
	Reviewed(feedback string, hasMoreQueries bool)
	ReportChunk(text string)
	Checkpoint() error
}

// NopObserver ignores all progress and never cancels.
type NopObserver struct{}

func (NopObserver) PhaseStarted(Phase, *Session) {}
func (NopObserver) Planned([]string) {}
func (NopObserver) Searching(string) {}
func (NopObserver) NotesAdded([]evidence.Note) {}
func (NopObserver) Reviewed(string, bool) {}
func (NopObserver) ReportChunk(string) {}
func (NopObserver) Checkpoint() error { return nil }

// Machine sequences the step executors:
// Planning -> Researching -> Reviewing -> (Researching | Reporting) -> Done.
type Machine struct {
	steps  *Steps
	logger *zap.Logger
}

// NewMachine creates a state machine over steps.
func NewMachine(steps *Steps, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{steps: steps, logger: logger}
}

// Run drives sess from Planning to Done. It returns ErrCancelled when
// cancellation is observed and the collaborator error that halted the
// machine otherwise. Steps of one session never overlap.
func (m *Machine) Run(ctx context.Context, sess *Session, obs Observer) error {
	if obs == nil {
		obs = NopObserver{}
	}
	ctx, span := tracing.StartSessionSpan(ctx, "research.session", sess.ID)
	defer span.End()

	phase := PhasePlanning
	for phase != PhaseDone {
		if err := checkpoint(ctx, obs); err != nil {
			return err
		}
		obs.PhaseStarted(phase, sess)

		start := time.Now()
		out, err := m.step(ctx, phase, sess, obs)
		metrics.StepDuration.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())
		if err != nil {
			// a step interrupted by cancellation is not a failure
			if cerr := checkpoint(ctx, obs); cerr != nil {
				return cerr
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, string(phase))
			m.logger.Warn("Research step failed",
				zap.String("session_id", sess.ID),
				zap.String("phase", string(phase)),
				zap.Int("loop", sess.LoopCount),
				zap.Error(err),
			)
			return fmt.Errorf("%s: %w", phase, err)
		}

		sess.Apply(out)
		m.notify(out, sess, obs)
		next := Next(phase, sess)
		m.logger.Debug("Research transition",
			zap.String("session_id", sess.ID),
			zap.String("from", string(phase)),
			zap.String("to", string(next)),
			zap.Int("loop", sess.LoopCount),
		)
		phase = next
	}
	return nil
}

func (m *Machine) step(ctx context.Context, phase Phase, sess *Session, obs Observer) (StepOutput, error) {
	ctx, span := tracing.StartSessionSpan(ctx, "research."+string(phase), sess.ID)
	defer span.End()

	switch phase {
	case PhasePlanning:
		return m.steps.Plan(ctx, sess)
	case PhaseResearching:
		return m.steps.Research(ctx, sess, func(query string) error {
			if err := checkpoint(ctx, obs); err != nil {
				return err
			}
			obs.Searching(query)
			return nil
		})
	case PhaseReviewing:
		return m.steps.Review(ctx, sess)
	case PhaseReporting:
		return m.steps.Report(ctx, sess, func(text string) error {
			obs.ReportChunk(text)
			return checkpoint(ctx, obs)
		})
	}
	return nil, fmt.Errorf("no step for phase %q", phase)
}

func (m *Machine) notify(out StepOutput, sess *Session, obs Observer) {
	switch o := out.(type) {
	case PlanOutput:
		obs.Planned(o.SubQueries)
	case ResearchOutput:
		if len(o.Added) > 0 {
			obs.NotesAdded(o.Added)
		}
	case ReviewOutput:
		obs.Reviewed(o.Feedback, len(sess.SubQueries) > 0)
	}
}

func checkpoint(ctx context.Context, obs Observer) error {
	if err := obs.Checkpoint(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return ErrCancelled
		}
		return err
	}
	return nil
}
