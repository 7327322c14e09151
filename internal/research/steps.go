package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/evidence"
	"github.com/Kocoro-lab/deep-research/internal/llm"
	"github.com/Kocoro-lab/deep-research/internal/metrics"
	"github.com/Kocoro-lab/deep-research/internal/search"
	"github.com/Kocoro-lab/deep-research/internal/templates"
	"github.com/Kocoro-lab/deep-research/internal/util"
)

const (
	// DefaultSearchResults is the number of results requested per sub-query.
	DefaultSearchResults = 3
	// NoteRelevance is the relevance assigned to extracted notes.
	NoteRelevance = 0.9

	UnknownSourceTitle      = "Unknown Source"
	BudgetExhaustedFeedback = "Max loops reached"
	ParseErrorFeedback      = "Error parsing output"
)

// Completer is the text completion capability.
type Completer interface {
	Complete(ctx context.Context, system, user string, jsonMode bool) (string, error)
	CompleteStream(ctx context.Context, system, user string) (<-chan llm.Chunk, error)
}

// Steps runs the four step executors against the collaborators.
type Steps struct {
	completer  Completer
	searcher   search.Searcher
	prompts    *templates.Renderer
	maxResults int
	logger     *zap.Logger
}

// NewSteps wires the step executors. maxResults <= 0 uses DefaultSearchResults.
func NewSteps(completer Completer, searcher search.Searcher, prompts *templates.Renderer, maxResults int, logger *zap.Logger) *Steps {
	if maxResults <= 0 {
		maxResults = DefaultSearchResults
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Steps{completer: completer, searcher: searcher, prompts: prompts, maxResults: maxResults, logger: logger}
}

type planData struct {
	Task string
}

type researchData struct {
	Task    string
	Query   string
	Results []search.Result
}

type notesData struct {
	Task  string
	Notes []evidence.Note
}

// Plan asks for 3-5 sub-queries. Output that is not a JSON object with a
// non-empty "queries" list falls back to the task itself.
func (s *Steps) Plan(ctx context.Context, sess *Session) (PlanOutput, error) {
	sys, usr, err := s.prompts.Render(templates.StepPlanner, planData{Task: sess.Task})
	if err != nil {
		return PlanOutput{}, err
	}
	text, err := s.completer.Complete(ctx, sys, usr, true)
	if err != nil {
		return PlanOutput{}, err
	}

	var parsed struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(util.StripCodeFence(text)), &parsed); err != nil {
		s.logger.Warn("Planner output not parseable, falling back to task",
			zap.String("session_id", sess.ID), zap.Error(err))
		return PlanOutput{SubQueries: []string{sess.Task}, Fallback: true}, nil
	}
	queries := cleanQueries(parsed.Queries)
	if len(queries) == 0 {
		s.logger.Warn("Planner returned no queries, falling back to task", zap.String("session_id", sess.ID))
		return PlanOutput{SubQueries: []string{sess.Task}, Fallback: true}, nil
	}
	return PlanOutput{SubQueries: queries}, nil
}

// Research processes the pending sub-queries one at a time: search, then
// summarize the results into one note attributed to the top result.
// onSearch is called before each search; a non-nil return abandons the pass
// with that error.
func (s *Steps) Research(ctx context.Context, sess *Session, onSearch func(query string) error) (ResearchOutput, error) {
	var produced []evidence.Note
	for _, q := range sess.SubQueries {
		if onSearch != nil {
			if err := onSearch(q); err != nil {
				return ResearchOutput{}, err
			}
		}
		results, err := s.searcher.Search(ctx, q, s.maxResults)
		if err != nil {
			return ResearchOutput{}, err
		}
		if len(results) == 0 {
			s.logger.Debug("No search results", zap.String("session_id", sess.ID), zap.String("query", q))
			continue
		}

		sys, usr, err := s.prompts.Render(templates.StepResearcher, researchData{Task: sess.Task, Query: q, Results: results})
		if err != nil {
			return ResearchOutput{}, err
		}
		content, err := s.completer.Complete(ctx, sys, usr, false)
		if err != nil {
			return ResearchOutput{}, err
		}
		if strings.TrimSpace(content) == "" {
			continue
		}

		top := results[0]
		title := top.Title
		if title == "" {
			title = UnknownSourceTitle
		}
		produced = append(produced, evidence.Note{
			Content:     content,
			SourceURL:   top.URL,
			SourceTitle: title,
			Relevance:   NoteRelevance,
		})
	}

	store := evidence.NewStore(sess.Notes...)
	added := store.Add(produced)
	metrics.RecordNotes(len(produced), len(added))
	return ResearchOutput{Notes: store.Notes(), Added: added}, nil
}

type verdict struct {
	Satisfactory bool     `json:"satisfactory"`
	Feedback     string   `json:"feedback"`
	NewQueries   []string `json:"new_queries"`
}

// Review judges the notes and accounts for one loop. The loop budget wins
// over the verdict: once loopCount reaches maxLoops no further queries are
// scheduled.
func (s *Steps) Review(ctx context.Context, sess *Session) (ReviewOutput, error) {
	if sess.LoopCount >= sess.MaxLoops {
		return ReviewOutput{
			LoopCount:       sess.LoopCount + 1,
			Feedback:        BudgetExhaustedFeedback,
			BudgetExhausted: true,
		}, nil
	}

	sys, usr, err := s.prompts.Render(templates.StepReviewer, notesData{Task: sess.Task, Notes: sess.Notes})
	if err != nil {
		return ReviewOutput{}, err
	}
	text, err := s.completer.Complete(ctx, sys, usr, true)
	if err != nil {
		return ReviewOutput{}, err
	}

	loop := sess.LoopCount + 1
	var v verdict
	if err := json.Unmarshal([]byte(util.StripCodeFence(text)), &v); err != nil {
		s.logger.Warn("Reviewer output not parseable", zap.String("session_id", sess.ID), zap.Error(err))
		return ReviewOutput{LoopCount: loop, Feedback: ParseErrorFeedback, ParseFailed: true}, nil
	}

	out := ReviewOutput{LoopCount: loop, Feedback: v.Feedback, Satisfactory: v.Satisfactory}
	if !v.Satisfactory {
		out.SubQueries = cleanQueries(v.NewQueries)
	}
	if len(out.SubQueries) > 0 && loop >= sess.MaxLoops {
		out.SubQueries = nil
		out.BudgetExhausted = true
	}
	return out, nil
}

// Report streams the final report. onChunk sees every fragment in order; a
// non-nil return stops the stream. The stream is cancelled and drained on
// every exit path.
func (s *Steps) Report(ctx context.Context, sess *Session, onChunk func(text string) error) (ReportOutput, error) {
	sys, usr, err := s.prompts.Render(templates.StepReporter, notesData{Task: sess.Task, Notes: sess.Notes})
	if err != nil {
		return ReportOutput{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ch, err := s.completer.CompleteStream(ctx, sys, usr)
	if err != nil {
		cancel()
		return ReportOutput{}, err
	}
	defer func() {
		cancel()
		for range ch {
		}
	}()

	var b strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return ReportOutput{ReportContent: b.String()}, chunk.Err
		}
		b.WriteString(chunk.Text)
		if onChunk != nil {
			if err := onChunk(chunk.Text); err != nil {
				return ReportOutput{ReportContent: b.String()}, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return ReportOutput{ReportContent: b.String()}, fmt.Errorf("report stream: %w", err)
	}
	return ReportOutput{ReportContent: b.String()}, nil
}

func cleanQueries(in []string) []string {
	out := make([]string, 0, len(in))
	for _, q := range in {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
