package research

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/deep-research/internal/evidence"
	"github.com/Kocoro-lab/deep-research/internal/llm"
	"github.com/Kocoro-lab/deep-research/internal/search"
	"github.com/Kocoro-lab/deep-research/internal/templates"
)

// fakeCompleter answers by recognizing which step's prompt it received.
type fakeCompleter struct {
	mu          sync.Mutex
	plan        string
	planErr     error
	reviews     []string // consumed in order; the last one repeats
	noteFor     func(query string) string
	noteErr     error
	report      []string
	reportErr   error
	calls       map[string]int
	streamEnded chan struct{}
}

func newFakeCompleter() *fakeCompleter {
	return &fakeCompleter{
		plan:        `{"queries":["q1","q2"]}`,
		reviews:     []string{`{"satisfactory":true,"feedback":"good","new_queries":[]}`},
		noteFor:     func(q string) string { return "note about " + q },
		report:      []string{"# Report", "\n", "body"},
		calls:       map[string]int{},
		streamEnded: make(chan struct{}),
	}
}

func (f *fakeCompleter) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func between(s, open, close string) string {
	i := strings.Index(s, open)
	if i < 0 {
		return ""
	}
	rest := s[i+len(open):]
	j := strings.Index(rest, close)
	if j < 0 {
		return ""
	}
	return rest[:j]
}

func (f *fakeCompleter) Complete(_ context.Context, system, _ string, jsonMode bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(system, "research planner"):
		f.calls["plan"]++
		return f.plan, f.planErr
	case strings.Contains(system, "research reviewer"):
		n := f.calls["review"]
		f.calls["review"]++
		if n >= len(f.reviews) {
			n = len(f.reviews) - 1
		}
		return f.reviews[n], nil
	default:
		f.calls["note"]++
		if f.noteErr != nil {
			return "", f.noteErr
		}
		return f.noteFor(between(system, "<query>\n", "\n</query>")), nil
	}
}

func (f *fakeCompleter) CompleteStream(ctx context.Context, _, _ string) (<-chan llm.Chunk, error) {
	f.mu.Lock()
	f.calls["report"]++
	parts := append([]string(nil), f.report...)
	reportErr := f.reportErr
	f.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(f.streamEnded)
		defer close(ch)
		for _, p := range parts {
			select {
			case ch <- llm.Chunk{Text: p}:
			case <-ctx.Done():
				return
			}
		}
		if reportErr != nil {
			select {
			case ch <- llm.Chunk{Err: reportErr}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// fakeSearcher returns one result per query with a URL derived from the
// query unless overridden.
type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]search.Result
	err     error
	queries []string
}

func (s *fakeSearcher) Search(_ context.Context, query string, maxResults int) ([]search.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	if r, ok := s.results[query]; ok {
		return r, nil
	}
	return []search.Result{
		{Title: "Title " + query, URL: "https://example.com/" + query, Content: "content " + query},
		{Title: "Second", URL: "https://example.com/second", Content: "other"},
	}, nil
}

// recorder is an Observer that records everything and cancels on demand.
type recorder struct {
	phases    []Phase
	planned   [][]string
	searched  []string
	notes     [][]evidence.Note
	reviews   []string
	hasMore   []bool
	chunks    []string
	cancelled func(r *recorder) bool
}

func (r *recorder) PhaseStarted(p Phase, _ *Session) { r.phases = append(r.phases, p) }
func (r *recorder) Planned(q []string) { r.planned = append(r.planned, q) }
func (r *recorder) Searching(q string) { r.searched = append(r.searched, q) }
func (r *recorder) NotesAdded(n []evidence.Note) { r.notes = append(r.notes, n) }
func (r *recorder) Reviewed(f string, more bool) {
	r.reviews = append(r.reviews, f)
	r.hasMore = append(r.hasMore, more)
}
func (r *recorder) ReportChunk(t string) { r.chunks = append(r.chunks, t) }
func (r *recorder) Checkpoint() error {
	if r.cancelled != nil && r.cancelled(r) {
		return ErrCancelled
	}
	return nil
}

func newMachine(t *testing.T, c Completer, s search.Searcher) *Machine {
	t.Helper()
	prompts, err := templates.DefaultRenderer()
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	return NewMachine(NewSteps(c, s, prompts, 0, logger), logger)
}
