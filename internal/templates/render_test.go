package templates

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct{ Title, URL, Content string }

type note struct {
	Content, SourceURL, SourceTitle string
}

func TestDefaultPromptSetValidates(t *testing.T) {
	ps, err := DefaultPromptSet()
	require.NoError(t, err)
	assert.NoError(t, ValidatePromptSet(ps))
	assert.Equal(t, "1", ps.Version)
}

func TestRenderPlanner(t *testing.T) {
	r, err := DefaultRenderer()
	require.NoError(t, err)

	sys, usr, err := r.Render(StepPlanner, struct{ Task string }{"quantum batteries"})
	require.NoError(t, err)
	assert.Contains(t, sys, "<user_topic>\nquantum batteries\n</user_topic>")
	assert.Contains(t, sys, `"queries"`)
	assert.Equal(t, "Start planning.", usr)
}

func TestRenderResearcherListsResults(t *testing.T) {
	r, err := DefaultRenderer()
	require.NoError(t, err)

	data := struct {
		Task, Query string
		Results     []result
	}{
		Task:  "t",
		Query: "q",
		Results: []result{
			{Title: "A", URL: "https://a", Content: "alpha"},
			{Title: "B", URL: "https://b", Content: "beta"},
		},
	}
	sys, _, err := r.Render(StepResearcher, data)
	require.NoError(t, err)
	assert.Contains(t, sys, "Result 1:\nTitle: A\nURL: https://a\nContent: alpha\n")
	assert.Contains(t, sys, "Result 2:\nTitle: B\nURL: https://b\nContent: beta\n")
}

func TestRenderReviewerTruncatesNotes(t *testing.T) {
	r, err := DefaultRenderer()
	require.NoError(t, err)

	long := strings.Repeat("x", 250)
	data := struct {
		Task  string
		Notes []note
	}{Task: "t", Notes: []note{{Content: long, SourceTitle: "Long"}, {Content: "short", SourceTitle: "Short"}}}

	sys, _, err := r.Render(StepReviewer, data)
	require.NoError(t, err)
	assert.Contains(t, sys, "[1] Long: "+strings.Repeat("x", 200)+"...\n")
	assert.NotContains(t, sys, strings.Repeat("x", 201))
	assert.Contains(t, sys, "[2] Short: short\n")
}

func TestRenderReporterFallsBackToUnknownTitle(t *testing.T) {
	r, err := DefaultRenderer()
	require.NoError(t, err)

	data := struct {
		Task  string
		Notes []note
	}{Task: "t", Notes: []note{{Content: "full body", SourceURL: "https://a"}}}
	sys, _, err := r.Render(StepReporter, data)
	require.NoError(t, err)
	assert.Contains(t, sys, "Source [1]: Unknown Source (https://a)\nContent: full body\n")
}

func TestRenderMissingFieldFails(t *testing.T) {
	r, err := DefaultRenderer()
	require.NoError(t, err)
	_, _, err = r.Render(StepPlanner, struct{ Other string }{"x"})
	assert.Error(t, err)
}

func TestRenderUnknownStep(t *testing.T) {
	r, err := DefaultRenderer()
	require.NoError(t, err)
	_, _, err = r.Render(Step("summarizer"), nil)
	assert.Error(t, err)
}

func TestLoadPromptSetOverridesSingleField(t *testing.T) {
	ps, err := LoadPromptSet(strings.NewReader("planner:\n  user: Plan now.\n"))
	require.NoError(t, err)
	assert.Equal(t, "Plan now.", ps.Planner.User)
	// untouched fields keep the embedded defaults
	assert.Contains(t, ps.Planner.System, "{{.Task}}")
	assert.NotEmpty(t, ps.Reporter.System)
}

func TestLoadPromptSetRejectsUnknownFields(t *testing.T) {
	_, err := LoadPromptSet(strings.NewReader("summarizer:\n  user: x\n"))
	assert.Error(t, err)
}

func TestValidatePromptSetReportsIssues(t *testing.T) {
	ps, err := DefaultPromptSet()
	require.NoError(t, err)
	ps.Reviewer.User = "  "
	ps.Reporter.System = "{{.Task"

	err = ValidatePromptSet(ps)
	require.Error(t, err)
	vErr, ok := err.(*ValidationError)
	require.True(t, ok)
	require.Len(t, vErr.Issues, 2)
	assert.Equal(t, "prompt_missing", vErr.Issues[0].Code)
	assert.Equal(t, "prompt_parse", vErr.Issues[1].Code)

	_, err = NewRenderer(ps)
	assert.Error(t, err)
}
