package evidence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func urls(notes []Note) []string {
	out := make([]string, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.SourceURL)
	}
	return out
}

func TestAddNotes_FirstOccurrenceWins(t *testing.T) {
	existing := []Note{
		{Content: "a1", SourceURL: "https://a"},
		{Content: "b1", SourceURL: "https://b"},
	}
	incoming := []Note{
		{Content: "a2", SourceURL: "https://a"},
		{Content: "c1", SourceURL: "https://c"},
		{Content: "c2", SourceURL: "https://c"},
	}

	merged := AddNotes(existing, incoming)

	require.Len(t, merged, 3)
	assert.Equal(t, []string{"https://a", "https://b", "https://c"}, urls(merged))
	assert.Equal(t, "a1", merged[0].Content)
	assert.Equal(t, "c1", merged[2].Content)
}

func TestAddNotes_OrderIndependentRetainsEarliest(t *testing.T) {
	x := Note{Content: "x", SourceURL: "https://same"}
	y := Note{Content: "y", SourceURL: "https://same"}

	assert.Equal(t, []Note{x}, AddNotes([]Note{x}, []Note{y}))
	assert.Equal(t, []Note{y}, AddNotes([]Note{y}, []Note{x}))
}

func TestAddNotes_EmptyURLNeverDeduplicated(t *testing.T) {
	incoming := []Note{
		{Content: "one"},
		{Content: "two"},
		{Content: "three", SourceURL: ""},
	}
	merged := AddNotes(nil, incoming)
	assert.Len(t, merged, 3)
}

func TestAddNotes_DoesNotMutateInputs(t *testing.T) {
	existing := make([]Note, 1, 10)
	existing[0] = Note{Content: "a", SourceURL: "https://a"}
	incoming := []Note{{Content: "b", SourceURL: "https://b"}}

	_ = AddNotes(existing, incoming)

	assert.Len(t, existing, 1)
	assert.Equal(t, "b", incoming[0].Content)
}

func TestStore_AddReturnsSurvivors(t *testing.T) {
	s := NewStore()

	added := s.Add([]Note{
		{Content: "a", SourceURL: "https://a"},
		{Content: "a-dup", SourceURL: "https://a"},
	})
	require.Len(t, added, 1)
	assert.Equal(t, "a", added[0].Content)

	added = s.Add([]Note{
		{Content: "a-again", SourceURL: "https://a"},
		{Content: "b", SourceURL: "https://b"},
	})
	require.Len(t, added, 1)
	assert.Equal(t, "b", added[0].Content)
	assert.Equal(t, 2, s.Len())

	notes := s.Notes()
	notes[0].Content = "changed"
	assert.Equal(t, "a", s.Notes()[0].Content, "Notes must return a copy")
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("x", PreviewLength+50)
	p := Note{Content: long, SourceURL: "https://a", SourceTitle: "A"}.Preview()

	assert.Equal(t, "A", p.Title)
	assert.Equal(t, "https://a", p.URL)
	assert.Equal(t, strings.Repeat("x", PreviewLength)+"...", p.Content)

	short := Note{Content: "short"}.Preview()
	assert.Equal(t, "short", short.Content)

	assert.Len(t, Previews([]Note{{Content: "a"}, {Content: "b"}}), 2)
}
