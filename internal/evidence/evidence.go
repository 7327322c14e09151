// Package evidence holds the notes extracted during a research session and
// the rules for merging them across research passes.
package evidence

import (
	"github.com/Kocoro-lab/deep-research/internal/util"
)

// PreviewLength caps note content delivered to callers; longer content is
// cut and marked with "...".
const PreviewLength = 200

// Note is one extracted, attributed fact.
type Note struct {
	Content     string  `json:"content"`
	SourceURL   string  `json:"source_url"`
	SourceTitle string  `json:"source_title"`
	Relevance   float64 `json:"relevance"`
}

// Preview is the caller-facing view of a note.
type Preview struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Preview returns the note with its content truncated to PreviewLength.
func (n Note) Preview() Preview {
	return Preview{
		Title:   n.SourceTitle,
		URL:     n.SourceURL,
		Content: util.Ellipsize(n.Content, PreviewLength),
	}
}

// Previews maps notes to their previews, preserving order.
func Previews(notes []Note) []Preview {
	out := make([]Preview, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.Preview())
	}
	return out
}

// AddNotes appends incoming to existing and keeps only the first note for
// each non-empty source URL. Notes without a URL are always kept.
// Neither input slice is modified.
func AddNotes(existing, incoming []Note) []Note {
	merged := make([]Note, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, batch := range [][]Note{existing, incoming} {
		for _, n := range batch {
			if n.SourceURL != "" {
				if _, dup := seen[n.SourceURL]; dup {
					continue
				}
				seen[n.SourceURL] = struct{}{}
			}
			merged = append(merged, n)
		}
	}
	return merged
}

// Store accumulates notes for one session. It is not safe for concurrent
// use; a session is owned by a single workflow execution.
type Store struct {
	notes []Note
}

// NewStore returns a store seeded with notes.
func NewStore(notes ...Note) *Store {
	return &Store{notes: AddNotes(nil, notes)}
}

// Add merges a research pass into the store and returns the notes that
// survived deduplication, in order.
func (s *Store) Add(incoming []Note) []Note {
	before := len(s.notes)
	s.notes = AddNotes(s.notes, incoming)
	added := make([]Note, len(s.notes)-before)
	copy(added, s.notes[before:])
	return added
}

// Notes returns a copy of the accumulated notes.
func (s *Store) Notes() []Note {
	out := make([]Note, len(s.notes))
	copy(out, s.notes)
	return out
}

// Len reports the number of retained notes.
func (s *Store) Len() int { return len(s.notes) }
