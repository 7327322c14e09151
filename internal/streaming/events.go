package streaming

import (
	"encoding/json"
	"time"

	"github.com/Kocoro-lab/deep-research/internal/evidence"
)

// EventType names one kind of session event.
type EventType string

const (
	EventSessionStart     EventType = "session_start"
	EventQueued           EventType = "queued"
	EventProgress         EventType = "progress"
	EventPlanner          EventType = "planner"
	EventResearcherSearch EventType = "researcher_search"
	EventResearcherNotes  EventType = "researcher_notes"
	EventReviewer         EventType = "reviewer"
	EventReportChunk      EventType = "report_chunk"
	EventSaved            EventType = "saved"
	EventCancelled        EventType = "cancelled"
	EventError            EventType = "error"
	EventDone             EventType = "done"
)

// Terminal reports whether the event type ends a stream.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventCancelled || t == EventError
}

// Event is one entry of a session's ordered event stream.
type Event struct {
	SessionID string                 `json:"session_id"`
	Type      EventType              `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

func newEvent(t EventType, data map[string]interface{}) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now().UTC()}
}

func SessionStart(sessionID string) Event {
	return newEvent(EventSessionStart, map[string]interface{}{"session_id": sessionID})
}

func Queued(position int) Event {
	return newEvent(EventQueued, map[string]interface{}{"position": position})
}

func Progress(phase string, loopIndex, maxLoops int, message string) Event {
	return newEvent(EventProgress, map[string]interface{}{
		"phase":      phase,
		"loop_index": loopIndex,
		"max_loops":  maxLoops,
		"message":    message,
	})
}

func Planner(subQueries []string) Event {
	return newEvent(EventPlanner, map[string]interface{}{"sub_queries": subQueries})
}

func ResearcherSearch(query string) Event {
	return newEvent(EventResearcherSearch, map[string]interface{}{"query": query})
}

func ResearcherNotes(notes []evidence.Preview) Event {
	return newEvent(EventResearcherNotes, map[string]interface{}{"notes": notes})
}

func Reviewer(feedback string, hasMoreQueries bool) Event {
	return newEvent(EventReviewer, map[string]interface{}{
		"feedback":         feedback,
		"has_more_queries": hasMoreQueries,
	})
}

func ReportChunk(content string) Event {
	return newEvent(EventReportChunk, map[string]interface{}{"content": content})
}

func Saved(recordID string) Event {
	return newEvent(EventSaved, map[string]interface{}{"id": recordID})
}

func Cancelled() Event { return newEvent(EventCancelled, nil) }

func Error(message string) Event {
	return newEvent(EventError, map[string]interface{}{"message": message})
}

func Done() Event { return newEvent(EventDone, nil) }
