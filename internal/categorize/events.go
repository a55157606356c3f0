package categorize

import "github.com/quantiverge/survey_insights/internal/run"

// EventKind discriminates the events streamed to the caller during a run.
type EventKind string

const (
	EventBatchStart EventKind = "batchStart"
	EventResult     EventKind = "result"
	EventStats      EventKind = "stats"
	EventSummary    EventKind = "summary"
	EventError      EventKind = "error"
	EventComplete   EventKind = "complete"
)

// Event is one entry of the ordered run stream. Only the fields relevant to
// the Kind are populated.
type Event struct {
	Kind EventKind `json:"kind"`

	// batchStart
	Index int `json:"index,omitempty"`
	Total int `json:"total,omitempty"`

	// result
	RespondentID    string     `json:"respondent_id,omitempty"`
	Categorizations run.Ledger `json:"categorizations,omitempty"`

	// stats
	Stats run.Stats `json:"stats,omitempty"`

	// summary
	Summary string `json:"summary,omitempty"`

	// error / complete
	Message    string `json:"message,omitempty"`
	BatchIndex int    `json:"batch_index,omitempty"`
}

func batchStartEvent(index, total int) Event {
	return Event{Kind: EventBatchStart, Index: index, Total: total}
}

func resultEvent(respondentID string, categorizations run.Ledger) Event {
	return Event{Kind: EventResult, RespondentID: respondentID, Categorizations: categorizations}
}

func statsEvent(stats run.Stats) Event {
	return Event{Kind: EventStats, Stats: stats}
}

func summaryEvent(text string) Event {
	return Event{Kind: EventSummary, Summary: text}
}

func errorEvent(message string, batchIndex int) Event {
	return Event{Kind: EventError, Message: message, BatchIndex: batchIndex}
}

func completeEvent(message string) Event {
	return Event{Kind: EventComplete, Message: message}
}
