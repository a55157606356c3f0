// Package run holds the domain records of one processing run: the ledger of
// per-answer categorizations, the folded statistics and the persisted result
// triple.
package run

const (
	// SentimentPositive .. SentimentNA are the only sentiment values a
	// categorization may carry.
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentNA       = "n/a"

	// TopicNA is the topic fallback when classification yields none.
	TopicNA = "n/a"

	// NoDetail is the sub-category sentinel for blank or detail-free answers.
	NoDetail = "no-detail"
)

// Categorization is one immutable ledger entry: the verdict for a single
// (respondent, question) answer.
type Categorization struct {
	RunID          string `json:"run_id"`
	RespondentID   string `json:"respondent_id"`
	QuestionText   string `json:"question_text"`
	OriginalAnswer string `json:"original_answer"`
	Topic          string `json:"topic"`
	Sentiment      string `json:"sentiment"`
	SubCategory    string `json:"sub_category,omitempty"`
}

// Ledger is the append-only ordered sequence of categorizations for one run.
type Ledger []Categorization

// Stats maps question text to combined-category-key to count.
type Stats map[string]map[string]int

// Record is the triple persisted for a completed run.
type Record struct {
	Categorizations Ledger `json:"categorizations"`
	Statistics      Stats  `json:"statistics"`
	Summary         string `json:"summary"`
}
