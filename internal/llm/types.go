// Package llm is the classification capability boundary: column-mapping
// inference, batched answer categorization and narrative summaries. The
// Capability interface keeps calling code testable with deterministic stubs;
// OpenAIClient is the production implementation.
package llm

import "context"

// MappingProposal is the model's view of the spreadsheet columns. An empty
// RespondentIDHeader means the model found no identifier column.
type MappingProposal struct {
	RespondentIDHeader string             `json:"respondent_id_header"`
	Questions          []QuestionProposal `json:"questions"`
}

// QuestionProposal flags one feedback column as categorical or free-text.
type QuestionProposal struct {
	Header        string `json:"header"`
	IsCategorical bool   `json:"is_categorical"`
}

// QuestionAnswer is one (question, answer) pair for a respondent.
type QuestionAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// RespondentAnswers groups the qualitative answers of a single respondent.
type RespondentAnswers struct {
	RespondentID string           `json:"respondent_id"`
	Answers      []QuestionAnswer `json:"answers"`
}

// BatchRequest carries one batch of qualitative answers plus the category
// vocabulary already seen in earlier batches of the same run. The hints bias
// the model toward reusing topics instead of inventing near-duplicates.
type BatchRequest struct {
	Respondents        []RespondentAnswers `json:"respondents"`
	KnownTopics        []string            `json:"known_topics"`
	KnownSubCategories []string            `json:"known_sub_categories"`
}

// AnswerCategorization is the model's verdict for one answer.
type AnswerCategorization struct {
	Question    string `json:"question"`
	Topic       string `json:"topic"`
	Sentiment   string `json:"sentiment"`
	SubCategory string `json:"sub_category"`
}

// RespondentResult is the per-respondent slice of a batch response.
type RespondentResult struct {
	RespondentID    string                 `json:"respondent_id"`
	Categorizations []AnswerCategorization `json:"categorizations"`
}

// BatchResponse is the structured output of one categorization call.
type BatchResponse struct {
	Results []RespondentResult `json:"results"`
}

// Capability abstracts the LLM so the pipeline can run against a stub.
type Capability interface {
	InferMapping(ctx context.Context, headers []string) (MappingProposal, error)
	CategorizeBatch(ctx context.Context, req BatchRequest) (BatchResponse, error)
	Summarize(ctx context.Context, statsJSON string) (string, error)
}
