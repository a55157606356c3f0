// Package categorize runs the two-stage batch categorization pipeline: a
// deterministic pass over categorical questions and an LLM pass over
// qualitative ones, streamed to the caller batch by batch.
package categorize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quantiverge/survey_insights/internal/ingest"
	"github.com/quantiverge/survey_insights/internal/llm"
	"github.com/quantiverge/survey_insights/internal/mapping"
	"github.com/quantiverge/survey_insights/internal/run"
)

// DefaultBatchSize is the number of rows per batch when the runner does not
// override it.
const DefaultBatchSize = 50

const summaryUnavailable = "summary unavailable"

// ResultStore persists the final triple of a run. Upsert overwrites any
// previous payload for the same run id.
type ResultStore interface {
	Upsert(runID string, record run.Record) error
}

// Audit records one row per capability call for later inspection. A nil
// audit disables recording.
type Audit interface {
	RecordCall(runID string, batchIndex int, kind string, callErr error)
}

// Runner drives one run end to end: batch loop, final fold, summary,
// persistence. A Runner is safe for concurrent runs because all per-run
// state lives in the process call.
type Runner struct {
	Capability llm.Capability
	Store      ResultStore
	Audit      Audit
	BatchSize  int
	Logger     *zap.Logger
}

// Process executes the run on its own goroutine and returns the event
// stream. The channel is closed after the terminal event. Batches are
// strictly sequential; the vocabulary hints later batches receive depend on
// the batches before them. Once ctx is cancelled, events the consumer no
// longer reads are dropped so the run can still reach persistence and
// terminate instead of blocking on a gone reader.
func (r *Runner) Process(ctx context.Context, runID string, table *ingest.Table, m mapping.ColumnMapping) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		r.process(ctx, runID, table, m, func(e Event) {
			select {
			case events <- e:
			default:
				select {
				case events <- e:
				case <-ctx.Done():
				}
			}
		})
	}()
	return events
}

func (r *Runner) process(ctx context.Context, runID string, table *ingest.Table, m mapping.ColumnMapping, emit func(Event)) {
	logger := r.logger().With(zap.String("run_id", runID))

	batchSize := r.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	rows := table.Rows
	totalBatches := (len(rows) + batchSize - 1) / batchSize

	ledger := run.Ledger{}
	vocab := newVocabulary()
	cancelled := false

	logger.Info("run started",
		zap.Int("rows", len(rows)),
		zap.Int("batches", totalBatches),
		zap.Int("batch_size", batchSize),
	)

	for start, index := 0, 1; start < len(rows); start, index = start+batchSize, index+1 {
		if ctx.Err() != nil {
			logger.Warn("run cancelled", zap.Int("batch", index))
			emit(errorEvent("processing cancelled by caller", index))
			cancelled = true
			break
		}

		emit(batchStartEvent(index, totalBatches))

		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := r.categorizeBatch(ctx, runID, index, rows[start:end], m, vocab, emit, logger)

		for _, entry := range batch {
			ledger = append(ledger, entry.categorizations...)
			emit(resultEvent(entry.respondentID, entry.categorizations))
		}
	}

	stats := run.Fold(ledger)
	emit(statsEvent(stats))

	summary := summaryUnavailable
	if len(stats) > 0 && !cancelled {
		if text, err := r.summarize(ctx, runID, stats); err != nil {
			logger.Warn("summary generation failed", zap.Error(err))
			emit(errorEvent(fmt.Sprintf("summary generation failed: %v", err), 0))
		} else {
			summary = text
		}
	}
	emit(summaryEvent(summary))

	if r.Store != nil {
		record := run.Record{
			Categorizations: ledger,
			Statistics:      stats,
			Summary:         summary,
		}
		if err := r.Store.Upsert(runID, record); err != nil {
			logger.Error("persist run failed", zap.Error(err))
			emit(errorEvent(fmt.Sprintf("failed to persist run: %v", err), 0))
		}
	}

	logger.Info("run finished",
		zap.Int("ledger_entries", len(ledger)),
		zap.Int("questions", len(stats)),
		zap.Bool("cancelled", cancelled),
	)
	emit(completeEvent(fmt.Sprintf("processed %d answers across %d batches", len(ledger), totalBatches)))
}

// batchEntry keeps one row's respondent id with the categorizations produced
// for it inside the current batch, preserving row order for result events.
type batchEntry struct {
	respondentID    string
	categorizations run.Ledger
}

func (r *Runner) categorizeBatch(
	ctx context.Context,
	runID string,
	batchIndex int,
	rows []ingest.Row,
	m mapping.ColumnMapping,
	vocab *vocabulary,
	emit func(Event),
	logger *zap.Logger,
) []batchEntry {
	entries := make([]batchEntry, len(rows))
	for i, row := range rows {
		entries[i].respondentID = row[m.RespondentIDHeader]
	}

	// Categorical pass: deterministic, no capability call. Sentiment is
	// always n/a and the sub-category is the normalized raw answer.
	for i, row := range rows {
		for _, q := range m.Questions {
			if !q.IsCategorical {
				continue
			}
			raw := row[q.Header]
			subCategory := normalizeLabel(raw)
			if subCategory == "" {
				subCategory = run.NoDetail
			}
			c := run.Categorization{
				RunID:          runID,
				RespondentID:   entries[i].respondentID,
				QuestionText:   q.Header,
				OriginalAnswer: raw,
				Topic:          normalizeLabel(q.Header),
				Sentiment:      run.SentimentNA,
				SubCategory:    subCategory,
			}
			entries[i].categorizations = append(entries[i].categorizations, c)
		}
	}

	// Qualitative pass: only when the batch actually has something for the
	// model to look at.
	request := llm.BatchRequest{
		KnownTopics:        vocab.topicHints(),
		KnownSubCategories: vocab.subCategoryHints(),
	}
	asked := make(map[int][]llm.QuestionAnswer, len(rows))
	for i, row := range rows {
		var answers []llm.QuestionAnswer
		for _, q := range m.Questions {
			if q.IsCategorical {
				continue
			}
			answer := row[q.Header]
			if strings.TrimSpace(answer) == "" {
				continue
			}
			answers = append(answers, llm.QuestionAnswer{Question: q.Header, Answer: answer})
		}
		if len(answers) == 0 {
			continue
		}
		asked[i] = answers
		request.Respondents = append(request.Respondents, llm.RespondentAnswers{
			RespondentID: entries[i].respondentID,
			Answers:      answers,
		})
	}
	if len(request.Respondents) == 0 {
		return entries
	}

	response, err := r.Capability.CategorizeBatch(ctx, request)
	if r.Audit != nil {
		r.Audit.RecordCall(runID, batchIndex, "categorize", err)
	}
	if err != nil {
		// Partial-failure tolerance: the categorical entries of this batch
		// stay, the qualitative ones are simply absent, the loop moves on.
		logger.Warn("batch categorization failed",
			zap.Int("batch", batchIndex),
			zap.Error(err),
		)
		emit(errorEvent(fmt.Sprintf("batch %d categorization failed: %v", batchIndex, err), batchIndex))
		return entries
	}

	verdicts := indexVerdicts(response)
	for i := range rows {
		for _, qa := range asked[i] {
			verdict, ok := verdicts.lookup(entries[i].respondentID, qa.Question)
			if !ok {
				continue
			}
			c := normalizeVerdict(runID, entries[i].respondentID, qa, verdict)
			entries[i].categorizations = append(entries[i].categorizations, c)
			vocab.addTopic(c.Topic)
			vocab.addSubCategory(c.SubCategory)
		}
	}
	return entries
}

// verdictIndex resolves model output back to (respondent, question) pairs.
type verdictIndex map[string]map[string]llm.AnswerCategorization

func indexVerdicts(response llm.BatchResponse) verdictIndex {
	index := make(verdictIndex, len(response.Results))
	for _, result := range response.Results {
		byQuestion, ok := index[result.RespondentID]
		if !ok {
			byQuestion = make(map[string]llm.AnswerCategorization, len(result.Categorizations))
			index[result.RespondentID] = byQuestion
		}
		for _, c := range result.Categorizations {
			if _, exists := byQuestion[c.Question]; exists {
				continue
			}
			byQuestion[c.Question] = c
		}
	}
	return index
}

func (v verdictIndex) lookup(respondentID, question string) (llm.AnswerCategorization, bool) {
	byQuestion, ok := v[respondentID]
	if !ok {
		return llm.AnswerCategorization{}, false
	}
	verdict, ok := byQuestion[question]
	return verdict, ok
}

// normalizeVerdict applies the output normalization rules: topic lowercased
// and underscored with n/a as fallback, sentiment defaulting to neutral,
// empty sub-category coerced to absent.
func normalizeVerdict(runID, respondentID string, qa llm.QuestionAnswer, verdict llm.AnswerCategorization) run.Categorization {
	topic := normalizeLabel(verdict.Topic)
	if topic == "" {
		topic = run.TopicNA
	}
	sentiment := strings.ToLower(strings.TrimSpace(verdict.Sentiment))
	if sentiment == "" {
		sentiment = run.SentimentNeutral
	}
	return run.Categorization{
		RunID:          runID,
		RespondentID:   respondentID,
		QuestionText:   qa.Question,
		OriginalAnswer: qa.Answer,
		Topic:          topic,
		Sentiment:      sentiment,
		SubCategory:    normalizeLabel(verdict.SubCategory),
	}
}

func (r *Runner) summarize(ctx context.Context, runID string, stats run.Stats) (string, error) {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return "", fmt.Errorf("marshal stats: %w", err)
	}
	text, err := r.Capability.Summarize(ctx, string(statsJSON))
	if r.Audit != nil {
		r.Audit.RecordCall(runID, 0, "summarize", err)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

// normalizeLabel lowercases a label and collapses whitespace runs to single
// underscores.
func normalizeLabel(raw string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(raw)))
	return strings.Join(fields, "_")
}
