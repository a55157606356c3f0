// Package mapping resolves which spreadsheet column identifies the
// respondent and which columns are feedback questions.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quantiverge/survey_insights/internal/ingest"
	"github.com/quantiverge/survey_insights/internal/llm"
)

// SyntheticRespondentHeader names the injected identifier column used when
// the model finds no valid respondent column.
const SyntheticRespondentHeader = "Respondent ID"

// ErrNoHeaders is returned when inference is attempted on an empty header set.
var ErrNoHeaders = errors.New("no column headers to infer a mapping from")

// Question is one column to analyze, flagged categorical or free-text.
type Question struct {
	Header        string `json:"header"`
	IsCategorical bool   `json:"is_categorical"`
}

// ColumnMapping is the resolved column assignment for a run. After Resolve,
// RespondentIDHeader always names a real column and is disjoint from
// Questions.
type ColumnMapping struct {
	RespondentIDHeader string     `json:"respondent_id_header"`
	Questions          []Question `json:"questions"`
}

// HasQualitative reports whether any question needs the LLM pass.
func (m ColumnMapping) HasQualitative() bool {
	for _, q := range m.Questions {
		if !q.IsCategorical {
			return true
		}
	}
	return false
}

// ValidationError names question headers that do not exist in the row set.
// Unlike a missing respondent column, which is auto-repaired, a hallucinated
// question header is fatal.
type ValidationError struct {
	Headers []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mapping references unknown question headers: %s", strings.Join(e.Headers, ", "))
}

// Infer calls the classification capability on the table's headers and
// resolves the proposal into a validated mapping. The table may be mutated:
// a synthetic identifier column is injected when the proposal has no usable
// respondent column.
func Infer(ctx context.Context, capability llm.Capability, table *ingest.Table) (ColumnMapping, error) {
	if table == nil || len(table.Headers) == 0 {
		return ColumnMapping{}, ErrNoHeaders
	}

	proposal, err := capability.InferMapping(ctx, table.Headers)
	if err != nil {
		return ColumnMapping{}, fmt.Errorf("infer column mapping: %w", err)
	}

	m := ColumnMapping{
		RespondentIDHeader: strings.TrimSpace(proposal.RespondentIDHeader),
	}
	for _, q := range proposal.Questions {
		header := strings.TrimSpace(q.Header)
		if header == "" {
			continue
		}
		m.Questions = append(m.Questions, Question{
			Header:        header,
			IsCategorical: q.IsCategorical,
		})
	}

	if err := Resolve(table, &m); err != nil {
		return ColumnMapping{}, err
	}
	return m, nil
}

// Resolve applies the validation and repair policy to a proposed (or
// human-edited) mapping:
//
//  1. A missing or unknown respondent header is replaced by a synthetic
//     identifier column injected into every row ("Row <n>").
//  2. Questions equal to the resolved respondent header are pruned.
//  3. Any question header still absent from the real header set fails with a
//     ValidationError.
func Resolve(table *ingest.Table, m *ColumnMapping) error {
	if table == nil || len(table.Headers) == 0 {
		return ErrNoHeaders
	}

	if m.RespondentIDHeader == "" || !table.HasHeader(m.RespondentIDHeader) {
		m.RespondentIDHeader = table.InjectColumn(SyntheticRespondentHeader, func(rowIndex int) string {
			return fmt.Sprintf("Row %d", rowIndex+1)
		})
	}

	kept := m.Questions[:0]
	for _, q := range m.Questions {
		if q.Header == m.RespondentIDHeader {
			continue
		}
		kept = append(kept, q)
	}
	m.Questions = kept

	var unknown []string
	for _, q := range m.Questions {
		if !table.HasHeader(q.Header) {
			unknown = append(unknown, q.Header)
		}
	}
	if len(unknown) > 0 {
		return &ValidationError{Headers: unknown}
	}
	return nil
}
