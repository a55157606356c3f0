package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"go.uber.org/zap"
)

const defaultModel = "gpt-4.1-mini"

var (
	mappingSchema = generateSchema[MappingProposal]()
	batchSchema   = generateSchema[BatchResponse]()
)

// OpenAIClient implements Capability on the OpenAI Responses API with strict
// JSON-schema outputs.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAIClient builds the production capability client. baseURL is only
// set in tests that point the SDK at a mock server.
func NewOpenAIClient(apiKey, model, baseURL string, logger *zap.Logger) *OpenAIClient {
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIClient{
		client: &client,
		model:  model,
		logger: logger,
	}
}

// InferMapping asks the model which column identifies the respondent and
// which columns are questions.
func (c *OpenAIClient) InferMapping(ctx context.Context, headers []string) (MappingProposal, error) {
	if len(headers) == 0 {
		return MappingProposal{}, errors.New("headers are empty")
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return MappingProposal{}, fmt.Errorf("marshal headers: %w", err)
	}

	input := fmt.Sprintf(`Column headers of an uploaded survey spreadsheet:
%s

Task:
1) Pick the single header that best identifies the respondent (email, name, id).
   Use an empty string if no header identifies the respondent.
2) For every remaining header that is a feedback question, decide whether its
   answers are categorical/quantitative (ratings, yes/no, multiple choice) or
   free-text qualitative. Headers that are neither identifier nor question
   must be left out.`, string(headersJSON))

	resp, err := c.callStructured(ctx, "ColumnMapping", mappingSchema, mappingInstructions, input)
	if err != nil {
		return MappingProposal{}, err
	}

	var out MappingProposal
	if err := decodeModelJSON(resp.OutputText(), &out); err != nil {
		return MappingProposal{}, fmt.Errorf("unmarshal mapping proposal: %w", err)
	}
	out.RespondentIDHeader = strings.TrimSpace(out.RespondentIDHeader)
	return out, nil
}

// CategorizeBatch classifies one batch of qualitative answers by topic,
// sentiment and sub-reason.
func (c *OpenAIClient) CategorizeBatch(ctx context.Context, req BatchRequest) (BatchResponse, error) {
	if len(req.Respondents) == 0 {
		return BatchResponse{}, errors.New("batch has no respondents")
	}
	if req.KnownTopics == nil {
		req.KnownTopics = []string{}
	}
	if req.KnownSubCategories == nil {
		req.KnownSubCategories = []string{}
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return BatchResponse{}, fmt.Errorf("marshal batch request: %w", err)
	}

	input := fmt.Sprintf(`Batch of qualitative survey answers with vocabulary hints:
%s

Task:
For every (respondent, question, answer) produce topic, sentiment and
sub_category. Reuse entries from known_topics and known_sub_categories
whenever one fits; only invent a new label when nothing applies. sentiment
must be one of positive, negative, neutral. Use an empty sub_category when
the answer gives no sub-reason.`, string(reqJSON))

	resp, err := c.callStructured(ctx, "BatchCategorization", batchSchema, categorizeInstructions, input)
	if err != nil {
		return BatchResponse{}, err
	}

	var out BatchResponse
	if err := decodeModelJSON(resp.OutputText(), &out); err != nil {
		return BatchResponse{}, fmt.Errorf("unmarshal batch response: %w", err)
	}
	return out, nil
}

// Summarize turns final aggregated counts into a short narrative.
func (c *OpenAIClient) Summarize(ctx context.Context, statsJSON string) (string, error) {
	if strings.TrimSpace(statsJSON) == "" {
		return "", errors.New("stats are empty")
	}
	input := fmt.Sprintf(`Aggregated categorization counts per question (category key is
topic_sentiment_subcategory):
%s

Write a concise narrative summary of the main topics, how sentiment is
distributed, and the most common sub-reasons. Plain text, no markdown.`, statsJSON)

	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(1200),
		Instructions:    openai.String(summaryInstructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(input, responses.EasyInputMessageRoleUser),
			},
		},
	}
	resp, err := callWithRetry(ctx, c.client, params)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return "", errors.New("model returned empty summary")
	}
	return text, nil
}

func (c *OpenAIClient) callStructured(ctx context.Context, schemaName string, schema map[string]any, instructions, input string) (*responses.Response, error) {
	format := responses.ResponseFormatTextConfigUnionParam{
		OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
			Name:   schemaName,
			Schema: schema,
			Strict: openai.Bool(true),
			Type:   "json_schema",
		},
	}
	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(8000),
		Instructions:    openai.String(instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(input, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: format,
		},
	}

	resp, err := callWithRetry(ctx, c.client, params)
	if err != nil {
		c.logger.Warn("capability call failed",
			zap.String("schema", schemaName),
			zap.Error(err),
		)
		return nil, err
	}
	return resp, nil
}

// decodeModelJSON unmarshals JSON from a model response, tolerating stray
// text around the object.
func decodeModelJSON(outputText string, v any) error {
	s := strings.TrimSpace(outputText)
	if s == "" {
		return io.ErrUnexpectedEOF
	}

	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end <= start {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}
	sub := s[start : end+1]
	if err := json.Unmarshal([]byte(sub), v); err != nil {
		return fmt.Errorf("failed to unmarshal extracted JSON (len=%d): %w", len(sub), err)
	}
	return nil
}

const mappingInstructions = `You analyze survey spreadsheet columns.
You MUST output only JSON matching the provided schema (strict).
Use ONLY the provided headers; never invent a header that is not listed.
If no column identifies the respondent, set respondent_id_header to "".`

const categorizeInstructions = `You categorize open-ended survey feedback.
You MUST output only JSON matching the provided schema (strict).
Return exactly one categorization per provided (respondent, question) pair.
Prefer reusing the provided known topics and sub-categories over new labels.
If a value is unclear, use conservative defaults: sentiment "neutral" and an
empty sub_category.`

const summaryInstructions = `You are a survey analytics assistant.
Summarize aggregated feedback counts factually. Do not speculate beyond the
numbers provided.`
