package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quantiverge/survey_insights/internal/categorize"
	"github.com/quantiverge/survey_insights/internal/llm"
	"github.com/quantiverge/survey_insights/internal/run"
	"github.com/quantiverge/survey_insights/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeCapability serves canned mapping proposals and a fixed qualitative
// verdict per answer.
type fakeCapability struct {
	proposal llm.MappingProposal
	inferErr error
}

func (f *fakeCapability) InferMapping(_ context.Context, _ []string) (llm.MappingProposal, error) {
	return f.proposal, f.inferErr
}

func (f *fakeCapability) CategorizeBatch(_ context.Context, req llm.BatchRequest) (llm.BatchResponse, error) {
	var resp llm.BatchResponse
	for _, respondent := range req.Respondents {
		result := llm.RespondentResult{RespondentID: respondent.RespondentID}
		for _, qa := range respondent.Answers {
			result.Categorizations = append(result.Categorizations, llm.AnswerCategorization{
				Question:  qa.Question,
				Topic:     "staff",
				Sentiment: "positive",
			})
		}
		resp.Results = append(resp.Results, result)
	}
	return resp, nil
}

func (f *fakeCapability) Summarize(_ context.Context, _ string) (string, error) {
	return "mostly positive", nil
}

type memStore struct {
	mu      sync.Mutex
	records map[string]run.Record
	listErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]run.Record)}
}

func (m *memStore) Upsert(runID string, record run.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[runID] = record
	return nil
}

func (m *memStore) Get(runID string) (run.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[runID]
	if !ok {
		return run.Record{}, store.ErrNotFound
	}
	return record, nil
}

func (m *memStore) List() ([]store.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []store.RunSummary
	for id, record := range m.records {
		out = append(out, store.RunSummary{RunID: id, AnswerCount: len(record.Categorizations)})
	}
	return out, nil
}

func feedbackProposal() llm.MappingProposal {
	return llm.MappingProposal{
		RespondentIDHeader: "Email",
		Questions: []llm.QuestionProposal{
			{Header: "Rating", IsCategorical: true},
			{Header: "Comments", IsCategorical: false},
		},
	}
}

func newTestServer(capability llm.Capability, runStore RunStore) *Server {
	runner := &categorize.Runner{
		Capability: capability,
		Store:      runStore,
		BatchSize:  2,
		Logger:     zap.NewNop(),
	}
	return New(capability, runStore, runner, zap.NewNop())
}

// closeNotifyRecorder adds http.CloseNotifier, which gin's Stream helper
// requires and httptest.ResponseRecorder does not implement.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newCloseNotifyRecorder() *closeNotifyRecorder {
	return &closeNotifyRecorder{httptest.NewRecorder(), make(chan bool, 1)}
}

func (r *closeNotifyRecorder) CloseNotify() <-chan bool { return r.closed }

func multipartCSV(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func uploadCSV(t *testing.T, srv *Server, content string) map[string]any {
	t.Helper()
	body, contentType := multipartCSV(t, "feedback.csv", content)
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status=%d body=%s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return payload
}

const sampleCSV = "Email,Rating,Comments\na@x.com,5,great staff\nb@x.com,2,slow checkout\nc@x.com,4,\n"

func TestUploadInfersMapping(t *testing.T) {
	srv := newTestServer(&fakeCapability{proposal: feedbackProposal()}, newMemStore())

	payload := uploadCSV(t, srv, sampleCSV)
	if payload["success"] != true {
		t.Fatalf("payload=%v", payload)
	}
	if payload["run_id"] == "" || payload["run_id"] == nil {
		t.Fatalf("missing run_id in %v", payload)
	}
	if payload["row_count"] != float64(3) {
		t.Fatalf("row_count=%v want 3", payload["row_count"])
	}
	m := payload["mapping"].(map[string]any)
	if m["respondent_id_header"] != "Email" {
		t.Fatalf("mapping=%v", m)
	}
}

func TestUploadRequiresFile(t *testing.T) {
	srv := newTestServer(&fakeCapability{proposal: feedbackProposal()}, newMemStore())

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", rec.Code)
	}
}

func TestUploadRejectsEmptySpreadsheet(t *testing.T) {
	srv := newTestServer(&fakeCapability{proposal: feedbackProposal()}, newMemStore())

	body, contentType := multipartCSV(t, "empty.csv", "Email,Rating\n")
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d want 422, body=%s", rec.Code, rec.Body.String())
	}
}

func TestUploadReportsHallucinatedHeaders(t *testing.T) {
	capability := &fakeCapability{proposal: llm.MappingProposal{
		RespondentIDHeader: "Email",
		Questions: []llm.QuestionProposal{
			{Header: "Overall Vibes", IsCategorical: false},
		},
	}}
	srv := newTestServer(capability, newMemStore())

	body, contentType := multipartCSV(t, "feedback.csv", sampleCSV)
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d want 422, body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Overall Vibes") {
		t.Fatalf("offending header missing from response: %s", rec.Body.String())
	}
}

func TestUploadCapabilityFailureIsBadGateway(t *testing.T) {
	srv := newTestServer(&fakeCapability{inferErr: errors.New("model unreachable")}, newMemStore())

	body, contentType := multipartCSV(t, "feedback.csv", sampleCSV)
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status=%d want 502", rec.Code)
	}
}

func TestProcessUnknownRun(t *testing.T) {
	srv := newTestServer(&fakeCapability{proposal: feedbackProposal()}, newMemStore())

	req := httptest.NewRequest(http.MethodPost, "/api/runs/nope/process", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rec.Code)
	}
}

func TestUploadThenProcessStreamsEvents(t *testing.T) {
	runStore := newMemStore()
	srv := newTestServer(&fakeCapability{proposal: feedbackProposal()}, runStore)

	payload := uploadCSV(t, srv, sampleCSV)
	runID := payload["run_id"].(string)

	req := httptest.NewRequest(http.MethodPost, "/api/runs/"+runID+"/process", nil)
	rec := newCloseNotifyRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("process status=%d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type=%q want text/event-stream", ct)
	}

	stream := rec.Body.String()
	for _, kind := range []string{"batchStart", "result", "stats", "summary", "complete"} {
		if !strings.Contains(stream, "event:"+kind) {
			t.Fatalf("stream missing %s event:\n%s", kind, stream)
		}
	}

	record, err := runStore.Get(runID)
	if err != nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if record.Summary != "mostly positive" {
		t.Fatalf("summary=%q", record.Summary)
	}
	// 3 categorical entries plus one qualitative per non-blank comment.
	if len(record.Categorizations) != 5 {
		t.Fatalf("ledger size=%d want 5", len(record.Categorizations))
	}

	// The session is consumed: a second process call must 404.
	req = httptest.NewRequest(http.MethodPost, "/api/runs/"+runID+"/process", nil)
	rec = newCloseNotifyRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("replayed process status=%d want 404", rec.Code)
	}
}

func TestProcessRejectsInvalidMappingOverride(t *testing.T) {
	srv := newTestServer(&fakeCapability{proposal: feedbackProposal()}, newMemStore())

	payload := uploadCSV(t, srv, sampleCSV)
	runID := payload["run_id"].(string)

	override := `{"mapping":{"respondent_id_header":"Email","questions":[{"header":"Not A Column","is_categorical":false}]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/runs/"+runID+"/process", strings.NewReader(override))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d want 422, body=%s", rec.Code, rec.Body.String())
	}
}

func TestGetRun(t *testing.T) {
	runStore := newMemStore()
	runStore.Upsert("run_1", run.Record{
		Categorizations: run.Ledger{{RunID: "run_1", Topic: "staff", Sentiment: "positive", QuestionText: "Comments"}},
		Statistics:      run.Stats{"Comments": {"staff_positive_no-detail": 1}},
		Summary:         "fine",
	})
	srv := newTestServer(&fakeCapability{proposal: feedbackProposal()}, runStore)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/run_1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"summary":"fine"`) {
		t.Fatalf("body=%s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rec.Code)
	}
}

func TestListRunsEmpty(t *testing.T) {
	srv := newTestServer(&fakeCapability{proposal: feedbackProposal()}, newMemStore())

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var payload struct {
		Success bool               `json:"success"`
		Runs    []store.RunSummary `json:"runs"`
		Count   int                `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Success || payload.Count != 0 || payload.Runs == nil {
		t.Fatalf("payload=%+v want empty runs array", payload)
	}
}

func TestExportCSV(t *testing.T) {
	runStore := newMemStore()
	runStore.Upsert("run_1", run.Record{
		Categorizations: run.Ledger{{
			RunID:          "run_1",
			RespondentID:   "a@x.com",
			QuestionText:   "Comments",
			OriginalAnswer: "great staff",
			Topic:          "staff",
			Sentiment:      "positive",
		}},
	})
	srv := newTestServer(&fakeCapability{proposal: feedbackProposal()}, runStore)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/run_1/export", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type=%q", ct)
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv lines=%v want header plus one row", lines)
	}
	if lines[0] != "run_id,respondent_id,question,original_answer,topic,sentiment,sub_category" {
		t.Fatalf("header=%q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "run_1,a@x.com,Comments,great staff,staff,positive") {
		t.Fatalf("row=%q", lines[1])
	}
}
