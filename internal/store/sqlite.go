// Package store persists completed runs and a per-call capability audit
// trail in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/quantiverge/survey_insights/internal/run"
)

// ErrNotFound is returned when a run id is absent or its stored payload is
// structurally incomplete.
var ErrNotFound = errors.New("run not found")

const createRunsTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	created_at_utc TEXT NOT NULL,
	ledger_json TEXT NOT NULL,
	stats_json TEXT NOT NULL,
	summary TEXT NOT NULL,
	answer_count INTEGER NOT NULL
)`

const createLLMCallsTableSQL = `
CREATE TABLE IF NOT EXISTS llm_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at_utc TEXT NOT NULL,
	run_id TEXT NOT NULL,
	batch_index INTEGER NOT NULL,
	kind TEXT NOT NULL,
	ok INTEGER NOT NULL,
	error_message TEXT NOT NULL
)`

var createIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_llm_calls_run ON llm_calls(run_id, batch_index)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at_utc)`,
}

const upsertRunSQL = `
INSERT INTO runs (run_id, created_at_utc, ledger_json, stats_json, summary, answer_count)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
	ledger_json = excluded.ledger_json,
	stats_json = excluded.stats_json,
	summary = excluded.summary,
	answer_count = excluded.answer_count`

const selectRunSQL = `
SELECT ledger_json, stats_json, summary FROM runs WHERE run_id = ?`

const listRunsSQL = `
SELECT run_id, created_at_utc, answer_count FROM runs ORDER BY created_at_utc DESC`

const insertLLMCallSQL = `
INSERT INTO llm_calls (created_at_utc, run_id, batch_index, kind, ok, error_message)
VALUES (?, ?, ?, ?, ?, ?)`

// RunSummary is one row of the run listing.
type RunSummary struct {
	RunID        string `json:"run_id"`
	CreatedAtUTC string `json:"created_at_utc"`
	AnswerCount  int    `json:"answer_count"`
}

// SQLiteStore is the durable keyed run store. One upsert per run id,
// last-writer-wins.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (and if needed creates) the database at dbPath and verifies the
// schema.
func Open(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("db path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert writes the full result triple for a run, overwriting any previous
// payload for the same run id.
func (s *SQLiteStore) Upsert(runID string, record run.Record) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store is not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	if record.Categorizations == nil {
		record.Categorizations = run.Ledger{}
	}
	if record.Statistics == nil {
		record.Statistics = run.Stats{}
	}

	ledgerJSON, err := json.Marshal(record.Categorizations)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	statsJSON, err := json.Marshal(record.Statistics)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	if _, err := s.db.Exec(
		upsertRunSQL,
		runID,
		time.Now().UTC().Format(time.RFC3339),
		string(ledgerJSON),
		string(statsJSON),
		record.Summary,
		len(record.Categorizations),
	); err != nil {
		return fmt.Errorf("upsert run %s: %w", runID, err)
	}
	return nil
}

// Get returns the stored triple for a run id. Missing rows and rows whose
// ledger or stats payload is structurally absent both map to ErrNotFound.
func (s *SQLiteStore) Get(runID string) (run.Record, error) {
	if s == nil || s.db == nil {
		return run.Record{}, errors.New("sqlite store is not initialized")
	}

	var ledgerJSON, statsJSON, summary string
	err := s.db.QueryRow(selectRunSQL, strings.TrimSpace(runID)).Scan(&ledgerJSON, &statsJSON, &summary)
	if err == sql.ErrNoRows {
		return run.Record{}, ErrNotFound
	}
	if err != nil {
		return run.Record{}, fmt.Errorf("query run %s: %w", runID, err)
	}
	if isStructurallyAbsent(ledgerJSON) || isStructurallyAbsent(statsJSON) {
		return run.Record{}, ErrNotFound
	}

	record := run.Record{Summary: summary}
	if err := json.Unmarshal([]byte(ledgerJSON), &record.Categorizations); err != nil {
		return run.Record{}, ErrNotFound
	}
	if err := json.Unmarshal([]byte(statsJSON), &record.Statistics); err != nil {
		return run.Record{}, ErrNotFound
	}
	return record, nil
}

// List returns all stored runs, newest first.
func (s *SQLiteStore) List() ([]RunSummary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store is not initialized")
	}
	rows, err := s.db.Query(listRunsSQL)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var item RunSummary
		if err := rows.Scan(&item.RunID, &item.CreatedAtUTC, &item.AnswerCount); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		summaries = append(summaries, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return summaries, nil
}

// RecordCall writes one audit row per capability call. Failures are logged,
// never surfaced: the audit trail must not break a run.
func (s *SQLiteStore) RecordCall(runID string, batchIndex int, kind string, callErr error) {
	if s == nil || s.db == nil {
		return
	}
	errMessage := ""
	ok := 1
	if callErr != nil {
		errMessage = callErr.Error()
		ok = 0
	}
	if _, err := s.db.Exec(
		insertLLMCallSQL,
		time.Now().UTC().Format(time.RFC3339),
		strings.TrimSpace(runID),
		batchIndex,
		strings.TrimSpace(kind),
		ok,
		errMessage,
	); err != nil {
		s.logger.Warn("audit write failed",
			zap.String("run_id", runID),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}

func isStructurallyAbsent(payload string) bool {
	trimmed := strings.TrimSpace(payload)
	return trimmed == "" || trimmed == "null"
}

func ensureSchema(db *sql.DB) error {
	if _, err := db.Exec(createRunsTableSQL); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	if _, err := db.Exec(createLLMCallsTableSQL); err != nil {
		return fmt.Errorf("create llm_calls table: %w", err)
	}

	missingRuns, err := missingTableColumns(db, "runs", requiredRunColumns())
	if err != nil {
		return err
	}
	if len(missingRuns) > 0 {
		return fmt.Errorf("incompatible runs schema, missing columns: %s", strings.Join(missingRuns, ", "))
	}
	missingCalls, err := missingTableColumns(db, "llm_calls", requiredLLMCallColumns())
	if err != nil {
		return err
	}
	if len(missingCalls) > 0 {
		return fmt.Errorf("incompatible llm_calls schema, missing columns: %s", strings.Join(missingCalls, ", "))
	}

	for _, stmt := range createIndexesSQL {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func requiredRunColumns() []string {
	return []string{
		"run_id",
		"created_at_utc",
		"ledger_json",
		"stats_json",
		"summary",
		"answer_count",
	}
}

func requiredLLMCallColumns() []string {
	return []string{
		"id",
		"created_at_utc",
		"run_id",
		"batch_index",
		"kind",
		"ok",
		"error_message",
	}
}

func missingTableColumns(db *sql.DB, tableName string, required []string) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, tableName))
	if err != nil {
		return nil, fmt.Errorf("inspect %s schema: %w", tableName, err)
	}
	defer rows.Close()

	existing := map[string]struct{}{}
	for rows.Next() {
		var cid int
		var name string
		var colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("scan %s schema: %w", tableName, err)
		}
		existing[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s schema: %w", tableName, err)
	}

	var missing []string
	for _, col := range required {
		if _, ok := existing[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing, nil
}
