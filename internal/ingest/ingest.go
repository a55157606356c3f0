// Package ingest parses uploaded spreadsheets into ordered row tables.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrNoHeaders is returned when the sheet has no header row.
	ErrNoHeaders = errors.New("spreadsheet has no header row")
	// ErrNoRows is returned when the sheet has headers but no data rows.
	ErrNoRows = errors.New("spreadsheet has no data rows")
)

// Row maps a column header to the raw cell value of one respondent.
type Row map[string]string

// Table is an ordered row set. Headers preserves the sheet's column order;
// batch slicing over Rows is purely positional.
type Table struct {
	Headers []string
	Rows    []Row

	injected map[string]string
}

// HasHeader reports whether the table contains the given column.
func (t *Table) HasHeader(header string) bool {
	for _, h := range t.Headers {
		if h == header {
			return true
		}
	}
	return false
}

// InjectColumn adds a column filled per row by the value function and returns
// the header actually used. If the requested header already exists, a
// numbered variant is chosen so existing data is never overwritten. Injecting
// the same header again returns the previously injected column unchanged.
func (t *Table) InjectColumn(header string, value func(rowIndex int) string) string {
	if resolved, ok := t.injected[header]; ok {
		return resolved
	}
	resolved := header
	for n := 2; t.HasHeader(resolved); n++ {
		resolved = fmt.Sprintf("%s %d", header, n)
	}
	t.Headers = append(t.Headers, resolved)
	for i := range t.Rows {
		t.Rows[i][resolved] = value(i)
	}
	if t.injected == nil {
		t.injected = make(map[string]string)
	}
	t.injected[header] = resolved
	return resolved
}

// Parse reads a CSV or XLSX spreadsheet into a Table. The format is chosen by
// file extension; anything that is not .xlsx is treated as CSV.
func Parse(filename string, r io.Reader) (*Table, error) {
	if strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		return parseXLSX(r)
	}
	return parseCSV(r)
}

func parseCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	record, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoHeaders
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	headers, indices := cleanHeaders(record)
	if len(headers) == 0 {
		return nil, ErrNoHeaders
	}

	table := &Table{Headers: headers}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		if isBlankRecord(record) {
			continue
		}
		table.Rows = append(table.Rows, recordToRow(headers, indices, record))
	}
	if len(table.Rows) == 0 {
		return nil, ErrNoRows
	}
	return table, nil
}

func parseXLSX(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoHeaders
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read xlsx sheet %q: %w", sheets[0], err)
	}
	if len(records) == 0 {
		return nil, ErrNoHeaders
	}

	headers, indices := cleanHeaders(records[0])
	if len(headers) == 0 {
		return nil, ErrNoHeaders
	}
	table := &Table{Headers: headers}
	for _, record := range records[1:] {
		if isBlankRecord(record) {
			continue
		}
		table.Rows = append(table.Rows, recordToRow(headers, indices, record))
	}
	if len(table.Rows) == 0 {
		return nil, ErrNoRows
	}
	return table, nil
}

// cleanHeaders trims header cells, strips a UTF-8 BOM from the first one and
// drops unnamed columns. The returned indices map each kept header back to
// its original column position so row values stay aligned.
func cleanHeaders(record []string) ([]string, []int) {
	headers := make([]string, 0, len(record))
	indices := make([]int, 0, len(record))
	for i, raw := range record {
		name := strings.TrimSpace(raw)
		if i == 0 {
			name = strings.TrimPrefix(name, "\uFEFF")
			name = strings.TrimSpace(name)
		}
		if name == "" {
			continue
		}
		headers = append(headers, name)
		indices = append(indices, i)
	}
	return headers, indices
}

func recordToRow(headers []string, indices []int, record []string) Row {
	row := make(Row, len(headers))
	for i, header := range headers {
		row[header] = strings.TrimSpace(getField(record, indices[i]))
	}
	return row
}

func getField(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return record[idx]
}

func isBlankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
