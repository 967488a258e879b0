// Package tabular decodes producer data files into an in-memory table of
// string cells. It is the single place that knows how csv, jsonl, json and
// parquet files are laid out; hashing, row counting and timestamp bounds are
// all computed from its output so they agree with each other.
package tabular

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
)

// Format identifies the on-disk encoding of a data file.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSONL   Format = "jsonl"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
)

// ParseFormat maps a manifest format string to a Format. Unknown values fail.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "csv":
		return FormatCSV, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "json":
		return FormatJSON, nil
	case "parquet":
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported format %q (expected csv|jsonl|json|parquet)", raw)
	}
}

// Ext returns the canonical file extension, without the dot.
func (f Format) Ext() string { return string(f) }

// Table is a decoded data file. Rows are aligned with Columns; a missing or
// null value is the empty string.
type Table struct {
	Columns []string
	Rows    [][]string
}

// RowCount returns the number of data rows.
func (t *Table) RowCount() int64 {
	if t == nil {
		return 0
	}
	return int64(len(t.Rows))
}

// ColumnIndex returns the position of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Reader decodes a file of the given format.
type Reader interface {
	Read(ctx context.Context, path string, format Format) (*Table, error)
}

// FileReader decodes csv and json natively and scans parquet through an
// in-memory DuckDB connection that is opened on first use.
type FileReader struct {
	mu   sync.Mutex
	duck *sql.DB
}

// NewFileReader returns a FileReader. Close releases the DuckDB handle if one
// was opened.
func NewFileReader() *FileReader {
	return &FileReader{}
}

// Close releases resources held by the reader.
func (r *FileReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.duck == nil {
		return nil
	}
	err := r.duck.Close()
	r.duck = nil
	return err
}

// Read implements Reader.
func (r *FileReader) Read(ctx context.Context, path string, format Format) (*Table, error) {
	switch format {
	case FormatCSV:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ReadCSV(f)
	case FormatJSONL:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ReadJSONL(f)
	case FormatJSON:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ReadJSONArray(f)
	case FormatParquet:
		return r.readParquet(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

func (r *FileReader) duckDB() (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.duck != nil {
		return r.duck, nil
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	r.duck = db
	return db, nil
}

func (r *FileReader) readParquet(ctx context.Context, path string) (*Table, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := r.duckDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT * FROM read_parquet("+QuoteLiteral(path)+", hive_partitioning = false)")
	if err != nil {
		return nil, fmt.Errorf("scan parquet %s: %w", path, err)
	}
	defer rows.Close()
	return ScanRows(rows)
}

// ScanRows drains rows into a Table, rendering every value as a string.
func ScanRows(rows *sql.Rows) (*Table, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	t := &Table{Columns: cols}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = formatValue(v)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, rows.Err()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

// QuoteLiteral renders s as a single-quoted SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ReadCSV decodes a headered CSV stream. Ragged rows are rejected.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv: missing header row")
		}
		return nil, fmt.Errorf("csv header: %w", err)
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	t := &Table{Columns: cols}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", len(t.Rows)+1, err)
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// ReadJSONL decodes newline-delimited JSON objects. Columns are the sorted
// union of keys; blank lines are skipped.
func ReadJSONL(r io.Reader) (*Table, error) {
	var records []map[string]any
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		rec, err := decodeObject(b)
		if err != nil {
			return nil, fmt.Errorf("jsonl line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return tableFromRecords(records)
}

// ReadJSONArray decodes a JSON array of objects.
func ReadJSONArray(r io.Reader) (*Table, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("json array: %w", err)
	}
	return tableFromRecords(raw)
}

func decodeObject(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.New("expected JSON object")
	}
	return rec, nil
}

func tableFromRecords(records []map[string]any) (*Table, error) {
	keys := map[string]struct{}{}
	for _, rec := range records {
		for k := range rec {
			keys[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(keys))
	for k := range keys {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	t := &Table{Columns: cols, Rows: make([][]string, 0, len(records))}
	for _, rec := range records {
		row := make([]string, len(cols))
		for i, c := range cols {
			s, err := jsonCell(rec[c])
			if err != nil {
				return nil, err
			}
			row[i] = s
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func jsonCell(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		if x {
			return "true", nil
		}
		return "false", nil
	default:
		// Nested values: encoding/json sorts map keys, giving a stable rendering.
		b, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
