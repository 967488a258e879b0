// Package catalog is the append-only fact table of published artifacts.
//
// Every artifact row is inserted once and never deleted. The only mutable
// column is status, and each status change is recorded in status_events so the
// full history of a row can be audited.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	_ "modernc.org/sqlite"
)

const (
	// DefaultListLimit applies when a filter does not set a limit.
	DefaultListLimit = 100
	// MaxListLimit caps any list query.
	MaxListLimit = 10000
)

var (
	ErrNotFound          = errors.New("artifact not found")
	ErrDuplicateID       = errors.New("artifact id already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the single mutable attribute of an artifact.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusTombstoned Status = "tombstoned"
)

var statusTransitions = map[Status]map[Status]bool{
	StatusActive: {
		StatusSuperseded: true,
		StatusTombstoned: true,
	},
	StatusSuperseded: {
		StatusTombstoned: true,
	},
	StatusTombstoned: {},
}

// ParseStatus validates a status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if _, ok := statusTransitions[s]; !ok {
		return "", fmt.Errorf("unknown artifact status %q", raw)
	}
	return s, nil
}

// CanTransition reports whether a row may move from one status to another.
func CanTransition(from, to Status) bool {
	return statusTransitions[from][to]
}

// Writer records who admitted an artifact.
type Writer struct {
	Producer string `json:"producer,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	GitSHA   string `json:"git_sha,omitempty"`
	Host     string `json:"host,omitempty"`
}

// Record is one catalog row. Paths are relative to the canonical store
// directory and use forward slashes.
type Record struct {
	ArtifactID       string            `json:"artifact_id"`
	ArtifactType     string            `json:"artifact_type"`
	SchemaVersion    int               `json:"schema_version"`
	LogicalKey       string            `json:"logical_key"`
	Format           string            `json:"format"`
	Status           Status            `json:"status"`
	PathData         string            `json:"path_data"`
	PathSidecar      string            `json:"path_sidecar"`
	FileHash         string            `json:"file_hash"`
	ContentHash      string            `json:"content_hash"`
	RowCount         int64             `json:"row_count"`
	MinTs            *time.Time        `json:"min_ts,omitempty"`
	MaxTs            *time.Time        `json:"max_ts,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	InputArtifactIDs []string          `json:"input_artifact_ids"`
	Tags             map[string]string `json:"tags,omitempty"`
	Writer           Writer            `json:"writer"`
}

// StatusEvent is one entry of the status audit log.
type StatusEvent struct {
	ArtifactID string    `json:"artifact_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	CausedBy   string    `json:"caused_by,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	ArtifactType string
	Status       Status
	Tags         map[string]string
	// LogicalKeyGlob is a doublestar pattern such as "day=2025-05-*/**".
	LogicalKeyGlob string
	CreatedAfter   time.Time
	CreatedBefore  time.Time
	Limit          int
}

// EffectiveLimit clamps Limit to [1, MaxListLimit], defaulting to DefaultListLimit.
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// PathRef is the minimal view of a row used by the recovery sweep.
type PathRef struct {
	ArtifactID  string
	Status      Status
	PathData    string
	PathSidecar string
}

// Catalog is a SQLite-backed artifact catalog.
type Catalog struct {
	db *sql.DB

	// mu serializes write transactions.
	mu  sync.Mutex
	now func() time.Time
}

// Open opens or creates the catalog database at path and applies the schema.
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps the pragmas below in force for every statement.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	c := &Catalog{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := c.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) configure() error {
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := c.db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (c *Catalog) migrate() error {
	var tables int
	if err := c.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tables); err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tables == 0 {
		if _, err := c.db.Exec(schemaV1); err != nil {
			return fmt.Errorf("create catalog schema: %w", err)
		}
		if _, err := c.db.Exec("INSERT INTO schema_version(version) VALUES(?)", schemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		return nil
	}
	var v int
	if err := c.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if v != schemaVersion {
		return fmt.Errorf("unsupported catalog schema version %d", v)
	}
	return nil
}

// Close releases the database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping checks that the catalog database answers queries.
func (c *Catalog) Ping(ctx context.Context) error {
	var one int
	return c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// Insert adds a new row together with its lineage edges and tags. CreatedAt
// is assigned by the catalog when zero. Every input artifact must already
// exist.
func (c *Catalog) Insert(ctx context.Context, r *Record) error {
	if r == nil {
		return errors.New("nil record")
	}
	if r.ArtifactID == "" {
		return errors.New("artifact id is required")
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = c.now()
	}
	writer, err := json.Marshal(r.Writer)
	if err != nil {
		return fmt.Errorf("encode writer: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM artifacts WHERE artifact_id = ?", r.ArtifactID).Scan(&exists); err != nil {
		return fmt.Errorf("check artifact id: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, r.ArtifactID)
	}

	for _, in := range r.InputArtifactIDs {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM artifacts WHERE artifact_id = ?", in).Scan(&n); err != nil {
			return fmt.Errorf("check input %s: %w", in, err)
		}
		if n == 0 {
			return fmt.Errorf("input artifact %s: %w", in, ErrNotFound)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts (
			artifact_id, artifact_type, schema_version, logical_key, format, status,
			path_data, path_sidecar, file_hash, content_hash, row_count,
			min_ts, max_ts, created_at, writer
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ArtifactID, r.ArtifactType, r.SchemaVersion, r.LogicalKey, r.Format, string(r.Status),
		r.PathData, r.PathSidecar, r.FileHash, r.ContentHash, r.RowCount,
		nullTime(r.MinTs), nullTime(r.MaxTs), r.CreatedAt.UTC().UnixNano(), string(writer),
	); err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}

	for i, in := range r.InputArtifactIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO artifact_inputs (artifact_id, input_artifact_id, position) VALUES (?, ?, ?)",
			r.ArtifactID, in, i,
		); err != nil {
			return fmt.Errorf("insert lineage edge: %w", err)
		}
	}
	for k, v := range r.Tags {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO artifact_tags (artifact_id, key, value) VALUES (?, ?, ?)",
			r.ArtifactID, k, v,
		); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

var recordColumns = []string{
	"artifact_id", "artifact_type", "schema_version", "logical_key", "format", "status",
	"path_data", "path_sidecar", "file_hash", "content_hash", "row_count",
	"min_ts", "max_ts", "created_at", "writer",
}

var selectColumns = " " + columnList("")

func columnList(alias string) string {
	cols := make([]string, len(recordColumns))
	for i, c := range recordColumns {
		cols[i] = alias + c
	}
	return strings.Join(cols, ", ")
}

// Get returns the row for id, or ErrNotFound.
func (c *Catalog) Get(ctx context.Context, id string) (*Record, error) {
	row := c.db.QueryRowContext(ctx, "SELECT"+selectColumns+" FROM artifacts WHERE artifact_id = ?", id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := c.loadSides(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// FindByFileHash returns the earliest non-tombstoned artifact of the given
// type with the exact raw file hash, or ErrNotFound.
func (c *Catalog) FindByFileHash(ctx context.Context, artifactType, fileHash string) (*Record, error) {
	return c.findOne(ctx, "file_hash", artifactType, fileHash)
}

// FindByContentHash is FindByFileHash for the canonical content hash.
func (c *Catalog) FindByContentHash(ctx context.Context, artifactType, contentHash string) (*Record, error) {
	return c.findOne(ctx, "content_hash", artifactType, contentHash)
}

func (c *Catalog) findOne(ctx context.Context, column, artifactType, value string) (*Record, error) {
	q := "SELECT" + selectColumns + " FROM artifacts WHERE artifact_type = ? AND " + column +
		" = ? AND status != ? ORDER BY created_at, seq LIMIT 1"
	r, err := scanRecord(c.db.QueryRowContext(ctx, q, artifactType, value, string(StatusTombstoned)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := c.loadSides(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns rows matching f ordered by creation time.
func (c *Catalog) List(ctx context.Context, f Filter) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	if f.ArtifactType != "" {
		where = append(where, "a.artifact_type = ?")
		args = append(args, f.ArtifactType)
	}
	if f.Status != "" {
		where = append(where, "a.status = ?")
		args = append(args, string(f.Status))
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "a.created_at >= ?")
		args = append(args, f.CreatedAfter.UTC().UnixNano())
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "a.created_at < ?")
		args = append(args, f.CreatedBefore.UTC().UnixNano())
	}
	for k, v := range f.Tags {
		where = append(where, "EXISTS (SELECT 1 FROM artifact_tags t WHERE t.artifact_id = a.artifact_id AND t.key = ? AND t.value = ?)")
		args = append(args, k, v)
	}
	if f.LogicalKeyGlob != "" && !doublestar.ValidatePattern(f.LogicalKeyGlob) {
		return nil, fmt.Errorf("invalid logical key pattern %q", f.LogicalKeyGlob)
	}

	q := "SELECT " + columnList("a.") + " FROM artifacts a"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY a.created_at, a.seq"
	limit := f.EffectiveLimit()
	if f.LogicalKeyGlob == "" {
		// Glob filtering happens after the scan, so only push the limit down
		// when every predicate is in SQL.
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if f.LogicalKeyGlob != "" {
			if ok, _ := doublestar.Match(f.LogicalKeyGlob, r.LogicalKey); !ok {
				continue
			}
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	rows.Close()
	for _, r := range out {
		if err := c.loadSides(ctx, r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FindByLogicalKey returns every artifact sharing the logical key, whatever
// its status, oldest first.
func (c *Catalog) FindByLogicalKey(ctx context.Context, artifactType, logicalKey string) ([]*Record, error) {
	return c.query(ctx,
		"SELECT"+selectColumns+" FROM artifacts WHERE artifact_type = ? AND logical_key = ? ORDER BY created_at, seq",
		artifactType, logicalKey)
}

// Downstream returns every artifact that lists id among its inputs.
func (c *Catalog) Downstream(ctx context.Context, id string) ([]*Record, error) {
	return c.query(ctx, `
		SELECT `+columnList("a.")+`
		FROM artifact_inputs i
		JOIN artifacts a ON a.artifact_id = i.artifact_id
		WHERE i.input_artifact_id = ?
		ORDER BY a.created_at, a.seq`, id)
}

// Inputs returns the direct inputs of id in declaration order.
func (c *Catalog) Inputs(ctx context.Context, id string) ([]string, error) {
	return c.inputs(ctx, id)
}

// SetStatus moves id to status to and appends an audit event. It returns the
// previous status. Transitions outside the status table fail with
// ErrInvalidTransition; setting the current status again is a no-op.
func (c *Catalog) SetStatus(ctx context.Context, id string, to Status, causedBy, reason string) (Status, error) {
	if _, err := ParseStatus(string(to)); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin status update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM artifacts WHERE artifact_id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	from := Status(current)
	if from == to {
		return from, nil
	}
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE artifacts SET status = ? WHERE artifact_id = ? AND status = ?",
		string(to), id, current,
	); err != nil {
		return from, fmt.Errorf("update status: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO status_events (artifact_id, from_status, to_status, caused_by, reason, at) VALUES (?, ?, ?, ?, ?, ?)",
		id, current, string(to), causedBy, reason, c.now().UnixNano(),
	); err != nil {
		return from, fmt.Errorf("record status event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return from, fmt.Errorf("commit status update: %w", err)
	}
	return from, nil
}

// StatusEvents returns the audit log for id, oldest first.
func (c *Catalog) StatusEvents(ctx context.Context, id string) ([]StatusEvent, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT artifact_id, from_status, to_status, caused_by, reason, at FROM status_events WHERE artifact_id = ? ORDER BY seq",
		id)
	if err != nil {
		return nil, fmt.Errorf("query status events: %w", err)
	}
	defer rows.Close()

	var out []StatusEvent
	for rows.Next() {
		var (
			ev       StatusEvent
			from, to string
			at       int64
		)
		if err := rows.Scan(&ev.ArtifactID, &from, &to, &ev.CausedBy, &ev.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		ev.From, ev.To = Status(from), Status(to)
		ev.At = time.Unix(0, at).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PathRefs lists the stored paths of every row.
func (c *Catalog) PathRefs(ctx context.Context) ([]PathRef, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT artifact_id, status, path_data, path_sidecar FROM artifacts ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("query paths: %w", err)
	}
	defer rows.Close()

	var out []PathRef
	for rows.Next() {
		var (
			p      PathRef
			status string
		)
		if err := rows.Scan(&p.ArtifactID, &status, &p.PathData, &p.PathSidecar); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		p.Status = Status(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PathOwner returns the id of the row stored at rel, or "" when the path is
// unclaimed.
func (c *Catalog) PathOwner(ctx context.Context, rel string) (string, error) {
	var id string
	err := c.db.QueryRowContext(ctx, "SELECT artifact_id FROM artifacts WHERE path_data = ?", rel).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query path owner: %w", err)
	}
	return id, nil
}

// Count returns the number of rows in the catalog.
func (c *Catalog) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM artifacts").Scan(&n)
	return n, err
}

func (c *Catalog) query(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	rows.Close()
	for _, r := range out {
		if err := c.loadSides(ctx, r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Catalog) loadSides(ctx context.Context, r *Record) error {
	in, err := c.inputs(ctx, r.ArtifactID)
	if err != nil {
		return err
	}
	r.InputArtifactIDs = in

	rows, err := c.db.QueryContext(ctx, "SELECT key, value FROM artifact_tags WHERE artifact_id = ?", r.ArtifactID)
	if err != nil {
		return fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("scan tag: %w", err)
		}
		if r.Tags == nil {
			r.Tags = make(map[string]string)
		}
		r.Tags[k] = v
	}
	return rows.Err()
}

func (c *Catalog) inputs(ctx context.Context, id string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT input_artifact_id FROM artifact_inputs WHERE artifact_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("query inputs: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var in string
		if err := rows.Scan(&in); err != nil {
			return nil, fmt.Errorf("scan input: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		r              Record
		status, writer string
		minTs, maxTs   sql.NullInt64
		createdAt      int64
	)
	err := s.Scan(
		&r.ArtifactID, &r.ArtifactType, &r.SchemaVersion, &r.LogicalKey, &r.Format, &status,
		&r.PathData, &r.PathSidecar, &r.FileHash, &r.ContentHash, &r.RowCount,
		&minTs, &maxTs, &createdAt, &writer,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	r.Status = Status(status)
	r.MinTs = timeFromNull(minTs)
	r.MaxTs = timeFromNull(maxTs)
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	if writer != "" {
		if err := json.Unmarshal([]byte(writer), &r.Writer); err != nil {
			return nil, fmt.Errorf("decode writer for %s: %w", r.ArtifactID, err)
		}
	}
	return &r, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
