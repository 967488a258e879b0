package experiment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"artifactledger/internal/catalog"
)

const trackerSchemaVersion = 1

// Inputs are frozen at creation; the triggers refuse edits to them.
const trackerSchema = `
CREATE TABLE experiments (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	experiment_id  TEXT    NOT NULL UNIQUE,
	name           TEXT    NOT NULL DEFAULT '',
	fingerprint    TEXT    NOT NULL,
	seed           INTEGER NOT NULL,
	config         TEXT    NOT NULL DEFAULT '{}',
	commit_id      TEXT    NOT NULL DEFAULT '',
	dirty          INTEGER NOT NULL DEFAULT 0,
	engine_version TEXT    NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	status         TEXT    NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
	started_at     INTEGER,
	completed_at   INTEGER,
	duration_ms    INTEGER,
	error          TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX experiments_fingerprint ON experiments(fingerprint);
CREATE INDEX experiments_status ON experiments(status, seq);

CREATE TABLE experiment_inputs (
	experiment_id TEXT    NOT NULL REFERENCES experiments(experiment_id),
	role          TEXT    NOT NULL,
	artifact_id   TEXT    NOT NULL,
	position      INTEGER NOT NULL,
	PRIMARY KEY (experiment_id, role, artifact_id)
);
CREATE INDEX experiment_inputs_artifact ON experiment_inputs(artifact_id);

CREATE TRIGGER experiment_inputs_no_update BEFORE UPDATE ON experiment_inputs
BEGIN SELECT RAISE(ABORT, 'experiment inputs are frozen'); END;
CREATE TRIGGER experiment_inputs_no_delete BEFORE DELETE ON experiment_inputs
BEGIN SELECT RAISE(ABORT, 'experiment inputs are frozen'); END;

CREATE TABLE experiment_outputs (
	experiment_id TEXT NOT NULL REFERENCES experiments(experiment_id),
	role          TEXT NOT NULL,
	artifact_id   TEXT NOT NULL,
	PRIMARY KEY (experiment_id, role)
);
CREATE INDEX experiment_outputs_artifact ON experiment_outputs(artifact_id);
`

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Status      Status
	Fingerprint string
	Limit       int
}

// StatusUpdate carries the optional failure message of a transition.
type StatusUpdate struct {
	Error string
}

// Tracker persists experiments in SQLite.
type Tracker struct {
	db        *sql.DB
	mu        sync.Mutex
	now       func() time.Time
	artifacts ArtifactGetter
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithArtifacts makes Create and StoreResults refuse artifact ids that are
// unknown to g or tombstoned.
func WithArtifacts(g ArtifactGetter) TrackerOption {
	return func(t *Tracker) { t.artifacts = g }
}

// Open opens or creates the tracker database at path.
func Open(path string, opts ...TrackerOption) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create tracker dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	t := &Tracker{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tracker) init() error {
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := t.db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	var version int
	if err := t.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read tracker schema version: %w", err)
	}
	switch version {
	case trackerSchemaVersion:
		return nil
	case 0:
		tx, err := t.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.Exec(trackerSchema); err != nil {
			return fmt.Errorf("create tracker schema: %w", err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", trackerSchemaVersion)); err != nil {
			return err
		}
		return tx.Commit()
	default:
		return fmt.Errorf("unsupported tracker schema version %d", version)
	}
}

// Close releases the database handle.
func (t *Tracker) Close() error { return t.db.Close() }

// checkArtifacts resolves every id through the configured artifact getter.
func (t *Tracker) checkArtifacts(ctx context.Context, ids []string) error {
	if t.artifacts == nil {
		return nil
	}
	var errs []error
	for _, id := range ids {
		rec, err := t.artifacts.GetArtifact(ctx, id)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("artifact %s: %w", id, err))
		case rec.Status == catalog.StatusTombstoned:
			errs = append(errs, fmt.Errorf("artifact %s: %w", id, ErrArtifactTombstoned))
		}
	}
	return errors.Join(errs...)
}

// Create records a pending experiment with frozen inputs. With an artifact
// getter configured, every input must name a live artifact.
func (t *Tracker) Create(ctx context.Context, d Definition) (*Experiment, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	var inputs []string
	for _, ids := range d.Inputs {
		inputs = append(inputs, ids...)
	}
	sort.Strings(inputs)
	if err := t.checkArtifacts(ctx, inputs); err != nil {
		return nil, err
	}
	fp, err := Fingerprint(d.Inputs, d.Config, d.Seed)
	if err != nil {
		return nil, err
	}
	id := d.ExperimentID
	if id == "" {
		id = uuid.NewString()
	}
	cfg := d.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	created := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM experiments WHERE experiment_id = ?", id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, fmt.Errorf("experiment %s already exists", id)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO experiments
		(experiment_id, name, fingerprint, seed, config, commit_id, dirty, engine_version, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, d.Name, fp, d.Seed, string(cfgJSON), d.CommitID, d.Dirty, d.EngineVersion, created.UnixNano(), StatusPending,
	); err != nil {
		return nil, fmt.Errorf("insert experiment: %w", err)
	}
	for role, ids := range d.Inputs {
		for i, a := range ids {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO experiment_inputs (experiment_id, role, artifact_id, position) VALUES (?, ?, ?, ?)",
				id, role, a, i,
			); err != nil {
				return nil, fmt.Errorf("insert input %s/%s: %w", role, a, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t.get(ctx, id)
}

// Get returns the experiment with id, or ErrNotFound.
func (t *Tracker) Get(ctx context.Context, id string) (*Experiment, error) {
	return t.get(ctx, id)
}

// List returns experiments in creation order.
func (t *Tracker) List(ctx context.Context, f ListFilter) ([]*Experiment, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Fingerprint != "" {
		where = append(where, "fingerprint = ?")
		args = append(args, f.Fingerprint)
	}
	q := "SELECT experiment_id FROM experiments"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return t.loadIDs(ctx, q, args...)
}

// FindByInputArtifacts returns every experiment whose frozen inputs include
// any of ids, in creation order.
func (t *Tracker) FindByInputArtifacts(ctx context.Context, ids []string) ([]*Experiment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `SELECT e.experiment_id FROM experiments e
		WHERE e.experiment_id IN (SELECT experiment_id FROM experiment_inputs WHERE artifact_id IN (` + marks + `))
		ORDER BY e.seq`
	return t.loadIDs(ctx, q, args...)
}

// UpdateStatus moves id to status to. Entering running stamps the start
// time; entering a terminal state stamps the completion time and duration.
// u.Error is recorded for failed experiments.
func (t *Tracker) UpdateStatus(ctx context.Context, id string, to Status, u StatusUpdate) (*Experiment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, err := t.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.Status, to) {
		return nil, &TransitionError{ExperimentID: id, From: cur.Status, To: to}
	}
	now := t.now()
	sets := []string{"status = ?"}
	args := []any{to}
	switch {
	case to == StatusRunning:
		sets = append(sets, "started_at = ?")
		args = append(args, now.UnixNano())
	case IsTerminal(to):
		sets = append(sets, "completed_at = ?")
		args = append(args, now.UnixNano())
		if cur.Execution.StartedAt != nil {
			sets = append(sets, "duration_ms = ?")
			args = append(args, now.Sub(*cur.Execution.StartedAt).Milliseconds())
		}
		if to == StatusFailed {
			sets = append(sets, "error = ?")
			args = append(args, u.Error)
		}
	}
	args = append(args, id, cur.Status)
	res, err := t.db.ExecContext(ctx,
		"UPDATE experiments SET "+strings.Join(sets, ", ")+" WHERE experiment_id = ? AND status = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("update experiment status: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, &TransitionError{ExperimentID: id, From: cur.Status, To: to}
	}
	return t.get(ctx, id)
}

// StoreResults binds output artifacts to roles. It is allowed until the
// experiment is terminal; rebinding a role to the same id is a no-op.
func (t *Tracker) StoreResults(ctx context.Context, id string, outputs map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, err := t.get(ctx, id)
	if err != nil {
		return err
	}
	if IsTerminal(cur.Status) {
		return fmt.Errorf("experiment %s is %s: %w", id, cur.Status, ErrOutputsFrozen)
	}
	roles := make([]string, 0, len(outputs))
	for r := range outputs {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	ids := make([]string, 0, len(roles))
	for _, r := range roles {
		if _, bound := cur.Outputs[r]; !bound && strings.TrimSpace(outputs[r]) != "" {
			ids = append(ids, outputs[r])
		}
	}
	if err := t.checkArtifacts(ctx, ids); err != nil {
		return err
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, role := range roles {
		aid := outputs[role]
		if !rolePattern.MatchString(role) || strings.TrimSpace(aid) == "" {
			return fmt.Errorf("invalid output %q=%q", role, aid)
		}
		if prev, ok := cur.Outputs[role]; ok {
			if prev != aid {
				return fmt.Errorf("output %s already bound to %s: %w", role, prev, ErrOutputsFrozen)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO experiment_outputs (experiment_id, role, artifact_id) VALUES (?, ?, ?)", id, role, aid,
		); err != nil {
			return fmt.Errorf("insert output %s: %w", role, err)
		}
	}
	return tx.Commit()
}

// FindByOutputArtifact returns the experiment that produced artifactID.
func (t *Tracker) FindByOutputArtifact(ctx context.Context, artifactID string) (*Experiment, error) {
	var id string
	err := t.db.QueryRowContext(ctx,
		"SELECT experiment_id FROM experiment_outputs WHERE artifact_id = ? LIMIT 1", artifactID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", artifactID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t.get(ctx, id)
}

func (t *Tracker) loadIDs(ctx context.Context, q string, args ...any) ([]*Experiment, error) {
	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*Experiment, 0, len(ids))
	for _, id := range ids {
		e, err := t.get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (t *Tracker) get(ctx context.Context, id string) (*Experiment, error) {
	var (
		e                  Experiment
		cfg                string
		created            int64
		started, completed sql.NullInt64
		duration           sql.NullInt64
	)
	err := t.db.QueryRowContext(ctx, `SELECT experiment_id, name, fingerprint, seed, config, commit_id, dirty,
		engine_version, created_at, status, started_at, completed_at, duration_ms, error
		FROM experiments WHERE experiment_id = ?`, id).Scan(
		&e.ExperimentID, &e.Name, &e.Fingerprint, &e.Seed, &cfg, &e.Provenance.CommitID, &e.Provenance.Dirty,
		&e.Provenance.EngineVersion, &created, &e.Status, &started, &completed, &duration, &e.Execution.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load experiment %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(cfg), &e.Config); err != nil {
		return nil, fmt.Errorf("decode config of %s: %w", id, err)
	}
	e.Provenance.CreatedAt = time.Unix(0, created).UTC()
	e.Execution.StartedAt = nanosPtr(started)
	e.Execution.CompletedAt = nanosPtr(completed)
	if duration.Valid {
		e.Execution.DurationMs = duration.Int64
	}

	e.Inputs = map[string][]string{}
	rows, err := t.db.QueryContext(ctx,
		"SELECT role, artifact_id FROM experiment_inputs WHERE experiment_id = ? ORDER BY role, position", id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var role, aid string
		if err := rows.Scan(&role, &aid); err != nil {
			rows.Close()
			return nil, err
		}
		e.Inputs[role] = append(e.Inputs[role], aid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	e.Outputs = map[string]string{}
	rows, err = t.db.QueryContext(ctx, "SELECT role, artifact_id FROM experiment_outputs WHERE experiment_id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var role, aid string
		if err := rows.Scan(&role, &aid); err != nil {
			return nil, err
		}
		e.Outputs[role] = aid
	}
	return &e, rows.Err()
}

func nanosPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
