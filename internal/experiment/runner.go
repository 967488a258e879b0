package experiment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"artifactledger/internal/catalog"
	"artifactledger/internal/projection"
	"artifactledger/internal/store"
	"artifactledger/internal/tabular"
	"artifactledger/internal/writerlock"
)

// Handle is the queryable surface handed to an engine.
type Handle struct {
	ExperimentID string
	Projection   *projection.Projection
	// DB is a read-only connection to the projection.
	DB *sql.DB
	// Tables maps each input role to its projected table.
	Tables map[string]string
}

// Output is one result file written by an engine.
type Output struct {
	Path string
	// Format is inferred from the extension when empty.
	Format tabular.Format
	// ArtifactType defaults to the output role.
	ArtifactType  string
	SchemaVersion int
	// LogicalKey defaults to experiment=<id>/role=<role>.
	LogicalKey string
}

// Engine executes an experiment against its frozen inputs.
type Engine interface {
	Execute(ctx context.Context, h *Handle, config map[string]any, seed int64) (map[string]Output, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, h *Handle, config map[string]any, seed int64) (map[string]Output, error)

func (f EngineFunc) Execute(ctx context.Context, h *Handle, config map[string]any, seed int64) (map[string]Output, error) {
	return f(ctx, h, config, seed)
}

// ProjectionBuilder is the part of *projection.Builder the runner uses.
type ProjectionBuilder interface {
	Build(ctx context.Context, req projection.Request) (*projection.Projection, error)
	Open(ctx context.Context, id string) (*sql.DB, error)
	Dispose(ctx context.Context, id string) error
}

// ArtifactStore is the part of *store.Store the runner uses.
type ArtifactStore interface {
	Publish(ctx context.Context, req store.PublishRequest) (store.PublishResult, error)
	GetArtifact(ctx context.Context, id string) (*store.Artifact, error)
}

// RunnerOptions wires a Runner.
type RunnerOptions struct {
	Tracker *Tracker
	Builder ProjectionBuilder
	Store   ArtifactStore
	Engine  Engine
	// Lock, when set, is held around each output publish.
	Lock        *writerlock.Lock
	LockTimeout time.Duration
	Logger      *zap.Logger
	// KeepProjection leaves the input projection in the cache after a run.
	KeepProjection bool
}

// Runner executes pending experiments end to end.
type Runner struct {
	opts RunnerOptions
	log  *zap.Logger
}

// NewRunner returns a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	switch {
	case opts.Tracker == nil:
		return nil, errors.New("tracker is required")
	case opts.Builder == nil:
		return nil, errors.New("projection builder is required")
	case opts.Store == nil:
		return nil, errors.New("artifact store is required")
	case opts.Engine == nil:
		return nil, errors.New("engine is required")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = writerlock.DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{opts: opts, log: log.Named("experiment")}, nil
}

// ProjectionID names the input projection of an experiment.
func ProjectionID(experimentID string) string { return "exp_" + experimentID }

// Run takes a pending experiment through running to completed. Inputs are
// projected one table per role, the engine runs against that projection and
// every output is published with all frozen inputs as lineage. Any failure
// after the experiment starts marks it failed and returns *ExecutionError.
func (r *Runner) Run(ctx context.Context, id string) (*Experiment, error) {
	exp, err := r.opts.Tracker.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != StatusPending {
		return nil, &TransitionError{ExperimentID: id, From: exp.Status, To: StatusRunning}
	}
	if _, err := r.opts.Tracker.UpdateStatus(ctx, id, StatusRunning, StatusUpdate{}); err != nil {
		return nil, err
	}
	log := r.log.With(zap.String("experiment_id", id), zap.String("fingerprint", exp.Fingerprint))
	log.Info("experiment started")

	outputs, err := r.execute(ctx, exp)
	if err != nil {
		return nil, r.fail(ctx, exp, err)
	}
	ids, err := r.publishOutputs(ctx, exp, outputs)
	if err != nil {
		return nil, r.fail(ctx, exp, err)
	}
	if err := r.opts.Tracker.StoreResults(ctx, id, ids); err != nil {
		return nil, r.fail(ctx, exp, &ExecutionError{ExperimentID: id, Stage: "store_results", Cause: err})
	}
	done, err := r.opts.Tracker.UpdateStatus(ctx, id, StatusCompleted, StatusUpdate{})
	if err != nil {
		return nil, err
	}
	log.Info("experiment completed", zap.Int("outputs", len(ids)), zap.Int64("duration_ms", done.Execution.DurationMs))
	return done, nil
}

func (r *Runner) execute(ctx context.Context, exp *Experiment) (map[string]Output, error) {
	req := projection.Request{ProjectionID: ProjectionID(exp.ExperimentID)}
	tables := make(map[string]string, len(exp.Inputs))
	for _, role := range exp.Roles() {
		tables[role] = role
		for _, aid := range exp.Inputs[role] {
			req.Sources = append(req.Sources, projection.Source{ArtifactID: aid, Table: role})
		}
	}
	p, err := r.opts.Builder.Build(ctx, req)
	if err != nil {
		return nil, &ExecutionError{ExperimentID: exp.ExperimentID, Stage: "projection", Cause: err}
	}
	if !r.opts.KeepProjection {
		defer func() {
			if err := r.opts.Builder.Dispose(context.WithoutCancel(ctx), p.ProjectionID); err != nil {
				r.log.Warn("dispose input projection", zap.String("projection_id", p.ProjectionID), zap.Error(err))
			}
		}()
	}
	db, err := r.opts.Builder.Open(ctx, p.ProjectionID)
	if err != nil {
		return nil, &ExecutionError{ExperimentID: exp.ExperimentID, Stage: "projection", Cause: err}
	}
	defer db.Close()

	h := &Handle{ExperimentID: exp.ExperimentID, Projection: p, DB: db, Tables: tables}
	outputs, err := r.opts.Engine.Execute(ctx, h, exp.Config, exp.Seed)
	if err != nil {
		return nil, &ExecutionError{ExperimentID: exp.ExperimentID, Stage: "execute", Cause: err}
	}
	return outputs, nil
}

func (r *Runner) publishOutputs(ctx context.Context, exp *Experiment, outputs map[string]Output) (map[string]string, error) {
	roles := make([]string, 0, len(outputs))
	for role := range outputs {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	inputs := exp.InputArtifactIDs()
	ids := make(map[string]string, len(outputs))
	for _, role := range roles {
		out := outputs[role]
		req := store.PublishRequest{
			SourcePath:       out.Path,
			ArtifactType:     out.ArtifactType,
			SchemaVersion:    out.SchemaVersion,
			LogicalKey:       out.LogicalKey,
			Format:           out.Format,
			InputArtifactIDs: inputs,
			Tags: map[string]string{
				"experiment_id": exp.ExperimentID,
				"role":          role,
			},
			Writer: catalog.Writer{
				Producer: "simulation_engine",
				RunID:    exp.ExperimentID,
				GitSHA:   exp.Provenance.CommitID,
			},
		}
		if req.ArtifactType == "" {
			req.ArtifactType = role
		}
		if req.SchemaVersion == 0 {
			req.SchemaVersion = 1
		}
		if req.LogicalKey == "" {
			req.LogicalKey = fmt.Sprintf("experiment=%s/role=%s", exp.ExperimentID, role)
		}

		var res store.PublishResult
		publish := func() error {
			var err error
			// Publishing is not interrupted once started.
			res, err = r.opts.Store.Publish(context.WithoutCancel(ctx), req)
			return err
		}
		var err error
		if r.opts.Lock != nil {
			err = r.opts.Lock.With(ctx, r.opts.LockTimeout, publish)
		} else {
			err = publish()
		}
		if err != nil {
			return nil, &ExecutionError{ExperimentID: exp.ExperimentID, Stage: "publish", Cause: fmt.Errorf("output %s: %w", role, err)}
		}
		ids[role] = res.ResolvedID()
	}
	return ids, nil
}

func (r *Runner) fail(ctx context.Context, exp *Experiment, err error) error {
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		err = &ExecutionError{ExperimentID: exp.ExperimentID, Stage: "execute", Cause: err}
	}
	if _, uerr := r.opts.Tracker.UpdateStatus(context.WithoutCancel(ctx), exp.ExperimentID, StatusFailed, StatusUpdate{Error: err.Error()}); uerr != nil {
		r.log.Error("mark experiment failed", zap.String("experiment_id", exp.ExperimentID), zap.Error(uerr))
	}
	r.log.Warn("experiment failed", zap.String("experiment_id", exp.ExperimentID), zap.Error(err))
	return err
}

// RoleComparison compares one output role of two experiments.
type RoleComparison struct {
	Role         string `json:"role"`
	ArtifactA    string `json:"artifact_a,omitempty"`
	ArtifactB    string `json:"artifact_b,omitempty"`
	ContentHashA string `json:"content_hash_a,omitempty"`
	ContentHashB string `json:"content_hash_b,omitempty"`
	Match        bool   `json:"match"`
}

// DeterminismReport is the result of VerifyDeterminism.
type DeterminismReport struct {
	ExperimentA     string           `json:"experiment_a"`
	ExperimentB     string           `json:"experiment_b"`
	SameFingerprint bool             `json:"same_fingerprint"`
	Roles           []RoleComparison `json:"roles"`
	Deterministic   bool             `json:"deterministic"`
}

// ArtifactGetter resolves artifact records. *store.Store implements it.
type ArtifactGetter interface {
	GetArtifact(ctx context.Context, id string) (*store.Artifact, error)
}

// VerifyDeterminism compares the outputs of two completed experiments role
// by role.
func (r *Runner) VerifyDeterminism(ctx context.Context, a, b string) (*DeterminismReport, error) {
	return VerifyDeterminism(ctx, r.opts.Tracker, r.opts.Store, a, b)
}

// VerifyDeterminism compares the outputs of two completed experiments role
// by role. The pair is deterministic when the fingerprints are equal and
// every role's outputs share a content hash.
func VerifyDeterminism(ctx context.Context, t *Tracker, artifacts ArtifactGetter, a, b string) (*DeterminismReport, error) {
	ea, err := completed(ctx, t, a)
	if err != nil {
		return nil, err
	}
	eb, err := completed(ctx, t, b)
	if err != nil {
		return nil, err
	}
	rep := &DeterminismReport{ExperimentA: a, ExperimentB: b, SameFingerprint: ea.Fingerprint == eb.Fingerprint}

	roles := map[string]bool{}
	for role := range ea.Outputs {
		roles[role] = true
	}
	for role := range eb.Outputs {
		roles[role] = true
	}
	sorted := make([]string, 0, len(roles))
	for role := range roles {
		sorted = append(sorted, role)
	}
	sort.Strings(sorted)

	hash := func(id string) (string, error) {
		if id == "" {
			return "", nil
		}
		rec, err := artifacts.GetArtifact(ctx, id)
		if err != nil {
			return "", err
		}
		return rec.ContentHash, nil
	}

	rep.Deterministic = rep.SameFingerprint
	for _, role := range sorted {
		c := RoleComparison{Role: role, ArtifactA: ea.Outputs[role], ArtifactB: eb.Outputs[role]}
		if c.ContentHashA, err = hash(c.ArtifactA); err != nil {
			return nil, err
		}
		if c.ContentHashB, err = hash(c.ArtifactB); err != nil {
			return nil, err
		}
		c.Match = c.ContentHashA != "" && c.ContentHashA == c.ContentHashB
		rep.Deterministic = rep.Deterministic && c.Match
		rep.Roles = append(rep.Roles, c)
	}
	return rep, nil
}

func completed(ctx context.Context, t *Tracker, id string) (*Experiment, error) {
	e, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusCompleted {
		return nil, fmt.Errorf("experiment %s is %s, not completed", id, e.Status)
	}
	return e, nil
}
