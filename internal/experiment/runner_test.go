package experiment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"artifactledger/internal/catalog"
	"artifactledger/internal/projection"
	"artifactledger/internal/store"
	"artifactledger/internal/writerlock"
)

type runnerFixture struct {
	tracker *Tracker
	store   *store.Store
	builder *projection.Builder
	root    string
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	root := t.TempDir()
	log := zaptest.NewLogger(t)
	cat, err := catalog.Open(filepath.Join(root, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	st, err := store.New(store.Options{Dir: filepath.Join(root, "store"), Catalog: cat, Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	b, err := projection.NewBuilder(projection.Options{Dir: filepath.Join(root, "projections"), Store: st, Logger: log})
	require.NoError(t, err)
	return &runnerFixture{tracker: openTracker(t), store: st, builder: b, root: root}
}

func (f *runnerFixture) publishAlerts(t *testing.T, rows int) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("ts,mint,score\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&sb, "2025-05-01T00:00:%02dZ,mint%d,%d\n", i%60, i, i)
	}
	p := filepath.Join(f.root, fmt.Sprintf("alerts-%d.csv", rows))
	require.NoError(t, os.WriteFile(p, []byte(sb.String()), 0o644))
	res, err := f.store.Publish(context.Background(), store.PublishRequest{
		SourcePath:    p,
		ArtifactType:  "alerts",
		SchemaVersion: 1,
		LogicalKey:    "day=2025-05-01/chain=solana",
	})
	require.NoError(t, err)
	return res.ArtifactID
}

// countingEngine writes one summary row holding the input row count and seed.
func countingEngine(dir string) Engine {
	return EngineFunc(func(ctx context.Context, h *Handle, config map[string]any, seed int64) (map[string]Output, error) {
		var n int64
		if err := h.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+h.Tables["alerts"]).Scan(&n); err != nil {
			return nil, err
		}
		out := filepath.Join(dir, h.ExperimentID+".csv")
		body := fmt.Sprintf("rows,seed,threshold\n%d,%d,%v\n", n, seed, config["threshold"])
		if err := os.WriteFile(out, []byte(body), 0o644); err != nil {
			return nil, err
		}
		return map[string]Output{"summary": {Path: out, ArtifactType: "sim_results"}}, nil
	})
}

func TestRunner_RunPublishesOutputsWithLineage(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t)
	a1 := f.publishAlerts(t, 40)

	r, err := NewRunner(RunnerOptions{
		Tracker: f.tracker,
		Builder: f.builder,
		Store:   f.store,
		Engine:  countingEngine(t.TempDir()),
		Lock:    writerlock.New(f.root),
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	e, err := f.tracker.Create(ctx, Definition{
		Inputs: map[string][]string{"alerts": {a1}},
		Config: map[string]any{"threshold": 0.5},
		Seed:   11,
	})
	require.NoError(t, err)

	done, err := r.Run(ctx, e.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.Contains(t, done.Outputs, "summary")
	require.NotNil(t, done.Execution.CompletedAt)

	out, err := f.store.GetArtifact(ctx, done.Outputs["summary"])
	require.NoError(t, err)
	assert.Equal(t, "sim_results", out.ArtifactType)
	assert.Equal(t, []string{a1}, out.InputArtifactIDs)
	assert.Equal(t, e.ExperimentID, out.Tags["experiment_id"])
	body, err := os.ReadFile(out.PathData)
	require.NoError(t, err)
	assert.Contains(t, string(body), "40,11,0.5")

	lin, err := f.store.GetLineage(ctx, out.ArtifactID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{a1}, lin.InputIDs())

	found, err := f.tracker.FindByInputArtifacts(ctx, []string{a1})
	require.NoError(t, err)
	require.Len(t, found, 1)

	ok, err := f.builder.Exists(ctx, ProjectionID(e.ExperimentID))
	require.NoError(t, err)
	assert.False(t, ok, "input projection is disposed after the run")

	_, err = r.Run(ctx, e.ExperimentID)
	var te *TransitionError
	assert.True(t, errors.As(err, &te))
}

func TestRunner_EngineFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t)
	a1 := f.publishAlerts(t, 3)
	boom := errors.New("engine exploded")
	r, err := NewRunner(RunnerOptions{
		Tracker: f.tracker,
		Builder: f.builder,
		Store:   f.store,
		Engine: EngineFunc(func(context.Context, *Handle, map[string]any, int64) (map[string]Output, error) {
			return nil, boom
		}),
	})
	require.NoError(t, err)
	e, err := f.tracker.Create(ctx, Definition{Inputs: map[string][]string{"alerts": {a1}}})
	require.NoError(t, err)

	_, err = r.Run(ctx, e.ExperimentID)
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "execute", ee.Stage)
	assert.ErrorIs(t, err, boom)

	got, err := f.tracker.Get(ctx, e.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Execution.Error, "engine exploded")
}

func TestRunner_MissingInputFailsInProjection(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t)
	r, err := NewRunner(RunnerOptions{Tracker: f.tracker, Builder: f.builder, Store: f.store, Engine: countingEngine(t.TempDir())})
	require.NoError(t, err)
	e, err := f.tracker.Create(ctx, Definition{Inputs: map[string][]string{"alerts": {"ghost"}}})
	require.NoError(t, err)

	_, err = r.Run(ctx, e.ExperimentID)
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "projection", ee.Stage)
	var be *projection.BuildError
	assert.ErrorAs(t, err, &be)

	got, err := f.tracker.Get(ctx, e.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestRunner_VerifyDeterminism(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture(t)
	a1 := f.publishAlerts(t, 10)
	r, err := NewRunner(RunnerOptions{Tracker: f.tracker, Builder: f.builder, Store: f.store, Engine: countingEngine(t.TempDir())})
	require.NoError(t, err)

	def := Definition{Inputs: map[string][]string{"alerts": {a1}}, Config: map[string]any{"threshold": 1}, Seed: 5}
	run := func(d Definition) string {
		e, err := f.tracker.Create(ctx, d)
		require.NoError(t, err)
		_, err = r.Run(ctx, e.ExperimentID)
		require.NoError(t, err)
		return e.ExperimentID
	}
	first, second := run(def), run(def)
	def.Seed = 6
	third := run(def)

	rep, err := r.VerifyDeterminism(ctx, first, second)
	require.NoError(t, err)
	assert.True(t, rep.SameFingerprint)
	assert.True(t, rep.Deterministic)
	require.Len(t, rep.Roles, 1)
	assert.True(t, rep.Roles[0].Match)

	rep, err = r.VerifyDeterminism(ctx, first, third)
	require.NoError(t, err)
	assert.False(t, rep.SameFingerprint)
	assert.False(t, rep.Deterministic)
	assert.False(t, rep.Roles[0].Match)

	pending, err := f.tracker.Create(ctx, def)
	require.NoError(t, err)
	_, err = r.VerifyDeterminism(ctx, first, pending.ExperimentID)
	assert.Error(t, err)
}
