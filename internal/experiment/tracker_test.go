package experiment

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artifactledger/internal/catalog"
	"artifactledger/internal/store"
)

func openTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := Open(filepath.Join(t.TempDir(), "experiments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusCancelled}: true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusRunning, StatusCancelled}: true,
	}
	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestFingerprint_OrderInsensitive(t *testing.T) {
	a, err := Fingerprint(map[string][]string{"alerts": {"A1", "A2"}}, map[string]any{"x": 1, "y": "z"}, 7)
	require.NoError(t, err)
	b, err := Fingerprint(map[string][]string{"alerts": {"A2", "A1"}}, map[string]any{"y": "z", "x": 1}, 7)
	require.NoError(t, err)
	c, err := Fingerprint(map[string][]string{"alerts": {"A1", "A2"}}, map[string]any{"x": 1, "y": "z"}, 8)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDefinition_Validate(t *testing.T) {
	err := Definition{}.Validate()
	require.Error(t, err)

	err = Definition{Inputs: map[string][]string{"Bad-Role": {"A1"}, "ok": {"A1", "A1"}, "empty": nil}}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input role")
	assert.Contains(t, err.Error(), "twice")
	assert.Contains(t, err.Error(), "no artifacts")
}

func TestTracker_CreateGetFind(t *testing.T) {
	ctx := context.Background()
	tr := openTracker(t)

	e, err := tr.Create(ctx, Definition{
		Name:          "baseline",
		Inputs:        map[string][]string{"alerts": {"A1"}, "ohlcv": {"O1", "O2"}},
		Config:        map[string]any{"stop_loss": 0.1},
		Seed:          42,
		CommitID:      "abc123",
		EngineVersion: "sim-1.0",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.NotEmpty(t, e.ExperimentID)
	assert.Len(t, e.Fingerprint, 64)
	assert.False(t, e.Provenance.CreatedAt.IsZero())

	got, err := tr.Get(ctx, e.ExperimentID)
	require.NoError(t, err)
	if diff := cmp.Diff(e, got); diff != "" {
		t.Fatalf("get mismatch (-create +get):\n%s", diff)
	}
	assert.Equal(t, []string{"A1", "O1", "O2"}, got.InputArtifactIDs())

	other, err := tr.Create(ctx, Definition{Inputs: map[string][]string{"alerts": {"A9"}}})
	require.NoError(t, err)

	found, err := tr.FindByInputArtifacts(ctx, []string{"A1"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, e.ExperimentID, found[0].ExperimentID)

	found, err = tr.FindByInputArtifacts(ctx, []string{"O2", "A9"})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, e.ExperimentID, found[0].ExperimentID)
	assert.Equal(t, other.ExperimentID, found[1].ExperimentID)

	_, err = tr.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tr.Create(ctx, Definition{ExperimentID: e.ExperimentID, Inputs: map[string][]string{"alerts": {"A1"}}})
	assert.Error(t, err)
}

func TestTracker_StatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	tr := openTracker(t)
	clock := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }

	e, err := tr.Create(ctx, Definition{Inputs: map[string][]string{"alerts": {"A1"}}})
	require.NoError(t, err)

	_, err = tr.UpdateStatus(ctx, e.ExperimentID, StatusCompleted, StatusUpdate{})
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StatusPending, te.From)

	running, err := tr.UpdateStatus(ctx, e.ExperimentID, StatusRunning, StatusUpdate{})
	require.NoError(t, err)
	require.NotNil(t, running.Execution.StartedAt)

	clock = clock.Add(1500 * time.Millisecond)
	failed, err := tr.UpdateStatus(ctx, e.ExperimentID, StatusFailed, StatusUpdate{Error: "engine exploded"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "engine exploded", failed.Execution.Error)
	assert.EqualValues(t, 1500, failed.Execution.DurationMs)
	require.NotNil(t, failed.Execution.CompletedAt)

	_, err = tr.UpdateStatus(ctx, e.ExperimentID, StatusRunning, StatusUpdate{})
	assert.True(t, errors.As(err, &te))

	list, err := tr.List(ctx, ListFilter{Status: StatusFailed})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = tr.List(ctx, ListFilter{Status: StatusPending})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTracker_StoreResults(t *testing.T) {
	ctx := context.Background()
	tr := openTracker(t)
	e, err := tr.Create(ctx, Definition{Inputs: map[string][]string{"alerts": {"A1"}}})
	require.NoError(t, err)
	_, err = tr.UpdateStatus(ctx, e.ExperimentID, StatusRunning, StatusUpdate{})
	require.NoError(t, err)

	require.NoError(t, tr.StoreResults(ctx, e.ExperimentID, map[string]string{"trades": "T1"}))
	require.NoError(t, tr.StoreResults(ctx, e.ExperimentID, map[string]string{"trades": "T1", "summary": "S1"}))
	assert.ErrorIs(t, tr.StoreResults(ctx, e.ExperimentID, map[string]string{"trades": "T2"}), ErrOutputsFrozen)

	byOut, err := tr.FindByOutputArtifact(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, e.ExperimentID, byOut.ExperimentID)

	_, err = tr.UpdateStatus(ctx, e.ExperimentID, StatusCompleted, StatusUpdate{})
	require.NoError(t, err)
	assert.ErrorIs(t, tr.StoreResults(ctx, e.ExperimentID, map[string]string{"extra": "X"}), ErrOutputsFrozen)

	got, err := tr.Get(ctx, e.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"trades": "T1", "summary": "S1"}, got.Outputs)
}

type artifactMap map[string]catalog.Status

func (m artifactMap) GetArtifact(_ context.Context, id string) (*store.Artifact, error) {
	st, ok := m[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.Artifact{ArtifactID: id, Status: st}, nil
}

func openCheckedTracker(t *testing.T) *Tracker {
	t.Helper()
	arts := artifactMap{
		"A1":   catalog.StatusActive,
		"OLD":  catalog.StatusSuperseded,
		"DEAD": catalog.StatusTombstoned,
		"T1":   catalog.StatusActive,
	}
	tr, err := Open(filepath.Join(t.TempDir(), "experiments.db"), WithArtifacts(arts))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestTracker_CreateChecksInputs(t *testing.T) {
	ctx := context.Background()
	tr := openCheckedTracker(t)

	_, err := tr.Create(ctx, Definition{Inputs: map[string][]string{"alerts": {"A1", "ghost"}}})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = tr.Create(ctx, Definition{Inputs: map[string][]string{"alerts": {"A1"}, "prices": {"DEAD"}}})
	assert.ErrorIs(t, err, ErrArtifactTombstoned)

	list, err := tr.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	e, err := tr.Create(ctx, Definition{Inputs: map[string][]string{"alerts": {"A1", "OLD"}}})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
}

func TestTracker_StoreResultsChecksOutputs(t *testing.T) {
	ctx := context.Background()
	tr := openCheckedTracker(t)
	e, err := tr.Create(ctx, Definition{Inputs: map[string][]string{"alerts": {"A1"}}})
	require.NoError(t, err)
	_, err = tr.UpdateStatus(ctx, e.ExperimentID, StatusRunning, StatusUpdate{})
	require.NoError(t, err)

	assert.ErrorIs(t, tr.StoreResults(ctx, e.ExperimentID, map[string]string{"trades": "ghost"}), store.ErrNotFound)
	assert.ErrorIs(t, tr.StoreResults(ctx, e.ExperimentID, map[string]string{"trades": "DEAD"}), ErrArtifactTombstoned)
	err = tr.StoreResults(ctx, e.ExperimentID, map[string]string{"trades": "T1", "summary": "ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := tr.Get(ctx, e.ExperimentID)
	require.NoError(t, err)
	assert.Empty(t, got.Outputs)

	require.NoError(t, tr.StoreResults(ctx, e.ExperimentID, map[string]string{"trades": "T1"}))
	got, err = tr.Get(ctx, e.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"trades": "T1"}, got.Outputs)
}

func TestTracker_InputsAreFrozen(t *testing.T) {
	ctx := context.Background()
	tr := openTracker(t)
	e, err := tr.Create(ctx, Definition{Inputs: map[string][]string{"alerts": {"A1"}}})
	require.NoError(t, err)

	_, err = tr.db.ExecContext(ctx, "UPDATE experiment_inputs SET artifact_id = 'A2' WHERE experiment_id = ?", e.ExperimentID)
	assert.Error(t, err)
	_, err = tr.db.ExecContext(ctx, "DELETE FROM experiment_inputs WHERE experiment_id = ?", e.ExperimentID)
	assert.Error(t, err)
}

func TestTracker_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "experiments.db")
	tr, err := Open(path)
	require.NoError(t, err)
	e, err := tr.Create(ctx, Definition{Inputs: map[string][]string{"alerts": {"A1"}}, Seed: 3})
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	tr, err = Open(path)
	require.NoError(t, err)
	defer tr.Close()
	got, err := tr.Get(ctx, e.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, e.Fingerprint, got.Fingerprint)
	assert.EqualValues(t, 3, got.Seed)
}
