package projection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"artifactledger/internal/catalog"
	"artifactledger/internal/ingest"
	"artifactledger/internal/store"
	"artifactledger/internal/tabular"
)

type fixture struct {
	store   *store.Store
	builder *Builder
	src     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cat, err := catalog.Open(filepath.Join(root, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	log := zaptest.NewLogger(t)
	st, err := store.New(store.Options{Dir: filepath.Join(root, "store"), Catalog: cat, Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	b, err := NewBuilder(Options{Dir: filepath.Join(root, "projections"), Store: st, Logger: log})
	require.NoError(t, err)
	src := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	return &fixture{store: st, builder: b, src: src}
}

func (f *fixture) publish(t *testing.T, typ, key, name, content string) string {
	t.Helper()
	p := filepath.Join(f.src, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	format, err := tabular.ParseFormat(strings.TrimPrefix(filepath.Ext(name), "."))
	require.NoError(t, err)
	res, err := f.store.Publish(context.Background(), store.PublishRequest{
		SourcePath:    p,
		ArtifactType:  typ,
		SchemaVersion: 1,
		LogicalKey:    key,
		Format:        format,
	})
	require.NoError(t, err)
	require.False(t, res.Deduped)
	return res.ArtifactID
}

func csvRows(n, offset int) string {
	var b strings.Builder
	b.WriteString("ts,mint,score\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "2025-05-01T00:00:%02dZ,mint%d,%d\n", i%60, offset+i, i)
	}
	return b.String()
}

func TestBuild_RowCountIsSumOfSources(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a1 := f.publish(t, "alerts", "day=2025-05-01/chain=solana", "a1.csv", csvRows(40, 0))
	a2 := f.publish(t, "alerts", "day=2025-05-02/chain=solana", "a2.csv", csvRows(15, 100))

	p, err := f.builder.Build(ctx, ForArtifacts(a1, a2))
	require.NoError(t, err)
	require.Len(t, p.Tables, 1)
	assert.Equal(t, "alerts", p.Tables[0].Name)
	assert.EqualValues(t, 55, p.Tables[0].RowCount)
	assert.Equal(t, []string{ArtifactIDColumn, "ts", "mint", "score"}, p.Tables[0].Columns)
	assert.ElementsMatch(t, []string{a1, a2}, p.SourceArtifactIDs)
	assert.FileExists(t, p.Path)

	db, err := f.builder.Open(ctx, p.ProjectionID)
	require.NoError(t, err)
	defer db.Close()

	var n int64
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM alerts WHERE _artifact_id = ?`, a1).Scan(&n))
	assert.EqualValues(t, 40, n)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM _sources`).Scan(&n))
	assert.EqualValues(t, 2, n)
	// Every projected row traces back to a recorded source.
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM alerts a LEFT JOIN _sources s ON s.artifact_id = a._artifact_id WHERE s.artifact_id IS NULL`).Scan(&n))
	assert.Zero(t, n)
}

func TestBuild_PartitionedKeyDoesNotRewriteColumns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.publish(t, "alerts", "day=2025-05-01/chain=solana", "days.csv", "day,mint\nmonday,m1\ntuesday,m2\n")

	p, err := f.builder.Build(ctx, ForArtifacts(id))
	require.NoError(t, err)
	assert.Equal(t, []string{ArtifactIDColumn, "day", "mint"}, p.Tables[0].Columns)

	db, err := f.builder.Open(ctx, p.ProjectionID)
	require.NoError(t, err)
	defer db.Close()
	rows, err := db.Query(`SELECT day FROM alerts ORDER BY mint`)
	require.NoError(t, err)
	defer rows.Close()
	var days []string
	for rows.Next() {
		var d string
		require.NoError(t, rows.Scan(&d))
		days = append(days, d)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"monday", "tuesday"}, days)
}

func TestBuild_GroupsByTableAndCreatesIndexes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alerts := f.publish(t, "alerts", "day=1", "a.csv", csvRows(3, 0))
	sims := f.publish(t, "sim_results", "run=1", "s.jsonl", `{"trade":1,"pnl":0.5}`+"\n"+`{"trade":2,"pnl":-1}`+"\n")

	p, err := f.builder.Build(ctx, Request{
		ProjectionID: "mixed",
		Sources:      []Source{{ArtifactID: alerts}, {ArtifactID: sims, Table: "trades"}},
		Indexes:      []Index{{Table: "alerts", Columns: []string{"mint"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "mixed", p.ProjectionID)
	require.NotNil(t, p.Table("alerts"))
	require.NotNil(t, p.Table("trades"))
	assert.EqualValues(t, 3, p.Table("alerts").RowCount)
	assert.EqualValues(t, 2, p.Table("trades").RowCount)
	assert.Equal(t, []string{"idx_alerts_mint"}, p.Table("alerts").Indexes)

	got, err := f.builder.Get(ctx, "mixed")
	require.NoError(t, err)
	assert.Equal(t, p.Tables, got.Tables)
}

func TestBuild_FailureLeavesNoFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.publish(t, "alerts", "day=1", "a.csv", csvRows(3, 0))

	_, err := f.builder.Build(ctx, Request{
		ProjectionID: "broken",
		Sources:      []Source{{ArtifactID: a}},
		Indexes:      []Index{{Table: "alerts", Columns: []string{"no_such_column"}}},
	})
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, CodeIndexFailed, be.Code)

	entries, err := os.ReadDir(f.builder.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
	ok, err := f.builder.Exists(ctx, "broken")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuild_RejectsUnknownAndTombstonedArtifacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.builder.Build(ctx, ForArtifacts("ghost"))
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, CodeArtifactUnavailable, be.Code)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = f.builder.Build(ctx, Request{})
	require.ErrorAs(t, err, &be)
	assert.Equal(t, CodeInvalidRequest, be.Code)

	_, err = f.builder.Build(ctx, Request{Sources: []Source{{ArtifactID: "x", Table: "bad name"}}})
	require.ErrorAs(t, err, &be)
	assert.Equal(t, CodeInvalidRequest, be.Code)
}

func TestDeriveID_IgnoresSourceOrder(t *testing.T) {
	a, err := DeriveID(ForArtifacts("A1", "A2"))
	require.NoError(t, err)
	b, err := DeriveID(ForArtifacts("A2", "A1"))
	require.NoError(t, err)
	c, err := DeriveID(ForArtifacts("A1"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, ValidID(a))
}

func TestRebuildAndDispose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.publish(t, "alerts", "day=1", "a.csv", csvRows(5, 0))

	p, err := f.builder.Build(ctx, ForArtifacts(a))
	require.NoError(t, err)

	// Corrupt the cached database; a rebuild replaces it from the stored request.
	require.NoError(t, os.WriteFile(p.Path, []byte("garbage"), 0o644))
	again, err := f.builder.Rebuild(ctx, p.ProjectionID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, again.Tables[0].RowCount)

	require.NoError(t, f.builder.Dispose(ctx, p.ProjectionID))
	ok, err := f.builder.Exists(ctx, p.ProjectionID)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, f.builder.Dispose(ctx, p.ProjectionID), "dispose of an absent projection is a no-op")

	_, err = f.builder.Rebuild(ctx, p.ProjectionID)
	assert.ErrorIs(t, err, ErrProjectionNotFound)
	_, err = f.builder.Get(ctx, p.ProjectionID)
	assert.ErrorIs(t, err, ErrProjectionNotFound)
}

func TestBuild_ConcurrentSameID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.publish(t, "alerts", "day=1", "a.csv", csvRows(8, 0))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.builder.Build(ctx, Request{ProjectionID: "shared", Sources: []Source{{ArtifactID: a}}})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	p, err := f.builder.Get(ctx, "shared")
	require.NoError(t, err)
	assert.EqualValues(t, 8, p.Tables[0].RowCount)
}

func TestViewExporter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a1 := f.publish(t, "alerts", "day=1", "a1.csv", csvRows(4, 0))
	a2 := f.publish(t, "alerts", "day=2", "a2.csv", csvRows(6, 50))

	views, err := NewBuilder(Options{Dir: filepath.Join(t.TempDir(), "views"), Store: f.store})
	require.NoError(t, err)
	exp := NewViewExporter(views, f.store, zaptest.NewLogger(t))

	require.NoError(t, exp.Export(ctx, ingest.Batch{JobID: "j", ArtifactIDs: []string{a2}, ArtifactTypes: []string{"alerts"}}))
	p, err := views.Get(ctx, ViewID("alerts"))
	require.NoError(t, err)
	assert.EqualValues(t, 10, p.Tables[0].RowCount)
	assert.ElementsMatch(t, []string{a1, a2}, p.SourceArtifactIDs)

	// Superseded artifacts drop out of the view.
	require.NoError(t, f.store.Supersede(ctx, a2, a1))
	require.NoError(t, exp.ExportType(ctx, "alerts"))
	p, err = views.Get(ctx, ViewID("alerts"))
	require.NoError(t, err)
	assert.EqualValues(t, 6, p.Tables[0].RowCount)

	require.NoError(t, exp.ExportType(ctx, "ohlcv"))
	ok, err := views.Exists(ctx, ViewID("ohlcv"))
	require.NoError(t, err)
	assert.False(t, ok)
}
