package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"artifactledger/internal/catalog"
	"artifactledger/internal/fsutil"
)

type fixture struct {
	store   *Store
	catalog *catalog.Catalog
	dir     string
	src     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cat, err := catalog.Open(filepath.Join(root, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	s, err := New(Options{Dir: filepath.Join(root, "store"), Catalog: cat, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	src := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	return &fixture{store: s, catalog: cat, dir: s.Dir(), src: src}
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(f.src, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func alertsCSV(rows int) string {
	var b strings.Builder
	b.WriteString("ts,mint,price\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "2025-05-01T%02d:%02d:00Z,mint%d,%d.5\n", i/60, i%60, i, i)
	}
	return b.String()
}

func alertsRequest(path string) PublishRequest {
	return PublishRequest{
		SourcePath:    path,
		ArtifactType:  "alerts",
		SchemaVersion: 1,
		LogicalKey:    "day=2025-05-01/chain=solana",
		Writer:        catalog.Writer{Producer: "telegram_ingest", JobID: "job-1"},
	}
}

func storeFiles(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(dir, p)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return out
}

func TestPublish_IdempotentByFileHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.write(t, "alerts.csv", alertsCSV(40))

	req := alertsRequest(src)
	req.ArtifactID = "A1"
	first, err := f.store.Publish(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.Deduped)
	assert.Equal(t, "A1", first.ArtifactID)
	assert.EqualValues(t, 40, first.RowCount)

	second, err := f.store.Publish(ctx, alertsRequest(src))
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.Deduped)
	assert.Equal(t, ModeFileHash, second.Mode)
	assert.Equal(t, "A1", second.ExistingArtifactID)
	assert.Equal(t, "A1", second.ResolvedID())

	n, err := f.catalog.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	a, err := f.store.GetArtifact(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, first.PathData, a.PathData)
	assert.True(t, strings.HasPrefix(a.PathData, f.dir))
	assert.Contains(t, a.PathData, filepath.FromSlash("alerts/v1/day=2025-05-01/chain=solana__ch="))
	assert.FileExists(t, a.PathData)
	assert.FileExists(t, a.PathSidecar)
	require.NotNil(t, a.MinTs)
	require.NotNil(t, a.MaxTs)
	assert.True(t, a.MinTs.Before(*a.MaxTs))

	var side Sidecar
	require.NoError(t, fsutil.ReadJSONStrict(a.PathSidecar, &side))
	assert.Equal(t, "A1", side.ArtifactID)
	assert.Equal(t, "alerts.csv", side.SourceName)
}

func TestPublish_ContentHashDedup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.write(t, "a.csv", "ts,mint,price\n2025-05-01T00:00:00Z,abc,1.50\n2025-05-01T01:00:00Z,def,2\n")
	b := f.write(t, "b.csv", "price,mint,ts\r\n2.0,def,2025-05-01T01:00:00Z\r\n1.5,abc,2025-05-01T00:00:00Z\r\n")

	first, err := f.store.Publish(ctx, alertsRequest(a))
	require.NoError(t, err)
	require.False(t, first.Deduped)

	second, err := f.store.Publish(ctx, alertsRequest(b))
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, ModeContentHash, second.Mode)
	assert.Equal(t, first.ArtifactID, second.ExistingArtifactID)
	assert.NotEqual(t, first.FileHash, second.FileHash)
}

func TestPublish_DedupScopedToType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.write(t, "x.csv", alertsCSV(3))

	first, err := f.store.Publish(ctx, alertsRequest(src))
	require.NoError(t, err)

	req := alertsRequest(src)
	req.ArtifactType = "features"
	second, err := f.store.Publish(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Deduped)
	assert.NotEqual(t, first.ArtifactID, second.ArtifactID)
}

func TestPublish_IDConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := alertsRequest(f.write(t, "a.csv", alertsCSV(2)))
	req.ArtifactID = "A1"
	_, err := f.store.Publish(ctx, req)
	require.NoError(t, err)

	req = alertsRequest(f.write(t, "b.csv", alertsCSV(5)))
	req.ArtifactID = "A1"
	_, err = f.store.Publish(ctx, req)
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeIDConflict, pe.Code)
}

func TestPublish_InvalidRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.write(t, "a.csv", alertsCSV(1))

	cases := map[string]func(*PublishRequest){
		"missing source": func(r *PublishRequest) { r.SourcePath = filepath.Join(f.src, "nope.csv") },
		"bad type":       func(r *PublishRequest) { r.ArtifactType = "Bad Type" },
		"bad key":        func(r *PublishRequest) { r.LogicalKey = "../escape" },
		"zero version":   func(r *PublishRequest) { r.SchemaVersion = 0 },
		"bad format":     func(r *PublishRequest) { r.Format = "xlsx" },
		"dup inputs":     func(r *PublishRequest) { r.InputArtifactIDs = []string{"x", "x"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := alertsRequest(src)
			mutate(&req)
			_, err := f.store.Publish(ctx, req)
			assert.True(t, IsPublishError(err), "expected PublishError, got %v", err)
		})
	}
	assert.Empty(t, storeFiles(t, f.dir))
}

func TestPublish_CatalogFailureRemovesFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := alertsRequest(f.write(t, "a.csv", alertsCSV(4)))
	req.InputArtifactIDs = []string{"ghost"}

	_, err := f.store.Publish(ctx, req)
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeCatalogFailed, pe.Code)

	assert.Empty(t, storeFiles(t, f.dir))
	n, _ := f.catalog.Count(ctx)
	assert.Zero(t, n)
}

func TestPublish_CrashBetweenRenameAndInsertRecovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.write(t, "a.csv", alertsCSV(10))

	afterRename = func(string) { panic("simulated crash") }
	func() {
		defer func() { _ = recover() }()
		_, _ = f.store.Publish(ctx, alertsRequest(src))
	}()
	afterRename = func(string) {}

	require.NotEmpty(t, storeFiles(t, f.dir), "crash should leave the renamed file behind")
	n, _ := f.catalog.Count(ctx)
	require.Zero(t, n)

	report, err := f.store.Recover(ctx, RecoverOptions{})
	require.NoError(t, err)
	assert.Len(t, report.OrphansRemoved, 1)
	assert.Empty(t, storeFiles(t, f.dir))

	// The retry admits the file normally.
	res, err := f.store.Publish(ctx, alertsRequest(src))
	require.NoError(t, err)
	assert.False(t, res.Deduped)
}

func TestRecover_TombstonesRowsWithMissingFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.store.Publish(ctx, alertsRequest(f.write(t, "a.csv", alertsCSV(3))))
	require.NoError(t, err)
	require.NoError(t, os.Remove(res.PathData))

	dry, err := f.store.Recover(ctx, RecoverOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{res.ArtifactID}, dry.Tombstoned)
	a, _ := f.store.GetArtifact(ctx, res.ArtifactID)
	assert.Equal(t, catalog.StatusActive, a.Status)

	report, err := f.store.Recover(ctx, RecoverOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{res.ArtifactID}, report.Tombstoned)
	// The sidecar lost its data file but stays claimed by the row.
	assert.Empty(t, report.OrphansRemoved)

	a, err = f.store.GetArtifact(ctx, res.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusTombstoned, a.Status)

	again, err := f.store.Recover(ctx, RecoverOptions{})
	require.NoError(t, err)
	assert.True(t, again.Clean())
}

func TestRecover_RemovesTempsAndRestoresSidecars(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.store.Publish(ctx, alertsRequest(f.write(t, "a.csv", alertsCSV(3))))
	require.NoError(t, err)

	a, _ := f.store.GetArtifact(ctx, res.ArtifactID)
	require.NoError(t, os.Remove(a.PathSidecar))
	tmp := filepath.Join(filepath.Dir(a.PathData), fsutil.TempPrefix+"partial")
	require.NoError(t, os.WriteFile(tmp, []byte("junk"), 0o644))

	report, err := f.store.Recover(ctx, RecoverOptions{})
	require.NoError(t, err)
	assert.Len(t, report.TempFilesRemoved, 1)
	assert.Len(t, report.SidecarsRestored, 1)
	assert.NoFileExists(t, tmp)
	assert.FileExists(t, a.PathSidecar)
}

func TestRepublishAfterTombstoneUsesFreshPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.write(t, "a.csv", alertsCSV(3))
	first, err := f.store.Publish(ctx, alertsRequest(src))
	require.NoError(t, err)
	require.NoError(t, os.Remove(first.PathData))
	_, err = f.store.Recover(ctx, RecoverOptions{})
	require.NoError(t, err)

	second, err := f.store.Publish(ctx, alertsRequest(src))
	require.NoError(t, err)
	assert.False(t, second.Deduped)
	assert.NotEqual(t, first.PathData, second.PathData)
	assert.Contains(t, second.PathData, "__id=")
}

func TestLineageClosureAndDownstream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	b, err := f.store.Publish(ctx, alertsRequest(f.write(t, "b.csv", alertsCSV(2))))
	require.NoError(t, err)
	cReq := alertsRequest(f.write(t, "c.csv", "open_time,close\n1714521600000,1.0\n"))
	cReq.ArtifactType = "ohlcv"
	cReq.LogicalKey = "day=2025-05-01/mint=abc"
	c, err := f.store.Publish(ctx, cReq)
	require.NoError(t, err)

	aReq := alertsRequest(f.write(t, "a.csv", "run,pnl\nr1,3.2\n"))
	aReq.ArtifactType = "sim_results"
	aReq.LogicalKey = "run=r1"
	aReq.InputArtifactIDs = []string{b.ArtifactID, c.ArtifactID}
	a, err := f.store.Publish(ctx, aReq)
	require.NoError(t, err)

	lin, err := f.store.GetLineage(ctx, a.ArtifactID, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.ArtifactID, c.ArtifactID}, lin.InputIDs())
	assert.Equal(t, 1, lin.Depth)

	down, err := f.store.GetDownstream(ctx, b.ArtifactID)
	require.NoError(t, err)
	require.Len(t, down, 1)
	assert.Equal(t, a.ArtifactID, down[0].ArtifactID)

	// A report built from a and b reaches b through two paths but lists it once.
	rReq := alertsRequest(f.write(t, "r.csv", "k,v\nx,1\n"))
	rReq.ArtifactType = "features"
	rReq.LogicalKey = "report=1"
	rReq.InputArtifactIDs = []string{a.ArtifactID, b.ArtifactID}
	r, err := f.store.Publish(ctx, rReq)
	require.NoError(t, err)

	lin, err = f.store.GetLineage(ctx, r.ArtifactID, 0)
	require.NoError(t, err)
	assert.Len(t, lin.Inputs, 3)
	assert.Equal(t, 2, lin.Depth)
	assert.False(t, lin.Truncated)

	capped, err := f.store.GetLineage(ctx, r.ArtifactID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, capped.Depth)
	assert.True(t, capped.Truncated)

	_, err = f.store.GetLineage(ctx, "missing", 0)
	assert.True(t, IsNotFound(err))
}

func TestSupersedeAndFindByLogicalKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v1, err := f.store.Publish(ctx, alertsRequest(f.write(t, "v1.csv", alertsCSV(2))))
	require.NoError(t, err)
	v2, err := f.store.Publish(ctx, alertsRequest(f.write(t, "v2.csv", alertsCSV(3))))
	require.NoError(t, err)

	require.NoError(t, f.store.Supersede(ctx, v2.ArtifactID, v1.ArtifactID))
	require.NoError(t, f.store.Supersede(ctx, v2.ArtifactID, v1.ArtifactID))

	all, err := f.store.FindByLogicalKey(ctx, "alerts", "day=2025-05-01/chain=solana")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, v1.ArtifactID, all[0].ArtifactID)
	assert.Equal(t, catalog.StatusSuperseded, all[0].Status)
	assert.FileExists(t, all[0].PathData)

	active, err := f.store.ListArtifacts(ctx, Filter{ArtifactType: "alerts", Status: catalog.StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, v2.ArtifactID, active[0].ArtifactID)

	history, err := f.store.StatusHistory(ctx, v1.ArtifactID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, v2.ArtifactID, history[0].CausedBy)

	assert.Error(t, f.store.Supersede(ctx, v1.ArtifactID, v1.ArtifactID))
	assert.True(t, IsNotFound(f.store.Supersede(ctx, "ghost", v1.ArtifactID)))
}

func TestIsAvailable(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.store.IsAvailable(context.Background()))
	require.NoError(t, f.catalog.Close())
	assert.False(t, f.store.IsAvailable(context.Background()))
}
