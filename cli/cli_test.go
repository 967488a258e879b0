package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	icl "artifactledger/internal/cli"
	"artifactledger/internal/experiment"
	"artifactledger/internal/ingest"
	"artifactledger/internal/projection"
	"artifactledger/internal/store"
)

type invocation struct {
	stdout string
	stderr string
	code   int
}

func run(t *testing.T, root string, args ...string) invocation {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--store-root", root, "--log-level", "error", "-o", "json"}, args...)
	res, _ := icl.Run(context.Background(), full, &stdout, &stderr)
	return invocation{stdout: stdout.String(), stderr: stderr.String(), code: res.ExitCode}
}

func mustRun(t *testing.T, root string, out any, args ...string) {
	t.Helper()
	inv := run(t, root, args...)
	if inv.code != icl.ExitSuccess {
		t.Fatalf("%v: exit %d\nstderr: %s", args, inv.code, inv.stderr)
	}
	if out == nil {
		return
	}
	if err := json.Unmarshal([]byte(inv.stdout), out); err != nil {
		t.Fatalf("%v: decode output: %v\n%s", args, err, inv.stdout)
	}
}

func writeAlerts(t *testing.T, dir string, rows int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("ts,symbol,side,price\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "2025-05-01T00:%02d:00Z,BTCUSDT,%s,%d.5\n", i%60, []string{"buy", "sell"}[i%2], 60000+i)
	}
	p := filepath.Join(dir, "alerts.csv")
	if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write alerts: %v", err)
	}
	return p
}

func TestEndToEnd_StageIngestDedupProjectAndTrack(t *testing.T) {
	root := t.TempDir()
	src := writeAlerts(t, t.TempDir(), 40)

	var staged struct {
		JobDir string `json:"job_dir"`
	}
	mustRun(t, root, &staged, "stage", "--producer", "telegram_ingest", "--kind", "alerts", "--job-id", "job-0001", src)
	if filepath.Base(staged.JobDir) != "job-0001" {
		t.Fatalf("job dir: %s", staged.JobDir)
	}

	var cycle ingest.CycleReport
	mustRun(t, root, &cycle, "daemon", "--once")
	if len(cycle.Processed) != 1 || cycle.Processed[0] != "job-0001" {
		t.Fatalf("processed: %+v", cycle)
	}
	if _, err := os.Stat(filepath.Join(root, "processed", "job-0001", ingest.OutcomeFile)); err != nil {
		t.Fatalf("outcome missing: %v", err)
	}

	var arts []*store.Artifact
	mustRun(t, root, &arts, "list", "--type", "alerts")
	if len(arts) != 1 {
		t.Fatalf("want one artifact, got %d", len(arts))
	}
	a1 := arts[0]
	if a1.RowCount != 40 || a1.Writer.JobID != "job-0001" {
		t.Fatalf("artifact: %+v", a1)
	}

	// The same bytes published again resolve to the existing artifact.
	var res store.PublishResult
	mustRun(t, root, &res, "publish", "--type", "alerts", "--key", "manual/replay", src)
	if !res.Deduped || res.ResolvedID() != a1.ArtifactID {
		t.Fatalf("republish: %+v", res)
	}
	mustRun(t, root, &arts, "list", "--type", "alerts")
	if len(arts) != 1 {
		t.Fatalf("dedup must not add a row, got %d", len(arts))
	}

	var p projection.Projection
	mustRun(t, root, &p, "projection", "build", "--id", "p_alerts", "--artifact", a1.ArtifactID)
	if tbl := p.Table("alerts"); tbl == nil || tbl.RowCount != 40 {
		t.Fatalf("projection tables: %+v", p.Tables)
	}
	if inv := run(t, root, "projection", "exists", "p_alerts"); inv.code != icl.ExitSuccess {
		t.Fatalf("exists: exit %d", inv.code)
	}

	var exp experiment.Experiment
	mustRun(t, root, &exp, "experiment", "create", "--name", "baseline", "--seed", "7", "--input", "alerts="+a1.ArtifactID)
	if exp.Status != experiment.StatusPending || exp.Fingerprint == "" {
		t.Fatalf("experiment: %+v", exp)
	}

	var impacted []*experiment.Experiment
	mustRun(t, root, &impacted, "experiment", "impact", a1.ArtifactID)
	if len(impacted) != 1 || impacted[0].ExperimentID != exp.ExperimentID {
		t.Fatalf("impact: %+v", impacted)
	}
}

func TestDaemonOnce_RejectsTamperedJob(t *testing.T) {
	root := t.TempDir()
	src := writeAlerts(t, t.TempDir(), 5)
	mustRun(t, root, nil, "stage", "--producer", "ohlcv_fetcher", "--kind", "alerts", "--job-id", "job-bad", src)

	staged := filepath.Join(root, "inbox", "job-bad", "alerts.csv")
	if err := os.WriteFile(staged, []byte("ts,symbol\n"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	var cycle ingest.CycleReport
	mustRun(t, root, &cycle, "daemon", "--once")
	if len(cycle.Rejected) != 1 || cycle.Rejected[0] != "job-bad" {
		t.Fatalf("rejected: %+v", cycle)
	}
	rej, err := ingest.ReadRejection(ingest.Dirs{Root: root}, "job-bad")
	if err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	if rej.Class != ingest.FailureClassValidation {
		t.Fatalf("class: %s", rej.Class)
	}

	var arts []*store.Artifact
	mustRun(t, root, &arts, "list")
	if len(arts) != 0 {
		t.Fatalf("rejected job admitted %d artifacts", len(arts))
	}
}

func TestLineageAndSupersede(t *testing.T) {
	root := t.TempDir()
	dir := t.TempDir()
	base := writeAlerts(t, dir, 3)

	var r1 store.PublishResult
	mustRun(t, root, &r1, "publish", "--type", "alerts", "--key", "day=2025-05-01", "--id", "A1", base)

	derived := filepath.Join(dir, "features.jsonl")
	if err := os.WriteFile(derived, []byte(`{"symbol":"BTCUSDT","score":1}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var r2 store.PublishResult
	mustRun(t, root, &r2, "publish", "--type", "features", "--key", "day=2025-05-01", "--id", "F1", "--input", "A1", derived)

	var lin store.Lineage
	mustRun(t, root, &lin, "lineage", "F1")
	if got := lin.InputIDs(); len(got) != 1 || got[0] != "A1" {
		t.Fatalf("lineage: %v", got)
	}
	var down []*store.Artifact
	mustRun(t, root, &down, "downstream", "A1")
	if len(down) != 1 || down[0].ArtifactID != "F1" {
		t.Fatalf("downstream: %+v", down)
	}

	fixed := writeAlerts(t, t.TempDir(), 4)
	mustRun(t, root, nil, "publish", "--type", "alerts", "--key", "day=2025-05-01", "--id", "A2", fixed)
	mustRun(t, root, nil, "supersede", "A2", "A1")

	var got store.Artifact
	mustRun(t, root, &got, "get", "A1")
	if got.Status != "superseded" {
		t.Fatalf("status: %s", got.Status)
	}
	if inv := run(t, root, "supersede", "A2", "A1"); inv.code != icl.ExitSuccess {
		t.Fatalf("repeated supersede: exit %d", inv.code)
	}
	if inv := run(t, root, "supersede", "A2", "A2"); inv.code == icl.ExitSuccess {
		t.Fatalf("an artifact must not supersede itself")
	}
}

func TestExitCodes(t *testing.T) {
	root := t.TempDir()
	badConfig := filepath.Join(t.TempDir(), "artifactd.yaml")
	if err := os.WriteFile(badConfig, []byte("store_root: /x\nstorage_root: /y\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		args []string
		want int
	}{
		{"unknown command", []string{"frobnicate"}, icl.ExitInvalidInvocation},
		{"missing required flag", []string{"stage", "x.csv"}, icl.ExitInvalidInvocation},
		{"unknown producer", []string{"stage", "--producer", "cron", "--kind", "alerts", "x.csv"}, icl.ExitInvalidInvocation},
		{"bad output format", []string{"-o", "xml", "list"}, icl.ExitInvalidInvocation},
		{"unknown config key", []string{"--config", badConfig, "list"}, icl.ExitConfigError},
		{"missing artifact", []string{"get", "nope"}, icl.ExitNotFound},
		{"missing projection", []string{"projection", "exists", "p_none"}, icl.ExitNotFound},
		{"missing experiment", []string{"experiment", "get", "nope"}, icl.ExitNotFound},
		{"experiment over unknown input", []string{"experiment", "create", "--input", "alerts=nope"}, icl.ExitNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv := run(t, root, tc.args...)
			if inv.code != tc.want {
				t.Fatalf("exit %d, want %d\nstderr: %s", inv.code, tc.want, inv.stderr)
			}
		})
	}
}

func TestMissingStoreRootIsConfigError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	res, err := icl.Run(context.Background(), []string{"list"}, &stdout, &stderr)
	if err == nil || res.ExitCode != icl.ExitConfigError {
		t.Fatalf("exit %d, err %v", res.ExitCode, err)
	}
	if !strings.Contains(stderr.String(), "store_root is required") {
		t.Fatalf("stderr: %s", stderr.String())
	}
}
