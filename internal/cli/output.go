package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"artifactledger/internal/experiment"
	"artifactledger/internal/store"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

func (a *app) jsonOutput() bool { return a.output == outputJSON }

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	if len(header) > 0 {
		t.AppendHeader(table.Row(header))
	}
	return t
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}

func writeArtifacts(w io.Writer, arts []*store.Artifact) {
	t := newTable(w, "ARTIFACT ID", "TYPE", "LOGICAL KEY", "STATUS", "ROWS", "HASH", "CREATED")
	for _, r := range arts {
		created := r.CreatedAt
		t.AppendRow(table.Row{r.ArtifactID, r.ArtifactType, r.LogicalKey, r.Status, r.RowCount, shortHash(r.ContentHash), formatTime(&created)})
	}
	t.Render()
}

func writeArtifact(w io.Writer, r *store.Artifact) {
	created := r.CreatedAt
	t := newTable(w)
	t.AppendRows([]table.Row{
		{"artifact_id", r.ArtifactID},
		{"artifact_type", r.ArtifactType},
		{"schema_version", r.SchemaVersion},
		{"logical_key", r.LogicalKey},
		{"format", r.Format},
		{"status", r.Status},
		{"path_data", r.PathData},
		{"path_sidecar", r.PathSidecar},
		{"file_hash", r.FileHash},
		{"content_hash", r.ContentHash},
		{"row_count", r.RowCount},
		{"min_ts", formatTime(r.MinTs)},
		{"max_ts", formatTime(r.MaxTs)},
		{"created_at", formatTime(&created)},
		{"inputs", strings.Join(r.InputArtifactIDs, ",")},
		{"tags", formatTags(r.Tags)},
		{"producer", r.Writer.Producer},
		{"job_id", r.Writer.JobID},
	})
	t.Render()
}

func writeExperiments(w io.Writer, exps []*experiment.Experiment) {
	t := newTable(w, "EXPERIMENT ID", "NAME", "STATUS", "SEED", "FINGERPRINT", "INPUTS", "OUTPUTS")
	for _, e := range exps {
		t.AppendRow(table.Row{e.ExperimentID, e.Name, e.Status, e.Seed, shortHash(e.Fingerprint), len(e.InputArtifactIDs()), len(e.Outputs)})
	}
	t.Render()
}

func writeExperiment(w io.Writer, e *experiment.Experiment) {
	t := newTable(w)
	t.AppendRows([]table.Row{
		{"experiment_id", e.ExperimentID},
		{"name", e.Name},
		{"status", e.Status},
		{"seed", e.Seed},
		{"fingerprint", e.Fingerprint},
		{"commit_id", e.Provenance.CommitID},
		{"dirty", e.Provenance.Dirty},
		{"engine_version", e.Provenance.EngineVersion},
		{"created_at", formatTime(&e.Provenance.CreatedAt)},
		{"started_at", formatTime(e.Execution.StartedAt)},
		{"completed_at", formatTime(e.Execution.CompletedAt)},
	})
	if e.Execution.Error != "" {
		t.AppendRow(table.Row{"error", e.Execution.Error})
	}
	for _, role := range e.Roles() {
		t.AppendRow(table.Row{"input." + role, strings.Join(e.Inputs[role], ",")})
	}
	roles := make([]string, 0, len(e.Outputs))
	for role := range e.Outputs {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		t.AppendRow(table.Row{"output." + role, e.Outputs[role]})
	}
	t.Render()
}

func writeLines(w io.Writer, label string, ids []string) {
	for _, id := range ids {
		fmt.Fprintf(w, "%s %s\n", label, id)
	}
}
