package cli

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"artifactledger/internal/catalog"
	"artifactledger/internal/store"
	"artifactledger/internal/tabular"
)

func newPublishCmd(a *app) *cobra.Command {
	var f struct {
		artifactType  string
		schemaVersion int
		logicalKey    string
		format        string
		artifactID    string
		inputs        []string
		tags          []string
		tsColumn      string
		runID         string
	}
	cmd := &cobra.Command{
		Use:   "publish FILE",
		Short: "Publish one file directly into the store",
		Long: "publish admits FILE under the writer lock, bypassing the inbox. It is\n" +
			"the operator path; producers stage jobs instead.",
		Args: cobra.ExactArgs(1),
	}
	fl := cmd.Flags()
	fl.StringVar(&f.artifactType, "type", "", "Artifact type (required)")
	fl.IntVar(&f.schemaVersion, "schema-version", 1, "Schema version")
	fl.StringVar(&f.logicalKey, "key", "", "Logical key (required)")
	fl.StringVar(&f.format, "format", "", "csv, jsonl or parquet (default: from extension)")
	fl.StringVar(&f.artifactID, "id", "", "Artifact id (default: new uuid)")
	fl.StringSliceVar(&f.inputs, "input", nil, "Input artifact id (repeatable)")
	fl.StringArrayVar(&f.tags, "tag", nil, "Tag key=value (repeatable)")
	fl.StringVar(&f.tsColumn, "ts-column", "", "Timestamp column for min/max bounds")
	fl.StringVar(&f.runID, "run-id", "", "Run id recorded as the writer")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("key")

	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		tags, err := parsePairs("tag", f.tags)
		if err != nil {
			return err
		}
		var format tabular.Format
		if f.format != "" {
			if format, err = tabular.ParseFormat(f.format); err != nil {
				return invalidInvocationf("%v", err)
			}
		}
		st, err := a.openStore()
		if err != nil {
			return err
		}
		host, _ := os.Hostname()
		req := store.PublishRequest{
			SourcePath:       args[0],
			ArtifactType:     f.artifactType,
			SchemaVersion:    f.schemaVersion,
			LogicalKey:       f.logicalKey,
			Format:           format,
			ArtifactID:       f.artifactID,
			InputArtifactIDs: f.inputs,
			Tags:             tags,
			TimestampColumn:  f.tsColumn,
			Writer:           catalog.Writer{Producer: "operator", RunID: f.runID, Host: host},
		}

		var res store.PublishResult
		err = a.withLock(cmd.Context(), func() error {
			res, err = st.Publish(cmd.Context(), req)
			return err
		})
		if err != nil {
			return err
		}
		if a.jsonOutput() {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		t := newTable(cmd.OutOrStdout())
		t.AppendRows([]table.Row{
			{"artifact_id", res.ResolvedID()},
			{"deduped", res.Deduped},
			{"mode", res.Mode},
			{"path_data", res.PathData},
			{"file_hash", res.FileHash},
			{"content_hash", res.ContentHash},
			{"row_count", res.RowCount},
		})
		t.Render()
		return nil
	})
	return cmd
}
