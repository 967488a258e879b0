package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"artifactledger/internal/ingest"
)

func newStageCmd(a *app) *cobra.Command {
	var f struct {
		producer      string
		kind          string
		jobID         string
		runID         string
		schemaHint    string
		artifactType  string
		schemaVersion int
		logicalKey    string
		inputs        []string
		tags          []string
		tsColumn      string
		gitSHA        string
	}
	cmd := &cobra.Command{
		Use:   "stage FILE...",
		Short: "Stage files as a committed job in inbox/",
		Long: "stage copies files into inbox/<job_id>/, writes manifest.json and then\n" +
			"COMMIT. The daemon admits the job on its next cycle.",
		Args: cobra.MinimumNArgs(1),
	}
	fl := cmd.Flags()
	fl.StringVar(&f.producer, "producer", "", "Producer name (required)")
	fl.StringVar(&f.kind, "kind", "", "Job kind (required)")
	fl.StringVar(&f.jobID, "job-id", "", "Job id (default: new uuid)")
	fl.StringVar(&f.runID, "run-id", "", "Producer run id (default: job id)")
	fl.StringVar(&f.schemaHint, "schema-hint", "", "Schema hint such as alerts_v1")
	fl.StringVar(&f.artifactType, "type", "", "Artifact type (default: from schema hint or kind)")
	fl.IntVar(&f.schemaVersion, "schema-version", 0, "Schema version (default: from schema hint or 1)")
	fl.StringVar(&f.logicalKey, "key", "", "Logical key (default: derived from relpath)")
	fl.StringSliceVar(&f.inputs, "input", nil, "Input artifact id (repeatable)")
	fl.StringArrayVar(&f.tags, "tag", nil, "Tag key=value (repeatable)")
	fl.StringVar(&f.tsColumn, "ts-column", "", "Timestamp column for min/max bounds")
	fl.StringVar(&f.gitSHA, "git-sha", "", "Producer commit")
	_ = cmd.MarkFlagRequired("producer")
	_ = cmd.MarkFlagRequired("kind")

	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		producer, kind := ingest.Producer(f.producer), ingest.Kind(f.kind)
		if !producer.Valid() {
			return invalidInvocationf("unknown producer %q", f.producer)
		}
		if !kind.Valid() {
			return invalidInvocationf("unknown kind %q", f.kind)
		}
		tags, err := parsePairs("tag", f.tags)
		if err != nil {
			return err
		}
		files := make([]ingest.StagedFile, 0, len(args))
		for _, p := range args {
			if _, err := os.Stat(p); err != nil {
				return invalidInvocationf("%v", err)
			}
			files = append(files, ingest.StagedFile{
				SourcePath: p,
				Artifact: ingest.ManifestArtifact{
					SchemaHint:       f.schemaHint,
					ArtifactType:     f.artifactType,
					SchemaVersion:    f.schemaVersion,
					LogicalKey:       f.logicalKey,
					InputArtifactIDs: f.inputs,
					Tags:             tags,
					TsColumn:         f.tsColumn,
				},
			})
		}
		m := ingest.Manifest{
			RunID:    f.runID,
			JobID:    f.jobID,
			Producer: producer,
			Kind:     kind,
			Meta:     ingest.Meta{GitSHA: f.gitSHA},
		}
		if err := a.dirs().Ensure(); err != nil {
			return err
		}
		dir, err := ingest.NewStager(a.cfg.StoreRoot).Stage(m, files)
		if err != nil {
			return err
		}
		if a.jsonOutput() {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"job_dir": dir, "files": len(files)})
		}
		fmt.Fprintln(cmd.OutOrStdout(), dir)
		return nil
	})
	return cmd
}
