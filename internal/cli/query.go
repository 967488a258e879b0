package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"artifactledger/internal/catalog"
	"artifactledger/internal/store"
)

func newGetCmd(a *app) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "get ARTIFACT_ID",
		Short: "Show one artifact",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&history, "history", false, "Also show the status history")

	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		st, err := a.openStore()
		if err != nil {
			return err
		}
		rec, err := st.GetArtifact(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		var events []catalog.StatusEvent
		if history {
			if events, err = st.StatusHistory(cmd.Context(), args[0]); err != nil {
				return err
			}
		}
		out := cmd.OutOrStdout()
		if a.jsonOutput() {
			if history {
				return writeJSON(out, map[string]any{"artifact": rec, "history": events})
			}
			return writeJSON(out, rec)
		}
		writeArtifact(out, rec)
		if history && len(events) > 0 {
			t := newTable(out, "FROM", "TO", "CAUSED BY", "REASON", "AT")
			for _, e := range events {
				at := e.At
				t.AppendRow(table.Row{e.From, e.To, e.CausedBy, e.Reason, formatTime(&at)})
			}
			t.Render()
		}
		return nil
	})
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var f struct {
		artifactType string
		status       string
		tags         []string
		keyGlob      string
		after        string
		before       string
		limit        int
	}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts, newest first",
		Args:  cobra.NoArgs,
	}
	fl := cmd.Flags()
	fl.StringVar(&f.artifactType, "type", "", "Artifact type")
	fl.StringVar(&f.status, "status", "", "active, superseded or tombstoned")
	fl.StringArrayVar(&f.tags, "tag", nil, "Tag key=value that must match (repeatable)")
	fl.StringVar(&f.keyGlob, "key", "", "Logical key glob, e.g. 'day=2025-05-*/**'")
	fl.StringVar(&f.after, "after", "", "Created at or after (RFC 3339)")
	fl.StringVar(&f.before, "before", "", "Created before (RFC 3339)")
	fl.IntVar(&f.limit, "limit", catalog.DefaultListLimit, "Maximum rows")

	cmd.RunE = a.runE(func(cmd *cobra.Command, _ []string) error {
		filter := store.Filter{ArtifactType: f.artifactType, LogicalKeyGlob: f.keyGlob, Limit: f.limit}
		var err error
		if f.status != "" {
			if filter.Status, err = catalog.ParseStatus(f.status); err != nil {
				return invalidInvocationf("%v", err)
			}
		}
		if filter.Tags, err = parsePairs("tag", f.tags); err != nil {
			return err
		}
		if filter.CreatedAfter, err = parseTimeFlag("after", f.after); err != nil {
			return err
		}
		if filter.CreatedBefore, err = parseTimeFlag("before", f.before); err != nil {
			return err
		}
		st, err := a.openStore()
		if err != nil {
			return err
		}
		arts, err := st.ListArtifacts(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if a.jsonOutput() {
			return writeJSON(cmd.OutOrStdout(), arts)
		}
		writeArtifacts(cmd.OutOrStdout(), arts)
		return nil
	})
	return cmd
}

func newLineageCmd(a *app) *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "lineage ARTIFACT_ID",
		Short: "Show the transitive inputs of an artifact",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "Maximum depth (0: unbounded)")

	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		if depth < 0 {
			return invalidInvocationf("--depth must be >= 0")
		}
		st, err := a.openStore()
		if err != nil {
			return err
		}
		lin, err := st.GetLineage(cmd.Context(), args[0], depth)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if a.jsonOutput() {
			return writeJSON(out, lin)
		}
		writeArtifacts(out, lin.Inputs)
		t := newTable(out, "ARTIFACT", "INPUT")
		for _, e := range lin.Edges {
			t.AppendRow(table.Row{e.Artifact, e.Input})
		}
		t.Render()
		if lin.Truncated {
			fmt.Fprintf(out, "truncated at depth %d\n", lin.Depth)
		}
		return nil
	})
	return cmd
}

func newDownstreamCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "downstream ARTIFACT_ID",
		Short: "List artifacts that consume an artifact directly",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		st, err := a.openStore()
		if err != nil {
			return err
		}
		arts, err := st.GetDownstream(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if a.jsonOutput() {
			return writeJSON(cmd.OutOrStdout(), arts)
		}
		writeArtifacts(cmd.OutOrStdout(), arts)
		return nil
	})
	return cmd
}

func newSupersedeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supersede NEW_ID OLD_ID",
		Short: "Mark OLD_ID superseded by NEW_ID",
		Args:  cobra.ExactArgs(2),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		st, err := a.openStore()
		if err != nil {
			return err
		}
		err = a.withLock(cmd.Context(), func() error {
			return st.Supersede(cmd.Context(), args[0], args[1])
		})
		if err != nil {
			return err
		}
		if a.jsonOutput() {
			return writeJSON(cmd.OutOrStdout(), map[string]string{"superseded": args[1], "by": args[0]})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s superseded by %s\n", args[1], args[0])
		return nil
	})
	return cmd
}

func newRecoverCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reconcile the canonical directory with the catalog",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report without changing anything")

	cmd.RunE = a.runE(func(cmd *cobra.Command, _ []string) error {
		st, err := a.openStore()
		if err != nil {
			return err
		}
		var report store.RecoveryReport
		err = a.withLock(cmd.Context(), func() error {
			report, err = st.Recover(cmd.Context(), store.RecoverOptions{DryRun: dryRun})
			return err
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if a.jsonOutput() {
			return writeJSON(out, report)
		}
		if report.Clean() {
			fmt.Fprintln(out, "store is consistent")
			return nil
		}
		writeLines(out, "temp_removed", report.TempFilesRemoved)
		writeLines(out, "orphan_removed", report.OrphansRemoved)
		writeLines(out, "tombstoned", report.Tombstoned)
		writeLines(out, "sidecar_restored", report.SidecarsRestored)
		return nil
	})
	return cmd
}
