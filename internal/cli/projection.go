package cli

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"artifactledger/internal/projection"
)

func newProjectionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projection",
		Short: "Build and discard disposable DuckDB projections",
	}
	cmd.AddCommand(newProjectionBuildCmd(a))
	cmd.AddCommand(newProjectionRebuildCmd(a))
	cmd.AddCommand(newProjectionDisposeCmd(a))
	cmd.AddCommand(newProjectionExistsCmd(a))
	cmd.AddCommand(newProjectionShowCmd(a))
	return cmd
}

func (a *app) builder() (*projection.Builder, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return a.projections(st, a.cfg.ProjectionDir)
}

// parseSources reads ID or ID=TABLE values.
func parseSources(vals []string) []projection.Source {
	out := make([]projection.Source, 0, len(vals))
	for _, v := range vals {
		id, tbl, _ := strings.Cut(v, "=")
		out = append(out, projection.Source{ArtifactID: id, Table: tbl})
	}
	return out
}

// parseIndexes reads TABLE:COL[,COL...] values.
func parseIndexes(vals []string) ([]projection.Index, error) {
	out := make([]projection.Index, 0, len(vals))
	for _, v := range vals {
		tbl, cols, ok := strings.Cut(v, ":")
		if !ok || tbl == "" || cols == "" {
			return nil, invalidInvocationf("--index %q: want TABLE:COL[,COL...]", v)
		}
		out = append(out, projection.Index{Table: tbl, Columns: strings.Split(cols, ",")})
	}
	return out, nil
}

func (a *app) writeProjection(cmd *cobra.Command, p *projection.Projection) error {
	out := cmd.OutOrStdout()
	if a.jsonOutput() {
		return writeJSON(out, p)
	}
	fmt.Fprintf(out, "%s %s\n", p.ProjectionID, p.Path)
	t := newTable(out, "TABLE", "ROWS", "COLUMNS", "INDEXES", "ARTIFACTS")
	for _, ti := range p.Tables {
		t.AppendRow(table.Row{ti.Name, ti.RowCount, len(ti.Columns), strings.Join(ti.Indexes, ","), len(ti.ArtifactIDs)})
	}
	t.Render()
	return nil
}

func newProjectionBuildCmd(a *app) *cobra.Command {
	var f struct {
		id        string
		artifacts []string
		indexes   []string
	}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a projection over published artifacts",
		Args:  cobra.NoArgs,
	}
	fl := cmd.Flags()
	fl.StringVar(&f.id, "id", "", "Projection id (default: derived from the request)")
	fl.StringArrayVar(&f.artifacts, "artifact", nil, "ID or ID=TABLE (repeatable, required)")
	fl.StringArrayVar(&f.indexes, "index", nil, "TABLE:COL[,COL...] (repeatable)")
	_ = cmd.MarkFlagRequired("artifact")

	cmd.RunE = a.runE(func(cmd *cobra.Command, _ []string) error {
		indexes, err := parseIndexes(f.indexes)
		if err != nil {
			return err
		}
		b, err := a.builder()
		if err != nil {
			return err
		}
		p, err := b.Build(cmd.Context(), projection.Request{
			ProjectionID: f.id,
			Sources:      parseSources(f.artifacts),
			Indexes:      indexes,
		})
		if err != nil {
			return err
		}
		return a.writeProjection(cmd, p)
	})
	return cmd
}

func newProjectionRebuildCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild PROJECTION_ID",
		Short: "Rebuild a projection from its recorded request",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		b, err := a.builder()
		if err != nil {
			return err
		}
		p, err := b.Rebuild(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return a.writeProjection(cmd, p)
	})
	return cmd
}

func newProjectionDisposeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispose PROJECTION_ID",
		Short: "Delete a projection and its request",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		b, err := a.builder()
		if err != nil {
			return err
		}
		if err := b.Dispose(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "disposed %s\n", args[0])
		return nil
	})
	return cmd
}

func newProjectionExistsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exists PROJECTION_ID",
		Short: "Report whether a projection is built; exits 5 when it is not",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		b, err := a.builder()
		if err != nil {
			return err
		}
		ok, err := b.Exists(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if a.jsonOutput() {
			if err := writeJSON(cmd.OutOrStdout(), map[string]bool{"exists": ok}); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), ok)
		}
		if !ok {
			return fmt.Errorf("%s: %w", args[0], projection.ErrProjectionNotFound)
		}
		return nil
	})
	return cmd
}

func newProjectionShowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show PROJECTION_ID",
		Short: "Show the tables of a built projection",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		b, err := a.builder()
		if err != nil {
			return err
		}
		p, err := b.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return a.writeProjection(cmd, p)
	})
	return cmd
}
