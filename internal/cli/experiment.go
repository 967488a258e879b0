package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"artifactledger/internal/catalog"
	"artifactledger/internal/experiment"
	"artifactledger/internal/store"
)

func newExperimentCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Track frozen-input experiments",
	}
	cmd.AddCommand(newExperimentCreateCmd(a))
	cmd.AddCommand(newExperimentGetCmd(a))
	cmd.AddCommand(newExperimentListCmd(a))
	cmd.AddCommand(newExperimentStatusCmd(a))
	cmd.AddCommand(newExperimentOutputsCmd(a))
	cmd.AddCommand(newExperimentImpactCmd(a))
	cmd.AddCommand(newExperimentVerifyCmd(a))
	return cmd
}

// readExperimentConfig decodes a YAML or JSON object.
func readExperimentConfig(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, invalidInvocationf("--config-file: %v", err)
	}
	cfg := map[string]any{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, invalidInvocationf("--config-file %s: %v", path, err)
	}
	return cfg, nil
}

// requireArtifacts checks that every id names a live artifact.
func (a *app) requireArtifacts(cmd *cobra.Command, st *store.Store, ids []string) error {
	for _, id := range ids {
		rec, err := st.GetArtifact(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("artifact %s: %w", id, err)
		}
		if rec.Status == catalog.StatusTombstoned {
			return invalidInvocationf("artifact %s is tombstoned", id)
		}
	}
	return nil
}

func newExperimentCreateCmd(a *app) *cobra.Command {
	var f struct {
		id            string
		name          string
		inputs        []string
		configFile    string
		seed          int64
		commitID      string
		dirty         bool
		engineVersion string
	}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a pending experiment over frozen inputs",
		Args:  cobra.NoArgs,
	}
	fl := cmd.Flags()
	fl.StringVar(&f.id, "id", "", "Experiment id (default: new uuid)")
	fl.StringVar(&f.name, "name", "", "Human-readable name")
	fl.StringArrayVar(&f.inputs, "input", nil, "ROLE=ARTIFACT_ID (repeatable, required)")
	fl.StringVar(&f.configFile, "config-file", "", "YAML or JSON engine configuration")
	fl.Int64Var(&f.seed, "seed", 0, "Random seed")
	fl.StringVar(&f.commitID, "commit", "", "Engine commit id")
	fl.BoolVar(&f.dirty, "dirty", false, "The engine worktree had uncommitted changes")
	fl.StringVar(&f.engineVersion, "engine-version", "", "Engine version")
	_ = cmd.MarkFlagRequired("input")

	cmd.RunE = a.runE(func(cmd *cobra.Command, _ []string) error {
		inputs := map[string][]string{}
		var ids []string
		for _, v := range f.inputs {
			role, id, ok := strings.Cut(v, "=")
			if !ok || role == "" || id == "" {
				return invalidInvocationf("--input %q: want ROLE=ARTIFACT_ID", v)
			}
			inputs[role] = append(inputs[role], id)
			ids = append(ids, id)
		}
		cfg, err := readExperimentConfig(f.configFile)
		if err != nil {
			return err
		}
		def := experiment.Definition{
			ExperimentID:  f.id,
			Name:          f.name,
			Inputs:        inputs,
			Config:        cfg,
			Seed:          f.seed,
			CommitID:      f.commitID,
			Dirty:         f.dirty,
			EngineVersion: f.engineVersion,
		}
		if err := def.Validate(); err != nil {
			return invalidInvocationf("%v", err)
		}
		st, err := a.openStore()
		if err != nil {
			return err
		}
		if err := a.requireArtifacts(cmd, st, ids); err != nil {
			return err
		}
		tr, err := a.openTracker()
		if err != nil {
			return err
		}
		exp, err := tr.Create(cmd.Context(), def)
		if err != nil {
			return err
		}
		if a.jsonOutput() {
			return writeJSON(cmd.OutOrStdout(), exp)
		}
		writeExperiment(cmd.OutOrStdout(), exp)
		return nil
	})
	return cmd
}

func newExperimentGetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get EXPERIMENT_ID",
		Short: "Show one experiment",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		tr, err := a.openTracker()
		if err != nil {
			return err
		}
		exp, err := tr.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if a.jsonOutput() {
			return writeJSON(cmd.OutOrStdout(), exp)
		}
		writeExperiment(cmd.OutOrStdout(), exp)
		return nil
	})
	return cmd
}

func newExperimentListCmd(a *app) *cobra.Command {
	var f struct {
		status      string
		fingerprint string
		limit       int
	}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		Args:  cobra.NoArgs,
	}
	fl := cmd.Flags()
	fl.StringVar(&f.status, "status", "", "pending, running, completed, failed or cancelled")
	fl.StringVar(&f.fingerprint, "fingerprint", "", "Exact fingerprint")
	fl.IntVar(&f.limit, "limit", 0, "Maximum rows (0: no limit)")

	cmd.RunE = a.runE(func(cmd *cobra.Command, _ []string) error {
		filter := experiment.ListFilter{Fingerprint: f.fingerprint, Limit: f.limit}
		if f.status != "" {
			s, err := experiment.ParseStatus(f.status)
			if err != nil {
				return invalidInvocationf("%v", err)
			}
			filter.Status = s
		}
		tr, err := a.openTracker()
		if err != nil {
			return err
		}
		exps, err := tr.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if a.jsonOutput() {
			return writeJSON(cmd.OutOrStdout(), exps)
		}
		writeExperiments(cmd.OutOrStdout(), exps)
		return nil
	})
	return cmd
}

func newExperimentStatusCmd(a *app) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "status EXPERIMENT_ID STATUS",
		Short: "Move an experiment to its next status",
		Args:  cobra.ExactArgs(2),
	}
	cmd.Flags().StringVar(&message, "error", "", "Failure message (with failed)")

	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		to, err := experiment.ParseStatus(args[1])
		if err != nil {
			return invalidInvocationf("%v", err)
		}
		tr, err := a.openTracker()
		if err != nil {
			return err
		}
		exp, err := tr.UpdateStatus(cmd.Context(), args[0], to, experiment.StatusUpdate{Error: message})
		if err != nil {
			return err
		}
		if a.jsonOutput() {
			return writeJSON(cmd.OutOrStdout(), exp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", exp.ExperimentID, exp.Status)
		return nil
	})
	return cmd
}

func newExperimentOutputsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outputs EXPERIMENT_ID ROLE=ARTIFACT_ID...",
		Short: "Bind published output artifacts to an experiment",
		Args:  cobra.MinimumNArgs(2),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		outputs, err := parsePairs("output", args[1:])
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(outputs))
		for _, id := range outputs {
			ids = append(ids, id)
		}
		st, err := a.openStore()
		if err != nil {
			return err
		}
		if err := a.requireArtifacts(cmd, st, ids); err != nil {
			return err
		}
		tr, err := a.openTracker()
		if err != nil {
			return err
		}
		err = a.withLock(cmd.Context(), func() error {
			return tr.StoreResults(cmd.Context(), args[0], outputs)
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d outputs bound\n", args[0], len(outputs))
		return nil
	})
	return cmd
}

func newExperimentImpactCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "impact ARTIFACT_ID...",
		Short: "List experiments that consumed any of the artifacts",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		tr, err := a.openTracker()
		if err != nil {
			return err
		}
		exps, err := tr.FindByInputArtifacts(cmd.Context(), args)
		if err != nil {
			return err
		}
		if a.jsonOutput() {
			return writeJSON(cmd.OutOrStdout(), exps)
		}
		writeExperiments(cmd.OutOrStdout(), exps)
		return nil
	})
	return cmd
}

func newExperimentVerifyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify EXPERIMENT_A EXPERIMENT_B",
		Short: "Compare the outputs of two completed experiments",
		Args:  cobra.ExactArgs(2),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		st, err := a.openStore()
		if err != nil {
			return err
		}
		tr, err := a.openTracker()
		if err != nil {
			return err
		}
		rep, err := experiment.VerifyDeterminism(cmd.Context(), tr, st, args[0], args[1])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if a.jsonOutput() {
			return writeJSON(out, rep)
		}
		t := newTable(out, "ROLE", "ARTIFACT A", "ARTIFACT B", "MATCH")
		for _, c := range rep.Roles {
			t.AppendRow(table.Row{c.Role, c.ArtifactA, c.ArtifactB, c.Match})
		}
		t.Render()
		fmt.Fprintf(out, "same fingerprint: %t, deterministic: %t\n", rep.SameFingerprint, rep.Deterministic)
		return nil
	})
	return cmd
}
