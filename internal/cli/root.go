package cli

import (
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "artifactd",
		Short: "Content-addressed artifact store and single-writer ingestion daemon",
		Long: "artifactd admits producer output into a canonical, deduplicated,\n" +
			"lineage-tracked store and builds disposable projections and\n" +
			"frozen-input experiments on top of it.",
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       version,
	}

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "Path to artifactd.yaml")
	f.StringVar(&a.storeRoot, "store-root", "", "Store root (overrides store_root)")
	f.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	f.StringVar(&a.logFormat, "log-format", "", "Log format: json or console")
	f.StringVarP(&a.output, "output", "o", outputTable, "Output format: table or json")

	root.AddCommand(newDaemonCmd(a))
	root.AddCommand(newStageCmd(a))
	root.AddCommand(newPublishCmd(a))
	root.AddCommand(newGetCmd(a))
	root.AddCommand(newListCmd(a))
	root.AddCommand(newLineageCmd(a))
	root.AddCommand(newDownstreamCmd(a))
	root.AddCommand(newSupersedeCmd(a))
	root.AddCommand(newRecoverCmd(a))
	root.AddCommand(newProjectionCmd(a))
	root.AddCommand(newExperimentCmd(a))
	return root
}
