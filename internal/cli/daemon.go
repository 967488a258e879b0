package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"artifactledger/internal/ingest"
	"artifactledger/internal/metrics"
	"artifactledger/internal/projection"
	"artifactledger/internal/store"
)

func newDaemonCmd(a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the single-writer ingestion daemon",
		Long: "daemon polls inbox/ for committed jobs and admits them into the store.\n" +
			"With --once it processes the jobs committed right now and exits.",
		Args: cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&once, "once", false, "Process one poll cycle and exit")

	cmd.RunE = a.runE(func(cmd *cobra.Command, _ []string) error {
		st, err := a.openStore()
		if err != nil {
			return err
		}
		m := metrics.New(a.cfg.Metrics)
		d, err := a.newDaemon(st, m)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if once {
			report, err := d.RunOnce(ctx)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			out := cmd.OutOrStdout()
			writeLines(out, "processed", report.Processed)
			writeLines(out, "rejected", report.Rejected)
			writeLines(out, "skipped", report.Skipped)
			if report.LockTimeout {
				fmt.Fprintln(out, "writer lock busy; remaining jobs left for the next cycle")
			}
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return d.Run(gctx) })
		if m.IsEnabled() {
			a.log.Info("serving metrics", zap.String("address", a.cfg.Metrics.Address))
			g.Go(func() error { return m.Serve(gctx, a.cfg.Metrics.Address) })
		}
		return g.Wait()
	})
	return cmd
}

func (a *app) newDaemon(st *store.Store, m *metrics.Metrics) (*ingest.Daemon, error) {
	opts := []ingest.Option{
		ingest.WithLogger(a.log),
		ingest.WithMetrics(m),
		ingest.WithRecoverer(st),
	}
	if a.cfg.Daemon.ExportViews {
		views, err := a.projections(st, a.cfg.ViewsDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ingest.WithExporter(projection.NewViewExporter(views, st, a.log)))
	}
	return ingest.New(ingest.Config{
		Root:            a.cfg.StoreRoot,
		PollInterval:    a.cfg.Daemon.PollInterval,
		LockTimeout:     a.cfg.Daemon.LockTimeout,
		WatchInbox:      a.cfg.Daemon.WatchInbox,
		MaxJobsPerCycle: a.cfg.Daemon.MaxJobsPerCycle,
	}, st, opts...)
}
