package cli

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"artifactledger/internal/catalog"
	"artifactledger/internal/config"
	"artifactledger/internal/experiment"
	"artifactledger/internal/ingest"
	"artifactledger/internal/logging"
	"artifactledger/internal/projection"
	"artifactledger/internal/store"
	"artifactledger/internal/writerlock"
)

// app holds the state shared by the commands of one invocation. Resources
// open lazily and close when Run returns.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	storeRoot  string
	logLevel   string
	logFormat  string
	output     string

	started bool
	cfg     *config.Config
	log     *zap.Logger

	catalog *catalog.Catalog
	store   *store.Store
	tracker *experiment.Tracker
	closers []func() error
}

// runE wraps a command body with config loading and logger setup.
func (a *app) runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a.started = true
		if err := a.setup(); err != nil {
			return err
		}
		return fn(cmd, args)
	}
}

func (a *app) setup() error {
	switch a.output {
	case outputTable, outputJSON:
	default:
		return invalidInvocationf("unknown --output %q (want table or json)", a.output)
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return &ConfigError{Cause: err}
	}
	if a.storeRoot != "" {
		cfg.StoreRoot = a.storeRoot
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if err := cfg.Finalize(); err != nil {
		return &ConfigError{Cause: err}
	}
	log, err := logging.New(cfg.Log, a.stderr)
	if err != nil {
		return &ConfigError{Cause: err}
	}
	a.cfg = cfg
	a.log = log
	a.closers = append(a.closers, func() error {
		_ = log.Sync()
		return nil
	})
	return nil
}

func (a *app) dirs() ingest.Dirs { return ingest.Dirs{Root: a.cfg.StoreRoot} }

func (a *app) openStore() (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	if err := a.dirs().Ensure(); err != nil {
		return nil, err
	}
	cat, err := catalog.Open(a.cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cat.Close)
	st, err := store.New(store.Options{Dir: a.dirs().Store(), Catalog: cat, Logger: a.log})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, st.Close)
	a.catalog, a.store = cat, st
	return st, nil
}

func (a *app) openTracker() (*experiment.Tracker, error) {
	if a.tracker != nil {
		return a.tracker, nil
	}
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	t, err := experiment.Open(a.cfg.ExperimentsPath, experiment.WithArtifacts(st))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, t.Close)
	a.tracker = t
	return t, nil
}

func (a *app) projections(st *store.Store, dir string) (*projection.Builder, error) {
	return projection.NewBuilder(projection.Options{Dir: dir, Store: st, Logger: a.log})
}

// withLock runs fn while holding the store writer lock.
func (a *app) withLock(ctx context.Context, fn func() error) error {
	return writerlock.New(a.cfg.StoreRoot).With(ctx, a.cfg.Daemon.LockTimeout, fn)
}

// close releases resources in reverse order of opening.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
