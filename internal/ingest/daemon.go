// Package ingest is the single-writer ingestion daemon.
//
// Producers stage jobs under inbox/<job_id>/ (data files, manifest.json and,
// last, COMMIT). The daemon validates each committed job, publishes its files
// into the artifact store in manifest order and moves the job directory to
// processed/ or rejected/ together with an outcome record.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"artifactledger/internal/catalog"
	"artifactledger/internal/fsutil"
	"artifactledger/internal/metrics"
	"artifactledger/internal/store"
	"artifactledger/internal/writerlock"
)

// Publisher admits one file. *store.Store implements it.
type Publisher interface {
	Publish(ctx context.Context, req store.PublishRequest) (store.PublishResult, error)
}

// Recoverer reconciles the store after a crash. *store.Store implements it.
type Recoverer interface {
	Recover(ctx context.Context, opts store.RecoverOptions) (store.RecoveryReport, error)
}

// Batch describes the artifacts admitted by one processed job.
type Batch struct {
	JobID         string
	ArtifactIDs   []string
	ArtifactTypes []string
}

// Exporter regenerates derived views after a processed job.
type Exporter interface {
	Export(ctx context.Context, batch Batch) error
}

// Config tunes the daemon loop.
type Config struct {
	// Root is the store root holding inbox/, processed/, rejected/ and store/.
	Root            string
	PollInterval    time.Duration
	LockTimeout     time.Duration
	WatchInbox      bool
	MaxJobsPerCycle int
}

const defaultPollInterval = time.Second

// Daemon processes committed jobs one at a time.
type Daemon struct {
	cfg       Config
	dirs      Dirs
	pub       Publisher
	lock      *writerlock.Lock
	recoverer Recoverer
	exporter  Exporter
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
	host      string

	mu     sync.Mutex
	warned map[string]bool
}

// Option configures a Daemon.
type Option func(*Daemon)

func WithLogger(l *zap.Logger) Option { return func(d *Daemon) { d.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(d *Daemon) { d.metrics = m } }
func WithExporter(e Exporter) Option { return func(d *Daemon) { d.exporter = e } }
func WithRecoverer(r Recoverer) Option { return func(d *Daemon) { d.recoverer = r } }
func WithLock(l *writerlock.Lock) Option { return func(d *Daemon) { d.lock = l } }
func withClock(now func() time.Time) Option { return func(d *Daemon) { d.now = now } }

// New returns a Daemon publishing through pub.
func New(cfg Config, pub Publisher, opts ...Option) (*Daemon, error) {
	if cfg.Root == "" {
		return nil, errors.New("store root is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = writerlock.DefaultTimeout
	}
	d := &Daemon{
		cfg:    cfg,
		dirs:   Dirs{Root: cfg.Root},
		pub:    pub,
		now:    time.Now,
		warned: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.lock == nil {
		d.lock = writerlock.New(cfg.Root)
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	d.log = d.log.Named("ingest")
	d.host, _ = os.Hostname()
	return d, nil
}

// JobResult reports what happened to one job directory.
type JobResult struct {
	JobID     string
	State     JobState
	Dir       string
	Outcome   *Outcome
	Rejection *Rejection
	// Skipped is set when the job was left alone this cycle.
	Skipped bool
}

// CycleReport summarises one poll cycle.
type CycleReport struct {
	Pending     int      `json:"pending"`
	Processed   []string `json:"processed"`
	Rejected    []string `json:"rejected"`
	Skipped     []string `json:"skipped"`
	LockTimeout bool     `json:"lock_timeout,omitempty"`
}

// Run recovers the store, then polls until ctx is done. An inbox watcher,
// when enabled, shortens the wait after a COMMIT lands.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.dirs.Ensure(); err != nil {
		return err
	}
	if err := d.recoverStore(ctx); err != nil {
		return err
	}

	var wake <-chan struct{}
	if d.cfg.WatchInbox {
		w, err := newInboxWatcher(d.dirs.Inbox(), d.log)
		if err != nil {
			d.log.Warn("inbox watch disabled", zap.Error(err))
		} else {
			defer w.Close()
			wake = w.Wake()
			go w.Run(ctx)
		}
	}

	d.log.Info("daemon started",
		zap.String("root", d.cfg.Root),
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Bool("watch_inbox", wake != nil),
	)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("poll cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			d.log.Info("daemon stopped")
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (d *Daemon) recoverStore(ctx context.Context) error {
	if d.recoverer == nil {
		return nil
	}
	err := d.lock.With(ctx, d.cfg.LockTimeout, func() error {
		report, err := d.recoverer.Recover(ctx, store.RecoverOptions{})
		if err != nil {
			return err
		}
		if report.Clean() {
			d.log.Debug("store recovery found nothing to repair")
		}
		return nil
	})
	if errors.Is(err, ErrLockTimeout) {
		// Another writer is active; it owns recovery.
		d.metrics.RecordLockTimeout()
		d.log.Warn("skipping startup recovery", zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	return nil
}

// RunOnce scans the inbox and processes every committed job once.
func (d *Daemon) RunOnce(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	jobs, err := d.committedJobs()
	if err != nil {
		return report, err
	}
	report.Pending = len(jobs)
	d.metrics.RecordPollCycle(len(jobs))

	for i, jobDir := range jobs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if d.cfg.MaxJobsPerCycle > 0 && i >= d.cfg.MaxJobsPerCycle {
			break
		}
		res, err := d.ProcessJob(ctx, jobDir)
		if errors.Is(err, ErrLockTimeout) {
			report.LockTimeout = true
			d.metrics.RecordLockTimeout()
			d.log.Warn("writer lock busy, retrying next cycle", zap.String("job_id", filepath.Base(jobDir)))
			break
		}
		if err != nil {
			// Left in the inbox; other jobs keep going.
			d.log.Error("job failed", zap.String("job_id", filepath.Base(jobDir)), zap.Error(err))
			report.Skipped = append(report.Skipped, filepath.Base(jobDir))
			continue
		}
		switch {
		case res.Skipped:
			report.Skipped = append(report.Skipped, res.JobID)
		case res.State == JobProcessed:
			report.Processed = append(report.Processed, res.JobID)
			if res.Outcome != nil {
				d.export(ctx, res.Outcome)
			}
		case res.State == JobRejected:
			report.Rejected = append(report.Rejected, res.JobID)
		}
	}
	return report, nil
}

// committedJobs lists inbox job directories carrying a COMMIT marker, sorted
// by name.
func (d *Daemon) committedJobs() ([]string, error) {
	entries, err := os.ReadDir(d.dirs.Inbox())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	var jobs []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(d.dirs.Inbox(), e.Name())
		ok, err := fsutil.Exists(filepath.Join(dir, CommitFile))
		if err != nil {
			return nil, err
		}
		if ok {
			jobs = append(jobs, dir)
		}
	}
	sort.Strings(jobs)
	return jobs, nil
}

// ProcessJob drives one committed job to a terminal state under the writer
// lock. It returns ErrLockTimeout, untouched, when the lock is busy, and any
// error that is neither a validation nor a publish failure, leaving the job
// in the inbox for the next cycle.
func (d *Daemon) ProcessJob(ctx context.Context, jobDir string) (JobResult, error) {
	jobID := filepath.Base(jobDir)
	log := d.log.With(zap.String("job_id", jobID))

	if dup, err := d.alreadyTerminal(jobID); err != nil {
		return JobResult{}, err
	} else if dup != "" {
		d.warnOnce(jobID, func() {
			log.Warn("job id already has a terminal outcome, leaving inbox copy untouched", zap.String("state", string(dup)))
		})
		return JobResult{JobID: jobID, State: JobStaged, Dir: jobDir, Skipped: true}, nil
	}

	if err := d.lock.Acquire(ctx, d.cfg.LockTimeout); err != nil {
		return JobResult{}, err
	}
	defer func() {
		if err := d.lock.Release(); err != nil {
			log.Error("release writer lock", zap.Error(err))
		}
	}()

	if ok, err := fsutil.Exists(jobDir); err != nil {
		return JobResult{}, err
	} else if !ok {
		return JobResult{JobID: jobID, Skipped: true}, nil
	}

	// A record already in the inbox means a previous run stopped between
	// writing it and moving the directory.
	switch state, err := terminalRecord(jobDir); {
	case err != nil:
		return JobResult{}, err
	case state == JobProcessed:
		dest, err := moveJob(jobDir, d.dirs.Processed())
		if err != nil {
			return JobResult{}, err
		}
		log.Info("finished moving processed job")
		out, err := ReadOutcome(d.dirs, jobID)
		if err != nil {
			return JobResult{}, err
		}
		return JobResult{JobID: jobID, State: JobProcessed, Dir: dest, Outcome: out}, nil
	case state == JobRejected:
		dest, err := moveJob(jobDir, d.dirs.Rejected())
		if err != nil {
			return JobResult{}, err
		}
		log.Info("finished moving rejected job")
		rej, err := ReadRejection(d.dirs, jobID)
		if err != nil {
			return JobResult{}, err
		}
		return JobResult{JobID: jobID, State: JobRejected, Dir: dest, Rejection: rej}, nil
	}

	m, err := ReadManifest(jobDir)
	if err != nil {
		return d.reject(jobDir, nil, err, nil)
	}
	resolved, err := m.Validate(jobDir)
	if err != nil {
		return d.reject(jobDir, m, err, nil)
	}

	outcome := &Outcome{
		JobID:    jobID,
		RunID:    m.RunID,
		Producer: m.Producer,
		Kind:     m.Kind,
		State:    JobProcessed,
	}
	var admitted []string
	for _, ra := range resolved {
		oa, err := d.publish(ctx, m, ra)
		if err != nil {
			if store.IsPublishError(err) {
				return d.reject(jobDir, m, err, admitted)
			}
			return JobResult{}, fmt.Errorf("publish %s: %w", ra.Declared.RelPath, err)
		}
		if !oa.Deduped {
			admitted = append(admitted, oa.ArtifactID)
		}
		outcome.Artifacts = append(outcome.Artifacts, oa)
	}

	outcome.ProcessedAt = d.now().UTC()
	dest, err := finalize(jobDir, d.dirs.Processed(), OutcomeFile, outcome)
	if err != nil {
		return JobResult{}, err
	}
	d.metrics.RecordJob(string(JobProcessed))
	log.Info("job processed",
		zap.Int("artifacts", len(outcome.Artifacts)),
		zap.Strings("artifact_ids", outcome.ArtifactIDs()),
	)
	return JobResult{JobID: jobID, State: JobProcessed, Dir: dest, Outcome: outcome}, nil
}

func (d *Daemon) publish(ctx context.Context, m *Manifest, ra ResolvedArtifact) (OutcomeArtifact, error) {
	req := store.PublishRequest{
		SourcePath:       ra.SourcePath,
		ArtifactType:     ra.ArtifactType,
		SchemaVersion:    ra.SchemaVersion,
		LogicalKey:       ra.LogicalKey,
		Format:           ra.Format,
		ArtifactID:       ra.Declared.ArtifactID,
		InputArtifactIDs: ra.Declared.InputArtifactIDs,
		Tags:             ra.Declared.Tags,
		TimestampColumn:  ra.Declared.TsColumn,
		Writer: catalog.Writer{
			Producer: string(m.Producer),
			RunID:    m.RunID,
			JobID:    m.JobID,
			GitSHA:   normalizeHex(m.Meta.GitSHA),
			Host:     d.host,
		},
	}

	// A publish that has begun runs to completion.
	start := time.Now()
	res, err := d.pub.Publish(context.WithoutCancel(ctx), req)
	if err != nil {
		return OutcomeArtifact{}, err
	}
	d.metrics.RecordPublish(string(res.Mode), time.Since(start))

	oa := OutcomeArtifact{
		Index:              ra.Index,
		RelPath:            ra.Declared.RelPath,
		DeclaredArtifactID: ra.Declared.ArtifactID,
		ArtifactID:         res.ResolvedID(),
		ArtifactType:       ra.ArtifactType,
		LogicalKey:         ra.LogicalKey,
		Deduped:            res.Deduped,
		Mode:               res.Mode,
		PathData:           res.PathData,
		RowCount:           res.RowCount,
	}
	if hint := ra.Declared.Rows; hint != nil && *hint != res.RowCount {
		w := fmt.Sprintf("declared %d rows, file has %d", *hint, res.RowCount)
		oa.Warnings = append(oa.Warnings, w)
		d.log.Warn("row count hint mismatch",
			zap.String("job_id", m.JobID),
			zap.String("relpath", ra.Declared.RelPath),
			zap.Int64("declared", *hint),
			zap.Int64("actual", res.RowCount),
		)
	}
	return oa, nil
}

func (d *Daemon) reject(jobDir string, m *Manifest, cause error, admitted []string) (JobResult, error) {
	jobID := filepath.Base(jobDir)
	rej := newRejection(jobID, m, cause, admitted, d.now())
	dest, err := finalize(jobDir, d.dirs.Rejected(), RejectFile, rej)
	if err != nil {
		return JobResult{}, err
	}
	d.metrics.RecordJob(string(JobRejected))
	d.log.Warn("job rejected",
		zap.String("job_id", jobID),
		zap.String("failure_class", string(rej.Class)),
		zap.String("reason", rej.Reason),
		zap.Strings("admitted_artifact_ids", admitted),
	)
	return JobResult{JobID: jobID, State: JobRejected, Dir: dest, Rejection: rej}, nil
}

func (d *Daemon) alreadyTerminal(jobID string) (JobState, error) {
	for _, c := range []struct {
		dir   string
		state JobState
	}{
		{d.dirs.Processed(), JobProcessed},
		{d.dirs.Rejected(), JobRejected},
	} {
		ok, err := fsutil.Exists(filepath.Join(c.dir, jobID))
		if err != nil {
			return "", err
		}
		if ok {
			return c.state, nil
		}
	}
	return "", nil
}

func (d *Daemon) warnOnce(jobID string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.warned[jobID] {
		return
	}
	d.warned[jobID] = true
	fn()
}

// export runs the exporter outside the writer lock. Failures are logged and
// counted only.
func (d *Daemon) export(ctx context.Context, o *Outcome) {
	if d.exporter == nil || len(o.Artifacts) == 0 {
		return
	}
	types := map[string]bool{}
	var batch Batch
	batch.JobID = o.JobID
	for _, a := range o.Artifacts {
		batch.ArtifactIDs = append(batch.ArtifactIDs, a.ArtifactID)
		if !types[a.ArtifactType] {
			types[a.ArtifactType] = true
			batch.ArtifactTypes = append(batch.ArtifactTypes, a.ArtifactType)
		}
	}
	sort.Strings(batch.ArtifactTypes)

	if err := d.exporter.Export(ctx, batch); err != nil {
		d.metrics.RecordExportFailure()
		d.log.Error("view export failed", zap.Error(&ExportError{JobID: o.JobID, Cause: err}))
	}
}
