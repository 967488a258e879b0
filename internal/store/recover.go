package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"artifactledger/internal/catalog"
	"artifactledger/internal/fsutil"
)

// RecoveryReport lists what a recovery sweep changed (or would change, for a
// dry run). Paths are relative to the store directory.
type RecoveryReport struct {
	TempFilesRemoved []string `json:"temp_files_removed"`
	OrphansRemoved   []string `json:"orphans_removed"`
	Tombstoned       []string `json:"tombstoned"`
	SidecarsRestored []string `json:"sidecars_restored"`
	DryRun           bool     `json:"dry_run,omitempty"`
}

// Clean reports whether the sweep found nothing to repair.
func (r RecoveryReport) Clean() bool {
	return len(r.TempFilesRemoved) == 0 && len(r.OrphansRemoved) == 0 &&
		len(r.Tombstoned) == 0 && len(r.SidecarsRestored) == 0
}

// RecoverOptions tunes Recover.
type RecoverOptions struct {
	DryRun bool
}

// Recover reconciles the canonical directory with the catalog after a crash:
//
//   - in-flight temp files are removed
//   - files that no catalog row claims are removed
//   - rows whose data file is gone are tombstoned
//   - missing sidecars of live rows are rewritten from the catalog
//
// After a sweep every catalog row that is not tombstoned has its file and
// every file has its row.
func (s *Store) Recover(ctx context.Context, opts RecoverOptions) (RecoveryReport, error) {
	report := RecoveryReport{
		TempFilesRemoved: []string{},
		OrphansRemoved:   []string{},
		Tombstoned:       []string{},
		SidecarsRestored: []string{},
		DryRun:           opts.DryRun,
	}

	refs, err := s.catalog.PathRefs(ctx)
	if err != nil {
		return report, err
	}
	claimed := make(map[string]bool, 2*len(refs))
	for _, r := range refs {
		claimed[r.PathData] = true
		claimed[r.PathSidecar] = true
	}

	err = filepath.WalkDir(s.layout.Dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) && p == s.layout.Dir {
				return fs.SkipAll
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := s.layout.Rel(p)
		if err != nil {
			return err
		}
		switch {
		case fsutil.IsTemp(d.Name()):
			report.TempFilesRemoved = append(report.TempFilesRemoved, rel)
		case !claimed[rel]:
			report.OrphansRemoved = append(report.OrphansRemoved, rel)
		default:
			return nil
		}
		if opts.DryRun {
			return nil
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("sweep store dir: %w", err)
	}

	for _, r := range refs {
		if r.Status == catalog.StatusTombstoned {
			continue
		}
		ok, err := fsutil.Exists(s.layout.Abs(r.PathData))
		if err != nil {
			return report, err
		}
		if !ok {
			report.Tombstoned = append(report.Tombstoned, r.ArtifactID)
			if opts.DryRun {
				continue
			}
			if _, err := s.catalog.SetStatus(ctx, r.ArtifactID, catalog.StatusTombstoned, "recovery", "data file missing"); err != nil {
				return report, err
			}
			continue
		}
		ok, err = fsutil.Exists(s.layout.Abs(r.PathSidecar))
		if err != nil {
			return report, err
		}
		if ok {
			continue
		}
		report.SidecarsRestored = append(report.SidecarsRestored, r.PathSidecar)
		if opts.DryRun {
			continue
		}
		rec, err := s.catalog.Get(ctx, r.ArtifactID)
		if err != nil {
			return report, err
		}
		if err := fsutil.WriteJSONAtomic(s.layout.Abs(r.PathSidecar), Sidecar{Record: *rec}); err != nil {
			return report, fmt.Errorf("restore sidecar %s: %w", r.PathSidecar, err)
		}
	}

	if !report.Clean() {
		s.log.Warn("recovery sweep repaired store",
			zap.Bool("dry_run", opts.DryRun),
			zap.Int("temp_files", len(report.TempFilesRemoved)),
			zap.Int("orphans", len(report.OrphansRemoved)),
			zap.Int("tombstoned", len(report.Tombstoned)),
			zap.Int("sidecars", len(report.SidecarsRestored)),
		)
	}
	return report, nil
}
