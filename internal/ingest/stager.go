package ingest

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"artifactledger/internal/fsutil"
	"artifactledger/internal/layout"
)

// StagedFile is one data file handed to the Stager.
type StagedFile struct {
	SourcePath string
	// Artifact is the manifest entry. RelPath defaults to the source base
	// name, Format to its extension and SHA256 to the file's hash.
	Artifact ManifestArtifact
}

// Stager is the producer side of the staging protocol: it copies data files
// and the manifest into inbox/<job_id>/ and writes COMMIT last.
type Stager struct {
	dirs Dirs
	now  func() time.Time
}

// NewStager returns a Stager for the store root.
func NewStager(root string) *Stager {
	return &Stager{dirs: Dirs{Root: root}, now: time.Now}
}

// Stage writes a complete job and returns its directory. JobID and
// CreatedAtUTC are filled in when empty; m.Artifacts is replaced by the
// entries of files.
func (s *Stager) Stage(m Manifest, files []StagedFile) (string, error) {
	if len(files) == 0 {
		return "", errors.New("no files to stage")
	}
	if m.JobID == "" {
		m.JobID = uuid.NewString()
	}
	if m.RunID == "" {
		m.RunID = m.JobID
	}
	if m.CreatedAtUTC == "" {
		m.CreatedAtUTC = s.now().UTC().Format(time.RFC3339)
	}
	if !idPattern.MatchString(m.JobID) {
		return "", fmt.Errorf("invalid job id %q", m.JobID)
	}

	jobDir := filepath.Join(s.dirs.Inbox(), m.JobID)
	for _, dir := range []string{jobDir, filepath.Join(s.dirs.Processed(), m.JobID), filepath.Join(s.dirs.Rejected(), m.JobID)} {
		if ok, err := fsutil.Exists(dir); err != nil {
			return "", err
		} else if ok {
			return "", fmt.Errorf("job %s already exists at %s", m.JobID, dir)
		}
	}
	if err := fsutil.EnsureDir(jobDir); err != nil {
		return "", err
	}

	m.Artifacts = make([]ManifestArtifact, 0, len(files))
	for _, f := range files {
		a := f.Artifact
		if a.RelPath == "" {
			a.RelPath = filepath.Base(f.SourcePath)
		}
		rel := path.Clean(filepath.ToSlash(a.RelPath))
		if path.IsAbs(rel) || strings.HasPrefix(rel, "../") || rel == ".." {
			return "", fmt.Errorf("relpath %q escapes the job directory", a.RelPath)
		}
		if a.Format == "" {
			a.Format = strings.TrimPrefix(filepath.Ext(f.SourcePath), ".")
		}
		dst := filepath.Join(jobDir, filepath.FromSlash(rel))
		if err := copyFile(f.SourcePath, dst); err != nil {
			return "", fmt.Errorf("stage %s: %w", f.SourcePath, err)
		}
		if a.SHA256 == "" {
			sum, err := layout.FileHash(dst)
			if err != nil {
				return "", err
			}
			a.SHA256 = sum
		}
		m.Artifacts = append(m.Artifacts, a)
	}

	if err := fsutil.WriteJSONAtomic(filepath.Join(jobDir, ManifestFile), m); err != nil {
		return "", err
	}
	// COMMIT is the last write; its presence tells the daemon the job is complete.
	marker := []byte(s.now().UTC().Format(time.RFC3339Nano) + "\n")
	if err := fsutil.WriteFileAtomic(filepath.Join(jobDir, CommitFile), marker, 0o644); err != nil {
		return "", err
	}
	return jobDir, nil
}

func copyFile(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return fsutil.WriteAtomic(dst, f, 0o644)
}
