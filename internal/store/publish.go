package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"artifactledger/internal/catalog"
	"artifactledger/internal/fsutil"
	"artifactledger/internal/layout"
	"artifactledger/internal/tabular"
)

// DedupMode names how a publish was resolved to an existing artifact.
type DedupMode string

const (
	ModeNone        DedupMode = ""
	ModeFileHash    DedupMode = "file_hash"
	ModeContentHash DedupMode = "content_hash"
)

// PublishRequest describes one file to admit.
type PublishRequest struct {
	SourcePath    string
	ArtifactType  string
	SchemaVersion int
	LogicalKey    string
	// Format defaults to the source file extension.
	Format tabular.Format
	// ArtifactID is assigned when empty.
	ArtifactID       string
	InputArtifactIDs []string
	Tags             map[string]string
	Writer           catalog.Writer
	// TimestampColumn selects the column used for MinTs/MaxTs.
	TimestampColumn string
}

// PublishResult reports the outcome of a successful publish. When Deduped is
// true, ExistingArtifactID names the artifact the request resolved to and no
// file or row was written.
type PublishResult struct {
	Success            bool      `json:"success"`
	Deduped            bool      `json:"deduped"`
	Mode               DedupMode `json:"mode,omitempty"`
	ArtifactID         string    `json:"artifact_id,omitempty"`
	ExistingArtifactID string    `json:"existing_artifact_id,omitempty"`
	PathData           string    `json:"path_data"`
	FileHash           string    `json:"file_hash"`
	ContentHash        string    `json:"content_hash,omitempty"`
	RowCount           int64     `json:"row_count"`
}

// ResolvedID returns the id the request maps to, new or existing.
func (r PublishResult) ResolvedID() string {
	if r.Deduped {
		return r.ExistingArtifactID
	}
	return r.ArtifactID
}

// Sidecar is the metadata file written next to every canonical data file.
type Sidecar struct {
	catalog.Record
	SourceName string `json:"source_name,omitempty"`
}

// afterRename runs between the data rename and the catalog insert. Tests
// replace it to simulate a crash at that point.
var afterRename = func(string) {}

// Publish admits req.SourcePath into the canonical store.
//
// Lookup order is exact file hash, then content hash, both scoped to the
// artifact type and ignoring tombstoned rows. A miss copies the file under a
// temp name in the destination directory, renames it into place, writes the
// sidecar and finally inserts the catalog row. If the insert fails the data
// file and sidecar are removed before returning.
func (s *Store) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	if err := s.validateRequest(&req); err != nil {
		return PublishResult{}, err
	}
	log := s.log.With(zap.String("artifact_type", req.ArtifactType), zap.String("logical_key", req.LogicalKey))

	if _, err := os.Stat(req.SourcePath); err != nil {
		return PublishResult{}, publishErr(CodeSourceUnreadable, req.SourcePath, err)
	}
	fileHash, err := layout.FileHash(req.SourcePath)
	if err != nil {
		return PublishResult{}, publishErr(CodeHashFailed, req.SourcePath, err)
	}

	existing, err := s.catalog.FindByFileHash(ctx, req.ArtifactType, fileHash)
	if err == nil {
		log.Info("publish deduplicated", zap.String("mode", string(ModeFileHash)), zap.String("artifact_id", existing.ArtifactID))
		return dedupResult(s.resolve(existing), ModeFileHash, fileHash), nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return PublishResult{}, publishErr(CodeCatalogFailed, req.SourcePath, err)
	}

	table, err := s.reader.Read(ctx, req.SourcePath, req.Format)
	if err != nil {
		return PublishResult{}, publishErr(CodeParseFailed, req.SourcePath, err)
	}
	contentHash := s.hasher.ContentHash(table)

	existing, err = s.catalog.FindByContentHash(ctx, req.ArtifactType, contentHash)
	if err == nil {
		log.Info("publish deduplicated", zap.String("mode", string(ModeContentHash)), zap.String("artifact_id", existing.ArtifactID))
		res := dedupResult(s.resolve(existing), ModeContentHash, fileHash)
		res.ContentHash = contentHash
		return res, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return PublishResult{}, publishErr(CodeCatalogFailed, req.SourcePath, err)
	}

	id := req.ArtifactID
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := s.catalog.Get(ctx, id); err == nil {
		return PublishResult{}, &PublishError{
			Code:    CodeIDConflict,
			Path:    req.SourcePath,
			Message: fmt.Sprintf("artifact id %s already exists with different content", id),
		}
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return PublishResult{}, publishErr(CodeCatalogFailed, req.SourcePath, err)
	}

	rel, err := s.layout.RelDataPath(req.ArtifactType, req.SchemaVersion, req.LogicalKey, contentHash, req.Format)
	if err != nil {
		return PublishResult{}, invalidRequest("%v", err)
	}
	owner, err := s.catalog.PathOwner(ctx, rel)
	if err != nil {
		return PublishResult{}, publishErr(CodeCatalogFailed, req.SourcePath, err)
	}
	if owner != "" {
		// A tombstoned row or a hash8 collision holds the canonical name.
		rel = withIDSuffix(rel, id)
	}

	minTs, maxTs := tabular.TimeBounds(table, req.TimestampColumn)
	rec := &catalog.Record{
		ArtifactID:       id,
		ArtifactType:     req.ArtifactType,
		SchemaVersion:    req.SchemaVersion,
		LogicalKey:       req.LogicalKey,
		Format:           string(req.Format),
		Status:           catalog.StatusActive,
		PathData:         rel,
		PathSidecar:      rel + layout.SidecarSuffix,
		FileHash:         fileHash,
		ContentHash:      contentHash,
		RowCount:         table.RowCount(),
		MinTs:            minTs,
		MaxTs:            maxTs,
		CreatedAt:        time.Now().UTC(),
		InputArtifactIDs: append([]string{}, req.InputArtifactIDs...),
		Tags:             req.Tags,
		Writer:           req.Writer,
	}

	dataPath := s.layout.Abs(rel)
	sidecarPath := layout.SidecarPath(dataPath)
	if err := s.materialize(req.SourcePath, dataPath); err != nil {
		return PublishResult{}, publishErr(CodeCopyFailed, dataPath, err)
	}
	afterRename(dataPath)

	if err := fsutil.WriteJSONAtomic(sidecarPath, Sidecar{Record: *rec, SourceName: filepath.Base(req.SourcePath)}); err != nil {
		s.discard(dataPath, sidecarPath)
		return PublishResult{}, publishErr(CodeSidecarFailed, sidecarPath, err)
	}
	if err := s.catalog.Insert(ctx, rec); err != nil {
		s.discard(dataPath, sidecarPath)
		return PublishResult{}, publishErr(CodeCatalogFailed, dataPath, err)
	}

	log.Info("artifact published",
		zap.String("artifact_id", id),
		zap.String("path", rel),
		zap.Int64("rows", rec.RowCount),
	)
	return PublishResult{
		Success:     true,
		ArtifactID:  id,
		PathData:    dataPath,
		FileHash:    fileHash,
		ContentHash: contentHash,
		RowCount:    rec.RowCount,
	}, nil
}

func (s *Store) validateRequest(req *PublishRequest) error {
	if strings.TrimSpace(req.SourcePath) == "" {
		return invalidRequest("source path is required")
	}
	if err := layout.ValidateArtifactType(req.ArtifactType); err != nil {
		return invalidRequest("%v", err)
	}
	if req.SchemaVersion < 1 {
		return invalidRequest("schema version must be >= 1")
	}
	if err := layout.ValidateLogicalKey(req.LogicalKey); err != nil {
		return invalidRequest("%v", err)
	}
	if req.Format == "" {
		f, err := tabular.ParseFormat(strings.TrimPrefix(filepath.Ext(req.SourcePath), "."))
		if err != nil {
			return invalidRequest("cannot infer format of %s: %v", req.SourcePath, err)
		}
		req.Format = f
	} else if _, err := tabular.ParseFormat(string(req.Format)); err != nil {
		return invalidRequest("%v", err)
	}
	seen := make(map[string]bool, len(req.InputArtifactIDs))
	for _, in := range req.InputArtifactIDs {
		if in == "" {
			return invalidRequest("empty input artifact id")
		}
		if in == req.ArtifactID {
			return invalidRequest("artifact %s cannot be its own input", in)
		}
		if seen[in] {
			return invalidRequest("duplicate input artifact id %s", in)
		}
		seen[in] = true
	}
	return nil
}

// materialize copies src next to dst under a temp name and renames it into
// place.
func (s *Store) materialize(src, dst string) error {
	dir := filepath.Dir(dst)
	if err := fsutil.EnsureDir(dir); err != nil {
		return err
	}
	tmp, err := fsutil.CopyToTemp(src, dir, filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	if err := fsutil.RenameDurable(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) discard(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Error("failed to remove unclaimed file", zap.String("path", p), zap.Error(err))
		}
	}
	if len(paths) > 0 {
		_ = fsutil.SyncDir(filepath.Dir(paths[0]))
	}
}

func dedupResult(existing *Artifact, mode DedupMode, fileHash string) PublishResult {
	return PublishResult{
		Success:            true,
		Deduped:            true,
		Mode:               mode,
		ExistingArtifactID: existing.ArtifactID,
		PathData:           existing.PathData,
		FileHash:           fileHash,
		ContentHash:        existing.ContentHash,
		RowCount:           existing.RowCount,
	}
}

func withIDSuffix(rel, id string) string {
	sum := sha256.Sum256([]byte(id))
	ext := path.Ext(rel)
	return strings.TrimSuffix(rel, ext) + "__id=" + hex.EncodeToString(sum[:4]) + ext
}
