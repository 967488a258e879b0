// Package projection builds disposable DuckDB files from published
// artifacts.
//
// A projection carries no authoritative data. Every row comes from a file in
// the canonical store, and the _sources table of each projection names the
// artifact behind every scanned file. Losing the cache directory costs a
// rebuild, nothing more.
//
// Structure:
//
//	{Dir}/
//	  {id}.duckdb        the projection database
//	  {id}.request.json  the request it was built from (used by Rebuild)
//	  {id}.meta.json     the Projection returned by the last build
package projection

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"artifactledger/internal/fsutil"
)

// SourcesTable records the artifact id and path of every scanned file.
const SourcesTable = "_sources"

// ArtifactIDColumn is prepended to every projected table.
const ArtifactIDColumn = "_artifact_id"

// ErrProjectionNotFound is returned when no build request is stored for an id.
var ErrProjectionNotFound = errors.New("projection not found")

// Build error codes.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeArtifactUnavailable = "artifact_unavailable"
	CodeScanFailed          = "scan_failed"
	CodeIndexFailed         = "index_failed"
	CodeWriteFailed         = "write_failed"
)

// BuildError reports a failed build. No projection file is left behind.
type BuildError struct {
	Code    string
	Table   string
	Message string
	Cause   error
}

func (e *BuildError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Cause != nil {
		if msg == "" {
			msg = e.Cause.Error()
		} else {
			msg = msg + ": " + e.Cause.Error()
		}
	}
	if e.Table != "" {
		return fmt.Sprintf("projection build failure (%s) table %s: %s", e.Code, e.Table, msg)
	}
	return fmt.Sprintf("projection build failure (%s): %s", e.Code, msg)
}

func (e *BuildError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Source places one artifact into a table. Table defaults to the artifact
// type.
type Source struct {
	ArtifactID string `json:"artifact_id"`
	Table      string `json:"table,omitempty"`
}

// Index requests a secondary index on a projected table.
type Index struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
}

// Name is the index identifier inside the projection.
func (i Index) Name() string {
	return "idx_" + i.Table + "_" + strings.Join(i.Columns, "_")
}

// Request describes a projection. An empty ProjectionID is derived from the
// sources and indexes, so equal requests map to the same cache entry.
type Request struct {
	ProjectionID string   `json:"projection_id,omitempty"`
	Sources      []Source `json:"sources"`
	Indexes      []Index  `json:"indexes,omitempty"`
}

// ForArtifacts returns a request placing every id into its type's table.
func ForArtifacts(ids ...string) Request {
	r := Request{Sources: make([]Source, 0, len(ids))}
	for _, id := range ids {
		r.Sources = append(r.Sources, Source{ArtifactID: id})
	}
	return r
}

// TableInfo describes one projected table.
type TableInfo struct {
	Name     string   `json:"name"`
	RowCount int64    `json:"row_count"`
	Columns  []string `json:"columns"`
	Indexes  []string `json:"indexes,omitempty"`
	// ArtifactIDs lists the artifacts scanned into the table.
	ArtifactIDs []string `json:"artifact_ids"`
}

// Projection is the result of a build.
type Projection struct {
	ProjectionID      string      `json:"projection_id"`
	Path              string      `json:"path"`
	Tables            []TableInfo `json:"tables"`
	SourceArtifactIDs []string    `json:"source_artifact_ids"`
	BuiltAt           time.Time   `json:"built_at"`
}

// Table returns the named table, or nil.
func (p *Projection) Table(name string) *TableInfo {
	for i := range p.Tables {
		if p.Tables[i].Name == name {
			return &p.Tables[i]
		}
	}
	return nil
}

var (
	identPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	idPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._=-]*$`)
)

// ValidID reports whether id is usable as a cache file name.
func ValidID(id string) bool {
	return len(id) <= 128 && idPattern.MatchString(id)
}

func validate(req Request) error {
	if req.ProjectionID != "" && !ValidID(req.ProjectionID) {
		return &BuildError{Code: CodeInvalidRequest, Message: fmt.Sprintf("invalid projection id %q", req.ProjectionID)}
	}
	if len(req.Sources) == 0 {
		return &BuildError{Code: CodeInvalidRequest, Message: "at least one source artifact is required"}
	}
	seen := make(map[string]bool, len(req.Sources))
	for _, s := range req.Sources {
		if strings.TrimSpace(s.ArtifactID) == "" {
			return &BuildError{Code: CodeInvalidRequest, Message: "source artifact id is empty"}
		}
		if s.Table != "" && !identPattern.MatchString(s.Table) {
			return &BuildError{Code: CodeInvalidRequest, Table: s.Table, Message: "invalid table name"}
		}
		key := s.Table + "\x00" + s.ArtifactID
		if seen[key] {
			return &BuildError{Code: CodeInvalidRequest, Table: s.Table, Message: fmt.Sprintf("artifact %s listed twice", s.ArtifactID)}
		}
		seen[key] = true
	}
	for _, ix := range req.Indexes {
		if !identPattern.MatchString(ix.Table) {
			return &BuildError{Code: CodeInvalidRequest, Table: ix.Table, Message: "invalid index table name"}
		}
		if len(ix.Columns) == 0 {
			return &BuildError{Code: CodeInvalidRequest, Table: ix.Table, Message: "index has no columns"}
		}
		for _, c := range ix.Columns {
			if !identPattern.MatchString(c) {
				return &BuildError{Code: CodeInvalidRequest, Table: ix.Table, Message: fmt.Sprintf("invalid index column %q", c)}
			}
		}
	}
	return nil
}

// DeriveID hashes the request's sources and indexes. Source order within a
// table does not matter.
func DeriveID(req Request) (string, error) {
	canon := struct {
		Sources []Source `json:"sources"`
		Indexes []Index  `json:"indexes"`
	}{
		Sources: append([]Source(nil), req.Sources...),
		Indexes: append([]Index(nil), req.Indexes...),
	}
	sort.Slice(canon.Sources, func(i, j int) bool {
		a, b := canon.Sources[i], canon.Sources[j]
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.ArtifactID < b.ArtifactID
	})
	sort.Slice(canon.Indexes, func(i, j int) bool { return canon.Indexes[i].Name() < canon.Indexes[j].Name() })
	if canon.Indexes == nil {
		canon.Indexes = []Index{}
	}
	b, err := fsutil.MarshalStable(canon)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "p_" + hex.EncodeToString(sum[:])[:16], nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
