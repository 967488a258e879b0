package ingest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"artifactledger/internal/fsutil"
	"artifactledger/internal/layout"
	"artifactledger/internal/tabular"
)

// Staging file names inside inbox/<job_id>/.
const (
	ManifestFile = "manifest.json"
	CommitFile   = "COMMIT"
)

// Producer is the closed set of systems allowed to submit jobs.
type Producer string

const (
	ProducerTelegramIngest   Producer = "telegram_ingest"
	ProducerOHLCVFetcher     Producer = "ohlcv_fetcher"
	ProducerBacktestRunner   Producer = "backtest_runner"
	ProducerSimulationEngine Producer = "simulation_engine"
	ProducerOperator         Producer = "operator"
)

var producers = map[Producer]bool{
	ProducerTelegramIngest:   true,
	ProducerOHLCVFetcher:     true,
	ProducerBacktestRunner:   true,
	ProducerSimulationEngine: true,
	ProducerOperator:         true,
}

// Valid reports whether p is a known producer.
func (p Producer) Valid() bool { return producers[p] }

// Kind is the closed set of job kinds. A kind doubles as the default artifact
// type of the job's files.
type Kind string

const (
	KindAlerts     Kind = "alerts"
	KindOHLCV      Kind = "ohlcv"
	KindStrategies Kind = "strategies"
	KindSimResults Kind = "sim_results"
	KindFeatures   Kind = "features"
)

var kinds = map[Kind]bool{
	KindAlerts:     true,
	KindOHLCV:      true,
	KindStrategies: true,
	KindSimResults: true,
	KindFeatures:   true,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return kinds[k] }

// Manifest is the producer's description of one job.
type Manifest struct {
	RunID        string             `json:"run_id"`
	JobID        string             `json:"job_id"`
	Producer     Producer           `json:"producer"`
	Kind         Kind               `json:"kind"`
	CreatedAtUTC string             `json:"created_at_utc"`
	Artifacts    []ManifestArtifact `json:"artifacts"`
	Meta         Meta               `json:"meta"`
}

// ManifestArtifact declares one data file of a job. The fields after SHA256
// are optional extensions; when absent they are derived from the schema hint,
// the job kind and the relpath.
type ManifestArtifact struct {
	ArtifactID string `json:"artifact_id,omitempty"`
	Format     string `json:"format"`
	RelPath    string `json:"relpath"`
	SchemaHint string `json:"schema_hint,omitempty"`
	Rows       *int64 `json:"rows,omitempty"`
	SHA256     string `json:"sha256,omitempty"`

	ArtifactType     string            `json:"artifact_type,omitempty"`
	SchemaVersion    int               `json:"schema_version,omitempty"`
	LogicalKey       string            `json:"logical_key,omitempty"`
	InputArtifactIDs []string          `json:"input_artifact_ids,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
	TsColumn         string            `json:"ts_column,omitempty"`
}

// Meta carries producer provenance.
type Meta struct {
	GitSHA string         `json:"git_sha,omitempty"`
	Dirty  bool           `json:"dirty,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// ResolvedArtifact is a validated manifest entry with every derived field
// filled in.
type ResolvedArtifact struct {
	Index         int
	Declared      ManifestArtifact
	SourcePath    string
	Format        tabular.Format
	ArtifactType  string
	SchemaVersion int
	LogicalKey    string
}

var (
	schemaHintPattern = regexp.MustCompile(`^([a-z][a-z0-9_]*?)_v([1-9][0-9]*)$`)
	idPattern         = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)
	sha256Pattern     = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// ReadManifest strictly decodes jobDir/manifest.json. Unknown fields and
// trailing content are rejected.
func ReadManifest(jobDir string) (*Manifest, error) {
	p := filepath.Join(jobDir, ManifestFile)
	var m Manifest
	if err := fsutil.ReadJSONStrict(p, &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ValidationError{Code: CodeMissingManifest, Field: ManifestFile, Message: "manifest.json not found"}
		}
		return nil, &ValidationError{Code: CodeMalformedManifest, Field: ManifestFile, Message: err.Error()}
	}
	return &m, nil
}

// Validate checks the manifest against jobDir and resolves every artifact.
// All problems are reported together, joined with errors.Join; each is a
// *ValidationError.
func (m *Manifest) Validate(jobDir string) ([]ResolvedArtifact, error) {
	var errs []error
	add := func(code, field, format string, args ...any) {
		errs = append(errs, &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(m.RunID) == "" {
		add(CodeMissingField, "run_id", "run_id is required")
	}
	switch {
	case strings.TrimSpace(m.JobID) == "":
		add(CodeMissingField, "job_id", "job_id is required")
	case !idPattern.MatchString(m.JobID):
		add(CodeInvalidValue, "job_id", "job_id %q has unsupported characters", m.JobID)
	case m.JobID != filepath.Base(jobDir):
		add(CodeInvalidValue, "job_id", "job_id %q does not match staging directory %q", m.JobID, filepath.Base(jobDir))
	}
	switch {
	case m.Producer == "":
		add(CodeMissingField, "producer", "producer is required")
	case !m.Producer.Valid():
		add(CodeUnknownProducer, "producer", "unknown producer %q", m.Producer)
	}
	switch {
	case m.Kind == "":
		add(CodeMissingField, "kind", "kind is required")
	case !m.Kind.Valid():
		add(CodeUnknownKind, "kind", "unknown kind %q", m.Kind)
	}
	if strings.TrimSpace(m.CreatedAtUTC) == "" {
		add(CodeMissingField, "created_at_utc", "created_at_utc is required")
	} else if _, err := time.Parse(time.RFC3339Nano, m.CreatedAtUTC); err != nil {
		add(CodeInvalidValue, "created_at_utc", "created_at_utc %q is not RFC 3339", m.CreatedAtUTC)
	}
	if len(m.Artifacts) == 0 {
		add(CodeMissingField, "artifacts", "at least one artifact is required")
	}

	var (
		resolved = make([]ResolvedArtifact, 0, len(m.Artifacts))
		relpaths = make(map[string]int)
		ids      = make(map[string]int)
	)
	for i, a := range m.Artifacts {
		field := func(name string) string { return fmt.Sprintf("artifacts[%d].%s", i, name) }
		before := len(errs)

		rel := path.Clean(filepath.ToSlash(a.RelPath))
		switch {
		case strings.TrimSpace(a.RelPath) == "":
			add(CodeMissingField, field("relpath"), "relpath is required")
		case path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../"):
			add(CodeInvalidPath, field("relpath"), "relpath %q escapes the job directory", a.RelPath)
		case rel == ManifestFile || rel == CommitFile:
			add(CodeInvalidPath, field("relpath"), "relpath %q names a control file", a.RelPath)
		default:
			if j, dup := relpaths[rel]; dup {
				add(CodeDuplicate, field("relpath"), "relpath %q already declared by artifacts[%d]", a.RelPath, j)
			}
			relpaths[rel] = i
		}

		if a.ArtifactID != "" {
			if !idPattern.MatchString(a.ArtifactID) {
				add(CodeInvalidValue, field("artifact_id"), "artifact_id %q has unsupported characters", a.ArtifactID)
			} else if j, dup := ids[a.ArtifactID]; dup {
				add(CodeDuplicate, field("artifact_id"), "artifact_id %q already declared by artifacts[%d]", a.ArtifactID, j)
			}
			ids[a.ArtifactID] = i
		}

		format, err := tabular.ParseFormat(a.Format)
		if err != nil {
			add(CodeInvalidValue, field("format"), "%v", err)
		}
		if a.Rows != nil && *a.Rows < 0 {
			add(CodeInvalidValue, field("rows"), "rows must be non-negative (got %d)", *a.Rows)
		}
		if a.SHA256 != "" && !sha256Pattern.MatchString(strings.ToLower(a.SHA256)) {
			add(CodeInvalidValue, field("sha256"), "sha256 must be 64 hex characters")
		}

		typ, version, err := resolveType(a, m.Kind)
		if err != nil {
			add(CodeInvalidValue, field("schema_hint"), "%v", err)
		}
		key := a.LogicalKey
		if key == "" {
			key = defaultLogicalKey(rel, m.JobID)
		}
		if err := layout.ValidateLogicalKey(key); err != nil {
			add(CodeInvalidValue, field("logical_key"), "%v", err)
		}
		for k := range a.Tags {
			if strings.TrimSpace(k) == "" {
				add(CodeInvalidValue, field("tags"), "tag keys must be non-empty")
				break
			}
		}

		src := filepath.Join(jobDir, filepath.FromSlash(rel))
		if len(errs) == before {
			if err := checkReadable(src); err != nil {
				code := CodeUnreadableFile
				if errors.Is(err, os.ErrNotExist) {
					code = CodeMissingFile
				}
				add(code, field("relpath"), "%s: %v", a.RelPath, err)
			} else if a.SHA256 != "" {
				got, err := layout.FileHash(src)
				if err != nil {
					add(CodeUnreadableFile, field("relpath"), "%s: %v", a.RelPath, err)
				} else if !strings.EqualFold(got, a.SHA256) {
					add(CodeHashMismatch, field("sha256"), "%s: declared sha256 %s, file has %s", a.RelPath, a.SHA256, got)
				}
			}
		}

		resolved = append(resolved, ResolvedArtifact{
			Index:         i,
			Declared:      a,
			SourcePath:    src,
			Format:        format,
			ArtifactType:  typ,
			SchemaVersion: version,
			LogicalKey:    key,
		})
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return resolved, nil
}

// resolveType picks the artifact type and schema version: explicit fields
// first, then the schema hint (alerts_v1), then the job kind at version 1.
func resolveType(a ManifestArtifact, kind Kind) (string, int, error) {
	typ, version := a.ArtifactType, a.SchemaVersion
	if a.SchemaHint != "" {
		sm := schemaHintPattern.FindStringSubmatch(a.SchemaHint)
		if sm == nil {
			return "", 0, fmt.Errorf("schema_hint %q must look like <type>_v<version>", a.SchemaHint)
		}
		if typ == "" {
			typ = sm[1]
		}
		if version == 0 {
			version, _ = strconv.Atoi(sm[2])
		}
	}
	if typ == "" {
		typ = string(kind)
	}
	if version == 0 {
		version = 1
	}
	if version < 0 {
		return "", 0, fmt.Errorf("schema_version must be positive (got %d)", version)
	}
	if err := layout.ValidateArtifactType(typ); err != nil {
		return "", 0, err
	}
	return typ, version, nil
}

// defaultLogicalKey uses the relpath directory (day=.../chain=...) when there
// is one, otherwise a key scoped to the job.
func defaultLogicalKey(rel, jobID string) string {
	if dir := path.Dir(rel); dir != "." && dir != "/" {
		if layout.ValidateLogicalKey(dir) == nil {
			return dir
		}
	}
	return "job=" + jobID
}

func checkReadable(p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	return f.Close()
}

// normalizeHex lowercases hex strings such as git SHAs and leaves anything
// else untouched.
func normalizeHex(s string) string {
	if _, err := hex.DecodeString(s); err != nil {
		return s
	}
	return strings.ToLower(s)
}
