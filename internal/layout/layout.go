package layout

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"artifactledger/internal/tabular"
)

// SidecarSuffix is appended to a data file path to name its metadata sidecar.
const SidecarSuffix = ".meta.json"

var (
	typePattern    = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
	segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_.=:+-]+$`)
)

// Layout maps artifact identity to paths under the canonical store directory:
//
//	<dir>/<artifact_type>/v<version>/<logical_key>__ch=<hash8>.<ext>
//	<dir>/<artifact_type>/v<version>/<logical_key>__ch=<hash8>.<ext>.meta.json
type Layout struct {
	// Dir is the canonical store directory (store-root/store).
	Dir string
}

// New returns a Layout rooted at dir.
func New(dir string) Layout {
	return Layout{Dir: filepath.Clean(dir)}
}

// RelDataPath returns the canonical data path relative to Dir, using forward
// slashes regardless of platform.
func (l Layout) RelDataPath(artifactType string, version int, logicalKey, contentHash string, format tabular.Format) (string, error) {
	if err := ValidateArtifactType(artifactType); err != nil {
		return "", err
	}
	if version < 1 {
		return "", fmt.Errorf("schema version must be >= 1 (got %d)", version)
	}
	if err := ValidateLogicalKey(logicalKey); err != nil {
		return "", err
	}
	if len(contentHash) < 8 {
		return "", fmt.Errorf("content hash too short: %q", contentHash)
	}
	if format.Ext() == "" {
		return "", errors.New("format is required")
	}
	name := fmt.Sprintf("%s__ch=%s.%s", logicalKey, Hash8(contentHash), format.Ext())
	return path.Join(artifactType, fmt.Sprintf("v%d", version), name), nil
}

// Abs resolves a relative store path under Dir.
func (l Layout) Abs(rel string) string {
	return filepath.Join(l.Dir, filepath.FromSlash(rel))
}

// Rel converts an absolute path under Dir back to its slash-separated relative form.
func (l Layout) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(l.Dir, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the store", abs)
	}
	return filepath.ToSlash(rel), nil
}

// SidecarPath returns the metadata sidecar path for a data path.
func SidecarPath(dataPath string) string {
	return dataPath + SidecarSuffix
}

// IsSidecar reports whether p names a sidecar file.
func IsSidecar(p string) bool {
	return strings.HasSuffix(p, SidecarSuffix)
}

// ValidateArtifactType checks that t is a lowercase identifier usable as a
// directory name.
func ValidateArtifactType(t string) error {
	if !typePattern.MatchString(t) {
		return fmt.Errorf("invalid artifact type %q (expected lowercase identifier)", t)
	}
	return nil
}

// ValidateLogicalKey checks a slash-separated partition path such as
// day=2025-05-01/chain=solana. Segments must be non-empty, must not be "." or
// "..", and must only contain path-safe characters.
func ValidateLogicalKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("logical key is required")
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("invalid logical key %q: leading or trailing slash", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid logical key %q: bad segment %q", key, seg)
		}
		if !segmentPattern.MatchString(seg) {
			return fmt.Errorf("invalid logical key %q: segment %q has unsupported characters", key, seg)
		}
		if strings.HasPrefix(seg, ".") {
			return fmt.Errorf("invalid logical key %q: segment %q must not start with a dot", key, seg)
		}
	}
	return nil
}
