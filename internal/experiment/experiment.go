// Package experiment tracks experiments over frozen input artifact sets.
//
// An experiment names its inputs by role, carries an opaque engine config
// and a seed, and moves monotonically through
//
//	pending -> running -> completed | failed
//	pending | running -> cancelled
//
// The fingerprint over (inputs, config, seed) is the determinism contract:
// two completed experiments with equal fingerprints are expected to have
// produced outputs with equal content hashes.
package experiment

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

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown experiment status %q", s)
	}
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

var (
	// ErrNotFound is returned for unknown experiment ids.
	ErrNotFound = errors.New("experiment not found")
	// ErrOutputsFrozen is returned when outputs are attached to a terminal
	// experiment or a role is rebound to a different artifact.
	ErrOutputsFrozen = errors.New("experiment outputs are frozen")
	// ErrArtifactTombstoned rejects a tombstoned input or output artifact.
	ErrArtifactTombstoned = errors.New("artifact is tombstoned")
)

// TransitionError reports a disallowed status change.
type TransitionError struct {
	ExperimentID string
	From         Status
	To           Status
}

func (e *TransitionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("experiment %s: disallowed transition %s -> %s", e.ExperimentID, e.From, e.To)
}

// ExecutionError wraps an engine or publish failure. The experiment has been
// marked failed by the time it is returned.
type ExecutionError struct {
	ExperimentID string
	Stage        string
	Cause        error
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("experiment execution failure (%s) %s: %v", e.Stage, e.ExperimentID, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Provenance records where an experiment definition came from.
type Provenance struct {
	CommitID      string    `json:"commit_id"`
	Dirty         bool      `json:"dirty"`
	EngineVersion string    `json:"engine_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Execution records timing and the failure message, if any.
type Execution struct {
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Experiment is a tracked experiment.
type Experiment struct {
	ExperimentID string              `json:"experiment_id"`
	Name         string              `json:"name"`
	Inputs       map[string][]string `json:"inputs"`
	Config       map[string]any      `json:"config"`
	Seed         int64               `json:"seed"`
	Fingerprint  string              `json:"fingerprint"`
	Provenance   Provenance          `json:"provenance"`
	Status       Status              `json:"status"`
	Outputs      map[string]string   `json:"outputs"`
	Execution    Execution           `json:"execution"`
}

// InputArtifactIDs returns every frozen input id, sorted and deduplicated.
func (e *Experiment) InputArtifactIDs() []string {
	seen := map[string]bool{}
	var ids []string
	for _, list := range e.Inputs {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// Roles returns the input roles in sorted order.
func (e *Experiment) Roles() []string {
	roles := make([]string, 0, len(e.Inputs))
	for r := range e.Inputs {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// Definition is the caller-supplied part of an experiment.
type Definition struct {
	// ExperimentID defaults to a new uuid.
	ExperimentID  string
	Name          string
	Inputs        map[string][]string
	Config        map[string]any
	Seed          int64
	CommitID      string
	Dirty         bool
	EngineVersion string
}

var (
	rolePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Validate returns every problem with d, joined.
func (d Definition) Validate() error {
	var errs []error
	if d.ExperimentID != "" && !idPattern.MatchString(d.ExperimentID) {
		errs = append(errs, fmt.Errorf("invalid experiment id %q", d.ExperimentID))
	}
	if len(d.Inputs) == 0 {
		errs = append(errs, errors.New("inputs must name at least one role"))
	}
	for role, ids := range d.Inputs {
		if !rolePattern.MatchString(role) {
			errs = append(errs, fmt.Errorf("invalid input role %q", role))
		}
		if len(ids) == 0 {
			errs = append(errs, fmt.Errorf("input role %q has no artifacts", role))
		}
		seen := map[string]bool{}
		for i, id := range ids {
			if strings.TrimSpace(id) == "" {
				errs = append(errs, fmt.Errorf("inputs.%s[%d] is empty", role, i))
			}
			if seen[id] {
				errs = append(errs, fmt.Errorf("inputs.%s lists %s twice", role, id))
			}
			seen[id] = true
		}
	}
	return errors.Join(errs...)
}

// Fingerprint hashes the inputs, config and seed. Artifact order within a
// role does not matter; map keys are serialized sorted.
func Fingerprint(inputs map[string][]string, config map[string]any, seed int64) (string, error) {
	canon := struct {
		Inputs map[string][]string `json:"inputs"`
		Config map[string]any      `json:"config"`
		Seed   int64               `json:"seed"`
	}{Inputs: make(map[string][]string, len(inputs)), Config: config, Seed: seed}
	for role, ids := range inputs {
		sorted := append([]string(nil), ids...)
		sort.Strings(sorted)
		canon.Inputs[role] = sorted
	}
	if canon.Config == nil {
		canon.Config = map[string]any{}
	}
	b, err := fsutil.MarshalStable(canon)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
