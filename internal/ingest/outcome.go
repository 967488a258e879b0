package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"artifactledger/internal/fsutil"
	"artifactledger/internal/store"
)

// Outcome record file names.
const (
	OutcomeFile = "OUTCOME.json"
	RejectFile  = "REJECT_REASON.json"
)

// JobState is the lifecycle of a staged job.
type JobState string

const (
	JobStaged    JobState = "staged"
	JobProcessed JobState = "processed"
	JobRejected  JobState = "rejected"
)

// Dirs names the directories under a store root.
type Dirs struct {
	Root string
}

func (d Dirs) Inbox() string     { return filepath.Join(d.Root, "inbox") }
func (d Dirs) Processed() string { return filepath.Join(d.Root, "processed") }
func (d Dirs) Rejected() string  { return filepath.Join(d.Root, "rejected") }
func (d Dirs) Store() string     { return filepath.Join(d.Root, "store") }

// Ensure creates every directory of the root layout.
func (d Dirs) Ensure() error {
	for _, dir := range []string{d.Inbox(), d.Processed(), d.Rejected(), d.Store()} {
		if err := fsutil.EnsureDir(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// OutcomeArtifact is one published entry of a processed job.
type OutcomeArtifact struct {
	Index              int             `json:"index"`
	RelPath            string          `json:"relpath"`
	DeclaredArtifactID string          `json:"declared_artifact_id,omitempty"`
	ArtifactID         string          `json:"artifact_id"`
	ArtifactType       string          `json:"artifact_type"`
	LogicalKey         string          `json:"logical_key"`
	Deduped            bool            `json:"deduped"`
	Mode               store.DedupMode `json:"mode,omitempty"`
	PathData           string          `json:"path_data"`
	RowCount           int64           `json:"row_count"`
	Warnings           []string        `json:"warnings,omitempty"`
}

// Outcome is written to processed/<job_id>/OUTCOME.json.
type Outcome struct {
	JobID       string            `json:"job_id"`
	RunID       string            `json:"run_id"`
	Producer    Producer          `json:"producer"`
	Kind        Kind              `json:"kind"`
	State       JobState          `json:"state"`
	ProcessedAt time.Time         `json:"processed_at"`
	Artifacts   []OutcomeArtifact `json:"artifacts"`
}

// ArtifactIDs returns the resolved id of every artifact, in manifest order.
func (o *Outcome) ArtifactIDs() []string {
	ids := make([]string, 0, len(o.Artifacts))
	for _, a := range o.Artifacts {
		ids = append(ids, a.ArtifactID)
	}
	return ids
}

// Rejection is written to rejected/<job_id>/REJECT_REASON.json.
type Rejection struct {
	JobID      string          `json:"job_id"`
	RunID      string          `json:"run_id,omitempty"`
	Producer   Producer        `json:"producer,omitempty"`
	State      JobState        `json:"state"`
	Class      FailureClass    `json:"failure_class"`
	Reason     string          `json:"reason"`
	Errors     []FailureDetail `json:"errors"`
	RejectedAt time.Time       `json:"rejected_at"`
	// AdmittedArtifactIDs lists artifacts published before a publish failure
	// stopped the job. They stay in the catalog.
	AdmittedArtifactIDs []string `json:"admitted_artifact_ids,omitempty"`
}

func newRejection(jobID string, m *Manifest, err error, admitted []string, at time.Time) *Rejection {
	class, details := classify(err)
	r := &Rejection{
		JobID:               jobID,
		State:               JobRejected,
		Class:               class,
		Errors:              details,
		RejectedAt:          at.UTC(),
		AdmittedArtifactIDs: admitted,
	}
	if m != nil {
		r.RunID = m.RunID
		r.Producer = m.Producer
	}
	r.Reason = details[0].Message
	if len(details) > 1 {
		r.Reason = fmt.Sprintf("%s (and %d more)", details[0].Message, len(details)-1)
	}
	if r.Reason == "" {
		r.Reason = string(class) + " failure"
	}
	return r
}

// terminalRecord reports which outcome record, if any, jobDir holds.
func terminalRecord(jobDir string) (JobState, error) {
	if ok, err := fsutil.Exists(filepath.Join(jobDir, OutcomeFile)); err != nil || ok {
		return JobProcessed, err
	}
	if ok, err := fsutil.Exists(filepath.Join(jobDir, RejectFile)); err != nil || ok {
		return JobRejected, err
	}
	return JobStaged, nil
}

// ReadOutcome loads a processed job's outcome.
func ReadOutcome(dirs Dirs, jobID string) (*Outcome, error) {
	var o Outcome
	if err := fsutil.ReadJSONStrict(filepath.Join(dirs.Processed(), jobID, OutcomeFile), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ReadRejection loads a rejected job's reason.
func ReadRejection(dirs Dirs, jobID string) (*Rejection, error) {
	var r Rejection
	if err := fsutil.ReadJSONStrict(filepath.Join(dirs.Rejected(), jobID, RejectFile), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// JobStatus locates jobID in the root layout.
func JobStatus(dirs Dirs, jobID string) (JobState, error) {
	for _, c := range []struct {
		dir   string
		state JobState
	}{
		{dirs.Processed(), JobProcessed},
		{dirs.Rejected(), JobRejected},
		{dirs.Inbox(), JobStaged},
	} {
		ok, err := fsutil.Exists(filepath.Join(c.dir, jobID))
		if err != nil {
			return "", err
		}
		if ok {
			return c.state, nil
		}
	}
	return "", fmt.Errorf("job %s: %w", jobID, os.ErrNotExist)
}

// finalize writes the record into the job directory, then moves the whole
// directory to its outcome location. A record inside the inbox therefore
// marks a job whose move is still pending.
func finalize(jobDir, destRoot, recordName string, record any) (string, error) {
	if err := fsutil.WriteJSONAtomic(filepath.Join(jobDir, recordName), record); err != nil {
		return "", fmt.Errorf("write %s: %w", recordName, err)
	}
	return moveJob(jobDir, destRoot)
}

func moveJob(jobDir, destRoot string) (string, error) {
	dest := filepath.Join(destRoot, filepath.Base(jobDir))
	if ok, err := fsutil.Exists(dest); err != nil {
		return "", err
	} else if ok {
		return "", fmt.Errorf("move %s: %w", filepath.Base(jobDir), os.ErrExist)
	}
	if err := fsutil.RenameDurable(jobDir, dest); err != nil {
		return "", fmt.Errorf("move %s: %w", filepath.Base(jobDir), err)
	}
	return dest, nil
}
