package ingest

import (
	"errors"
	"fmt"

	"artifactledger/internal/store"
	"artifactledger/internal/writerlock"
)

// ErrLockTimeout aliases the writer lock timeout. A job that hits it stays in
// the inbox and is retried next cycle.
var ErrLockTimeout = writerlock.ErrLockTimeout

// Validation codes.
const (
	CodeMissingManifest   = "missing_manifest"
	CodeMalformedManifest = "malformed_manifest"
	CodeMissingField      = "missing_field"
	CodeInvalidValue      = "invalid_value"
	CodeUnknownProducer   = "unknown_producer"
	CodeUnknownKind       = "unknown_kind"
	CodeInvalidPath       = "invalid_path"
	CodeDuplicate         = "duplicate"
	CodeMissingFile       = "missing_file"
	CodeUnreadableFile    = "unreadable_file"
	CodeHashMismatch      = "hash_mismatch"
)

// ValidationError is one problem found in a staged job. Jobs failing
// validation are rejected without touching the store.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("validation failure (%s) %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("validation failure (%s): %s", e.Code, e.Message)
}

// ExportError wraps a failed view regeneration. It is logged and counted but
// never undoes a processed job.
type ExportError struct {
	JobID string
	Cause error
}

func (e *ExportError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("export after job %s: %v", e.JobID, e.Cause)
}

func (e *ExportError) Unwrap() error { return e.Cause }

// FailureClass groups rejection causes.
type FailureClass string

const (
	FailureClassValidation FailureClass = "validation"
	FailureClassPublish    FailureClass = "publish"
	FailureClassSystem     FailureClass = "system"
)

// FailureDetail is one classified error inside a rejection.
type FailureDetail struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// classify maps err onto the failure taxonomy. Joined errors are flattened so
// every validation problem appears in the rejection record.
func classify(err error) (FailureClass, []FailureDetail) {
	if err == nil {
		return FailureClassSystem, []FailureDetail{{Code: "unknown_error", Message: "nil error"}}
	}

	var details []FailureDetail
	class := FailureClass("")
	for _, e := range flatten(err) {
		var ve *ValidationError
		var pe *store.PublishError
		switch {
		case errors.As(e, &ve) && ve != nil:
			details = append(details, FailureDetail{
				Code:    nonEmptyOr(ve.Code, "validation_failure"),
				Field:   ve.Field,
				Message: nonEmptyOr(ve.Message, ve.Error()),
			})
			class = worse(class, FailureClassValidation)
		case errors.As(e, &pe) && pe != nil:
			msg := pe.Message
			if msg == "" && pe.Cause != nil {
				msg = pe.Cause.Error()
			}
			details = append(details, FailureDetail{
				Code:    nonEmptyOr(pe.Code, "publish_failure"),
				Path:    pe.Path,
				Message: nonEmptyOr(msg, pe.Error()),
			})
			class = worse(class, FailureClassPublish)
		default:
			// Unknown errors are the most conservative class.
			details = append(details, FailureDetail{Code: "unknown_error", Message: e.Error()})
			class = worse(class, FailureClassSystem)
		}
	}
	return class, details
}

func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}

var classRank = map[FailureClass]int{
	"":                     0,
	FailureClassValidation: 1,
	FailureClassPublish:    2,
	FailureClassSystem:     3,
}

func worse(a, b FailureClass) FailureClass {
	if classRank[b] > classRank[a] {
		return b
	}
	return a
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
