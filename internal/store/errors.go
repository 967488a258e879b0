package store

import (
	"errors"
	"fmt"

	"artifactledger/internal/catalog"
)

// ErrNotFound is returned by point lookups for unknown artifact ids.
var ErrNotFound = catalog.ErrNotFound

// ErrInvalidTransition is returned when a status change is not permitted.
var ErrInvalidTransition = catalog.ErrInvalidTransition

// Publish failure codes.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeSourceUnreadable = "source_unreadable"
	CodeHashFailed       = "hash_failed"
	CodeParseFailed      = "parse_failed"
	CodeIDConflict       = "id_conflict"
	CodeCopyFailed       = "copy_failed"
	CodeSidecarFailed    = "sidecar_failed"
	CodeCatalogFailed    = "catalog_failed"
)

// PublishError reports why an artifact could not be admitted. A publish that
// fails never leaves a catalog row without its file or a file without its row.
type PublishError struct {
	Code    string
	Path    string
	Message string
	Cause   error
}

func (e *PublishError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Path != "" {
		return fmt.Sprintf("publish failure (%s) %s: %s", e.Code, e.Path, msg)
	}
	return fmt.Sprintf("publish failure (%s): %s", e.Code, msg)
}

func (e *PublishError) Unwrap() error { return e.Cause }

func publishErr(code, path string, cause error) *PublishError {
	return &PublishError{Code: code, Path: path, Cause: cause}
}

func invalidRequest(format string, args ...any) *PublishError {
	return &PublishError{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// IsPublishError reports whether err carries a *PublishError.
func IsPublishError(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe)
}
