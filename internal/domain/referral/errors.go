package referral

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound covers both an unknown id and an id/DOB mismatch so that
	// callers cannot tell the two apart.
	ErrNotFound          = errors.New("referral not found")
	ErrEmptyNote         = errors.New("note cannot be empty")
	ErrInvalidStatus     = errors.New("invalid referral status")
	ErrPermissionDenied  = errors.New("permission denied by store")
	ErrSummaryGeneration = errors.New("summary generation failed")
)

// ValidationError carries per-field messages for rejected form input.
type ValidationError struct {
	Fields map[string][]string `json:"errors"`
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("validation failed: %s", strings.Join(names, ", "))
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

// Has reports whether field has at least one message.
func (e *ValidationError) Has(field string) bool {
	return len(e.Fields[field]) > 0
}

// AttachmentUploadError reports a failed blob upload. The submission is
// aborted and may be retried as a whole.
type AttachmentUploadError struct {
	Name string
	Err  error
}

func (e *AttachmentUploadError) Error() string {
	return fmt.Sprintf("upload attachment %q: %v", e.Name, e.Err)
}

func (e *AttachmentUploadError) Unwrap() error { return e.Err }

// Retryable is always true: blob failures are treated as transient.
func (e *AttachmentUploadError) Retryable() bool { return true }
