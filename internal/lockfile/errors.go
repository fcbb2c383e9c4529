package lockfile

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned (possibly wrapped) by a DataSource when the
// requested version does not exist.
var ErrNotFound = errors.New("not found")

// Artifact kinds named in NotFoundError.
const (
	KindWorkflow = "workflow"
	KindOverlay  = "overlay"
	KindRule     = "rule"
	KindTemplate = "template"
)

// NotFoundError names an artifact version a run needs that does not exist.
type NotFoundError struct {
	Kind    string
	ID      string
	Version string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ARTIFACT_NOT_FOUND: %s %s@%s", e.Kind, e.ID, e.Version)
}

// Unwrap lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// IsNotFound returns true if err is an artifact-not-found error.
// Uses errors.As to handle wrapped errors.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
