package overlay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/complyflow/internal/validator"
)

// GraphInvalidError reports a merged graph that failed validation.
// Every issue found is carried, not just the first.
type GraphInvalidError struct {
	Issues []validator.Issue
}

// Error implements the error interface.
func (e *GraphInvalidError) Error() string {
	return fmt.Sprintf("GRAPH_INVALID: %d issue(s)\n%s", len(e.Issues), validator.Summary(e.Issues))
}

// RequiredStepMissingError reports required base steps that an overlay
// removed. It is a governance violation, distinct from GraphInvalidError.
type RequiredStepMissingError struct {
	StepIDs []string
}

// Error implements the error interface.
func (e *RequiredStepMissingError) Error() string {
	return fmt.Sprintf("REQUIRED_STEP_MISSING: required step(s) removed by overlay: %s",
		strings.Join(e.StepIDs, ", "))
}

// IsGraphInvalid returns true if err is a GraphInvalidError.
// Uses errors.As to handle wrapped errors.
func IsGraphInvalid(err error) bool {
	var ge *GraphInvalidError
	return errors.As(err, &ge)
}

// IsRequiredStepMissing returns true if err is a RequiredStepMissingError.
// Uses errors.As to handle wrapped errors.
func IsRequiredStepMissing(err error) bool {
	var re *RequiredStepMissingError
	return errors.As(err, &re)
}
