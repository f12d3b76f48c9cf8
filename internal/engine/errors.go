package engine

import (
	"fmt"

	"github.com/google/uuid"
)

// ConflictError is returned when a publish would create a second active job for a pair.
type ConflictError struct {
	PropertyID  string
	Portal      string
	ActiveJobID string
}

func (e ConflictError) Error() string {
	if e.ActiveJobID == "" {
		return fmt.Sprintf("property %s already has an active job on %s", e.PropertyID, e.Portal)
	}
	return fmt.Sprintf("property %s already has an active job on %s (%s)", e.PropertyID, e.Portal, e.ActiveJobID)
}

// ValidationError reports bad request input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string { return e.Message }

func newJobID() string {
	return "job_" + uuid.NewString()
}
