/*
errors.go - Error taxonomy for the scheduling engine

PURPOSE:
  One sentinel per failure class, plus structured errors that carry the
  context a caller needs to render or retry. Structured errors Unwrap to
  their sentinel so callers can branch with errors.Is.

ERROR CATEGORIES:
  1. Precondition:      malformed input, missing period/policy/trade
  2. Authorization:     capability not held (checked before detection)
  3. InvalidTransition: state-machine edge does not exist from current state
  4. PeriodLocked:      mutation refused because the period is frozen
  5. ConflictBlocked / ConflictOverrideRequired: detection outcome gates
  6. Storage:           opaque store/transport failure, never retried here

Detected conflicts are NOT errors. Only the gate turns them into one.
*/
package schedule

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrPrecondition             = errors.New("precondition failed")
	ErrNotFound                 = errors.New("not found")
	ErrForbidden                = errors.New("forbidden")
	ErrInvalidTransition        = errors.New("invalid transition")
	ErrPeriodLocked             = errors.New("period locked")
	ErrConflictBlocked          = errors.New("conflict blocked")
	ErrConflictOverrideRequired = errors.New("conflict override required")
	ErrConcurrentModification   = errors.New("concurrent modification detected")
	ErrStorage                  = errors.New("storage failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// PreconditionError names the missing or malformed input.
type PreconditionError struct {
	Field  string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %s %s", e.Field, e.Reason)
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

func preconditionf(field, format string, args ...any) error {
	return &PreconditionError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError is a precondition failure for a referenced row that does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound || target == ErrPrecondition
}

// ForbiddenError names the capability the caller lacks.
type ForbiddenError struct {
	Capability Capability
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: requires %s", e.Capability)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// TransitionError reports a state-machine edge that does not exist.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s %s %s in state %s", e.Action, e.Entity, e.ID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// PeriodLockedError names the frozen period that refused a mutation.
type PeriodLockedError struct {
	PeriodID string
	Status   PeriodStatus
}

func (e *PeriodLockedError) Error() string {
	return fmt.Sprintf("period %s is %s", e.PeriodID, e.Status)
}

func (e *PeriodLockedError) Unwrap() error { return ErrPeriodLocked }

// ConflictError carries the full conflict list so the caller can display it.
type ConflictError struct {
	OverrideRequired bool
	Conflicts        []Conflict
	// Unacknowledged lists blocking conflict ids still needing acknowledgement.
	Unacknowledged   []string
	ReasonMissing    bool

	// DriftChoiceRequired is set when only a drift_choice can clear the error.
	DriftChoiceRequired bool
}

func (e *ConflictError) Error() string {
	types := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		if c.IsBlocking {
			types = append(types, string(c.Type))
		}
	}
	if e.OverrideRequired {
		return "override required: " + strings.Join(types, ", ")
	}
	return "blocked by conflicts: " + strings.Join(types, ", ")
}

func (e *ConflictError) Unwrap() error {
	if e.OverrideRequired {
		return ErrConflictOverrideRequired
	}
	return ErrConflictBlocked
}

// Is lets a gate rejection on a frozen period also match ErrPeriodLocked.
func (e *ConflictError) Is(target error) bool {
	if target != ErrPeriodLocked {
		return false
	}
	for _, c := range e.Conflicts {
		if c.Type == ConflictLockedPeriod {
			return true
		}
	}
	return false
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrPrecondition) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrPeriodLocked) ||
		IsConflict(err)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflictBlocked) || errors.Is(err, ErrConflictOverrideRequired)
}

// ConflictsOf extracts the conflict list from a gate error.
func ConflictsOf(err error) []Conflict {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Conflicts
	}
	return nil
}
