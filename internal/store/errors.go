package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvariantViolation  = errors.New("evigraph: invariant violation")
	ErrUnitMismatch        = errors.New("evigraph: unit mismatch")
	ErrConstraintViolation = errors.New("evigraph: constraint violation")
	ErrAlignmentSoftFail   = errors.New("evigraph: alignment soft fail")
	ErrAlignmentHardFail   = errors.New("evigraph: alignment hard fail")
	ErrExecutorFailure     = errors.New("evigraph: executor failure")
	ErrNotFound            = errors.New("evigraph: not found")
	ErrConflict            = errors.New("evigraph: concurrent modification")
	ErrEmpty               = errors.New("evigraph: no eligible action")
)

// Invariant codes.
const (
	CodeSourceless        = "sourceless_artifact"
	CodeCycle             = "requires_cycle"
	CodeDimension         = "dimension_mismatch"
	CodeDuplicateResolve  = "duplicate_resolution"
	CodeIllegalTransition = "illegal_transition"
	CodeInvalidInput      = "invalid_input"
	CodeSelfLoop          = "self_loop"
)

type InvariantError struct {
	Code   string
	Detail string
	unit   bool
}

func Invariant(code, format string, args ...any) *InvariantError {
	return &InvariantError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// UnitInvariant reports a unit incompatibility. It matches both
// ErrInvariantViolation and ErrUnitMismatch.
func UnitInvariant(format string, args ...any) *InvariantError {
	return &InvariantError{Code: CodeDimension, Detail: fmt.Sprintf(format, args...), unit: true}
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Code, e.Detail)
}

func (e *InvariantError) Is(target error) bool {
	if target == ErrInvariantViolation {
		return true
	}
	return e.unit && target == ErrUnitMismatch
}

type Violation struct {
	ConstraintID string
	ArtifactID   string
	Severity     Severity
	Reason       string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s on %s: %s", v.ConstraintID, v.ArtifactID, v.Reason)
}

type ConstraintError struct {
	Violations []Violation
}

func (e *ConstraintError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return "constraint violation: " + strings.Join(parts, "; ")
}

func (e *ConstraintError) Unwrap() error {
	return ErrConstraintViolation
}
