// Package domain contains domain models and business logic errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")

	// ErrUnavailable is returned when a service or resource is unavailable.
	ErrUnavailable = errors.New("service unavailable")
)

// Placement errors
var (
	// ErrInsufficientCapacity is returned when no node has enough free
	// capacity to satisfy a resource request.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrAffinityUnsatisfiable is returned when capacity existed but the
	// affinity constraints excluded every candidate node.
	ErrAffinityUnsatisfiable = errors.New("affinity constraints unsatisfiable")

	// ErrAllNodesUnavailable is returned when every node is unhealthy or
	// in maintenance.
	ErrAllNodesUnavailable = errors.New("all nodes unavailable")

	// ErrReservationConflict is returned when a compare-and-commit
	// reservation lost a race. Callers retry placement on this error.
	ErrReservationConflict = errors.New("reservation conflict")
)

// Migration errors
var (
	// ErrMigrationConflict is returned when a workload already has an
	// active migration job.
	ErrMigrationConflict = errors.New("workload already has an active migration")

	// ErrPreflightIncompatible is returned when a live migration preflight
	// check finds the source and target hypervisors incompatible.
	ErrPreflightIncompatible = errors.New("source and target are incompatible for live migration")

	// ErrStageTimeout marks a migration stage that exceeded its deadline.
	ErrStageTimeout = errors.New("migration stage timed out")

	// ErrStageFailed marks a migration stage that failed outright.
	ErrStageFailed = errors.New("migration stage failed")
)

// StageError describes a failure in a specific migration stage. It matches
// ErrStageTimeout or ErrStageFailed under errors.Is depending on whether
// the stage hit its deadline.
type StageError struct {
	Stage   MigrationStage
	Timeout bool
	Err     error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("stage %s timed out: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the stage sentinel errors.
func (e *StageError) Is(target error) bool {
	if e.Timeout && target == ErrStageTimeout {
		return true
	}
	return target == ErrStageFailed
}

// NewStageError wraps a stage failure with its stage name.
func NewStageError(stage MigrationStage, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}

// NewStageTimeout wraps a stage deadline overrun with its stage name.
func NewStageTimeout(stage MigrationStage, err error) *StageError {
	return &StageError{Stage: stage, Timeout: true, Err: err}
}
