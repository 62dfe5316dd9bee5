package incident

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a control operation is illegal
	// for the incident's current phase. The incident is left unchanged.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrNotFound is returned for an unknown incident identifier.
	ErrNotFound = errors.New("incident not found")

	// ErrConfiguration is returned when a workflow component is constructed
	// with an unusable configuration.
	ErrConfiguration = errors.New("invalid workflow configuration")

	// ErrPreempted is returned by a workflow stage that stopped at a
	// boundary because a manual resolve or takeover already ended the run.
	ErrPreempted = errors.New("run preempted by manual transition")
)

// StageFailure reports that a triage step's strategy returned an error.
// The pipeline stops at the failing step.
type StageFailure struct {
	Stage string
	Err   error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("triage stage %q failed: %v", e.Stage, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }
