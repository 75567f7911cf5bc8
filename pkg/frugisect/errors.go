package frugisect

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyRange is returned by the selector when it is asked to choose from an
// empty candidate range. The driver never asks on an empty range, so hitting
// this from the outside means the caller's verdicts were inconsistent.
var ErrEmptyRange = errors.New("candidate range is empty")

// A BuildFailureError reports that a dry-run or real build could not complete
// at a revision. No cost is cached for the revision, so a later call retries.
type BuildFailureError struct {
	Revision string   // The revision at which the build was attempted
	Command  []string // The exact command that was run
	Output   string   // Combined output of the failed command, possibly truncated

	Err error
}

func (e *BuildFailureError) Error() string {
	msg := fmt.Sprintf("build of revision %s failed (command: %s)", e.Revision, strings.Join(e.Command, " "))
	if e.Err != nil {
		msg += " - " + e.Err.Error()
	}
	return msg
}

func (e *BuildFailureError) Unwrap() error { return e.Err }

// An InconsistentVerdictsError means the recorded verdicts cannot all be true
// at once, e.g. the good revision is not an ancestor of the bad one, or every
// remaining candidate was skipped. Bisection must stop and report rather than
// guess.
type InconsistentVerdictsError struct {
	Good   string
	Bad    string
	Reason string
}

func (e *InconsistentVerdictsError) Error() string {
	msg := "inconsistent verdicts"
	if e.Good != "" || e.Bad != "" {
		msg += fmt.Sprintf(" (good %s, bad %s)", e.Good, e.Bad)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// A CacheCorruptionError reports a stored cost record that could not be
// decoded. The cache treats the record as a miss and overwrites it on the next
// successful measurement.
type CacheCorruptionError struct {
	Signature string
	Revision  string

	Err error
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("corrupt cost record for revision %s under signature %s - %v", e.Revision, e.Signature, e.Err)
}

func (e *CacheCorruptionError) Unwrap() error { return e.Err }
