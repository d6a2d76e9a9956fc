package reclaim

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/go-delve/reclaim/pkg/proc"
	"github.com/go-delve/reclaim/pkg/proc/symbols"
)

// OutcomeKind is the result category of an operation.
type OutcomeKind uint8

const (
	// Success means the operation ran to completion.
	Success OutcomeKind = iota
	// TolerableRace means the target went away, or stopped being
	// traceable, at some point during the operation. This is not an
	// error for the caller.
	TolerableRace
	// Fatal means the operation failed.
	Fatal
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case TolerableRace:
		return "tolerable race"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
}

// Outcome is the tagged result of Run. Err is nil only for Success.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// ExitCode returns the process exit code for o: only Fatal outcomes are
// failures.
func (o Outcome) ExitCode() int {
	if o.Kind == Fatal {
		return 1
	}
	return 0
}

// Classify maps an error returned by any step of the operation to an
// Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Success}
	}
	if isRace(err) {
		return Outcome{Kind: TolerableRace, Err: err}
	}
	return Outcome{Kind: Fatal, Err: err}
}

func isRace(err error) bool {
	var exited proc.ErrProcessExited
	var replaced proc.ErrProcessReplaced
	switch {
	case errors.Is(err, syscall.ESRCH),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, proc.ErrProcessGone),
		errors.Is(err, symbols.ErrTargetUnavailable),
		errors.As(err, &exited),
		errors.As(err, &replaced):
		return true
	}
	return false
}
