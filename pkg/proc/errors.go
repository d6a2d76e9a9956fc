package proc

import (
	"errors"
	"fmt"
)

// ErrProcessGone is returned when a process id no longer names a running
// process, typically because it exited between discovery and use.
var ErrProcessGone = errors.New("process does not exist")

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status. A negative status is the number of the
// signal that killed the process.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	if pe.Status < 0 {
		return fmt.Sprintf("Process %d was killed by signal %d", pe.Pid, -pe.Status)
	}
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ErrProcessReplaced is returned when a pid was reused by a different
// process after the handle for it was created.
type ErrProcessReplaced struct {
	Pid int
}

func (pe ErrProcessReplaced) Error() string {
	return fmt.Sprintf("process %d was replaced by a new process with the same pid", pe.Pid)
}
