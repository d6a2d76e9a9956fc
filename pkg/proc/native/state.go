package native

import (
	"errors"
	"fmt"
)

// State is the position of a Session in the trace lifecycle.
type State uint8

const (
	// StateDetached is the initial state, nothing is attached.
	StateDetached State = iota
	// StateSeized means the tracer relationship exists but the target
	// keeps running.
	StateSeized
	// StateInterrupted means a stop was requested and not yet observed.
	StateInterrupted
	// StateStopped means the target is in a trace-stop and its registers
	// can be read and written.
	StateStopped
	// StateInvoking means the target is running a call injected by Invoke.
	StateInvoking
	// StateDetachedFinal means the tracer relationship was released.
	StateDetachedFinal
	// StateExited means the target exited while traced; the kernel has
	// already released the tracer relationship.
	StateExited
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateSeized:
		return "seized"
	case StateInterrupted:
		return "interrupted"
	case StateStopped:
		return "stopped"
	case StateInvoking:
		return "invoking"
	case StateDetachedFinal:
		return "detached-final"
	case StateExited:
		return "exited"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Final returns true if no tracer relationship is held in this state.
func (s State) Final() bool {
	return s == StateDetached || s == StateDetachedFinal || s == StateExited
}

// StateError is returned when an operation is requested in a state that
// does not allow it.
type StateError struct {
	Op    string
	State State
}

func (err *StateError) Error() string {
	return fmt.Sprintf("can not %s a target in state %s", err.Op, err.State)
}

// ProtocolError is returned when the kernel reports something the trace
// protocol does not expect, for example a wait status that is neither a
// stop nor an exit, or a fault while an injected call runs.
type ProtocolError struct {
	Pid    int
	Reason string
	// Registers holds a register dump taken when the error was detected,
	// if one could be read.
	Registers string
}

func (err *ProtocolError) Error() string {
	if err.Registers != "" {
		return fmt.Sprintf("process %d: %s\n%s", err.Pid, err.Reason, err.Registers)
	}
	return fmt.Sprintf("process %d: %s", err.Pid, err.Reason)
}

// ErrUnsupportedPlatform is returned by every Session operation on
// platforms without a ptrace backend.
var ErrUnsupportedPlatform = errors.New("tracing is only supported on linux/amd64")

// Register is a named register value.
type Register struct {
	Name  string
	Value uint64
}

// ErrInvokeUnsupported is returned by Invoke on architectures without a
// call injection backend.
var ErrInvokeUnsupported = errors.New("remote function calls are not supported on this architecture")

// ErrTooManyArguments is returned by Invoke when more arguments are passed
// than fit in registers.
var ErrTooManyArguments = errors.New("too many arguments for a remote function call")
