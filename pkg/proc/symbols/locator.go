// Package symbols resolves the runtime address of an exported function
// inside another process.
package symbols

import (
	"errors"
	"fmt"

	"github.com/go-delve/reclaim/pkg/proc"
)

// Symbol is a function address resolved for one specific process. Address
// space layout changes between runs, so a Symbol must not be used for any
// process other than the one it was resolved for.
type Symbol struct {
	Name      string
	Addr      uint64
	Pid       int
	StartTime int64
}

// ValidFor returns true if s was resolved for the process named by h.
func (s Symbol) ValidFor(h proc.Handle) bool {
	return s.Pid == h.Pid && s.StartTime == h.StartTime
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s@%#x (pid %d)", s.Name, s.Addr, s.Pid)
}

// Locator resolves the address of name inside the process h.
// Implementations must not leave any trace relationship behind.
type Locator interface {
	Locate(h proc.Handle, name string) (Symbol, error)
}

// ErrTargetUnavailable is returned when the target process disappeared,
// or could not be attached to, while its symbols were being resolved.
var ErrTargetUnavailable = errors.New("target unavailable")

// ResolutionError is returned when the symbol could not be resolved in a
// process that is still alive.
type ResolutionError struct {
	Pid    int
	Symbol string
	Reason string
}

func (err *ResolutionError) Error() string {
	return fmt.Sprintf("symbol resolution failed for %s in process %d: %s", err.Symbol, err.Pid, err.Reason)
}

// ErrBackendUnavailable is returned when the external tool a locator
// depends on can not be found.
type ErrBackendUnavailable struct {
	Tool string
}

func (err *ErrBackendUnavailable) Error() string {
	return fmt.Sprintf("backend unavailable: %s not found", err.Tool)
}

// New returns the locator named by kind, "gdb" or "elf".
func New(kind, gdbPath, gdbArgs string) (Locator, error) {
	switch kind {
	case "gdb":
		g, err := NewGDB(gdbPath, gdbArgs)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "elf":
		return ELF{}, nil
	}
	return nil, fmt.Errorf("unknown locator %q", kind)
}

// Verify resolves name with both locators and returns an error if the
// addresses differ.
func Verify(h proc.Handle, name string, a, b Locator) (Symbol, error) {
	sa, err := a.Locate(h, name)
	if err != nil {
		return Symbol{}, err
	}
	sb, err := b.Locate(h, name)
	if err != nil {
		return Symbol{}, err
	}
	if sa.Addr != sb.Addr {
		return Symbol{}, &ResolutionError{Pid: h.Pid, Symbol: name, Reason: fmt.Sprintf("locators disagree: %#x != %#x", sa.Addr, sb.Addr)}
	}
	return sa, nil
}
