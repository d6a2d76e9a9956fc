//go:build !(linux && amd64)

package native

import (
	"syscall"

	"github.com/go-delve/reclaim/pkg/proc"
)

// Registers is empty on platforms without a tracer backend.
type Registers struct{}

func (r *Registers) PC() uint64 { return 0 }
func (r *Registers) SP() uint64 { return 0 }
func (r *Registers) Equal(o *Registers) bool { return true }
func (r *Registers) Slice() []Register { return nil }
func (r *Registers) String() string { return "" }

// Session is not supported on this platform.
type Session struct {
	target proc.Handle
}

// Seize always fails with ErrUnsupportedPlatform.
func Seize(h proc.Handle) (*Session, error) {
	return nil, ErrUnsupportedPlatform
}

func (s *Session) PendingSignals() []syscall.Signal { return nil }
func (s *Session) State() State { return StateDetached }
func (s *Session) Interrupt() error { return ErrUnsupportedPlatform }
func (s *Session) WaitForStop() error { return ErrUnsupportedPlatform }
func (s *Session) Registers() (*Registers, error) { return nil, ErrUnsupportedPlatform }
func (s *Session) SetRegisters(r *Registers) error { return ErrUnsupportedPlatform }
func (s *Session) Invoke(addr uint64, args ...uint64) (uint64, error) { return 0, ErrInvokeUnsupported }
func (s *Session) Detach() error { return ErrUnsupportedPlatform }
func (s *Session) Close() error { return nil }
