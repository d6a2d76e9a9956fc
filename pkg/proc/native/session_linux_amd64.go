package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/reclaim/pkg/logflags"
	"github.com/go-delve/reclaim/pkg/proc"
)

// Session is a tracer relationship with one target process. It is created
// by Seize and must be released with Detach or Close on every path; until
// then the target may be left stopped.
//
// Every operation checks the current state and returns a *StateError when
// called out of order, so callers can not read or write registers of a
// target that is not stopped.
type Session struct {
	target proc.Handle
	state  State
	pt     *ptracer
	log    logflags.Logger

	// pendingSigs are the signals intercepted while the target was stopped
	// or running an injected call, in arrival order. They are delivered on
	// detach.
	pendingSigs []sys.Signal
}

// Seize establishes a tracer relationship with h without stopping it.
// Errors are returned as is, wrapping the errno.
func Seize(h proc.Handle) (*Session, error) {
	s := &Session{
		target: h,
		state:  StateDetached,
		pt:     newPtracer(),
		log:    logflags.TraceLogger().WithField("pid", h.Pid),
	}
	s.log.Debugf("seizing %s", h)
	var err error
	s.pt.execPtraceFunc(func() { err = ptraceSeize(h.Pid) })
	if err != nil {
		s.pt.stop()
		return nil, fmt.Errorf("could not seize process %d: %w", h.Pid, err)
	}
	s.state = StateSeized
	return s, nil
}

// State returns the current state of the session.
func (s *Session) State() State {
	return s.state
}

// PendingSignals returns the signals that will be delivered on detach.
func (s *Session) PendingSignals() []sys.Signal {
	return append([]sys.Signal(nil), s.pendingSigs...)
}

// deferSignal records sig for delivery on detach. Standard signals do not
// queue, so a signal already pending is only kept once.
func (s *Session) deferSignal(sig sys.Signal) {
	for _, p := range s.pendingSigs {
		if p == sig {
			return
		}
	}
	s.pendingSigs = append(s.pendingSigs, sig)
}

func (s *Session) expect(op string, states ...State) error {
	for _, st := range states {
		if s.state == st {
			return nil
		}
	}
	return &StateError{Op: op, State: s.state}
}

// Interrupt asks the target to stop at the next safe point.
func (s *Session) Interrupt() error {
	if err := s.expect("interrupt", StateSeized); err != nil {
		return err
	}
	s.log.Debug("sending interrupt")
	var err error
	s.pt.execPtraceFunc(func() { err = ptraceInterrupt(s.target.Pid) })
	if err != nil {
		return fmt.Errorf("could not interrupt process %d: %w", s.target.Pid, err)
	}
	s.state = StateInterrupted
	return nil
}

// WaitForStop blocks, without a timeout, until the kernel reports that the
// target stopped. If the target exits instead proc.ErrProcessExited is
// returned and the session needs no detach.
func (s *Session) WaitForStop() error {
	if err := s.expect("wait for", StateInterrupted); err != nil {
		return err
	}
	s.log.Debug("waiting for process to stop")
	var (
		ws  sys.WaitStatus
		err error
	)
	s.pt.execPtraceFunc(func() { _, ws, err = wait4(s.target.Pid) })
	if err != nil {
		return fmt.Errorf("wait for process %d: %w", s.target.Pid, err)
	}
	if logflags.Trace() {
		s.log.Debugf("wait status %#x", uint32(ws))
	}
	if exited, err := s.checkExited(ws); exited {
		return err
	}
	if !ws.Stopped() {
		return &ProtocolError{Pid: s.target.Pid, Reason: fmt.Sprintf("unexpected wait status %#x", uint32(ws))}
	}
	s.state = StateStopped
	switch ev := ptraceEvent(ws); ev {
	case sys.PTRACE_EVENT_STOP:
		// interrupt-stop, or a group-stop that raced with it
		s.log.Debugf("stopped (%v)", ws.StopSignal())
	case 0:
		// A signal arrived before the interrupt took effect. This is a
		// trace-stop as well; the signal is suppressed until detach.
		s.deferSignal(ws.StopSignal())
		s.log.Debugf("stopped delivering %v, deferring it to detach", ws.StopSignal())
	default:
		return &ProtocolError{Pid: s.target.Pid, Reason: fmt.Sprintf("unexpected ptrace event %d", ev)}
	}
	return nil
}

// checkExited moves the session to StateExited if ws reports the end of
// the target.
func (s *Session) checkExited(ws sys.WaitStatus) (bool, error) {
	switch {
	case ws.Exited():
		s.exited()
		return true, proc.ErrProcessExited{Pid: s.target.Pid, Status: ws.ExitStatus()}
	case ws.Signaled():
		s.exited()
		return true, proc.ErrProcessExited{Pid: s.target.Pid, Status: -int(ws.Signal())}
	}
	return false, nil
}

func (s *Session) exited() {
	s.log.Debug("process exited while traced")
	s.state = StateExited
	s.pt.stop()
}

// Registers reads the general purpose registers of the stopped target.
// The target is not modified.
func (s *Session) Registers() (*Registers, error) {
	if err := s.expect("read registers of", StateStopped, StateInvoking); err != nil {
		return nil, err
	}
	var (
		r   Registers
		err error
	)
	s.pt.execPtraceFunc(func() { err = sys.PtraceGetRegs(s.target.Pid, &r.Regs) })
	if err != nil {
		return nil, fmt.Errorf("could not read registers of process %d: %w", s.target.Pid, err)
	}
	return &r, nil
}

// SetRegisters overwrites the general purpose registers of the stopped
// target with r.
func (s *Session) SetRegisters(r *Registers) error {
	if err := s.expect("write registers of", StateStopped, StateInvoking); err != nil {
		return err
	}
	var err error
	s.pt.execPtraceFunc(func() { err = sys.PtraceSetRegs(s.target.Pid, &r.Regs) })
	if err != nil {
		return fmt.Errorf("could not write registers of process %d: %w", s.target.Pid, err)
	}
	return nil
}

// Detach releases the tracer relationship and lets the stopped target
// resume, delivering every signal intercepted while it was traced. All but
// the last are queued again with tgkill before detaching, the last one is
// handed to PTRACE_DETACH.
func (s *Session) Detach() error {
	if err := s.expect("detach", StateStopped); err != nil {
		return err
	}
	var last sys.Signal
	if n := len(s.pendingSigs); n > 0 {
		for _, sig := range s.pendingSigs[:n-1] {
			s.log.Debugf("requeueing %v", sig)
			if err := sys.Tgkill(s.target.Pid, s.target.Pid, sig); err != nil {
				s.log.Warnf("could not requeue %v: %v", sig, err)
			}
		}
		last = s.pendingSigs[n-1]
	}
	s.log.Debugf("detaching (signal %d)", int(last))
	var err error
	s.pt.execPtraceFunc(func() { err = ptraceDetach(s.target.Pid, int(last)) })
	if err != nil && err != sys.ESRCH {
		return fmt.Errorf("could not detach from process %d: %w", s.target.Pid, err)
	}
	s.state = StateDetachedFinal
	s.pt.stop()
	if err == sys.ESRCH {
		return fmt.Errorf("could not detach from process %d: %w", s.target.Pid, err)
	}
	return nil
}

// Close releases the session from whatever state it is in. A target that
// is still running is interrupted and waited for first, because the
// kernel only detaches stopped tracees. Close is a no-op once the session
// is final and is meant to be deferred right after Seize.
func (s *Session) Close() error {
	if s.state == StateInvoking {
		// Invoke restores the target before returning, this only
		// happens if it panicked.
		return &StateError{Op: "close", State: s.state}
	}
	if s.state.Final() {
		return nil
	}
	if s.state == StateSeized {
		if err := s.Interrupt(); err != nil {
			return s.abandon(err)
		}
	}
	if s.state == StateInterrupted {
		if err := s.WaitForStop(); err != nil {
			if s.state == StateExited {
				return nil
			}
			return s.abandon(err)
		}
	}
	return s.Detach()
}

// abandon gives up on a session that can not be detached. Stopping the
// ptrace thread makes the kernel release the tracee.
func (s *Session) abandon(err error) error {
	s.state = StateDetachedFinal
	s.pt.stop()
	if err == nil {
		return nil
	}
	return fmt.Errorf("abandoning trace of process %d: %w", s.target.Pid, err)
}
