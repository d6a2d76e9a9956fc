// Package reclaim drives one remote function call: it resolves the
// function in the target, stops the target, makes it call the function
// and lets it continue, classifying whatever goes wrong on the way.
package reclaim

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/go-delve/reclaim/pkg/logflags"
	"github.com/go-delve/reclaim/pkg/proc"
	"github.com/go-delve/reclaim/pkg/proc/native"
	"github.com/go-delve/reclaim/pkg/proc/symbols"
)

// ErrRefusedTarget is returned when asked to operate on this process.
var ErrRefusedTarget = errors.New("refusing to operate on target")

// Options controls Run.
type Options struct {
	// Symbol is the function to call.
	Symbol string
	// Arg is passed as the first integer argument.
	Arg uint64
	// InspectOnly stops the target and reads its registers without
	// calling anything.
	InspectOnly bool
}

// Report describes what Run did. Fields are filled in as the operation
// progresses, a failed operation leaves the later ones empty.
type Report struct {
	Target proc.Handle
	Symbol symbols.Symbol
	// Before holds the registers of the target when it stopped, After the
	// registers after the call returned.
	Before, After *native.Registers
	Invoked       bool
	Return        uint64
	// Deferred are the signals that arrived while the target was traced.
	// They were delivered when it was released.
	Deferred []syscall.Signal
}

// Run performs the operation described by opts against h. It never
// returns with the target traced or stopped.
func Run(h proc.Handle, loc symbols.Locator, opts Options) (*Report, Outcome) {
	log := logflags.ReclaimLogger().WithFields(logflags.Fields{"pid": h.Pid, "symbol": opts.Symbol})
	rep := &Report{Target: h}
	out := Classify(run(h, loc, opts, rep))
	if len(rep.Deferred) > 0 {
		log = log.WithField("signals", rep.Deferred)
	}
	switch out.Kind {
	case Success:
		if rep.Invoked {
			log.Infof("returned %#x", rep.Return)
		} else {
			log.Info("registers inspected, nothing called")
		}
	case TolerableRace:
		log.WithError(out.Err).Info("target went away, nothing to do")
	case Fatal:
		log.WithError(out.Err).Debug("failed")
	}
	return rep, out
}

func run(h proc.Handle, loc symbols.Locator, opts Options, rep *Report) (err error) {
	log := logflags.ReclaimLogger().WithField("pid", h.Pid)

	if h.Pid == os.Getpid() {
		return fmt.Errorf("%w: %s is this process", ErrRefusedTarget, h)
	}

	sym, err := loc.Locate(h, opts.Symbol)
	if err != nil {
		return err
	}
	if !sym.ValidFor(h) {
		return &symbols.ResolutionError{Pid: h.Pid, Symbol: opts.Symbol, Reason: fmt.Sprintf("resolved for a different process (%s)", sym)}
	}
	rep.Symbol = sym
	log.Debugf("resolved %s", sym)

	s, err := native.Seize(h)
	if err != nil {
		return err
	}
	defer func() {
		cerr := s.Close()
		if cerr == nil {
			return
		}
		log.Warnf("could not release target: %v", cerr)
		if err == nil {
			err = cerr
		}
	}()

	// The pid may have been reused since the handle was created.
	if err := h.StillRunning(); err != nil {
		return err
	}
	if err := s.Interrupt(); err != nil {
		return err
	}
	if err := s.WaitForStop(); err != nil {
		return err
	}
	rep.Before, err = s.Registers()
	if err != nil {
		return err
	}
	log.Debugf("stopped at %#x", rep.Before.PC())
	if logflags.Reclaim() {
		log.Debugf("registers:\n%s", rep.Before)
	}

	if opts.InspectOnly {
		rep.Deferred = s.PendingSignals()
		return s.Detach()
	}

	rep.Return, err = s.Invoke(sym.Addr, opts.Arg)
	if err != nil {
		return err
	}
	rep.Invoked = true
	rep.After, err = s.Registers()
	if err != nil {
		return err
	}
	if !rep.After.Equal(rep.Before) {
		return &native.ProtocolError{Pid: h.Pid, Reason: "registers not restored after the call", Registers: rep.After.String()}
	}
	rep.Deferred = s.PendingSignals()
	return s.Detach()
}
