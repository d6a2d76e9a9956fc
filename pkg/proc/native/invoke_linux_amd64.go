package native

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/reclaim/pkg/logflags"
	"github.com/go-delve/reclaim/pkg/proc"
)

const (
	// callStackGap is how far below the stack pointer of the stopped
	// target the injected frame is placed. It must be larger than the
	// 128 byte red zone of the System V ABI.
	callStackGap = 256

	trapScanChunk = 64 * 1024

	eflagsTF = 0x100
	eflagsDF = 0x400
)

var amd64BreakInstruction = []byte{0xCC}

// Invoke makes the stopped target call the function at addr with args in
// its integer argument registers and returns the value left in RAX.
//
// The call returns into an INT3 instruction already present in the
// target's executable mappings, so no code is written to the target. If no
// such instruction exists the return address is zero and the call ends
// with a SIGSEGV at address zero instead.
//
// Registers and the stack slot used for the return address are restored
// before Invoke returns, whether the call succeeded or not, unless the
// target exited.
func (s *Session) Invoke(addr uint64, args ...uint64) (ret uint64, err error) {
	if err := s.expect("invoke a function in", StateStopped); err != nil {
		return 0, err
	}
	if len(args) > 6 {
		return 0, ErrTooManyArguments
	}
	pid := s.target.Pid
	log := logflags.InvokeLogger().WithField("pid", pid)

	saved, err := s.Registers()
	if err != nil {
		return 0, err
	}

	maps, err := proc.ReadMappings(pid)
	if err != nil {
		return 0, err
	}
	fnMap, ok := proc.FindMapping(maps, addr)
	if !ok || !fnMap.Executable() {
		return 0, &ProtocolError{Pid: pid, Reason: fmt.Sprintf("%#x is not in an executable mapping", addr)}
	}
	if logflags.Invoke() {
		log.Debugf("calling %#x: %s", addr, s.disassembleAt(addr))
	}

	retAddr, trapping := s.findTrap(fnMap, maps)
	if trapping {
		log.Debugf("returning to INT3 at %#x", retAddr)
	} else {
		log.Debug("no INT3 found in executable mappings, returning to address 0")
	}

	sp := ((saved.Regs.Rsp - callStackGap) &^ 15) - 8
	slot := make([]byte, 8)
	if err := s.peek(sp, slot); err != nil {
		return 0, err
	}

	s.state = StateInvoking
	defer func() {
		if s.state == StateExited {
			return
		}
		if rerr := s.restoreFrame(sp, slot, saved); rerr != nil && err == nil {
			err = rerr
		}
		s.state = StateStopped
	}()

	ra := make([]byte, 8)
	binary.LittleEndian.PutUint64(ra, retAddr)
	if err := s.poke(sp, ra); err != nil {
		return 0, err
	}

	call := *saved
	call.Regs.Rip = addr
	call.Regs.Rsp = sp
	call.Regs.Rax = 0
	call.Regs.Orig_rax = ^uint64(0)
	call.Regs.Eflags &^= eflagsTF | eflagsDF
	for i, a := range args {
		setArgument(&call.Regs, i, a)
	}
	if err := s.SetRegisters(&call); err != nil {
		return 0, err
	}

	if err := s.cont(0); err != nil {
		return 0, err
	}
	for {
		var ws sys.WaitStatus
		s.pt.execPtraceFunc(func() { _, ws, err = wait4(pid) })
		if err != nil {
			return 0, fmt.Errorf("wait for process %d: %w", pid, err)
		}
		if exited, err := s.checkExited(ws); exited {
			return 0, err
		}
		if !ws.Stopped() {
			return 0, &ProtocolError{Pid: pid, Reason: fmt.Sprintf("unexpected wait status %#x while calling %#x", uint32(ws), addr)}
		}
		if ptraceEvent(ws) == sys.PTRACE_EVENT_STOP {
			// group-stop, keep the call going
			if err := s.cont(0); err != nil {
				return 0, err
			}
			continue
		}

		sig := ws.StopSignal()
		now, err := s.Registers()
		if err != nil {
			return 0, err
		}
		switch {
		case trapping && sig == sys.SIGTRAP && now.Regs.Rip == retAddr+1:
			log.Debugf("returned %#x", now.Regs.Rax)
			return now.Regs.Rax, nil
		case !trapping && sig == sys.SIGSEGV && now.Regs.Rip == 0:
			log.Debugf("returned %#x", now.Regs.Rax)
			return now.Regs.Rax, nil
		case synchronousSignal(sig):
			return 0, &ProtocolError{
				Pid:       pid,
				Reason:    fmt.Sprintf("%v while calling %#x", sig, addr),
				Registers: now.String(),
			}
		}
		log.Debugf("deferring %v until detach", sig)
		s.deferSignal(sig)
		if err := s.cont(0); err != nil {
			return 0, err
		}
	}
}

func (s *Session) cont(sig int) error {
	var err error
	s.pt.execPtraceFunc(func() { err = ptraceCont(s.target.Pid, sig) })
	if err != nil {
		return fmt.Errorf("could not resume process %d: %w", s.target.Pid, err)
	}
	return nil
}

func (s *Session) peek(addr uint64, out []byte) error {
	var err error
	s.pt.execPtraceFunc(func() { _, err = sys.PtracePeekData(s.target.Pid, uintptr(addr), out) })
	if err != nil {
		return fmt.Errorf("could not read memory of process %d at %#x: %w", s.target.Pid, addr, err)
	}
	return nil
}

func (s *Session) poke(addr uint64, data []byte) error {
	var err error
	s.pt.execPtraceFunc(func() { _, err = sys.PtracePokeData(s.target.Pid, uintptr(addr), data) })
	if err != nil {
		return fmt.Errorf("could not write memory of process %d at %#x: %w", s.target.Pid, addr, err)
	}
	return nil
}

// restoreFrame puts back the stack bytes overwritten by the return address
// and the registers saved before the call.
func (s *Session) restoreFrame(sp uint64, slot []byte, saved *Registers) error {
	perr := s.poke(sp, slot)
	rerr := s.SetRegisters(saved)
	if perr != nil {
		return perr
	}
	return rerr
}

// findTrap looks for an INT3 instruction, first in the mapping holding the
// called function and then in every other executable mapping.
func (s *Session) findTrap(fnMap proc.Mapping, maps []proc.Mapping) (uint64, bool) {
	if addr, ok := s.scanForTrap(fnMap); ok {
		return addr, true
	}
	for _, m := range maps {
		if !m.Executable() || m.Start == fnMap.Start {
			continue
		}
		if addr, ok := s.scanForTrap(m); ok {
			return addr, true
		}
	}
	return 0, false
}

func (s *Session) scanForTrap(m proc.Mapping) (uint64, bool) {
	buf := make([]byte, trapScanChunk)
	for start := m.Start; start < m.End; {
		n := uint64(len(buf))
		if m.End-start < n {
			n = m.End - start
		}
		read, err := processVmRead(s.target.Pid, uintptr(start), buf[:n])
		if err != nil || read == 0 {
			// [vvar] and friends can not be read
			return 0, false
		}
		chunk := buf[:read]
		for off := 0; off < len(chunk); {
			i := bytes.Index(chunk[off:], amd64BreakInstruction)
			if i < 0 {
				break
			}
			pos := off + i
			if isBreakpoint(chunk[pos:]) {
				return start + uint64(pos), true
			}
			off = pos + 1
		}
		start += uint64(read)
	}
	return 0, false
}

func isBreakpoint(code []byte) bool {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return false
	}
	return inst.Op == x86asm.INT && inst.Len == 1 && len(inst.Args) > 0 && inst.Args[0] == x86asm.Imm(3)
}

// disassembleAt returns the first instruction at addr in Intel syntax, for
// logging.
func (s *Session) disassembleAt(addr uint64) string {
	buf := make([]byte, 16)
	n, err := processVmRead(s.target.Pid, uintptr(addr), buf)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return x86asm.IntelSyntax(inst, addr, nil)
}

func setArgument(regs *sys.PtraceRegs, i int, v uint64) {
	switch i {
	case 0:
		regs.Rdi = v
	case 1:
		regs.Rsi = v
	case 2:
		regs.Rdx = v
	case 3:
		regs.Rcx = v
	case 4:
		regs.R8 = v
	case 5:
		regs.R9 = v
	}
}

// synchronousSignal reports whether sig is caused by the instruction the
// target was executing, as opposed to being sent to it.
func synchronousSignal(sig sys.Signal) bool {
	switch sig {
	case sys.SIGTRAP, sys.SIGSEGV, sys.SIGBUS, sys.SIGILL, sys.SIGFPE:
		return true
	}
	return false
}
