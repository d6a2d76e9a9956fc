package native

import (
	"fmt"
	"strings"

	sys "golang.org/x/sys/unix"
)

// Registers is the general purpose register set of a stopped target, as
// returned by PTRACE_GETREGS.
type Registers struct {
	Regs sys.PtraceRegs
}

// PC returns the value of RIP register.
func (r *Registers) PC() uint64 {
	return r.Regs.Rip
}

// SP returns the value of RSP register.
func (r *Registers) SP() uint64 {
	return r.Regs.Rsp
}

// Equal returns true if r and o are bit-for-bit identical.
func (r *Registers) Equal(o *Registers) bool {
	return r.Regs == o.Regs
}

// Slice returns the registers as a list of (name, value) pairs.
func (r *Registers) Slice() []Register {
	return []Register{
		{"Rip", r.Regs.Rip},
		{"Rsp", r.Regs.Rsp},
		{"Rax", r.Regs.Rax},
		{"Rbx", r.Regs.Rbx},
		{"Rcx", r.Regs.Rcx},
		{"Rdx", r.Regs.Rdx},
		{"Rdi", r.Regs.Rdi},
		{"Rsi", r.Regs.Rsi},
		{"Rbp", r.Regs.Rbp},
		{"R8", r.Regs.R8},
		{"R9", r.Regs.R9},
		{"R10", r.Regs.R10},
		{"R11", r.Regs.R11},
		{"R12", r.Regs.R12},
		{"R13", r.Regs.R13},
		{"R14", r.Regs.R14},
		{"R15", r.Regs.R15},
		{"Orig_rax", r.Regs.Orig_rax},
		{"Cs", r.Regs.Cs},
		{"Rflags", r.Regs.Eflags},
		{"Ss", r.Regs.Ss},
		{"Fs_base", r.Regs.Fs_base},
		{"Gs_base", r.Regs.Gs_base},
		{"Ds", r.Regs.Ds},
		{"Es", r.Regs.Es},
		{"Fs", r.Regs.Fs},
		{"Gs", r.Regs.Gs},
	}
}

func (r *Registers) String() string {
	var buf strings.Builder
	for i, reg := range r.Slice() {
		if i > 0 {
			buf.WriteByte('\n')
		}
		fmt.Fprintf(&buf, "%10s = %#016x", reg.Name, reg.Value)
	}
	return buf.String()
}
