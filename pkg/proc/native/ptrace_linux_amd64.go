package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// ptraceSeize calls ptrace(PTRACE_SEIZE) without options. Unlike
// PTRACE_ATTACH the target is not stopped.
func ptraceSeize(pid int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_SEIZE, uintptr(pid), 0, 0, 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceInterrupt calls ptrace(PTRACE_INTERRUPT).
func ptraceInterrupt(pid int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_INTERRUPT, uintptr(pid), 0, 0, 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceDetach calls ptrace(PTRACE_DETACH), delivering sig to the tracee
// as it resumes.
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// wait4 waits for a state change of pid, retrying on EINTR.
func wait4(pid int) (int, sys.WaitStatus, error) {
	var ws sys.WaitStatus
	for {
		wpid, err := sys.Wait4(pid, &ws, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		return wpid, ws, err
	}
}

// ptraceEvent returns the PTRACE_EVENT_* value encoded in a stop status,
// zero for plain signal-delivery-stops.
func ptraceEvent(ws sys.WaitStatus) int {
	return int(ws) >> 16
}

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base field instead of *byte so that we can use it with addresses that
// belong to the target process.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// processVmRead calls process_vm_readv
func processVmRead(tid int, addr uintptr, data []byte) (int, error) {
	len_iov := uint64(len(data))
	local_iov := sys.Iovec{Base: &data[0], Len: len_iov}
	remote_iov := remoteIovec{base: addr, len: uintptr(len_iov)}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_READV, uintptr(tid), uintptr(unsafe.Pointer(&local_iov)), 1, uintptr(unsafe.Pointer(&remote_iov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}
