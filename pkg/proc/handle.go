package proc

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"unicode/utf8"

	"github.com/shirou/gopsutil/v4/process"
)

// Handle identifies a process that can be traced. It carries no OS
// resource, only identifying data, and is never modified after NewHandle
// returns it.
type Handle struct {
	Pid int
	// Label is the process command line with arguments joined by spaces,
	// cut to the length requested from NewHandle.
	Label string
	// StartTime is the process creation time in milliseconds since the
	// epoch. Two handles with the same Pid and different StartTime
	// belong to different processes.
	StartTime int64
}

func (h Handle) String() string {
	return fmt.Sprintf("%d (%s)", h.Pid, h.Label)
}

// NewHandle looks pid up in the process table. It returns ErrProcessGone
// if the process does not exist or exits while it is being read.
func NewHandle(pid int, maxLabel int) (Handle, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Handle{}, convertProcessError(pid, err)
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return Handle{}, convertProcessError(pid, err)
	}
	if cmdline == "" {
		// kernel threads have no command line, fall back to comm
		name, err := p.Name()
		if err != nil {
			return Handle{}, convertProcessError(pid, err)
		}
		cmdline = "[" + name + "]"
	}
	start, err := p.CreateTime()
	if err != nil {
		return Handle{}, convertProcessError(pid, err)
	}
	return Handle{Pid: pid, Label: truncateLabel(cmdline, maxLabel), StartTime: start}, nil
}

// StillRunning reports whether h still names the same live process.
func (h Handle) StillRunning() error {
	p, err := process.NewProcess(int32(h.Pid))
	if err != nil {
		return convertProcessError(h.Pid, err)
	}
	start, err := p.CreateTime()
	if err != nil {
		return convertProcessError(h.Pid, err)
	}
	if start != h.StartTime {
		return ErrProcessReplaced{Pid: h.Pid}
	}
	return nil
}

func convertProcessError(pid int, err error) error {
	switch {
	case errors.Is(err, process.ErrorProcessNotRunning),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, syscall.ESRCH):
		return fmt.Errorf("process %d: %w", pid, ErrProcessGone)
	}
	return fmt.Errorf("could not read process %d: %w", pid, err)
}

// truncateLabel cuts s to at most max bytes without splitting a UTF-8
// sequence. A max of zero or less disables truncation.
func truncateLabel(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}
