package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start, End uint64
	Perms      string
	Offset     uint64
	Inode      uint64
	Path       string
}

// Executable returns true if the mapping can be executed.
func (m Mapping) Executable() bool {
	return len(m.Perms) >= 3 && m.Perms[2] == 'x'
}

// Contains returns true if addr is inside the mapping.
func (m Mapping) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// FileBacked returns true if the mapping is backed by a regular file, as
// opposed to anonymous memory or a pseudo mapping like [stack] or [vdso].
func (m Mapping) FileBacked() bool {
	return m.Inode != 0 && strings.HasPrefix(m.Path, "/")
}

// ReadMappings returns the memory mappings of pid. ErrProcessGone is
// returned if the process does not exist anymore.
func ReadMappings(pid int) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ESRCH) {
			return nil, fmt.Errorf("process %d: %w", pid, ErrProcessGone)
		}
		return nil, err
	}
	defer f.Close()
	maps, err := ParseMappings(f)
	if err != nil {
		return nil, fmt.Errorf("could not parse maps of process %d: %v", pid, err)
	}
	return maps, nil
}

// ParseMappings parses the contents of a /proc/<pid>/maps file.
//
// Format: address perms offset dev inode pathname
// Example: 7f0c3a200000-7f0c3a228000 r--p 00000000 08:01 1835014 /usr/lib/x86_64-linux-gnu/libc.so.6
func ParseMappings(r io.Reader) ([]Mapping, error) {
	var maps []Mapping
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	for s.Scan() {
		line := s.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, fmt.Errorf("malformed line %q", line)
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			return nil, fmt.Errorf("malformed address range %q", fields[0])
		}
		var m Mapping
		var err error
		if m.Start, err = strconv.ParseUint(addrs[0], 16, 64); err != nil {
			return nil, err
		}
		if m.End, err = strconv.ParseUint(addrs[1], 16, 64); err != nil {
			return nil, err
		}
		m.Perms = fields[1]
		if m.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
			return nil, err
		}
		if m.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
			return nil, err
		}
		if len(fields) > 5 {
			// paths may contain spaces, and deleted files carry a suffix
			m.Path = strings.Join(fields[5:], " ")
		}
		maps = append(maps, m)
	}
	return maps, s.Err()
}

// FindMapping returns the mapping containing addr.
func FindMapping(maps []Mapping, addr uint64) (Mapping, bool) {
	for _, m := range maps {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}
