package symbols

import (
	"debug/elf"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/go-delve/reclaim/pkg/logflags"
	"github.com/go-delve/reclaim/pkg/proc"
)

// ELF resolves symbols without touching the target: it walks the
// file-backed mappings in /proc/<pid>/maps, looks name up in each mapped
// object's symbol tables and relocates the match using the mapping that
// covers it.
type ELF struct{}

// Locate implements Locator.
func (ELF) Locate(h proc.Handle, name string) (Symbol, error) {
	log := logflags.SymbolsLogger()

	maps, err := proc.ReadMappings(h.Pid)
	if err != nil {
		if errors.Is(err, proc.ErrProcessGone) {
			return Symbol{}, fmt.Errorf("%v: %w", err, ErrTargetUnavailable)
		}
		return Symbol{}, &ResolutionError{Pid: h.Pid, Symbol: name, Reason: err.Error()}
	}

	seen := make(map[string]bool)
	for _, m := range maps {
		if !m.FileBacked() || seen[m.Path] {
			continue
		}
		seen[m.Path] = true
		addr, ok, err := lookupInObject(h.Pid, m.Path, name, maps)
		if err != nil {
			log.Debugf("skipping %s: %v", m.Path, err)
			continue
		}
		if ok {
			log.Debugf("found %s in %s at %#x", name, m.Path, addr)
			return Symbol{Name: name, Addr: addr, Pid: h.Pid, StartTime: h.StartTime}, nil
		}
	}
	if err := h.StillRunning(); err != nil {
		return Symbol{}, fmt.Errorf("%v: %w", err, ErrTargetUnavailable)
	}
	return Symbol{}, &ResolutionError{Pid: h.Pid, Symbol: name, Reason: "no mapped object defines it"}
}

// openObject opens path as seen from inside the mount namespace of pid,
// falling back to our own view of the filesystem.
func openObject(pid int, path string) (*elf.File, error) {
	f, err := elf.Open(filepath.Join("/proc", strconv.Itoa(pid), "root", path))
	if err == nil {
		return f, nil
	}
	return elf.Open(path)
}

func lookupInObject(pid int, path, name string, maps []proc.Mapping) (uint64, bool, error) {
	f, err := openObject(pid, path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	value, ok := findFunction(f, name)
	if !ok {
		return 0, false, nil
	}
	off, ok := fileOffset(f, value)
	if !ok {
		return 0, false, fmt.Errorf("symbol value %#x of %s is not in a loadable segment", value, name)
	}
	for _, m := range maps {
		if m.Path != path {
			continue
		}
		if off >= m.Offset && off < m.Offset+(m.End-m.Start) {
			return m.Start + off - m.Offset, true, nil
		}
	}
	return 0, false, fmt.Errorf("file offset %#x of %s is not mapped", off, name)
}

// findFunction returns the value of the defined function symbol name,
// preferring the dynamic symbol table.
func findFunction(f *elf.File, name string) (uint64, bool) {
	tables := []func() ([]elf.Symbol, error){f.DynamicSymbols, f.Symbols}
	for _, table := range tables {
		syms, err := table()
		if err != nil {
			continue
		}
		for _, sym := range syms {
			if sym.Name != name || sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
				continue
			}
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
				continue
			}
			return sym.Value, true
		}
	}
	return 0, false
}

// fileOffset converts a virtual address from the object's symbol table
// to an offset in the file.
func fileOffset(f *elf.File, vaddr uint64) (uint64, bool) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Filesz {
			return vaddr - p.Vaddr + p.Off, true
		}
	}
	return 0, false
}
