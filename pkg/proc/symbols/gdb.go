package symbols

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/cosiner/argv"

	"github.com/go-delve/reclaim/pkg/logflags"
	"github.com/go-delve/reclaim/pkg/proc"
)

// GDB resolves symbols by running gdb in batch mode against the target:
//
//	gdb -batch -ex "attach <pid>" -ex "p <name>" -ex quit
//
// gdb detaches when it quits, so no trace relationship survives Locate.
type GDB struct {
	Path string
	Args []string
}

// NewGDB returns a GDB locator for the gdb executable at path. args are
// extra arguments, split using shell quoting rules, passed before the
// batch commands.
func NewGDB(path, args string) (*GDB, error) {
	if path == "" {
		path = "gdb"
	}
	abs, err := exec.LookPath(path)
	if err != nil {
		return nil, &ErrBackendUnavailable{Tool: path}
	}
	g := &GDB{Path: abs}
	if args != "" {
		v, err := argv.Argv(args,
			func(s string) (string, error) {
				return "", fmt.Errorf("Backtick not supported in '%s'", s)
			},
			nil)
		if err != nil {
			return nil, fmt.Errorf("invalid gdb arguments %q: %v", args, err)
		}
		if len(v) != 1 {
			return nil, fmt.Errorf("illegal gdb arguments '%s'", args)
		}
		g.Args = v[0]
	}
	return g, nil
}

func (g *GDB) commandArgs(pid int, name string) []string {
	args := make([]string, 0, len(g.Args)+7)
	args = append(args, g.Args...)
	args = append(args,
		"-batch",
		"-ex", "attach "+strconv.Itoa(pid),
		"-ex", "p "+name,
		"-ex", "quit")
	return args
}

// Locate implements Locator.
func (g *GDB) Locate(h proc.Handle, name string) (Symbol, error) {
	log := logflags.SymbolsLogger()

	cmd := exec.Command(g.Path, g.commandArgs(h.Pid, name)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	log.Debugf("running %s", strings.Join(cmd.Args, " "))

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			if errors.Is(err, exec.ErrNotFound) {
				return Symbol{}, &ErrBackendUnavailable{Tool: g.Path}
			}
			return Symbol{}, &ResolutionError{Pid: h.Pid, Symbol: name, Reason: fmt.Sprintf("could not run gdb: %v", err)}
		}
		// gdb exits with an error if any batch command failed, the
		// output below tells us which one.
		log.Debugf("gdb exited with %v", err)
	}
	if logflags.Symbols() {
		log.WithField("stream", "stdout").Debug(stdout.String())
		log.WithField("stream", "stderr").Debug(stderr.String())
	}

	addr, printed, perr := parseGDBOutput(stdout.Bytes(), name)
	if perr == nil {
		log.Debugf("gdb resolved %s to %#x (%s)", name, addr, printed)
		return Symbol{Name: name, Addr: addr, Pid: h.Pid, StartTime: h.StartTime}, nil
	}

	if gdbLostTarget(stderr.Bytes()) {
		return Symbol{}, fmt.Errorf("gdb could not attach to %d: %w", h.Pid, ErrTargetUnavailable)
	}
	if err := h.StillRunning(); err != nil {
		return Symbol{}, fmt.Errorf("%v: %w", err, ErrTargetUnavailable)
	}
	reason := perr.Error()
	if msg := firstLine(stderr.Bytes()); msg != "" {
		reason += ": " + msg
	}
	return Symbol{}, &ResolutionError{Pid: h.Pid, Symbol: name, Reason: reason}
}

// gdbValueRe matches the value history line gdb prints for a function,
// with or without debug information:
//
//	$1 = {<text variable, no debug info>} 0x7f1dc0a8e4d0 <malloc_trim>
//	$1 = {int (size_t)} 0x7f1dc0a8e4d0 <malloc_trim>
//
// Data, offsets into a symbol (<f+16>) and anything else gdb may print
// are not matched.
var gdbValueRe = regexp.MustCompile(`^\$\d+ = \{(<text variable, no debug info>|[^{}<>=]+\([^{}<>=]*\))\} 0x([0-9a-fA-F]+) <([^<>+\s]+)>$`)

var errNoValueLine = errors.New("gdb did not print the address of a function")

func parseGDBOutput(out []byte, name string) (addr uint64, printed string, err error) {
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		if strings.Contains(line, "gnu-indirect-function") {
			// the address is the resolver, calling it returns a pointer
			return 0, "", fmt.Errorf("%s is an indirect function, gdb printed its resolver: %s", name, line)
		}
		m := gdbValueRe.FindStringSubmatch(line)
		if m == nil {
			return 0, "", fmt.Errorf("%s is not a function: %s", name, line)
		}
		if !sameSymbol(m[3], name) {
			return 0, "", fmt.Errorf("gdb printed %s instead of %s", m[3], name)
		}
		addr, err := strconv.ParseUint(m[2], 16, 64)
		if err != nil {
			return 0, "", fmt.Errorf("gdb printed an invalid address %q: %v", m[2], err)
		}
		return addr, m[3], nil
	}
	return 0, "", errNoValueLine
}

// sameSymbol returns true if printed names the function name. glibc
// exports most functions as aliases of an internal name with leading
// underscores, gdb may print either one.
func sameSymbol(printed, name string) bool {
	if printed == name {
		return true
	}
	return strings.HasPrefix(printed, "_") && strings.TrimLeft(printed, "_") == strings.TrimLeft(name, "_")
}

func gdbLostTarget(stderr []byte) bool {
	return bytes.Contains(stderr, []byte("No such process")) ||
		bytes.Contains(stderr, []byte("Operation not permitted")) ||
		bytes.Contains(stderr, []byte("The program is not being run"))
}

func firstLine(b []byte) string {
	line, _, _ := bytes.Cut(bytes.TrimSpace(b), []byte("\n"))
	return string(line)
}
