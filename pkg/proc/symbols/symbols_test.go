package symbols

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/go-delve/reclaim/pkg/proc"
	protest "github.com/go-delve/reclaim/pkg/proc/test"
)

func assertNoError(err error, t testing.TB, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

// fakeGDB writes a shell script standing in for gdb. It records its
// arguments in args.txt next to itself and runs body.
func fakeGDB(t *testing.T, body string) (path, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	path = filepath.Join(dir, "gdb")
	argsFile = filepath.Join(dir, "args.txt")
	script := "#!/bin/sh\nfor a in \"$@\"; do printf '%s\\n' \"$a\" >> " + argsFile + "; done\n" + body + "\n"
	assertNoError(os.WriteFile(path, []byte(script), 0700), t, "writing fake gdb")
	return path, argsFile
}

func selfHandle(t *testing.T) proc.Handle {
	h, err := proc.NewHandle(os.Getpid(), 0)
	assertNoError(err, t, "NewHandle")
	return h
}

func TestParseGDBOutput(t *testing.T) {
	tests := []struct {
		out     string
		name    string
		addr    uint64
		printed string
		fail    bool
	}{
		{out: "$1 = {<text variable, no debug info>} 0x7f1dc0a8e4d0 <malloc_trim>\n", name: "malloc_trim", addr: 0x7f1dc0a8e4d0, printed: "malloc_trim"},
		{out: "$1 = {int (size_t)} 0x7ffff7e5f0d0 <__malloc_trim>", name: "malloc_trim", addr: 0x7ffff7e5f0d0, printed: "__malloc_trim"},
		{out: "[Thread debugging using libthread_db enabled]\n0x00007f in clock_nanosleep ()\n$1 = {<text variable, no debug info>} 0xdeadbeef <f>\n[Inferior 1 (process 12) detached]\n", name: "f", addr: 0xdeadbeef, printed: "f"},
		{out: "No symbol table is loaded.  Use the \"file\" command.\n", name: "malloc_trim", fail: true},
		{out: "$1 = 42\n", name: "malloc_trim", fail: true},
		{out: "", name: "malloc_trim", fail: true},
		// indirect function, the address is the resolver
		{out: "$1 = {<text gnu-indirect-function variable, no debug info>} 0x7f0000001000 <strlen>\n", name: "strlen", fail: true},
		// data symbols
		{out: "$1 = {mutex = 0, flags = 0, have_fastchunks = 0} \n", name: "main_arena", fail: true},
		{out: "$1 = {<data variable, no debug info>} 0x7f0000002000 <main_arena>\n", name: "main_arena", fail: true},
		// not the requested symbol
		{out: "$1 = {<text variable, no debug info>} 0x7f0000003000 <free>\n", name: "malloc_trim", fail: true},
		{out: "$1 = {<text variable, no debug info>} 0x7f0000003010 <malloc_trim+16>\n", name: "malloc_trim", fail: true},
		{out: "$1 = {<text variable, no debug info>} 0x7f0000003000 <malloc_trim2>\n", name: "malloc_trim", fail: true},
	}
	for _, tc := range tests {
		addr, printed, err := parseGDBOutput([]byte(tc.out), tc.name)
		if tc.fail {
			if err == nil {
				t.Errorf("%q: expected an error, got %#x", tc.out, addr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error %v", tc.out, err)
			continue
		}
		if addr != tc.addr || printed != tc.printed {
			t.Errorf("%q: got %#x %q, want %#x %q", tc.out, addr, printed, tc.addr, tc.printed)
		}
	}
}

func TestGDBLocateIndirectFunction(t *testing.T) {
	path, _ := fakeGDB(t, `printf '%s\n' '$1 = {<text gnu-indirect-function variable, no debug info>} 0x7f0011223344 <malloc_trim>'`)
	g, err := NewGDB(path, "")
	assertNoError(err, t, "NewGDB")

	_, err = g.Locate(selfHandle(t), "malloc_trim")
	var rerr *ResolutionError
	if !errors.As(err, &rerr) || !strings.Contains(rerr.Reason, "indirect function") {
		t.Fatalf("expected a ResolutionError about an indirect function, got %v", err)
	}
}

func TestGDBLocate(t *testing.T) {
	path, argsFile := fakeGDB(t, `printf '%s\n' '$1 = {<text variable, no debug info>} 0x7f0011223344 <malloc_trim>'`)
	g, err := NewGDB(path, `-nx -iex "set pagination off"`)
	assertNoError(err, t, "NewGDB")

	h := selfHandle(t)
	sym, err := g.Locate(h, "malloc_trim")
	assertNoError(err, t, "Locate")
	if sym.Addr != 0x7f0011223344 || sym.Name != "malloc_trim" {
		t.Fatalf("unexpected symbol %v", sym)
	}
	if !sym.ValidFor(h) {
		t.Fatalf("symbol %v not valid for %v", sym, h)
	}

	buf, err := os.ReadFile(argsFile)
	assertNoError(err, t, "reading gdb arguments")
	want := []string{"-nx", "-iex", "set pagination off", "-batch", "-ex", "attach " + strconv.Itoa(h.Pid), "-ex", "p malloc_trim", "-ex", "quit"}
	got := strings.Split(strings.TrimSpace(string(buf)), "\n")
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("gdb called with %q, want %q", got, want)
	}
}

func TestGDBLocateMalformedOutput(t *testing.T) {
	path, _ := fakeGDB(t, `echo 'No symbol "malloc_trim" in current context.' >&2; exit 1`)
	g, err := NewGDB(path, "")
	assertNoError(err, t, "NewGDB")

	_, err = g.Locate(selfHandle(t), "malloc_trim")
	var rerr *ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected a ResolutionError, got %v", err)
	}
	if !strings.Contains(rerr.Reason, "No symbol") {
		t.Fatalf("reason does not include gdb's message: %q", rerr.Reason)
	}
}

func TestGDBLocateTargetGone(t *testing.T) {
	path, _ := fakeGDB(t, `echo 'ptrace: No such process.' >&2; exit 1`)
	g, err := NewGDB(path, "")
	assertNoError(err, t, "NewGDB")

	_, err = g.Locate(selfHandle(t), "malloc_trim")
	if !errors.Is(err, ErrTargetUnavailable) {
		t.Fatalf("expected ErrTargetUnavailable, got %v", err)
	}
}

func TestGDBLocateProcessExited(t *testing.T) {
	path, _ := fakeGDB(t, `exit 1`)
	g, err := NewGDB(path, "")
	assertNoError(err, t, "NewGDB")

	cmd := exec.Command("sleep", "30")
	assertNoError(cmd.Start(), t, "starting sleep")
	h, err := proc.NewHandle(cmd.Process.Pid, 0)
	assertNoError(err, t, "NewHandle")
	cmd.Process.Kill()
	cmd.Wait()

	_, err = g.Locate(h, "malloc_trim")
	if !errors.Is(err, ErrTargetUnavailable) {
		t.Fatalf("expected ErrTargetUnavailable, got %v", err)
	}
}

func TestNewGDBMissing(t *testing.T) {
	_, err := NewGDB(filepath.Join(t.TempDir(), "no-such-gdb"), "")
	var berr *ErrBackendUnavailable
	if !errors.As(err, &berr) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestNewGDBBadArgs(t *testing.T) {
	path, _ := fakeGDB(t, "exit 0")
	if _, err := NewGDB(path, "-nx | tee"); err == nil {
		t.Fatal("expected an error for a pipeline in gdb arguments")
	}
}

func TestNewLocator(t *testing.T) {
	l, err := New("elf", "", "")
	assertNoError(err, t, "New(elf)")
	if _, ok := l.(ELF); !ok {
		t.Fatalf("expected ELF locator, got %T", l)
	}
	if _, err := New("lldb", "", ""); err == nil {
		t.Fatal("expected an error for an unknown locator")
	}
}

func TestELFLocate(t *testing.T) {
	h := protest.StartSleep(t)
	sym, err := ELF{}.Locate(h, "malloc_trim")
	var rerr *ResolutionError
	if errors.As(err, &rerr) {
		t.Skipf("sleep does not map a libc exporting malloc_trim: %v", err)
	}
	assertNoError(err, t, "Locate")

	maps, err := proc.ReadMappings(h.Pid)
	assertNoError(err, t, "ReadMappings")
	m, ok := proc.FindMapping(maps, sym.Addr)
	if !ok {
		t.Fatalf("%#x is not mapped", sym.Addr)
	}
	if !m.Executable() || !m.FileBacked() {
		t.Fatalf("%#x resolved into a non executable mapping %#v", sym.Addr, m)
	}
}

func TestELFLocateUnknownSymbol(t *testing.T) {
	h := protest.StartSleep(t)
	_, err := ELF{}.Locate(h, "reclaim_no_such_function")
	var rerr *ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected a ResolutionError, got %v", err)
	}
}

func TestELFLocateMissingProcess(t *testing.T) {
	h := proc.Handle{Pid: 0x7ffffff0, Label: "gone"}
	_, err := ELF{}.Locate(h, "malloc_trim")
	if !errors.Is(err, ErrTargetUnavailable) {
		t.Fatalf("expected ErrTargetUnavailable, got %v", err)
	}
}

func TestGDBAgreesWithELF(t *testing.T) {
	g, err := NewGDB("gdb", "-nx")
	if err != nil {
		t.Skip("gdb not installed")
	}
	h := protest.StartSleep(t)
	sym, err := Verify(h, "malloc_trim", g, ELF{})
	if errors.Is(err, ErrTargetUnavailable) {
		t.Skipf("gdb can not attach here: %v", err)
	}
	var rerr *ResolutionError
	if errors.As(err, &rerr) && !strings.Contains(rerr.Reason, "disagree") {
		t.Skipf("malloc_trim can not be resolved in sleep here: %v", err)
	}
	assertNoError(err, t, "Verify")
	if sym.Addr == 0 {
		t.Fatal("zero address")
	}
}

type fixedLocator uint64

func (l fixedLocator) Locate(h proc.Handle, name string) (Symbol, error) {
	return Symbol{Name: name, Addr: uint64(l), Pid: h.Pid, StartTime: h.StartTime}, nil
}

func TestVerifyMismatch(t *testing.T) {
	h := selfHandle(t)
	if _, err := Verify(h, "f", fixedLocator(1), fixedLocator(1)); err != nil {
		t.Fatal(err)
	}
	_, err := Verify(h, "f", fixedLocator(1), fixedLocator(2))
	var rerr *ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected a ResolutionError, got %v", err)
	}
}
