package cmds

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	protest "github.com/go-delve/reclaim/pkg/proc/test"
)

func assertNoError(err error, t testing.TB, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

// runCommand executes the command tree with args and returns the exit
// code passed to osExit together with the output.
func runCommand(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	code = -1
	osExit = func(c int) { code = c }
	t.Cleanup(func() { osExit = os.Exit })

	var outbuf, errbuf bytes.Buffer
	root := New()
	root.SetOut(&outbuf)
	root.SetErr(&errbuf)
	if args == nil {
		// cobra falls back to os.Args for nil
		args = []string{}
	}
	root.SetArgs(args)
	if err := root.Execute(); err != nil && code == -1 {
		code = 1
	}
	return code, outbuf.String(), errbuf.String()
}

func startSleep(t *testing.T) int {
	return protest.StartSleep(t).Pid
}

func TestParsePid(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "0", "12x"} {
		if _, err := parsePid(in); err == nil {
			t.Errorf("parsePid(%q) succeeded", in)
		}
	}
	pid, err := parsePid("1234")
	assertNoError(err, t, "parsePid")
	if pid != 1234 {
		t.Fatalf("got %d", pid)
	}
}

func TestInvalidPid(t *testing.T) {
	code, _, stderr := runCommand(t, "notapid")
	if code != 1 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(stderr, "invalid pid") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func TestMissingPid(t *testing.T) {
	code, _, _ := runCommand(t)
	if code != 1 {
		t.Fatalf("exit code %d", code)
	}
}

func TestUnknownLocator(t *testing.T) {
	code, _, stderr := runCommand(t, "--locator", "nm", "1")
	if code != 1 || !strings.Contains(stderr, "unknown locator") {
		t.Fatalf("exit code %d, stderr %q", code, stderr)
	}
}

func TestMissingGDBIsFatal(t *testing.T) {
	pid := startSleep(t)
	code, _, stderr := runCommand(t, "--gdb", filepath.Join(t.TempDir(), "nogdb"), strconv.Itoa(pid))
	if code != 1 || !strings.Contains(stderr, "not found") {
		t.Fatalf("exit code %d, stderr %q", code, stderr)
	}
}

func TestVanishedProcessIsNotAnError(t *testing.T) {
	cmd := exec.Command("true")
	assertNoError(cmd.Run(), t, "running true")
	code, stdout, _ := runCommand(t, "--locator", "elf", strconv.Itoa(cmd.Process.Pid))
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(stdout, "went away") {
		t.Fatalf("unexpected stdout %q", stdout)
	}
}

func TestRefusesSelf(t *testing.T) {
	code, _, stderr := runCommand(t, "--locator", "elf", strconv.Itoa(os.Getpid()))
	if code != 1 || !strings.Contains(stderr, "refusing") {
		t.Fatalf("exit code %d, stderr %q", code, stderr)
	}
}

func TestMarkerOnlyFiltersList(t *testing.T) {
	pid := startSleep(t)
	cfg := filepath.Join(t.TempDir(), "config.yml")
	assertNoError(os.WriteFile(cfg, []byte("marker: sleep\nlocator: elf\n"), 0600), t, "writing config")

	code, stdout, stderr := runCommand(t, "--config", cfg, "--inspect-only", strconv.Itoa(pid))
	if strings.Contains(stderr, "symbol resolution failed") {
		t.Skipf("malloc_trim not resolvable in sleep: %s", stderr)
	}
	if code != 0 {
		t.Fatalf("explicit target matching the marker: exit code %d, stderr %q", code, stderr)
	}
	if !strings.Contains(stdout, "stopped at") && !strings.Contains(stdout, "went away") {
		t.Fatalf("unexpected stdout %q", stdout)
	}

	code, stdout, stderr = runCommand(t, "--config", cfg, "list")
	if code != 0 {
		t.Fatalf("list: exit code %d, stderr %q", code, stderr)
	}
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(line, strconv.Itoa(pid)+"\t") {
			t.Fatalf("list contains marked process: %q", line)
		}
	}
}

func TestConfigFileMissing(t *testing.T) {
	code, _, stderr := runCommand(t, "--config", filepath.Join(t.TempDir(), "none.yml"), "1")
	if code != 1 || !strings.Contains(stderr, "could not load configuration") {
		t.Fatalf("exit code %d, stderr %q", code, stderr)
	}
}

func TestResolveELF(t *testing.T) {
	pid := startSleep(t)
	code, stdout, stderr := runCommand(t, "resolve", "--locator", "elf", strconv.Itoa(pid))
	if code != 0 {
		t.Skipf("malloc_trim not resolvable in sleep: %s", stderr)
	}
	if !strings.HasPrefix(stdout, "malloc_trim\t0x") {
		t.Fatalf("unexpected output %q", stdout)
	}
}

func TestList(t *testing.T) {
	pid := startSleep(t)
	code, stdout, stderr := runCommand(t, "list")
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, strconv.Itoa(pid)+"\tsleep 30") {
		t.Fatalf("sleep child %d not listed:\n%s", pid, stdout)
	}
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(line, strconv.Itoa(os.Getpid())+"\t") {
			t.Fatalf("list contains this process: %q", line)
		}
	}
}

func TestVersion(t *testing.T) {
	_, stdout, _ := runCommand(t, "version")
	if !strings.HasPrefix(stdout, "Reclaim\nVersion: ") {
		t.Fatalf("unexpected output %q", stdout)
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	root := New()
	assertNoError(root.ParseFlags([]string{"--symbol", "free", "--arg", "7", "--locator", "elf"}), t, "ParseFlags")
	assertNoError(setup(root), t, "setup")
	if conf.Symbol != "free" || conf.SymbolArg != 7 || conf.Locator != "elf" {
		t.Fatalf("flags not applied: %#v", conf)
	}
	if conf.GDBPath != "gdb" || conf.Marker != "reclaim" {
		t.Fatalf("defaults not applied: %#v", conf)
	}
}
