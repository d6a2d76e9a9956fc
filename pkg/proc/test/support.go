// Package test contains helpers shared by the tests of the packages that
// stop and modify real processes.
package test

import (
	"bufio"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-delve/reclaim/pkg/proc"
)

// LibcTimeout is how long WaitForLibc waits for the dynamic loader.
var LibcTimeout = 5 * time.Second

// StartSleep starts `sleep 30` and returns a handle to it once libc is
// mapped into it. The process is killed when the test ends.
func StartSleep(t testing.TB) proc.Handle {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting sleep: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	h, err := proc.NewHandle(cmd.Process.Pid, 0)
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	WaitForLibc(t, h.Pid)
	return h
}

// WaitForLibc blocks until the C library is mapped into pid. A freshly
// started process is still running the dynamic loader for a while, and
// symbols of libc can not be resolved in it yet. The test is skipped if
// libc never shows up, for example because the binary is static.
func WaitForLibc(t testing.TB, pid int) {
	t.Helper()
	deadline := time.Now().Add(LibcTimeout)
	for {
		maps, err := proc.ReadMappings(pid)
		if err != nil {
			t.Fatalf("reading mappings of %d: %v", pid, err)
		}
		if HasLibc(maps) {
			return
		}
		if time.Now().After(deadline) {
			t.Skipf("libc not mapped into process %d after %v", pid, LibcTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// HasLibc returns true if one of maps is the C library.
func HasLibc(maps []proc.Mapping) bool {
	for _, m := range maps {
		base := filepath.Base(m.Path)
		if strings.HasPrefix(base, "libc.so") || strings.HasPrefix(base, "libc-") {
			return true
		}
	}
	return false
}

// StartSignalPrinter starts a shell that prints USR1 or USR2 when it
// handles the corresponding signal. Lines written by the shell, after the
// initial "ready", are sent on the returned channel.
func StartSignalPrinter(t testing.TB) (proc.Handle, <-chan string) {
	t.Helper()
	cmd := exec.Command("sh", "-c", `trap 'echo USR1' USR1; trap 'echo USR2' USR2; echo ready; while :; do sleep 0.1; done`)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("StdoutPipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting sh: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(stdout)
		for scan.Scan() {
			lines <- scan.Text()
		}
	}()
	ExpectLines(t, lines, "ready")
	h, err := proc.NewHandle(cmd.Process.Pid, 0)
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	WaitForLibc(t, h.Pid)
	return h, lines
}

// ExpectLines reads lines until every one of want has been seen, in any
// order, failing the test if that takes more than five seconds.
func ExpectLines(t testing.TB, lines <-chan string, want ...string) {
	t.Helper()
	missing := make(map[string]bool)
	for _, w := range want {
		missing[w] = true
	}
	timeout := time.After(5 * time.Second)
	for len(missing) > 0 {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatalf("output closed, still expecting %v", keys(missing))
			}
			delete(missing, l)
		case <-timeout:
			t.Fatalf("timed out, still expecting %v", keys(missing))
		}
	}
}

func keys(m map[string]bool) []string {
	var r []string
	for k := range m {
		r = append(r, k)
	}
	return r
}
