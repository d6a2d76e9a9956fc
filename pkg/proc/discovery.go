package proc

import (
	"errors"
	"os"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/go-delve/reclaim/pkg/logflags"
)

// Candidates returns a handle for every process that could be targeted:
// everything in the process table except this process, kernel threads and
// processes whose command line contains marker. Processes that exit while
// the table is being read are skipped.
func Candidates(marker string, maxLabel int) ([]Handle, error) {
	log := logflags.DiscoveryLogger()
	pids, err := process.Pids()
	if err != nil {
		return nil, err
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	self := os.Getpid()
	var out []Handle
	for _, pid := range pids {
		if int(pid) == self {
			continue
		}
		h, err := NewHandle(int(pid), maxLabel)
		if err != nil {
			if errors.Is(err, ErrProcessGone) {
				log.Debugf("process %d exited during scan", pid)
				continue
			}
			// probably we just don't have permissions
			log.Debugf("skipping process %d: %v", pid, err)
			continue
		}
		if strings.HasPrefix(h.Label, "[") && strings.HasSuffix(h.Label, "]") {
			continue
		}
		if Excluded(h, marker) {
			log.Debugf("skipping %s: marker %q", h, marker)
			continue
		}
		out = append(out, h)
	}
	if logflags.Discovery() {
		log.Debugf("%d of %d processes are candidates", len(out), len(pids))
	}
	return out, nil
}

// Excluded returns true if h is this process or its command line
// contains marker.
func Excluded(h Handle, marker string) bool {
	if h.Pid == os.Getpid() {
		return true
	}
	return marker != "" && strings.Contains(h.Label, marker)
}
