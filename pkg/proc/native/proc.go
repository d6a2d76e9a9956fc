package native

import (
	"runtime"
)

// ptracer runs functions on a single OS thread.
//
// Linux ties a tracer relationship to the thread that established it:
// every ptrace(2) request after PTRACE_SEIZE must come from that same
// thread, so a Session sends all of its requests through one ptracer.
type ptracer struct {
	ptraceChan     chan func()
	ptraceDoneChan chan struct{}
	stopped        bool
}

// newPtracer starts the goroutine handling ptrace requests.
func newPtracer() *ptracer {
	p := &ptracer{
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan struct{}),
	}
	go p.handlePtraceFuncs()
	return p
}

func (p *ptracer) handlePtraceFuncs() {
	// The thread is never unlocked: when this goroutine returns the
	// runtime terminates the thread, and the kernel releases any tracee
	// still attached to it.
	runtime.LockOSThread()

	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- struct{}{}
	}
}

func (p *ptracer) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}

// stop terminates the ptrace goroutine. It must only be called once the
// tracee has been detached or has exited.
func (p *ptracer) stop() {
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.ptraceChan)
}
