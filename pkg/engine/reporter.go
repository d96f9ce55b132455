package engine

import (
	"slices"
	"sync"

	"github.com/fly-io/diskimage/pkg/errors"
)

// Reporter observes a run. err is non-nil only on the final callback of a
// failed run. Report runs on the engine's delivery goroutine and must not
// call back into the Engine synchronously.
type Reporter interface {
	Report(p Progress, err *errors.ImagerError)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(p Progress, err *errors.ImagerError)

func (f ReporterFunc) Report(p Progress, err *errors.ImagerError) { f(p, err) }

type notification struct {
	run      uint64
	progress Progress
	err      *errors.ImagerError
}

// dispatcher delivers notifications in FIFO order on its own goroutine so a
// slow reporter never stalls the run loop. The reporter is read at delivery
// time, so Subscribe takes effect for everything still queued.
type dispatcher struct {
	// delivering is held across each Report so drop can wait out a callback
	// already in flight.
	delivering sync.Mutex

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []notification
	reporter Reporter
	closed   bool
	done     chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.deliver()
	return d
}

func (d *dispatcher) setReporter(r Reporter) {
	d.mu.Lock()
	d.reporter = r
	d.mu.Unlock()
}

func (d *dispatcher) push(n notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, n)
	d.cond.Signal()
}

// drop discards queued notifications of run. When it returns no callback for
// run is in progress and none will follow.
func (d *dispatcher) drop(run uint64) {
	d.delivering.Lock()
	defer d.delivering.Unlock()
	d.mu.Lock()
	d.queue = slices.DeleteFunc(d.queue, func(n notification) bool { return n.run == run })
	d.mu.Unlock()
}

// close delivers what is already queued, then stops.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

func (d *dispatcher) deliver() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		d.delivering.Lock()
		d.mu.Lock()
		// drop may have emptied the queue while delivering was free.
		if len(d.queue) == 0 {
			d.mu.Unlock()
			d.delivering.Unlock()
			continue
		}
		n := d.queue[0]
		d.queue = d.queue[1:]
		r := d.reporter
		d.mu.Unlock()

		if r != nil {
			r.Report(n.progress, n.err)
		}
		d.delivering.Unlock()
	}
}
