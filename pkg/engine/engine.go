// Package engine writes one image onto one drive.
//
// An Engine owns its state exclusively: every transition happens on a single
// run-loop goroutine, fed by public method calls and by events from the
// worker goroutine that performs the actual run. Progress leaves the loop
// through a FIFO dispatcher, which keeps callbacks ordered and lets a
// cancelled run's pending callbacks be discarded.
package engine

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fly-io/diskimage/pkg/drive"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/fly-io/diskimage/pkg/image"
	"github.com/fly-io/diskimage/pkg/transfer"
)

// Validator decides whether the image may be written to the drive.
type Validator interface {
	Check(imagePath string, d drive.Drive, driveSize uint64) (*image.Info, error)
}

// Unmounter releases every mounted volume of a device.
type Unmounter interface {
	Unmount(ctx context.Context, devicePath string) error
}

// Options tune an Engine. Zero values select the defaults.
type Options struct {
	BlockSize          int
	ProgressInterval   time.Duration
	ProgressMinPercent float64
	// RawPath maps a device path to the node written to. Writes through a
	// distinct raw node are padded to whole sectors.
	RawPath func(string) string
	// Clock is used for progress throttling.
	Clock func() time.Time
}

type eventKind int

const (
	eventPhase eventKind = iota
	eventProgress
	eventDone
)

type event struct {
	run   uint64
	kind  eventKind
	phase Phase
	total uint64
	bytes uint64
	err   error
}

// Engine runs imaging for a single (image, drive) pair.
type Engine struct {
	imagePath string
	target    drive.Drive
	validator Validator
	unmounter Unmounter
	copier    transfer.Copier
	opts      Options

	ops      chan func()
	events   chan event
	quit     chan struct{}
	wg       sync.WaitGroup
	dispatch *dispatcher
	closing  sync.Once

	// Owned by the run loop.
	state     State
	run       uint64
	cancelRun context.CancelFunc
	cancelled bool
	emitted   Progress
	throttle  *throttle
	waiters   []chan State
}

// New creates an Idle engine and starts its run loop. Close releases it.
func New(imagePath string, target drive.Drive, v Validator, u Unmounter, c transfer.Copier, opts Options) *Engine {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.ProgressMinPercent <= 0 {
		opts.ProgressMinPercent = DefaultProgressMinPercent
	}
	if opts.RawPath == nil {
		opts.RawPath = func(p string) string { return p }
	}

	e := &Engine{
		imagePath: imagePath,
		target:    target,
		validator: v,
		unmounter: u,
		copier:    c,
		opts:      opts,
		ops:       make(chan func()),
		events:    make(chan event, 64),
		quit:      make(chan struct{}),
		dispatch:  newDispatcher(),
		throttle:  newThrottle(opts.ProgressInterval, opts.ProgressMinPercent, opts.Clock),
	}

	e.wg.Add(1)
	go e.loop()
	return e
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case op := <-e.ops:
			op()
		case ev := <-e.events:
			e.handle(ev)
		case <-e.quit:
			for _, w := range e.waiters {
				w <- e.state
			}
			return
		}
	}
}

// do runs f on the loop goroutine and waits for it.
func (e *Engine) do(f func()) bool {
	done := make(chan struct{})
	select {
	case e.ops <- func() { f(); close(done) }:
		<-done
		return true
	case <-e.quit:
		return false
	}
}

// Start begins a run. It fails unless the engine is Idle. The run stops when
// ctx is cancelled, the same as calling Cancel.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	if !e.do(func() { err = e.begin(ctx) }) {
		return errors.ProcessingInterrupted("engine for %s is closed", e.target.Path)
	}
	return err
}

// Cancel stops the current run between chunks. The engine then returns to
// Idle and no further callbacks are delivered for the run.
func (e *Engine) Cancel() {
	e.do(e.requestCancel)
}

// Reset returns a finished engine to Idle so it can run again.
func (e *Engine) Reset() error {
	var err error
	ok := e.do(func() {
		if e.state.Phase.Active() {
			err = errors.ProcessingInterrupted("cannot reset while %s %s", e.state.Phase, e.target.Path)
			return
		}
		e.transition(Idle)
		e.state = State{Phase: Idle}
	})
	if !ok {
		return errors.ProcessingInterrupted("engine for %s is closed", e.target.Path)
	}
	return err
}

// State returns a copy of the current state.
func (e *Engine) State() State {
	var s State
	if !e.do(func() { s = e.state }) {
		return State{Phase: Idle}
	}
	return s
}

// Subscribe replaces the reporter. A subscriber registered mid-run receives
// the current progress straight away.
func (e *Engine) Subscribe(r Reporter) {
	e.do(func() {
		e.dispatch.setReporter(r)
		if r != nil && e.state.Phase == Imaging {
			e.dispatch.push(notification{run: e.run, progress: e.state.Progress})
		}
	})
}

// Wait blocks until no run is in flight and returns the state reached.
func (e *Engine) Wait(ctx context.Context) State {
	ch := make(chan State, 1)
	ok := e.do(func() {
		if !e.state.Phase.Active() {
			ch <- e.state
			return
		}
		e.waiters = append(e.waiters, ch)
	})
	if !ok {
		return State{Phase: Idle}
	}
	select {
	case s := <-ch:
		return s
	case <-ctx.Done():
		return e.State()
	}
}

// Close cancels any run, waits for its handles to be released and flushes
// pending callbacks.
func (e *Engine) Close() {
	e.closing.Do(func() {
		e.do(func() {
			if e.cancelRun != nil {
				e.cancelled = true
				e.cancelRun()
			}
		})
		close(e.quit)
		e.wg.Wait()
		e.dispatch.close()
	})
}

func (e *Engine) begin(ctx context.Context) error {
	if e.state.Phase != Idle {
		slog.Warn("engine_start_rejected", "device", e.target.Path, "phase", e.state.Phase)
		if e.state.Phase.Active() {
			return errors.ProcessingInterrupted("imaging already running on %s", e.target.Path)
		}
		return errors.ProcessingInterrupted("engine for %s is %s; reset before starting again", e.target.Path, e.state.Phase)
	}

	e.run++
	e.cancelled = false
	e.emitted = Progress{}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelRun = cancel

	e.transition(Validating)
	e.state = State{Phase: Validating}

	e.wg.Add(1)
	go e.work(runCtx, e.run)
	return nil
}

func (e *Engine) requestCancel() {
	if !e.state.Phase.Active() || e.state.Phase == Cancelling {
		return
	}
	e.cancelled = true
	e.cancelRun()
	e.dispatch.drop(e.run)
	e.transition(Cancelling)
	e.state.Phase = Cancelling
}

func (e *Engine) transition(to Phase) {
	if e.state.Phase != to {
		slog.Info("engine_state_changed", "device", e.target.Path, "from", e.state.Phase, "to", to)
	}
}

func (e *Engine) notify(p Progress, err *errors.ImagerError) {
	e.emitted = p
	e.dispatch.push(notification{run: e.run, progress: p, err: err})
}

func (e *Engine) handle(ev event) {
	if ev.run != e.run {
		return
	}
	switch ev.kind {
	case eventPhase:
		if e.cancelled {
			return
		}
		e.transition(ev.phase)
		e.state.Phase = ev.phase
		if ev.phase == Imaging {
			e.state.Progress = Progress{TotalBytes: ev.total}
			e.throttle.reset()
			e.notify(e.state.Progress, nil)
		}

	case eventProgress:
		if e.cancelled || e.state.Phase != Imaging {
			return
		}
		p := e.state.Progress
		n := min(ev.bytes, p.TotalBytes)
		if n <= p.CompletedBytes {
			return
		}
		p.CompletedBytes = n
		e.state.Progress = p
		// The 100% callback waits for the target to be synced.
		if !p.Done() && e.throttle.allow(p) {
			e.notify(p, nil)
		}

	case eventDone:
		e.finish(ev.err)
	}
}

func (e *Engine) finish(err error) {
	e.cancelRun()
	e.cancelRun = nil

	switch {
	case e.cancelled && (err == nil || stderrors.Is(err, context.Canceled)):
		e.transition(Idle)
		e.state = State{Phase: Idle}
		slog.Info("engine_run_cancelled", "device", e.target.Path, "image", e.imagePath)

	case e.cancelled:
		// Nothing more is reported for a cancelled run, even if it failed.
		ierr := errors.Classify(err)
		e.transition(Failed)
		e.state.Phase = Failed
		e.state.Err = ierr
		slog.Error("engine_run_failed", "device", e.target.Path, "error", ierr, "cancelled", true)

	case stderrors.Is(err, context.Canceled):
		// The caller's context went away without Cancel.
		e.dispatch.drop(e.run)
		e.transition(Idle)
		e.state = State{Phase: Idle}
		slog.Info("engine_run_cancelled", "device", e.target.Path, "image", e.imagePath)

	case err != nil:
		ierr := errors.Classify(err)
		e.transition(Failed)
		e.state.Phase = Failed
		e.state.Err = ierr
		e.notify(e.state.Progress, ierr)
		slog.Error("engine_run_failed", "device", e.target.Path, "image", e.imagePath,
			"completed_bytes", e.state.Progress.CompletedBytes, "error", ierr)

	default:
		e.transition(Completed)
		e.state.Phase = Completed
		e.state.Progress.CompletedBytes = e.state.Progress.TotalBytes
		if e.emitted != e.state.Progress {
			e.notify(e.state.Progress, nil)
		}
		slog.Info("engine_run_completed", "device", e.target.Path, "image", e.imagePath,
			"bytes", e.state.Progress.TotalBytes)
	}

	for _, w := range e.waiters {
		w <- e.state
	}
	e.waiters = nil
}

func (e *Engine) send(ev event) {
	select {
	case e.events <- ev:
	case <-e.quit:
	}
}

// work performs one run off the loop goroutine.
func (e *Engine) work(ctx context.Context, run uint64) {
	defer e.wg.Done()
	err := e.execute(ctx, run)
	if stderrors.Is(err, context.DeadlineExceeded) {
		err = errors.ProcessingInterrupted("imaging %s: %v", e.target.Path, err)
	}
	e.send(event{run: run, kind: eventDone, err: err})
}

func (e *Engine) execute(ctx context.Context, run uint64) error {
	info, err := e.validator.Check(e.imagePath, e.target, e.target.Capacity)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.send(event{run: run, kind: eventPhase, phase: Unmounting})
	if err := e.unmounter.Unmount(ctx, e.target.Path); err != nil {
		slog.Warn("unmount_failed", "device", e.target.Path, "error", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.send(event{run: run, kind: eventPhase, phase: Imaging, total: info.Size})

	target := e.opts.RawPath(e.target.Path)
	req := transfer.Request{
		Source:    e.imagePath,
		Target:    target,
		Size:      info.Size,
		BlockSize: e.opts.BlockSize,
	}
	if target != e.target.Path {
		req.Align = transfer.SectorSize
	}

	slog.Info("engine_transfer_start", "device", e.target.Path, "target", target, "image", e.imagePath, "bytes", info.Size)
	return e.copier.Copy(ctx, req, func(written uint64) {
		e.send(event{run: run, kind: eventProgress, bytes: written})
	})
}
