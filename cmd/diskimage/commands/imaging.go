package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fly-io/diskimage/internal/config"
	"github.com/fly-io/diskimage/pkg/db"
	"github.com/fly-io/diskimage/pkg/drive"
	"github.com/fly-io/diskimage/pkg/engine"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/fly-io/diskimage/pkg/transfer"
	"github.com/schollz/progressbar/v3"
)

// imagingJob runs one engine per Write and journals it as an imaging run.
// It is the writer behind both write and fetch-and-write.
type imagingJob struct {
	cfg       *config.Config
	host      *host
	copier    transfer.Copier
	repo      *db.Repository
	reporters func(total uint64) engine.Reporter
	// interrupt, when set, also cancels the run. The workflow manager runs
	// transitions on its own context.
	interrupt context.Context
}

func newImagingJob(c *config.Config, h *host, repo *db.Repository) *imagingJob {
	return &imagingJob{
		cfg:       c,
		host:      h,
		copier:    newCopier(c),
		repo:      repo,
		reporters: progressReporter,
	}
}

// Write images d with imagePath. Cancelling ctx cancels the run; the engine
// then settles in Idle.
func (j *imagingJob) Write(ctx context.Context, imagePath string, d drive.Drive, sha256 string) (engine.State, string, error) {
	var size uint64
	if st, err := os.Stat(imagePath); err == nil {
		size = uint64(st.Size())
	}

	run := &db.Run{
		ImagePath:    imagePath,
		ImageSHA256:  sha256,
		DevicePath:   d.Path,
		DeviceName:   d.Name,
		ImageSize:    size,
		TransferMode: j.cfg.TransferMode,
	}
	if j.repo != nil {
		if err := j.repo.CreateRun(run); err != nil {
			return engine.State{}, "", errors.Wrap(err, "failed to journal run")
		}
	}

	eng := engine.New(imagePath, d, j.host.validator, j.host.platform, j.copier, engine.Options{
		BlockSize:          j.cfg.BlockSize,
		ProgressInterval:   j.cfg.ProgressInterval,
		ProgressMinPercent: j.cfg.ProgressMinPercent,
		RawPath:            j.host.platform.RawPath,
	})
	defer eng.Close()

	if j.reporters != nil && size > 0 {
		eng.Subscribe(j.reporters(size))
	}

	stop := context.AfterFunc(ctx, eng.Cancel)
	defer stop()
	if j.interrupt != nil {
		stopInterrupt := context.AfterFunc(j.interrupt, eng.Cancel)
		defer stopInterrupt()
	}

	if err := eng.Start(context.WithoutCancel(ctx)); err != nil {
		j.journal(run, engine.State{Phase: engine.Failed, Err: errors.Classify(err)})
		return engine.State{}, run.RunID, err
	}
	state := eng.Wait(context.Background())
	// Flush outstanding callbacks before anything else is printed.
	eng.Close()

	j.journal(run, state)
	return state, run.RunID, nil
}

func (j *imagingJob) journal(run *db.Run, state engine.State) {
	if j.repo == nil {
		return
	}

	status := db.RunCancelled
	var kind, message string
	switch state.Phase {
	case engine.Completed:
		status = db.RunCompleted
	case engine.Failed:
		status = db.RunFailed
		if state.Err != nil {
			kind = string(state.Err.Kind)
			message = state.Err.Error()
		}
	}

	if err := j.repo.FinishRun(run.RunID, status, state.Progress.CompletedBytes, kind, message); err != nil {
		slog.Warn("run_journal_failed", "run_id", run.RunID, "error", err)
	}
}

// progressReporter renders a bar on a terminal and plain lines otherwise.
func progressReporter(total uint64) engine.Reporter {
	if isTerminal(os.Stderr) {
		return newBarReporter(total)
	}
	return &lineReporter{out: os.Stderr, step: 10}
}

type barReporter struct {
	bar *progressbar.ProgressBar
}

func newBarReporter(total uint64) *barReporter {
	bar := progressbar.NewOptions64(int64(total),
		progressbar.OptionSetDescription("Writing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(15),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return &barReporter{bar: bar}
}

func (b *barReporter) Report(p engine.Progress, err *errors.ImagerError) {
	if err != nil {
		fmt.Fprintln(os.Stderr)
		return
	}
	b.bar.Set64(int64(p.CompletedBytes))
	if p.Done() {
		b.bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
}

// lineReporter prints one line every step percent, for logs and pipes.
type lineReporter struct {
	mu   sync.Mutex
	out  io.Writer
	step float64
	next float64
}

func (l *lineReporter) Report(p engine.Progress, err *errors.ImagerError) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err != nil {
		fmt.Fprintf(l.out, "failed after %s: %v\n", humanize.IBytes(p.CompletedBytes), err)
		return
	}
	pct := p.Percentage()
	if pct < l.next && !p.Done() {
		return
	}
	fmt.Fprintf(l.out, "%3.0f%% %s / %s\n", pct, humanize.IBytes(p.CompletedBytes), humanize.IBytes(p.TotalBytes))
	for l.next <= pct {
		l.next += l.step
	}
}
