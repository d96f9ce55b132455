package transfer

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/fly-io/diskimage/pkg/errors"
)

const DefaultGracePeriod = 5 * time.Second

// DD copies through the host dd utility. On cancellation dd receives SIGINT and
// is killed if it has not exited after GracePeriod.
type DD struct {
	Command     string
	SyncCommand string
	GracePeriod time.Duration
	// GNU enables conv=fsync, which BSD dd lacks.
	GNU bool
}

// NewDD creates a dd copier for the running platform.
func NewDD(grace time.Duration) *DD {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &DD{
		Command:     "dd",
		SyncCommand: "sync",
		GracePeriod: grace,
		GNU:         runtime.GOOS == "linux",
	}
}

// args builds the dd operands. An image whose size is not a multiple of Align
// is read in Align-sized input blocks with conv=sync, so only the final block
// is zero padded and only up to the next Align boundary.
func (d *DD) args(req Request) []string {
	bs := req.blockSize()
	args := []string{
		"if=" + req.Source,
		"of=" + req.Target,
	}

	var conv []string
	if req.Align > 0 && req.Size%uint64(req.Align) != 0 {
		args = append(args, fmt.Sprintf("ibs=%d", req.Align), fmt.Sprintf("obs=%d", bs))
		conv = append(conv, "sync")
	} else {
		args = append(args, fmt.Sprintf("bs=%d", bs))
	}
	args = append(args, "status=progress")

	if d.GNU {
		conv = append(conv, "fsync")
	}
	if len(conv) > 0 {
		args = append(args, "conv="+strings.Join(conv, ","))
	}
	return args
}

// classifyFailure maps dd's diagnostic text to an error kind.
func classifyFailure(tail string, err error) error {
	lower := strings.ToLower(tail)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "operation not permitted"):
		return errors.PermissionDenied("dd: %s", tail)
	case strings.Contains(lower, "no such file"), strings.Contains(lower, "no such device"):
		return errors.InvalidDrive("dd: %s", tail)
	}
	if tail == "" {
		return errors.ProcessingInterrupted("dd: %v", err)
	}
	return errors.ProcessingInterrupted("dd: %v: %s", err, tail)
}

func (d *DD) Copy(ctx context.Context, req Request, progress ProgressFunc) error {
	if progress == nil {
		progress = func(uint64) {}
	}

	args := d.args(req)
	cmd := exec.CommandContext(ctx, d.Command, args...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = d.GracePeriod

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.ProcessingInterrupted("dd: %v", err)
	}

	slog.Debug("transfer_dd_start", "command", d.Command, "args", args)
	if err := cmd.Start(); err != nil {
		slog.Error("transfer_dd_start_failed", "error", err)
		return errors.ProcessingInterrupted("cannot start %s: %v", d.Command, err)
	}

	parser := StatusParser{BlockSize: uint64(req.blockSize())}
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanStatusLines)

	var last string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if n, ok := parser.Parse(line); ok {
			if req.Size > 0 && n > req.Size {
				n = req.Size
			}
			progress(n)
			continue
		}
		if !strings.Contains(line, "records in") {
			slog.Debug("transfer_dd_unparsed", "line", line)
			last = line
		}
	}

	werr := cmd.Wait()
	if ctx.Err() != nil {
		slog.Info("transfer_dd_cancelled", "target", req.Target)
		return ctx.Err()
	}
	if werr != nil {
		slog.Error("transfer_dd_failed", "target", req.Target, "error", werr, "stderr", last)
		return classifyFailure(last, werr)
	}

	if d.SyncCommand != "" {
		if out, err := exec.CommandContext(ctx, d.SyncCommand).CombinedOutput(); err != nil {
			return errors.ProcessingInterrupted("%s: %v: %s", d.SyncCommand, err, strings.TrimSpace(string(out)))
		}
	}

	slog.Debug("transfer_dd_complete", "target", req.Target)
	return nil
}
