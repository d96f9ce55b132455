package transfer

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"

	"github.com/fly-io/diskimage/pkg/errors"
)

// Target is the writable side of a copy.
type Target interface {
	io.Writer
	Sync() error
	Close() error
}

// Direct copies in-process through a reusable chunk buffer.
type Direct struct {
	OpenSource func(path string) (io.ReadCloser, error)
	OpenTarget func(path string) (Target, error)
}

// NewDirect creates a copier over the local filesystem.
func NewDirect() *Direct {
	return &Direct{
		OpenSource: func(path string) (io.ReadCloser, error) { return os.Open(path) },
		OpenTarget: openTarget,
	}
}

// openTarget opens block devices exclusively so the kernel refuses the open
// while a filesystem on the device is still mounted.
func openTarget(path string) (Target, error) {
	flags := os.O_WRONLY
	if st, err := os.Stat(path); err == nil && st.Mode()&os.ModeDevice != 0 && st.Mode()&os.ModeCharDevice == 0 {
		flags |= os.O_EXCL
	}
	return os.OpenFile(path, flags, 0)
}

func writeError(err error, target string) error {
	if stderrors.Is(err, os.ErrPermission) {
		return errors.PermissionDenied("writing %s: %v", target, err)
	}
	return errors.ProcessingInterrupted("writing %s: %v", target, err)
}

func (d *Direct) Copy(ctx context.Context, req Request, progress ProgressFunc) error {
	if progress == nil {
		progress = func(uint64) {}
	}

	src, err := d.OpenSource(req.Source)
	if err != nil {
		return errors.InvalidImageFile("cannot open %s: %v", req.Source, err)
	}
	defer src.Close()

	dst, err := d.OpenTarget(req.Target)
	if err != nil {
		slog.Error("transfer_open_target_failed", "target", req.Target, "error", err)
		return errors.FromOS(err, req.Target, errors.KindInvalidDrive)
	}
	closed := false
	defer func() {
		if !closed {
			dst.Close()
		}
	}()

	var reader io.Reader = src
	if req.Size > 0 {
		reader = io.LimitReader(src, int64(req.Size))
	}

	buf := make([]byte, req.blockSize())
	var written uint64

	slog.Debug("transfer_direct_start", "source", req.Source, "target", req.Target, "block_size", len(buf))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, rerr := io.ReadFull(reader, buf)
		if n > 0 {
			chunk := buf[:n]
			if req.Align > 0 && n%req.Align != 0 {
				padded := n + req.Align - n%req.Align
				clear(buf[n:padded])
				chunk = buf[:padded]
			}
			if _, werr := dst.Write(chunk); werr != nil {
				slog.Error("transfer_write_failed", "target", req.Target, "written", written, "error", werr)
				return writeError(werr, req.Target)
			}
			written += uint64(n)
			progress(written)
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			slog.Error("transfer_read_failed", "source", req.Source, "written", written, "error", rerr)
			return errors.ProcessingInterrupted("reading %s: %v", req.Source, rerr)
		}
	}

	if req.Size > 0 && written != req.Size {
		return errors.ProcessingInterrupted("image ended early: wrote %d of %d bytes", written, req.Size)
	}

	if err := dst.Sync(); err != nil {
		return writeError(err, req.Target)
	}
	closed = true
	if err := dst.Close(); err != nil {
		return writeError(err, req.Target)
	}

	slog.Debug("transfer_direct_complete", "target", req.Target, "written", written)
	return nil
}
