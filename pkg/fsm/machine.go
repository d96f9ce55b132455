package fsm

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fly-io/diskimage/pkg/db"
	"github.com/fly-io/diskimage/pkg/drive"
	"github.com/fly-io/diskimage/pkg/engine"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/fly-io/diskimage/pkg/storage"
	"github.com/superfly/fsm"
)

// Store is the image cache
type Store interface {
	GetImageByS3Key(s3Key string) (*db.Image, error)
	CreateImage(img *db.Image) error
	UpdateImage(img *db.Image) error
	UpdateImageStatus(id int64, status, errorMessage string) error
}

// Source fetches images
type Source interface {
	Stat(ctx context.Context, s3Key string) (*storage.Object, error)
	Download(ctx context.Context, s3Key, localPath string, progress func(n int64)) (*storage.DownloadResult, error)
}

// Lister enumerates drives
type Lister interface {
	List(ctx context.Context, includeInternal bool) ([]drive.Drive, error)
}

// Writer images a drive and returns the state the engine settled in
type Writer interface {
	Write(ctx context.Context, imagePath string, d drive.Drive, sha256 string) (engine.State, string, error)
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	store     Store
	source    Source
	drives    Lister
	validator engine.Validator
	writer    Writer
	workDir   string

	mu      sync.Mutex
	lastErr error
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(store Store, source Source, drives Lister, validator engine.Validator, writer Writer, workDir string) *Machine {
	return &Machine{
		store:     store,
		source:    source,
		drives:    drives,
		validator: validator,
		writer:    writer,
		workDir:   workDir,
	}
}

type step func(ctx context.Context, req *WriteRequest, resp *WriteResponse) error

// handler adapts a step to a transition. Step errors abort the workflow.
func (m *Machine) handler(name string, fn step) func(context.Context, *fsm.Request[WriteRequest, WriteResponse]) (*fsm.Response[WriteResponse], error) {
	return func(ctx context.Context, req *fsm.Request[WriteRequest, WriteResponse]) (*fsm.Response[WriteResponse], error) {
		slog.Info("fsm_state_"+name, "s3_key", req.Msg.S3Key, "device", req.Msg.DevicePath)

		resp := req.W.Msg
		if resp == nil {
			resp = &WriteResponse{}
		}

		if err := fn(ctx, req.Msg, resp); err != nil {
			slog.Error("fsm_state_failed", "state", name, "s3_key", req.Msg.S3Key, "error", err)
			m.fail(resp, err)
			return nil, fsm.Abort(err)
		}
		return fsm.NewResponse(resp), nil
	}
}

// fail records a terminal error on the response.
func (m *Machine) fail(resp *WriteResponse, err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()

	resp.Status = db.StatusFailed
	resp.ErrorKind = string(errors.KindOf(err))
	resp.ErrorMessage = err.Error()
}

// LastError returns the error that aborted the most recent workflow, if any.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// prepare resolves the target drive and checks the cache. The object size is
// checked against the drive before anything is downloaded.
func (m *Machine) prepare(ctx context.Context, req *WriteRequest, resp *WriteResponse) error {
	drives, err := m.drives.List(ctx, true)
	if err != nil {
		return err
	}
	d, ok := drive.Find(drives, req.DevicePath)
	if !ok {
		return errors.InvalidDrive("%s is not an attached drive", req.DevicePath)
	}
	resp.Drive = d

	img, err := m.store.GetImageByS3Key(req.S3Key)
	if err != nil {
		return errors.Wrap(err, "database error")
	}

	if img != nil && img.Status == db.StatusReady && cachedFileIntact(img) {
		slog.Info("image_already_cached", "s3_key", req.S3Key, "image_id", img.ID, "path", img.LocalPath)
		resp.ImageID = img.ID
		resp.Cached = true
		resp.SHA256 = img.SHA256
		resp.LocalPath = img.LocalPath
		resp.Size = img.Size
		return checkFits(uint64(img.Size), d)
	}

	obj, err := m.source.Stat(ctx, req.S3Key)
	if err != nil {
		return err
	}
	if obj == nil {
		return errors.InvalidImageFile("s3://%s/%s does not exist", req.S3Bucket, req.S3Key)
	}
	if err := checkFits(uint64(obj.Size), d); err != nil {
		return err
	}

	if img == nil {
		img = &db.Image{S3Key: req.S3Key, Status: db.StatusPending}
		if err := m.store.CreateImage(img); err != nil {
			return errors.Wrap(err, "failed to create image record")
		}
	}
	resp.ImageID = img.ID
	return nil
}

func cachedFileIntact(img *db.Image) bool {
	st, err := os.Stat(img.LocalPath)
	return err == nil && st.Mode().IsRegular() && st.Size() == img.Size
}

func checkFits(size uint64, d drive.Drive) error {
	if size > d.Capacity {
		return errors.ImageTooLargeForDrive(size, d.Capacity)
	}
	return nil
}

func (m *Machine) download(ctx context.Context, req *WriteRequest, resp *WriteResponse) error {
	if resp.Cached {
		slog.Info("download_skipped", "s3_key", req.S3Key, "path", resp.LocalPath)
		return nil
	}

	if err := m.store.UpdateImageStatus(resp.ImageID, db.StatusDownloading, ""); err != nil {
		return errors.Wrap(err, "failed to update status")
	}

	downloadDir := filepath.Join(m.workDir, "downloads")
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create download dir")
	}

	localPath := filepath.Join(downloadDir, filepath.Base(req.S3Key))
	result, err := m.source.Download(ctx, req.S3Key, localPath, nil)
	if err != nil {
		if uerr := m.store.UpdateImageStatus(resp.ImageID, db.StatusFailed, err.Error()); uerr != nil {
			slog.Error("database_status_update_failed", "image_id", resp.ImageID, "status", db.StatusFailed, "error", uerr)
		}
		return errors.Wrap(err, "failed to download from S3")
	}

	resp.SHA256 = result.SHA256
	resp.LocalPath = result.LocalPath
	resp.Size = result.Size

	img := &db.Image{
		ID:        resp.ImageID,
		S3Key:     req.S3Key,
		SHA256:    result.SHA256,
		Status:    db.StatusReady,
		LocalPath: result.LocalPath,
		Size:      result.Size,
	}
	if err := m.store.UpdateImage(img); err != nil {
		return errors.Wrap(err, "failed to update image")
	}
	return nil
}

func (m *Machine) validate(ctx context.Context, req *WriteRequest, resp *WriteResponse) error {
	info, err := m.validator.Check(resp.LocalPath, resp.Drive, resp.Drive.Capacity)
	if err != nil {
		return err
	}
	slog.Info("image_validated", "s3_key", req.S3Key, "format", info.Format, "size", info.Size, "device", resp.Drive.Path)
	return nil
}

func (m *Machine) write(ctx context.Context, req *WriteRequest, resp *WriteResponse) error {
	state, runID, err := m.writer.Write(ctx, resp.LocalPath, resp.Drive, resp.SHA256)
	resp.RunID = runID
	resp.BytesWritten = state.Progress.CompletedBytes
	if err != nil {
		return err
	}

	switch state.Phase {
	case engine.Completed:
		return nil
	case engine.Failed:
		if state.Err != nil {
			return state.Err
		}
		return errors.Unknown("imaging of %s failed", resp.Drive.Path)
	default:
		return errors.ProcessingInterrupted("imaging of %s was cancelled", resp.Drive.Path)
	}
}

func (m *Machine) complete(ctx context.Context, req *WriteRequest, resp *WriteResponse) error {
	resp.Status = db.RunCompleted
	slog.Info("fsm_complete", "s3_key", req.S3Key, "device", resp.Drive.Path, "run_id", resp.RunID, "bytes", resp.BytesWritten)
	return nil
}
