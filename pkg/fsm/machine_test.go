package fsm

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/fly-io/diskimage/pkg/db"
	"github.com/fly-io/diskimage/pkg/drive"
	"github.com/fly-io/diskimage/pkg/engine"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/fly-io/diskimage/pkg/image"
	"github.com/fly-io/diskimage/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	objects   map[string][]byte
	downloads int
	failWith  error
}

func (f *fakeSource) Stat(_ context.Context, key string) (*storage.Object, error) {
	body, ok := f.objects[key]
	if !ok {
		return nil, nil
	}
	return &storage.Object{Key: key, Size: int64(len(body))}, nil
}

func (f *fakeSource) Download(_ context.Context, key, localPath string, _ func(int64)) (*storage.DownloadResult, error) {
	f.downloads++
	if f.failWith != nil {
		return nil, f.failWith
	}
	body := f.objects[key]
	if err := os.WriteFile(localPath, body, 0644); err != nil {
		return nil, err
	}
	return &storage.DownloadResult{LocalPath: localPath, SHA256: fmt.Sprintf("sha-%s", key), Size: int64(len(body))}, nil
}

type fakeLister struct {
	drives []drive.Drive
	err    error
}

func (f *fakeLister) List(context.Context, bool) ([]drive.Drive, error) { return f.drives, f.err }

type fakeValidator struct{ err error }

func (f *fakeValidator) Check(path string, _ drive.Drive, _ uint64) (*image.Info, error) {
	if f.err != nil {
		return nil, f.err
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, errors.InvalidImageFile("%v", err)
	}
	return &image.Info{Path: path, Size: uint64(st.Size()), Format: image.FormatRaw}, nil
}

type fakeWriter struct {
	state engine.State
	err   error
	calls []string
}

func (f *fakeWriter) Write(_ context.Context, imagePath string, d drive.Drive, sha string) (engine.State, string, error) {
	f.calls = append(f.calls, imagePath+" -> "+d.Path+" "+sha)
	return f.state, "run-1", f.err
}

type fixture struct {
	machine *Machine
	repo    *db.Repository
	source  *fakeSource
	writer  *fakeWriter
	workDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := db.NewRepository(filepath.Join(dir, "diskimage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	f := &fixture{
		repo:    repo,
		source:  &fakeSource{objects: map[string][]byte{"images/debian.img": make([]byte, 1000)}},
		writer:  &fakeWriter{state: engine.State{Phase: engine.Completed, Progress: engine.Progress{TotalBytes: 1000, CompletedBytes: 1000}}},
		workDir: filepath.Join(dir, "work"),
	}
	lister := &fakeLister{drives: []drive.Drive{{Path: "/dev/sdb", Capacity: 2000, Name: "USB"}}}
	f.machine = NewMachine(repo, f.source, lister, &fakeValidator{}, f.writer, f.workDir)
	return f
}

// run executes the transitions in workflow order, stopping at the first
// error like the FSM does on abort.
func (f *fixture) run(req *WriteRequest) (*WriteResponse, error) {
	m := f.machine
	resp := &WriteResponse{}
	for _, s := range []step{m.prepare, m.download, m.validate, m.write, m.complete} {
		if err := s(context.Background(), req, resp); err != nil {
			m.fail(resp, err)
			return resp, err
		}
	}
	return resp, nil
}

var debianReq = &WriteRequest{S3Key: "images/debian.img", S3Bucket: "bucket", DevicePath: "sdb"}

func TestMachine_FetchAndWrite(t *testing.T) {
	f := newFixture(t)

	resp, err := f.run(debianReq)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, resp.Status)
	assert.Equal(t, "/dev/sdb", resp.Drive.Path)
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, uint64(1000), resp.BytesWritten)
	assert.Equal(t, 1, f.source.downloads)

	local := filepath.Join(f.workDir, "downloads", "debian.img")
	assert.Equal(t, []string{local + " -> /dev/sdb sha-images/debian.img"}, f.writer.calls)

	img, err := f.repo.GetImageByS3Key("images/debian.img")
	require.NoError(t, err)
	assert.Equal(t, db.StatusReady, img.Status)
	assert.Equal(t, local, img.LocalPath)
}

func TestMachine_ReusesCachedImage(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(debianReq)
	require.NoError(t, err)
	resp, err := f.run(debianReq)
	require.NoError(t, err)

	assert.True(t, resp.Cached)
	assert.Equal(t, 1, f.source.downloads)
	assert.Len(t, f.writer.calls, 2)
}

func TestMachine_RedownloadsWhenCacheIsDamaged(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(debianReq)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(filepath.Join(f.workDir, "downloads", "debian.img"), 10))

	resp, err := f.run(debianReq)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, f.source.downloads)
}

func TestMachine_SizeCheckedBeforeDownload(t *testing.T) {
	f := newFixture(t)
	f.source.objects["images/huge.img"] = make([]byte, 5000)

	resp, err := f.run(&WriteRequest{S3Key: "images/huge.img", DevicePath: "/dev/sdb"})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrImageTooLargeForDrive))
	assert.Equal(t, string(errors.KindImageTooLargeForDrive), resp.ErrorKind)
	assert.Zero(t, f.source.downloads)
	assert.Empty(t, f.writer.calls)
}

func TestMachine_Failures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		req   *WriteRequest
		want  error
	}{
		{
			name: "unknown drive",
			req:  &WriteRequest{S3Key: "images/debian.img", DevicePath: "/dev/sdz"},
			want: errors.ErrInvalidDrive,
		},
		{
			name: "missing object",
			req:  &WriteRequest{S3Key: "images/nope.img", DevicePath: "sdb"},
			want: errors.ErrInvalidImageFile,
		},
		{
			name: "validator refuses",
			setup: func(f *fixture) {
				f.machine.validator = &fakeValidator{err: errors.InvalidDrive("/dev/sdb is an internal drive")}
			},
			req:  debianReq,
			want: errors.ErrInvalidDrive,
		},
		{
			name: "imaging failed",
			setup: func(f *fixture) {
				f.writer.state = engine.State{Phase: engine.Failed, Err: errors.ProcessingInterrupted("device vanished")}
			},
			req:  debianReq,
			want: errors.ErrProcessingInterrupted,
		},
		{
			name: "imaging cancelled",
			setup: func(f *fixture) {
				f.writer.state = engine.State{Phase: engine.Idle}
			},
			req:  debianReq,
			want: errors.ErrProcessingInterrupted,
		},
		{
			name: "catalog down",
			setup: func(f *fixture) {
				f.machine.drives = &fakeLister{err: errors.DriveDetection("lsblk: not found")}
			},
			req:  debianReq,
			want: errors.ErrDriveDetection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			resp, err := f.run(tt.req)
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, db.StatusFailed, resp.Status)
			assert.NotEmpty(t, resp.ErrorMessage)
			assert.Equal(t, err, f.machine.LastError())
		})
	}
}

func TestMachine_DownloadFailureMarksImage(t *testing.T) {
	f := newFixture(t)
	f.source.failWith = fmt.Errorf("connection reset")

	_, err := f.run(debianReq)
	require.Error(t, err)

	img, err := f.repo.GetImageByS3Key("images/debian.img")
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, img.Status)
	assert.Contains(t, img.ErrorMessage, "connection reset")
}

// failingStatusStore rejects status changes to failed.
type failingStatusStore struct {
	*db.Repository
}

func (s failingStatusStore) UpdateImageStatus(id int64, status, msg string) error {
	if status == db.StatusFailed {
		return fmt.Errorf("database is locked")
	}
	return s.Repository.UpdateImageStatus(id, status, msg)
}

func TestMachine_DownloadFailureSurvivesStatusUpdateError(t *testing.T) {
	f := newFixture(t)
	f.source.failWith = fmt.Errorf("connection reset")
	f.machine.store = failingStatusStore{f.repo}

	resp, err := f.run(debianReq)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NotContains(t, err.Error(), "database is locked")
	assert.Equal(t, db.StatusFailed, resp.Status)

	img, err := f.repo.GetImageByS3Key("images/debian.img")
	require.NoError(t, err)
	assert.Equal(t, db.StatusDownloading, img.Status)
}
