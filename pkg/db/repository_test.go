package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "diskimage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_ImageRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	img := &Image{S3Key: "images/debian.img", Status: StatusPending}
	require.NoError(t, repo.CreateImage(img))
	assert.NotZero(t, img.ID)

	got, err := repo.GetImageByS3Key("images/debian.img")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.LocalPath)

	got.SHA256 = "abc123"
	got.LocalPath = "/var/lib/diskimage/downloads/debian.img"
	got.Size = 1 << 30
	got.Status = StatusReady
	require.NoError(t, repo.UpdateImage(got))

	again, err := repo.GetImageByS3Key("images/debian.img")
	require.NoError(t, err)
	assert.Equal(t, "abc123", again.SHA256)
	assert.Equal(t, int64(1<<30), again.Size)
	assert.Equal(t, StatusReady, again.Status)
}

func TestRepository_ImageMissing(t *testing.T) {
	repo := newTestRepo(t)

	got, err := repo.GetImageByS3Key("nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.Error(t, repo.UpdateImage(&Image{ID: 42, Status: StatusReady}))
}

func TestRepository_ImageStatusConstraint(t *testing.T) {
	repo := newTestRepo(t)

	img := &Image{S3Key: "a.img", Status: StatusPending}
	require.NoError(t, repo.CreateImage(img))
	require.NoError(t, repo.UpdateImageStatus(img.ID, StatusFailed, "checksum mismatch"))

	got, _ := repo.GetImageByS3Key("a.img")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "checksum mismatch", got.ErrorMessage)

	assert.Error(t, repo.CreateImage(&Image{S3Key: "b.img", Status: "bogus"}))
	assert.Error(t, repo.CreateImage(&Image{S3Key: "a.img", Status: StatusPending}), "s3_key is unique")
}

func TestRepository_RunLifecycle(t *testing.T) {
	repo := newTestRepo(t)

	run := &Run{
		ImagePath:    "/tmp/debian.img",
		DevicePath:   "/dev/sdb",
		DeviceName:   "USB",
		ImageSize:    1000,
		TransferMode: "direct",
	}
	require.NoError(t, repo.CreateRun(run))
	assert.Len(t, run.RunID, 36)
	assert.Equal(t, RunRunning, run.Status)

	got, err := repo.GetRun(run.RunID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, RunRunning, got.Status)
	assert.Empty(t, got.FinishedAt)

	require.NoError(t, repo.FinishRun(run.RunID, RunFailed, 400, "processing_interrupted", "device vanished"))

	got, err = repo.GetRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, got.Status)
	assert.Equal(t, uint64(400), got.BytesWritten)
	assert.Equal(t, "processing_interrupted", got.ErrorKind)
	assert.Equal(t, "device vanished", got.ErrorMessage)
	assert.NotEmpty(t, got.FinishedAt)
}

func TestRepository_FinishUnknownRun(t *testing.T) {
	repo := newTestRepo(t)
	assert.Error(t, repo.FinishRun("missing", RunCompleted, 0, "", ""))

	got, err := repo.GetRun("missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRepository_ListRunsNewestFirst(t *testing.T) {
	repo := newTestRepo(t)

	for _, dev := range []string{"/dev/sdb", "/dev/sdc", "/dev/sdd"} {
		require.NoError(t, repo.CreateRun(&Run{ImagePath: "a.img", DevicePath: dev, ImageSize: 1, TransferMode: "dd"}))
	}

	runs, err := repo.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "/dev/sdd", runs[0].DevicePath)
	assert.Equal(t, "/dev/sdb", runs[2].DevicePath)

	runs, err = repo.ListRuns(2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRepository_ListAndDeleteImages(t *testing.T) {
	repo := newTestRepo(t)

	a := &Image{S3Key: "a.img", Status: StatusReady, LocalPath: "/tmp/a.img", Size: 10}
	b := &Image{S3Key: "b.img", Status: StatusFailed}
	require.NoError(t, repo.CreateImage(a))
	require.NoError(t, repo.CreateImage(b))

	images, err := repo.ListImages()
	require.NoError(t, err)
	assert.Len(t, images, 2)

	require.NoError(t, repo.DeleteImage(a.ID))
	images, err = repo.ListImages()
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "b.img", images[0].S3Key)
}
