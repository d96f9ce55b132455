package transfer

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeImage(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "image.img")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func emptyTarget(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	return path
}

// flakyTarget fails every write after the first failAfter writes.
type flakyTarget struct {
	bytes.Buffer
	writes    int
	failAfter int
	closed    bool
}

func (f *flakyTarget) Write(p []byte) (int, error) {
	if f.writes >= f.failAfter {
		return 0, fmt.Errorf("write /dev/sdb: no such device")
	}
	f.writes++
	return f.Buffer.Write(p)
}

func (f *flakyTarget) Sync() error  { return nil }
func (f *flakyTarget) Close() error { f.closed = true; return nil }

func TestDirect_CopyChunks(t *testing.T) {
	src := writeImage(t, 1000)
	dst := emptyTarget(t)

	var got []uint64
	err := NewDirect().Copy(context.Background(), Request{Source: src, Target: dst, Size: 1000, BlockSize: 400}, func(n uint64) {
		got = append(got, n)
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{400, 800, 1000}, got)

	want, _ := os.ReadFile(src)
	have, _ := os.ReadFile(dst)
	assert.Equal(t, want, have)
}

func TestDirect_AlignPadsFinalChunk(t *testing.T) {
	src := writeImage(t, 1000)
	dst := emptyTarget(t)

	var last uint64
	err := NewDirect().Copy(context.Background(), Request{Source: src, Target: dst, Size: 1000, BlockSize: 4096, Align: 512}, func(n uint64) {
		last = n
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), last)

	have, _ := os.ReadFile(dst)
	assert.Len(t, have, 1024)
	assert.Equal(t, make([]byte, 24), have[1000:])
}

func TestDirect_TargetVanishes(t *testing.T) {
	src := writeImage(t, 1000)
	target := &flakyTarget{failAfter: 1}

	d := NewDirect()
	d.OpenTarget = func(string) (Target, error) { return target, nil }

	var got []uint64
	err := d.Copy(context.Background(), Request{Source: src, Target: "/dev/sdb", Size: 1000, BlockSize: 400}, func(n uint64) {
		got = append(got, n)
	})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrProcessingInterrupted))
	assert.Equal(t, []uint64{400}, got)
	assert.True(t, target.closed)
}

func TestDirect_CancelBetweenChunks(t *testing.T) {
	src := writeImage(t, 1000)
	target := &flakyTarget{failAfter: 100}

	d := NewDirect()
	d.OpenTarget = func(string) (Target, error) { return target, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []uint64
	err := d.Copy(ctx, Request{Source: src, Target: "/dev/sdb", Size: 1000, BlockSize: 400}, func(n uint64) {
		got = append(got, n)
		cancel()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []uint64{400}, got)
	assert.Equal(t, 1, target.writes)
	assert.True(t, target.closed)
}

func TestDirect_OpenErrors(t *testing.T) {
	src := writeImage(t, 10)

	tests := []struct {
		name   string
		source string
		open   func(string) (Target, error)
		want   error
	}{
		{"missing source", src + ".gone", nil, errors.ErrInvalidImageFile},
		{"permission", src, func(p string) (Target, error) {
			return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrPermission}
		}, errors.ErrPermissionDenied},
		{"missing device", src, func(p string) (Target, error) {
			return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
		}, errors.ErrInvalidDrive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDirect()
			if tt.open != nil {
				d.OpenTarget = tt.open
			}
			err := d.Copy(context.Background(), Request{Source: tt.source, Target: "/dev/sdz", Size: 10}, nil)
			assert.True(t, stderrors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDirect_ShortSource(t *testing.T) {
	src := writeImage(t, 1000)

	d := NewDirect()
	d.OpenTarget = func(string) (Target, error) { return &flakyTarget{failAfter: 100}, nil }

	err := d.Copy(context.Background(), Request{Source: src, Target: "/dev/sdb", Size: 2000, BlockSize: 400}, nil)
	assert.True(t, stderrors.Is(err, errors.ErrProcessingInterrupted))
}

type failingReader struct{ served bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.served {
		return 0, fmt.Errorf("input/output error")
	}
	r.served = true
	return len(p), nil
}

func (r *failingReader) Close() error { return nil }

func TestDirect_SourceReadError(t *testing.T) {
	d := NewDirect()
	d.OpenSource = func(string) (io.ReadCloser, error) { return &failingReader{}, nil }
	d.OpenTarget = func(string) (Target, error) { return &flakyTarget{failAfter: 100}, nil }

	var got []uint64
	err := d.Copy(context.Background(), Request{Source: "image.img", Target: "/dev/sdb", Size: 1000, BlockSize: 400}, func(n uint64) {
		got = append(got, n)
	})
	assert.True(t, stderrors.Is(err, errors.ErrProcessingInterrupted))
	assert.Equal(t, []uint64{400}, got)
}

func TestValidateBlockSize(t *testing.T) {
	assert.NoError(t, ValidateBlockSize(DefaultBlockSize))
	assert.Error(t, ValidateBlockSize(512))
	assert.Error(t, ValidateBlockSize(MaxBlockSize+SectorSize))
	assert.Error(t, ValidateBlockSize(MinBlockSize+1))
}
