package image

import (
	"archive/tar"
	"archive/zip"
	"encoding/binary"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/stretchr/testify/require"
)

func writeTar(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	body := []byte("disk image payload")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "disk.img", Mode: 0644, Size: int64(len(body))}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
}

func writeZip(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create("disk.img")
	require.NoError(t, err)
	_, err = w.Write([]byte("disk image payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
}

// writeMBR writes a 1 MiB image whose first sector holds one Linux partition.
func writeMBR(t *testing.T, path string) {
	t.Helper()
	buf := make([]byte, 1024*1024)
	entry := buf[446:462]
	entry[4] = 0x83
	binary.LittleEndian.PutUint32(entry[8:12], 2048)
	binary.LittleEndian.PutUint32(entry[12:16], 20)
	buf[510], buf[511] = 0x55, 0xAA
	require.NoError(t, os.WriteFile(path, buf, 0644))
}

func TestInspect_Formats(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		file   string
		create func(t *testing.T, path string)
		want   Format
	}{
		{"tar", "image.tar", writeTar, FormatTar},
		{"zip", "image.zip", writeZip, FormatZip},
		{"raw by extension", "blank.img", func(t *testing.T, p string) {
			require.NoError(t, os.WriteFile(p, make([]byte, 4096), 0644))
		}, FormatRaw},
		{"raw by partition table", "dump", writeMBR, FormatRaw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			tt.create(t, path)

			info, err := Inspect(path)
			require.NoError(t, err)
			require.Equal(t, tt.want, info.Format)

			st, err := os.Stat(path)
			require.NoError(t, err)
			require.Equal(t, uint64(st.Size()), info.Size)
		})
	}
}

func TestInspect_PartitionTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sd.img")
	writeMBR(t, path)

	info, err := Inspect(path)
	require.NoError(t, err)
	require.Equal(t, "mbr", info.PartitionTable)
	require.Len(t, info.Partitions, 1)
	require.Equal(t, int64(2048*512), info.Partitions[0].Start)
	require.Equal(t, int64(20*512), info.Partitions[0].Size)
}

func TestInspect_Rejects(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(text, []byte("hello world, not an image\n"), 0644))

	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "missing.img")},
		{"directory", dir},
		{"unsupported", text},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Inspect(tt.path)
			require.Error(t, err)
			require.True(t, stderrors.Is(err, errors.ErrInvalidImageFile), "got %v", err)
		})
	}
}
