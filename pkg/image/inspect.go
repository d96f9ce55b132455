// Package image identifies disk image files and their container format.
package image

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/gabriel-vasile/mimetype"
)

// Format is a supported image container.
type Format string

const (
	FormatRaw Format = "raw"
	FormatISO Format = "iso"
	FormatTar Format = "tar"
	FormatZip Format = "zip"
)

// rawExtensions are accepted as raw images even when their content carries no
// recognizable signature (blank or freshly dumped media).
var rawExtensions = map[string]bool{
	".img": true,
	".raw": true,
	".bin": true,
	".dd":  true,
	".iso": true,
}

// Info describes one image file.
type Info struct {
	Path           string      `json:"path"`
	Size           uint64      `json:"size"`
	Format         Format      `json:"format"`
	MIME           string      `json:"mime"`
	PartitionTable string      `json:"partition_table,omitempty"`
	Partitions     []Partition `json:"partitions,omitempty"`
}

// Partition is one entry of a raw image's partition table, in bytes.
type Partition struct {
	Index int   `json:"index"`
	Start int64 `json:"start"`
	Size  int64 `json:"size"`
}

// Inspect stats and classifies an image. Missing, unreadable or unsupported
// files fail with an invalid image file error.
func Inspect(path string) (*Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.InvalidImageFile("%s does not exist", path)
		}
		return nil, errors.InvalidImageFile("cannot stat %s: %v", path, err)
	}
	if !st.Mode().IsRegular() {
		return nil, errors.InvalidImageFile("%s is not a regular file", path)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, errors.InvalidImageFile("cannot read %s: %v", path, err)
	}

	info := &Info{
		Path: path,
		Size: uint64(st.Size()),
		MIME: mtype.String(),
	}

	switch {
	case isA(mtype, "application/x-tar"):
		info.Format = FormatTar
	case isA(mtype, "application/zip"):
		info.Format = FormatZip
	case isA(mtype, "application/x-iso9660-image"):
		info.Format = FormatISO
	}

	if info.Format == "" || info.Format == FormatISO {
		probePartitions(info)
	}

	if info.Format == "" {
		ext := strings.ToLower(filepath.Ext(path))
		if rawExtensions[ext] || info.PartitionTable != "" {
			info.Format = FormatRaw
		}
	}

	if info.Format == "" {
		slog.Warn("image_format_unsupported", "path", path, "mime", info.MIME)
		return nil, errors.InvalidImageFile("%s has unsupported format %s (want raw, tar or zip)", path, info.MIME)
	}

	slog.Debug("image_inspected", "path", path, "format", info.Format, "size", info.Size, "partition_table", info.PartitionTable)
	return info, nil
}

func isA(m *mimetype.MIME, want string) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is(want) {
			return true
		}
	}
	return false
}

// probePartitions records the partition table of the image if it has one.
// Absence of a table is not an error.
func probePartitions(info *Info) {
	d, err := diskfs.Open(info.Path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		slog.Debug("image_partition_probe_failed", "path", info.Path, "error", err)
		return
	}
	defer d.Close()

	table, err := d.GetPartitionTable()
	if err != nil || table == nil {
		return
	}

	info.PartitionTable = table.Type()
	for i, p := range table.GetPartitions() {
		if p == nil || p.GetSize() <= 0 {
			continue
		}
		info.Partitions = append(info.Partitions, Partition{
			Index: i + 1,
			Start: p.GetStart(),
			Size:  p.GetSize(),
		})
	}
}
