package platform

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fly-io/diskimage/pkg/drive"
	"github.com/fly-io/diskimage/pkg/errors"
	"howett.net/plist"
)

// Darwin discovers devices with diskutil and writes through /dev/rdiskN.
type Darwin struct {
	runner Runner
}

// NewDarwin creates the macOS platform.
func NewDarwin(runner Runner) *Darwin {
	return &Darwin{runner: runner}
}

func (d *Darwin) Name() string { return "darwin" }

func (d *Darwin) NotifyDir() string { return "/dev" }

// RawPath maps /dev/diskN to its unbuffered node /dev/rdiskN.
func (d *Darwin) RawPath(devicePath string) string {
	if strings.HasPrefix(devicePath, "/dev/disk") {
		return "/dev/r" + strings.TrimPrefix(devicePath, "/dev/")
	}
	return devicePath
}

// diskutilList mirrors "diskutil list -plist".
type diskutilList struct {
	WholeDisks            []string       `plist:"WholeDisks"`
	AllDisksAndPartitions []diskutilDisk `plist:"AllDisksAndPartitions"`
}

type diskutilDisk struct {
	DeviceIdentifier string           `plist:"DeviceIdentifier"`
	Size             uint64           `plist:"Size"`
	Content          string           `plist:"Content"`
	MountPoint       string           `plist:"MountPoint"`
	VolumeName       string           `plist:"VolumeName"`
	Partitions       []diskutilVolume `plist:"Partitions"`
	APFSVolumes      []diskutilVolume `plist:"APFSVolumes"`
}

type diskutilVolume struct {
	DeviceIdentifier string `plist:"DeviceIdentifier"`
	Size             uint64 `plist:"Size"`
	Content          string `plist:"Content"`
	MountPoint       string `plist:"MountPoint"`
	VolumeName       string `plist:"VolumeName"`
}

// diskutilInfo mirrors the subset of "diskutil info -plist <disk>" we use.
type diskutilInfo struct {
	DeviceIdentifier  string `plist:"DeviceIdentifier"`
	DeviceNode        string `plist:"DeviceNode"`
	Internal          bool   `plist:"Internal"`
	RemovableMedia    bool   `plist:"RemovableMedia"`
	Ejectable         bool   `plist:"Ejectable"`
	SystemImage       bool   `plist:"SystemImage"`
	VirtualOrPhysical string `plist:"VirtualOrPhysical"`
	MediaName         string `plist:"MediaName"`
	Size              uint64 `plist:"Size"`
	TotalSize         uint64 `plist:"TotalSize"`
	WholeDisk         bool   `plist:"WholeDisk"`
}

func diskIdentifier(path string) string {
	return strings.TrimPrefix(path, "/dev/")
}

func (d *Darwin) ListDevices(ctx context.Context) ([]string, error) {
	data, err := d.runner.Output(ctx, diskutilCommand, "list", "-plist")
	if err != nil {
		return nil, errors.DriveDetection("%v", err)
	}

	var list diskutilList
	if _, err := plist.Unmarshal(data, &list); err != nil {
		slog.Error("diskutil_parse_failed", "error", err)
		return nil, errors.DriveDetection("cannot parse diskutil output: %v", err)
	}

	ids := make([]string, 0, len(list.WholeDisks))
	for _, id := range list.WholeDisks {
		ids = append(ids, "/dev/"+id)
	}
	return ids, nil
}

func (d *Darwin) DeviceInfo(ctx context.Context, id string) (*drive.DeviceInfo, error) {
	ident := diskIdentifier(id)

	data, err := d.runner.Output(ctx, diskutilCommand, "info", "-plist", ident)
	if err != nil {
		return nil, err
	}
	var info diskutilInfo
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("cannot parse diskutil info for %s: %w", ident, err)
	}

	data, err = d.runner.Output(ctx, diskutilCommand, "list", "-plist", ident)
	if err != nil {
		return nil, err
	}
	var list diskutilList
	if _, err := plist.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("cannot parse diskutil list for %s: %w", ident, err)
	}

	return diskutilToDeviceInfo(id, info, list), nil
}

func diskutilToDeviceInfo(id string, info diskutilInfo, list diskutilList) *drive.DeviceInfo {
	size := info.TotalSize
	if size == 0 {
		size = info.Size
	}

	out := &drive.DeviceInfo{
		Path:        id,
		Size:        size,
		Internal:    info.Internal && !info.RemovableMedia,
		Virtual:     info.VirtualOrPhysical == "Virtual",
		SystemImage: info.SystemImage,
		Label:       strings.TrimSpace(info.MediaName),
	}
	if info.DeviceNode != "" {
		out.Path = info.DeviceNode
	}

	for _, disk := range list.AllDisksAndPartitions {
		if disk.DeviceIdentifier != diskIdentifier(out.Path) {
			continue
		}
		for _, v := range append(disk.Partitions, disk.APFSVolumes...) {
			out.Partitions = append(out.Partitions, drive.Partition{
				Path:       "/dev/" + v.DeviceIdentifier,
				MountPoint: v.MountPoint,
				VolumeName: v.VolumeName,
			})
		}
	}
	return out
}

// Unmount force-unmounts every volume of the whole disk.
func (d *Darwin) Unmount(ctx context.Context, devicePath string) error {
	slog.Info("unmount_start", "device", devicePath)
	if _, err := d.runner.Output(ctx, diskutilCommand, "unmountDisk", "force", devicePath); err != nil {
		slog.Warn("unmount_failed", "device", devicePath, "error", err)
		return err
	}
	slog.Info("unmount_complete", "device", devicePath)
	return nil
}
