package platform

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/fly-io/diskimage/pkg/drive"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/shirou/gopsutil/disk"
)

// Linux discovers devices with lsblk and unmounts with umount.
type Linux struct {
	runner Runner
	mounts func(ctx context.Context) ([]disk.PartitionStat, error)
	// noPath is set once lsblk rejected the PATH column.
	noPath atomic.Bool
}

// NewLinux creates the Linux platform.
func NewLinux(runner Runner) *Linux {
	return &Linux{
		runner: runner,
		mounts: func(ctx context.Context) ([]disk.PartitionStat, error) {
			return disk.PartitionsWithContext(ctx, true)
		},
	}
}

func (l *Linux) Name() string { return "linux" }

func (l *Linux) RawPath(devicePath string) string { return devicePath }

func (l *Linux) NotifyDir() string { return "/dev" }

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Size       lsblkUint     `json:"size"`
	Type       string        `json:"type"`
	RM         lsblkBool     `json:"rm"`
	Hotplug    lsblkBool     `json:"hotplug"`
	Tran       string        `json:"tran"`
	Model      string        `json:"model"`
	Label      string        `json:"label"`
	MountPoint string        `json:"mountpoint"`
	FSType     string        `json:"fstype"`
	Children   []lsblkDevice `json:"children"`
}

func (d lsblkDevice) devicePath() string {
	if d.Path != "" {
		return d.Path
	}
	return "/dev/" + d.Name
}

// lsblkBool accepts both the boolean and "0"/"1" encodings used across
// util-linux releases.
type lsblkBool bool

func (b *lsblkBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "true", "1":
		*b = true
	case "false", "0", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid lsblk boolean %s", data)
	}
	return nil
}

// lsblkUint accepts numbers and numeric strings.
type lsblkUint uint64

func (u *lsblkUint) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*u = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid lsblk size %s: %w", data, err)
	}
	*u = lsblkUint(v)
	return nil
}

// lsblk runs lsblk with the given columns. util-linux before 2.33 has no PATH
// column; after the first rejection it is left out and devicePath falls back
// to /dev/NAME.
func (l *Linux) lsblk(ctx context.Context, flags []string, columns string, devices ...string) ([]byte, error) {
	run := func(columns string) ([]byte, error) {
		args := append(append(slices.Clone(flags), "--output", columns), devices...)
		return l.runner.Output(ctx, lsblkCommand, args...)
	}
	if l.noPath.Load() {
		return run(withoutPathColumn(columns))
	}
	data, err := run(columns)
	if err == nil || !strings.Contains(err.Error(), "unknown column") {
		return data, err
	}
	slog.Warn("lsblk_path_column_unsupported", "error", err)
	l.noPath.Store(true)
	return run(withoutPathColumn(columns))
}

func withoutPathColumn(columns string) string {
	return strings.Join(slices.DeleteFunc(strings.Split(columns, ","), func(c string) bool { return c == "PATH" }), ",")
}

func parseLsblk(data []byte) (*lsblkOutput, error) {
	var out lsblkOutput
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDevices returns whole disks and loop devices. Loop devices are kept so the
// catalog can classify them as image-backed.
func (l *Linux) ListDevices(ctx context.Context) ([]string, error) {
	data, err := l.lsblk(ctx, []string{"--json", "--bytes", "--nodeps"}, lsblkListColumns)
	if err != nil {
		return nil, errors.DriveDetection("%v", err)
	}

	out, err := parseLsblk(data)
	if err != nil {
		slog.Error("lsblk_parse_failed", "error", err)
		return nil, errors.DriveDetection("cannot parse lsblk output: %v", err)
	}

	var ids []string
	for _, d := range out.BlockDevices {
		if d.Type == "disk" || d.Type == "loop" {
			ids = append(ids, d.devicePath())
		}
	}
	return ids, nil
}

// DeviceInfo reads metadata for one whole device including its partitions.
func (l *Linux) DeviceInfo(ctx context.Context, id string) (*drive.DeviceInfo, error) {
	data, err := l.lsblk(ctx, []string{"--json", "--bytes"}, lsblkColumns, id)
	if err != nil {
		return nil, err
	}

	out, err := parseLsblk(data)
	if err != nil {
		return nil, fmt.Errorf("cannot parse lsblk output for %s: %w", id, err)
	}
	if len(out.BlockDevices) == 0 {
		return nil, fmt.Errorf("lsblk returned no device for %s", id)
	}

	return lsblkToDeviceInfo(out.BlockDevices[0]), nil
}

func lsblkToDeviceInfo(d lsblkDevice) *drive.DeviceInfo {
	info := &drive.DeviceInfo{
		Path:        d.devicePath(),
		Size:        uint64(d.Size),
		Label:       strings.TrimSpace(d.Model),
		SystemImage: d.Type == "loop",
		Virtual:     d.Type == "ram" || strings.HasPrefix(d.Name, "zram"),
	}
	if info.Label == "" {
		info.Label = d.Label
	}

	removable := bool(d.RM) || bool(d.Hotplug) || d.Tran == "usb"
	backsSystem := systemMountPoints[d.MountPoint]

	var walk func(children []lsblkDevice)
	walk = func(children []lsblkDevice) {
		for _, c := range children {
			info.Partitions = append(info.Partitions, drive.Partition{
				Path:       c.devicePath(),
				MountPoint: c.MountPoint,
				VolumeName: c.Label,
			})
			if systemMountPoints[c.MountPoint] {
				backsSystem = true
			}
			walk(c.Children)
		}
	}
	walk(d.Children)

	info.Internal = !removable || backsSystem
	return info
}

// belongsTo reports whether partition is devicePath itself or one of its
// partitions (/dev/sdb1, /dev/mmcblk0p2, /dev/nvme0n1p1).
func belongsTo(devicePath, partition string) bool {
	if devicePath == "" {
		return false
	}
	if partition == devicePath {
		return true
	}
	if !strings.HasPrefix(partition, devicePath) {
		return false
	}
	suffix := partition[len(devicePath):]
	last := devicePath[len(devicePath)-1]
	if last >= '0' && last <= '9' {
		// nvme0n1 -> nvme0n1p1, never loop1 -> loop10
		if !strings.HasPrefix(suffix, "p") {
			return false
		}
		suffix = suffix[1:]
	}
	if suffix == "" {
		return false
	}
	_, err := strconv.Atoi(suffix)
	return err == nil
}

// mountPointsFor collects mount points from the mount table and from lsblk, so
// stacked devices (LUKS, LVM) on the target are also released.
func (l *Linux) mountPointsFor(ctx context.Context, devicePath string) []string {
	seen := map[string]bool{}

	stats, err := l.mounts(ctx)
	if err != nil {
		slog.Warn("mount_table_read_failed", "device", devicePath, "error", err)
	}
	for _, s := range stats {
		if belongsTo(devicePath, s.Device) && s.Mountpoint != "" {
			seen[s.Mountpoint] = true
		}
	}

	if info, err := l.DeviceInfo(ctx, devicePath); err == nil {
		for _, p := range info.Partitions {
			if p.MountPoint != "" && p.MountPoint != "[SWAP]" {
				seen[p.MountPoint] = true
			}
		}
	}

	points := make([]string, 0, len(seen))
	for mp := range seen {
		points = append(points, mp)
	}
	// Deepest first so nested mounts are released before their parents.
	sort.Slice(points, func(i, j int) bool {
		di, dj := strings.Count(filepath.Clean(points[i]), "/"), strings.Count(filepath.Clean(points[j]), "/")
		if di != dj {
			return di > dj
		}
		return points[i] < points[j]
	})
	return points
}

// Unmount releases every mount on the device, falling back to a lazy unmount
// when the filesystem is busy. All failures are reported together.
func (l *Linux) Unmount(ctx context.Context, devicePath string) error {
	points := l.mountPointsFor(ctx, devicePath)
	slog.Info("unmount_start", "device", devicePath, "mount_points", points)

	var errs []error
	for _, mp := range points {
		if _, err := l.runner.Output(ctx, umountCommand, mp); err == nil {
			slog.Info("unmount_complete", "mount_point", mp)
			continue
		}
		if _, err := l.runner.Output(ctx, umountCommand, "-l", mp); err != nil {
			slog.Warn("unmount_failed", "mount_point", mp, "error", err)
			errs = append(errs, err)
			continue
		}
		slog.Info("unmount_complete", "mount_point", mp, "lazy", true)
	}
	return stderrors.Join(errs...)
}
