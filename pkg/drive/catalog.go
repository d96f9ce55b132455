package drive

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/disk"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultConcurrency = 4
)

// UsageFunc returns the free bytes of the filesystem mounted at mountPoint.
type UsageFunc func(ctx context.Context, mountPoint string) (uint64, error)

// Options tunes a Catalog. Zero values select the defaults.
type Options struct {
	// Timeout bounds a whole List call.
	Timeout time.Duration
	// DeviceTimeout bounds the metadata query of one device. It defaults to
	// half of Timeout and is clamped below it.
	DeviceTimeout time.Duration
	Concurrency   int
	Usage         UsageFunc
}

// Catalog enumerates block devices and turns platform metadata into Drives.
type Catalog struct {
	querier       Querier
	timeout       time.Duration
	deviceTimeout time.Duration
	concurrency   int
	usage         UsageFunc
}

// NewCatalog creates a catalog over the given platform querier.
func NewCatalog(querier Querier, opts Options) *Catalog {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DeviceTimeout <= 0 || opts.DeviceTimeout >= opts.Timeout {
		opts.DeviceTimeout = opts.Timeout / 2
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Usage == nil {
		opts.Usage = FilesystemFree
	}

	return &Catalog{
		querier:       querier,
		timeout:       opts.Timeout,
		deviceTimeout: opts.DeviceTimeout,
		concurrency:   opts.Concurrency,
		usage:         opts.Usage,
	}
}

// FilesystemFree reads free space of a mounted filesystem through gopsutil.
func FilesystemFree(ctx context.Context, mountPoint string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, mountPoint)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// List returns the imaging candidates on this host sorted by path. Virtual and
// image-backed devices are never returned; internal devices only when
// includeInternal is set. Devices whose metadata cannot be read in time are
// skipped. List fails only when enumeration itself fails, ctx ends, or no
// device answered before its deadline.
func (c *Catalog) List(ctx context.Context, includeInternal bool) ([]Drive, error) {
	start := time.Now()
	slog.Debug("catalog_list_start", "include_internal", includeInternal, "timeout", c.timeout)

	listCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ids, err := c.querier.ListDevices(listCtx)
	if err != nil {
		slog.Error("catalog_enumeration_failed", "error", err)
		return nil, c.detectionError(listCtx, err)
	}

	resolved := make([]*Drive, len(ids))
	var answered, timedOut atomic.Int32
	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for i, id := range ids {
		g.Go(func() error {
			devCtx, devCancel := context.WithTimeout(listCtx, c.deviceTimeout)
			defer devCancel()

			d, err := c.resolve(devCtx, id)
			if err != nil {
				if devCtx.Err() != nil {
					timedOut.Add(1)
				}
				slog.Warn("catalog_device_skipped", "device", id, "error", err)
				return nil
			}
			answered.Add(1)
			resolved[i] = d
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		slog.Error("catalog_enumeration_aborted", "error", err)
		return nil, c.detectionError(ctx, err)
	}
	if answered.Load() == 0 && timedOut.Load() > 0 {
		slog.Error("catalog_enumeration_timed_out", "devices", len(ids), "timed_out", timedOut.Load())
		return nil, errors.DriveDetection("device enumeration timed out after %s", c.timeout)
	}

	drives := lo.FilterMap(resolved, func(d *Drive, _ int) (Drive, bool) {
		if d == nil {
			return Drive{}, false
		}
		return *d, includeInternal || !d.Internal
	})
	SortByPath(drives)

	slog.Debug("catalog_list_complete",
		"devices", len(ids),
		"drives", len(drives),
		"timed_out", timedOut.Load(),
		"duration_ms", time.Since(start).Milliseconds())
	return drives, nil
}

func (c *Catalog) detectionError(ctx context.Context, err error) error {
	if ie, ok := errors.As(err); ok {
		return ie
	}
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.DriveDetection("device enumeration timed out after %s", c.timeout)
	}
	return errors.DriveDetection("%v", err)
}

// resolve returns nil without error for devices that are filtered out as
// virtual or image-backed.
func (c *Catalog) resolve(ctx context.Context, id string) (*Drive, error) {
	info, err := c.querier.DeviceInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	if info.Virtual || info.SystemImage {
		slog.Debug("catalog_device_excluded", "device", id, "virtual", info.Virtual, "system_image", info.SystemImage)
		return nil, nil
	}

	d := &Drive{
		Path:     lo.Ternary(info.Path != "", info.Path, id),
		Capacity: info.Size,
		Internal: info.Internal,
		Name:     info.Label,
	}

	if p, ok := lo.Find(info.Partitions, func(p Partition) bool { return p.VolumeName != "" }); ok {
		d.Name = p.VolumeName
	}
	if d.Name == "" {
		d.Name = UntitledName
	}

	if p, ok := lo.Find(info.Partitions, func(p Partition) bool { return p.MountPoint != "" }); ok {
		free, err := c.usage(ctx, p.MountPoint)
		switch {
		case err != nil:
			slog.Debug("catalog_free_space_unavailable", "device", d.Path, "mount_point", p.MountPoint, "error", err)
		case free <= d.Capacity:
			d.Available = lo.ToPtr(free)
		}
	}

	return d, nil
}
