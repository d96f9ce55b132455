//go:generate go run go.uber.org/mock/mockgen -source=drive.go -destination=../mocks/mock_querier.go -package=mocks

// Package drive discovers block devices that can be used as imaging targets.
package drive

import (
	"context"

	"github.com/dustin/go-humanize"
)

// UntitledName is used when neither a volume nor the device carries a label.
const UntitledName = "Untitled"

// Drive is an immutable snapshot of one block device. Available is nil when the
// free space is unknown (no mounted partition, or the mount could not be read).
type Drive struct {
	Path      string  `json:"path"`
	Capacity  uint64  `json:"capacity"`
	Available *uint64 `json:"available"`
	Name      string  `json:"name,omitempty"`
	Internal  bool    `json:"internal"`
}

// DisplayAvailable renders the free space for tables.
func (d Drive) DisplayAvailable() string {
	if d.Available == nil {
		return "-"
	}
	return humanize.IBytes(*d.Available)
}

// DisplayCapacity renders the capacity for tables.
func (d Drive) DisplayCapacity() string {
	return humanize.IBytes(d.Capacity)
}

// Partition is a child of a whole device.
type Partition struct {
	Path       string
	MountPoint string
	VolumeName string
}

// DeviceInfo is the platform metadata for one whole device.
type DeviceInfo struct {
	Path     string
	Size     uint64
	Internal bool
	// Virtual marks synthetic devices (snapshots, RAM disks, APFS containers).
	Virtual bool
	// SystemImage marks devices backed by an image file (loop devices, attached dmg).
	SystemImage bool
	Label       string
	Partitions  []Partition
}

// Querier is the platform device-metadata facility the catalog depends on.
type Querier interface {
	// ListDevices returns the identifiers of every whole device on the host.
	ListDevices(ctx context.Context) ([]string, error)
	// DeviceInfo returns metadata for one device identifier.
	DeviceInfo(ctx context.Context, id string) (*DeviceInfo, error)
}
