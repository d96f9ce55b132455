// Package platform adapts the host's block-device tooling (lsblk on Linux,
// diskutil on macOS) to the drive catalog and the imaging engine.
package platform

import (
	"context"

	"github.com/fly-io/diskimage/pkg/drive"
)

// Platform is the device capability set of one operating system family.
type Platform interface {
	drive.Querier

	// Name identifies the platform in logs.
	Name() string

	// Unmount force-unmounts every mounted volume on the whole device.
	Unmount(ctx context.Context, devicePath string) error

	// RawPath returns the unbuffered device node for devicePath. Platforms
	// without a separate raw node return devicePath unchanged.
	RawPath(devicePath string) string

	// NotifyDir is the directory whose changes signal device attach/detach,
	// or "" when the platform has none.
	NotifyDir() string
}

// New returns the platform implementation for the running operating system.
// Unsupported systems get a platform whose operations fail with a
// not-implemented error instead of aborting.
func New(runner Runner) Platform {
	if runner == nil {
		runner = ExecRunner{}
	}
	return newForOS(runner)
}
