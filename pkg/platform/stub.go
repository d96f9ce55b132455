package platform

import (
	"context"
	"runtime"

	"github.com/fly-io/diskimage/pkg/drive"
	"github.com/fly-io/diskimage/pkg/errors"
)

// Unsupported is the platform for operating systems without device tooling.
type Unsupported struct {
	goos string
}

// NewUnsupported creates a platform that rejects every operation.
func NewUnsupported() *Unsupported {
	return &Unsupported{goos: runtime.GOOS}
}

func (u *Unsupported) Name() string { return u.goos }

func (u *Unsupported) NotifyDir() string { return "" }

func (u *Unsupported) RawPath(devicePath string) string { return devicePath }

func (u *Unsupported) ListDevices(ctx context.Context) ([]string, error) {
	return nil, errors.NotImplemented("device discovery is not supported on %s", u.goos)
}

func (u *Unsupported) DeviceInfo(ctx context.Context, id string) (*drive.DeviceInfo, error) {
	return nil, errors.NotImplemented("device metadata is not supported on %s", u.goos)
}

func (u *Unsupported) Unmount(ctx context.Context, devicePath string) error {
	return errors.NotImplemented("unmount is not supported on %s", u.goos)
}
