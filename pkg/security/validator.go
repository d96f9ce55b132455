package security

import (
	"log/slog"
	"os"

	"github.com/fly-io/diskimage/pkg/drive"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/fly-io/diskimage/pkg/image"
)

// Options configures the safety rails of a Validator.
type Options struct {
	// AllowInternal permits internal drives as targets.
	AllowInternal bool
	// RequireBlockDevice rejects targets that are not device nodes.
	RequireBlockDevice bool
	// RawPath maps a device to its unbuffered node; nil means identity.
	RawPath func(devicePath string) string
}

// Validator decides whether an image may be written to a drive. It holds no
// state between calls, so repeated validation of the same pair is stable.
type Validator struct {
	allowInternal      bool
	requireBlockDevice bool
	rawPath            func(string) string
}

// NewValidator creates a new safety validator
func NewValidator(opts Options) *Validator {
	slog.Info("security_validator_init",
		"allow_internal", opts.AllowInternal,
		"require_block_device", opts.RequireBlockDevice)

	rawPath := opts.RawPath
	if rawPath == nil {
		rawPath = func(p string) string { return p }
	}

	return &Validator{
		allowInternal:      opts.AllowInternal,
		requireBlockDevice: opts.RequireBlockDevice,
		rawPath:            rawPath,
	}
}

// Validate checks the image and the drive without touching either.
func (v *Validator) Validate(imagePath string, d drive.Drive, driveSize uint64) error {
	_, err := v.Check(imagePath, d, driveSize)
	return err
}

// Check validates like Validate and returns the inspected image on success.
func (v *Validator) Check(imagePath string, d drive.Drive, driveSize uint64) (*image.Info, error) {
	info, err := image.Inspect(imagePath)
	if err != nil {
		slog.Error("security_image_rejected", "image", imagePath, "error", err)
		return nil, err
	}

	if err := v.validateDeviceNode(d.Path); err != nil {
		return nil, err
	}
	if raw := v.rawPath(d.Path); raw != d.Path {
		if err := v.validateDeviceNode(raw); err != nil {
			return nil, err
		}
	}

	if info.Size > driveSize {
		slog.Error("security_image_too_large",
			"image", imagePath,
			"image_size", info.Size,
			"drive", d.Path,
			"drive_size", driveSize)
		return nil, errors.ImageTooLargeForDrive(info.Size, driveSize)
	}

	if d.Internal && !v.allowInternal {
		slog.Error("security_internal_drive_rejected", "drive", d.Path)
		return nil, errors.InvalidDrive("%s is an internal drive; internal targets must be explicitly allowed", d.Path)
	}

	slog.Info("security_validated", "image", imagePath, "format", info.Format, "drive", d.Path)
	return info, nil
}

func (v *Validator) validateDeviceNode(path string) error {
	if path == "" {
		return errors.InvalidDrive("empty device path")
	}

	st, err := os.Stat(path)
	if err != nil {
		slog.Error("security_device_rejected", "device", path, "error", err)
		if os.IsPermission(err) {
			return errors.PermissionDenied("cannot access %s: %v", path, err)
		}
		return errors.InvalidDrive("%s does not exist", path)
	}

	if v.requireBlockDevice && st.Mode()&os.ModeDevice == 0 {
		slog.Error("security_device_rejected", "device", path, "mode", st.Mode().String())
		return errors.InvalidDrive("%s is not a device node", path)
	}
	return nil
}
