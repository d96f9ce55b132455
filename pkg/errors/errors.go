// Package errors provides error wrapping utilities and the imaging error taxonomy.
//
// Every failure that reaches a caller of the catalog, validator or engine is an
// *ImagerError with one of a closed set of kinds. Infrastructure errors (config,
// database, object storage) are wrapped with context using Wrap.
package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"syscall"

	"github.com/dustin/go-humanize"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Kind identifies the category of an ImagerError.
type Kind string

const (
	KindInvalidImageFile      Kind = "invalid_image_file"
	KindInvalidDrive          Kind = "invalid_drive"
	KindPermissionDenied      Kind = "permission_denied"
	KindImageTooLargeForDrive Kind = "image_too_large_for_drive"
	KindProcessingInterrupted Kind = "processing_interrupted"
	KindDriveDetection        Kind = "drive_detection_error"
	KindDiskWatch             Kind = "disk_watch_error"
	KindNotImplemented        Kind = "not_implemented"
	KindUnknown               Kind = "unknown"
)

// ImagerError is an immutable imaging failure. ImageSize and DriveSize are only
// set for KindImageTooLargeForDrive.
type ImagerError struct {
	Kind      Kind
	Reason    string
	ImageSize uint64
	DriveSize uint64
}

// Sentinels for errors.Is comparisons. Matching is by kind only.
var (
	ErrInvalidImageFile      = &ImagerError{Kind: KindInvalidImageFile}
	ErrInvalidDrive          = &ImagerError{Kind: KindInvalidDrive}
	ErrPermissionDenied      = &ImagerError{Kind: KindPermissionDenied}
	ErrImageTooLargeForDrive = &ImagerError{Kind: KindImageTooLargeForDrive}
	ErrProcessingInterrupted = &ImagerError{Kind: KindProcessingInterrupted}
	ErrDriveDetection        = &ImagerError{Kind: KindDriveDetection}
	ErrDiskWatch             = &ImagerError{Kind: KindDiskWatch}
	ErrNotImplemented        = &ImagerError{Kind: KindNotImplemented}
	ErrUnknown               = &ImagerError{Kind: KindUnknown}
)

var kindDescriptions = map[Kind]string{
	KindInvalidImageFile:      "invalid image file",
	KindInvalidDrive:          "invalid drive",
	KindPermissionDenied:      "permission denied",
	KindImageTooLargeForDrive: "image too large for drive",
	KindProcessingInterrupted: "processing interrupted",
	KindDriveDetection:        "drive detection failed",
	KindDiskWatch:             "disk watch failed",
	KindNotImplemented:        "not implemented",
	KindUnknown:               "unknown error",
}

func (e *ImagerError) Error() string {
	desc, ok := kindDescriptions[e.Kind]
	if !ok {
		desc = string(e.Kind)
	}

	if e.Kind == KindImageTooLargeForDrive {
		return fmt.Sprintf("%s: image is %d bytes (%s), drive is %d bytes (%s)",
			desc, e.ImageSize, humanize.IBytes(e.ImageSize), e.DriveSize, humanize.IBytes(e.DriveSize))
	}
	if e.Reason == "" {
		return desc
	}
	return desc + ": " + e.Reason
}

// Is reports whether target is an ImagerError of the same kind.
func (e *ImagerError) Is(target error) bool {
	t, ok := target.(*ImagerError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...any) *ImagerError {
	return &ImagerError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func InvalidImageFile(format string, args ...any) *ImagerError {
	return newf(KindInvalidImageFile, format, args...)
}

func InvalidDrive(format string, args ...any) *ImagerError {
	return newf(KindInvalidDrive, format, args...)
}

func PermissionDenied(format string, args ...any) *ImagerError {
	return newf(KindPermissionDenied, format, args...)
}

func ProcessingInterrupted(format string, args ...any) *ImagerError {
	return newf(KindProcessingInterrupted, format, args...)
}

func DriveDetection(format string, args ...any) *ImagerError {
	return newf(KindDriveDetection, format, args...)
}

func DiskWatch(format string, args ...any) *ImagerError {
	return newf(KindDiskWatch, format, args...)
}

func NotImplemented(format string, args ...any) *ImagerError {
	return newf(KindNotImplemented, format, args...)
}

func Unknown(format string, args ...any) *ImagerError {
	return newf(KindUnknown, format, args...)
}

// ImageTooLargeForDrive reports a size precondition violation.
func ImageTooLargeForDrive(imageSize, driveSize uint64) *ImagerError {
	return &ImagerError{Kind: KindImageTooLargeForDrive, ImageSize: imageSize, DriveSize: driveSize}
}

// As returns the first ImagerError in err's chain.
func As(err error) (*ImagerError, bool) {
	var ie *ImagerError
	if stderrors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindUnknown when err carries no ImagerError.
func KindOf(err error) Kind {
	if ie, ok := As(err); ok {
		return ie.Kind
	}
	return KindUnknown
}

// Classify converts any error into an ImagerError. Existing ImagerErrors are
// returned as-is; everything else becomes KindUnknown.
func Classify(err error) *ImagerError {
	if err == nil {
		return nil
	}
	if ie, ok := As(err); ok {
		return ie
	}
	return Unknown("%v", err)
}

// FromOS maps an operating system error on a device path to an ImagerError.
// Errors that are neither permission nor missing-device failures fall back to
// the given kind.
func FromOS(err error, path string, fallback Kind) *ImagerError {
	if err == nil {
		return nil
	}
	if ie, ok := As(err); ok {
		return ie
	}

	switch {
	case stderrors.Is(err, fs.ErrPermission):
		return PermissionDenied("%s: %v", path, err)
	case stderrors.Is(err, fs.ErrNotExist), stderrors.Is(err, syscall.ENXIO), stderrors.Is(err, syscall.ENODEV):
		return InvalidDrive("%s: %v", path, err)
	case stderrors.Is(err, syscall.EBUSY):
		return ProcessingInterrupted("%s is busy: %v", path, err)
	}
	return newf(fallback, "%s: %v", path, err)
}
