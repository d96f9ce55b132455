package security

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fly-io/diskimage/pkg/drive"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture creates an image of imageSize bytes and a stand-in device file.
func fixture(t *testing.T, imageSize int) (string, drive.Drive) {
	t.Helper()
	dir := t.TempDir()

	img := filepath.Join(dir, "image.img")
	require.NoError(t, os.WriteFile(img, make([]byte, imageSize), 0644))

	dev := filepath.Join(dir, "disk4")
	require.NoError(t, os.WriteFile(dev, nil, 0644))

	return img, drive.Drive{Path: dev, Capacity: 2000}
}

func TestValidate_ImageTooLarge(t *testing.T) {
	img, d := fixture(t, 100)
	v := NewValidator(Options{})

	err := v.Validate(img, d, 50)
	require.Error(t, err)

	ie, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindImageTooLargeForDrive, ie.Kind)
	assert.Equal(t, uint64(100), ie.ImageSize)
	assert.Equal(t, uint64(50), ie.DriveSize)
}

func TestValidate_ExactFit(t *testing.T) {
	img, d := fixture(t, 100)
	v := NewValidator(Options{})

	info, err := v.Check(img, d, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), info.Size)
}

func TestValidate_Idempotent(t *testing.T) {
	img, d := fixture(t, 100)
	v := NewValidator(Options{})

	first := v.Validate(img, d, 50)
	second := v.Validate(img, d, 50)
	assert.Equal(t, first, second)

	assert.NoError(t, v.Validate(img, d, 1000))
	assert.NoError(t, v.Validate(img, d, 1000))
}

func TestValidate_Rejections(t *testing.T) {
	img, d := fixture(t, 10)

	tests := []struct {
		name  string
		image string
		drive drive.Drive
		opts  Options
		want  error
	}{
		{"missing image", img + ".missing", d, Options{}, errors.ErrInvalidImageFile},
		{"missing device", img, drive.Drive{Path: d.Path + "-gone"}, Options{}, errors.ErrInvalidDrive},
		{"empty device", img, drive.Drive{}, Options{}, errors.ErrInvalidDrive},
		{"missing raw device", img, d, Options{RawPath: func(p string) string { return p + "-raw" }}, errors.ErrInvalidDrive},
		{"regular file as device", img, d, Options{RequireBlockDevice: true}, errors.ErrInvalidDrive},
		{"internal drive", img, drive.Drive{Path: d.Path, Internal: true}, Options{}, errors.ErrInvalidDrive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewValidator(tt.opts).Validate(tt.image, tt.drive, 1000)
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestValidate_AllowInternal(t *testing.T) {
	img, d := fixture(t, 10)
	d.Internal = true

	assert.NoError(t, NewValidator(Options{AllowInternal: true}).Validate(img, d, 1000))
}

func TestValidate_RawPathChecked(t *testing.T) {
	img, d := fixture(t, 10)
	raw := filepath.Join(filepath.Dir(d.Path), "rdisk4")
	require.NoError(t, os.WriteFile(raw, nil, 0644))

	v := NewValidator(Options{RawPath: func(string) string { return raw }})
	assert.NoError(t, v.Validate(img, d, 1000))
}
