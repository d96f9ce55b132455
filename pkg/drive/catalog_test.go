package drive_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/fly-io/diskimage/pkg/drive"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/fly-io/diskimage/pkg/mocks"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const gigabyte = 1000 * 1000 * 1000

func noUsage(context.Context, string) (uint64, error) {
	return 0, fmt.Errorf("not mounted")
}

func expectDevices(q *mocks.MockQuerier, infos ...*drive.DeviceInfo) {
	ids := lo.Map(infos, func(info *drive.DeviceInfo, _ int) string { return info.Path })
	q.EXPECT().ListDevices(gomock.Any()).Return(ids, nil)
	for _, info := range infos {
		q.EXPECT().DeviceInfo(gomock.Any(), info.Path).Return(info, nil)
	}
}

func TestCatalog_ListFiltersInternalAndVirtual(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	q := mocks.NewMockQuerier(ctrl)

	expectDevices(q,
		&drive.DeviceInfo{Path: "/dev/disk0", Size: 500 * gigabyte, Internal: true, Label: "APPLE SSD"},
		&drive.DeviceInfo{Path: "/dev/disk4", Size: 64 * gigabyte, Label: "USB"},
		&drive.DeviceInfo{Path: "/dev/disk9", Size: 8 * gigabyte, Virtual: true},
	)

	catalog := drive.NewCatalog(q, drive.Options{Usage: noUsage})
	drives, err := catalog.List(context.Background(), false)
	req.NoError(err)
	req.Len(drives, 1)
	req.Equal("/dev/disk4", drives[0].Path)
	req.Equal(uint64(64*gigabyte), drives[0].Capacity)
	req.Equal("USB", drives[0].Name)
	req.Nil(drives[0].Available)
}

func TestCatalog_ListIncludeInternalStillDropsSynthetic(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	q := mocks.NewMockQuerier(ctrl)

	expectDevices(q,
		&drive.DeviceInfo{Path: "/dev/disk0", Size: 500 * gigabyte, Internal: true},
		&drive.DeviceInfo{Path: "/dev/disk4", Size: 64 * gigabyte},
		&drive.DeviceInfo{Path: "/dev/disk5", Size: 2 * gigabyte, SystemImage: true},
		&drive.DeviceInfo{Path: "/dev/disk9", Size: 8 * gigabyte, Virtual: true},
	)

	catalog := drive.NewCatalog(q, drive.Options{Usage: noUsage})
	drives, err := catalog.List(context.Background(), true)
	req.NoError(err)
	req.Equal([]string{"/dev/disk0", "/dev/disk4"}, lo.Map(drives, func(d drive.Drive, _ int) string { return d.Path }))
	req.True(drives[0].Internal)
	req.Equal(drive.UntitledName, drives[0].Name)
}

func TestCatalog_ListNaturalOrder(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	q := mocks.NewMockQuerier(ctrl)

	expectDevices(q,
		&drive.DeviceInfo{Path: "/dev/disk10", Size: gigabyte},
		&drive.DeviceInfo{Path: "/dev/disk9", Size: gigabyte},
		&drive.DeviceInfo{Path: "/dev/disk2", Size: gigabyte},
	)

	catalog := drive.NewCatalog(q, drive.Options{Usage: noUsage})
	drives, err := catalog.List(context.Background(), false)
	req.NoError(err)
	req.Equal([]string{"/dev/disk2", "/dev/disk9", "/dev/disk10"}, lo.Map(drives, func(d drive.Drive, _ int) string { return d.Path }))
}

func TestCatalog_ListSkipsFailingDevice(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	q := mocks.NewMockQuerier(ctrl)

	q.EXPECT().ListDevices(gomock.Any()).Return([]string{"/dev/sdb", "/dev/sdc"}, nil)
	q.EXPECT().DeviceInfo(gomock.Any(), "/dev/sdb").Return(nil, fmt.Errorf("lsblk: exit status 32"))
	q.EXPECT().DeviceInfo(gomock.Any(), "/dev/sdc").Return(&drive.DeviceInfo{Path: "/dev/sdc", Size: gigabyte}, nil)

	catalog := drive.NewCatalog(q, drive.Options{Usage: noUsage})
	drives, err := catalog.List(context.Background(), false)
	req.NoError(err)
	req.Len(drives, 1)
	req.Equal("/dev/sdc", drives[0].Path)
}

func TestCatalog_ListSystemicFailure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	q := mocks.NewMockQuerier(ctrl)

	q.EXPECT().ListDevices(gomock.Any()).Return(nil, fmt.Errorf("exec: \"lsblk\": executable file not found in $PATH"))

	catalog := drive.NewCatalog(q, drive.Options{Usage: noUsage})
	_, err := catalog.List(context.Background(), false)
	req.Error(err)
	req.True(stderrors.Is(err, errors.ErrDriveDetection))
}

func TestCatalog_ListPassesThroughImagerErrors(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	q := mocks.NewMockQuerier(ctrl)

	q.EXPECT().ListDevices(gomock.Any()).Return(nil, errors.NotImplemented("device discovery is not supported on plan9"))

	catalog := drive.NewCatalog(q, drive.Options{})
	_, err := catalog.List(context.Background(), false)
	req.True(stderrors.Is(err, errors.ErrNotImplemented))
}

func TestCatalog_ListTimeout(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	q := mocks.NewMockQuerier(ctrl)

	q.EXPECT().ListDevices(gomock.Any()).Return([]string{"/dev/sdb"}, nil)
	q.EXPECT().DeviceInfo(gomock.Any(), "/dev/sdb").DoAndReturn(func(ctx context.Context, _ string) (*drive.DeviceInfo, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	catalog := drive.NewCatalog(q, drive.Options{Timeout: 50 * time.Millisecond, Usage: noUsage})
	_, err := catalog.List(context.Background(), false)
	req.Error(err)
	req.True(stderrors.Is(err, errors.ErrDriveDetection))
	req.Contains(err.Error(), "timed out")
}

func TestCatalog_ListSkipsHungDevice(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	q := mocks.NewMockQuerier(ctrl)

	q.EXPECT().ListDevices(gomock.Any()).Return([]string{"/dev/sdb", "/dev/sdc"}, nil)
	q.EXPECT().DeviceInfo(gomock.Any(), "/dev/sdb").Return(&drive.DeviceInfo{Path: "/dev/sdb", Size: gigabyte}, nil)
	q.EXPECT().DeviceInfo(gomock.Any(), "/dev/sdc").DoAndReturn(func(ctx context.Context, _ string) (*drive.DeviceInfo, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	catalog := drive.NewCatalog(q, drive.Options{
		Timeout:       2 * time.Second,
		DeviceTimeout: 50 * time.Millisecond,
		Usage:         noUsage,
	})
	start := time.Now()
	drives, err := catalog.List(context.Background(), false)
	req.NoError(err)
	req.Len(drives, 1)
	req.Equal("/dev/sdb", drives[0].Path)
	req.Less(time.Since(start), time.Second)
}

func TestCatalog_ListResolvesFreeSpace(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	q := mocks.NewMockQuerier(ctrl)

	expectDevices(q,
		&drive.DeviceInfo{
			Path:  "/dev/sdb",
			Size:  16 * gigabyte,
			Label: "SanDisk",
			Partitions: []drive.Partition{
				{Path: "/dev/sdb1", MountPoint: "/media/boot", VolumeName: "BOOT"},
				{Path: "/dev/sdb2"},
			},
		},
		&drive.DeviceInfo{
			Path:       "/dev/sdc",
			Size:       gigabyte,
			Partitions: []drive.Partition{{Path: "/dev/sdc1", MountPoint: "/media/huge"}},
		},
	)

	usage := func(_ context.Context, mountPoint string) (uint64, error) {
		if mountPoint == "/media/huge" {
			return 2 * gigabyte, nil
		}
		return 3 * gigabyte, nil
	}

	catalog := drive.NewCatalog(q, drive.Options{Usage: usage})
	drives, err := catalog.List(context.Background(), false)
	req.NoError(err)
	req.Len(drives, 2)

	req.Equal("BOOT", drives[0].Name)
	req.NotNil(drives[0].Available)
	req.Equal(uint64(3*gigabyte), *drives[0].Available)

	// free space larger than the device is not trusted
	req.Nil(drives[1].Available)
}
