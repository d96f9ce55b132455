package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fly-io/diskimage/pkg/db"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/fly-io/diskimage/pkg/storage"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var imagesCmd = &cobra.Command{
	Use:   "images [prefix]",
	Short: "List images available in the S3 bucket",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runImages,
}

func init() {
	rootCmd.AddCommand(imagesCmd)
}

func runImages(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}

	if err := cfg.RequireS3(); err != nil {
		return err
	}
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	s3Client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	objects, err := s3Client.ListObjects(ctx, prefix)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		fmt.Printf("No images in s3://%s/%s\n", s3Client.Bucket(), prefix)
		return nil
	}

	cached, err := repo.ListImages()
	if err != nil {
		return err
	}
	byKey := lo.KeyBy(cached, func(img *db.Image) string { return img.S3Key })

	table := newTable(os.Stdout, "Key", "Size", "Modified", "Cache")
	for _, obj := range objects {
		status := "-"
		if img, ok := byKey[obj.Key]; ok {
			status = img.Status
		}
		table.Append([]string{
			obj.Key,
			humanize.IBytes(uint64(obj.Size)),
			humanize.Time(obj.LastModified),
			status,
		})
	}
	table.Render()
	return nil
}
