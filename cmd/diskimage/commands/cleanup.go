package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fly-io/diskimage/pkg/db"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var (
	cleanupAll      bool
	cleanupImage    string
	cleanupOrphaned bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove cached image downloads",
	Long: `Remove images cached by fetch-and-write:
  --all              Remove every cached image
  --image <s3-key>   Remove the cached copy of one image
  --orphaned         Remove downloads no record points at, and records whose file is gone`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Remove all cached images")
	cleanupCmd.Flags().StringVar(&cleanupImage, "image", "", "Remove a specific image by S3 key")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Remove orphaned downloads and records")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	downloadDir := filepath.Join(cfg.WorkDir, "downloads")

	switch {
	case cleanupAll:
		return cleanupAllImages(repo)
	case cleanupImage != "":
		return cleanupSpecificImage(repo, cleanupImage)
	case cleanupOrphaned:
		return cleanupOrphanedDownloads(repo, downloadDir)
	default:
		return fmt.Errorf("must specify --all, --image, or --orphaned")
	}
}

func cleanupAllImages(repo *db.Repository) error {
	images, err := repo.ListImages()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	fmt.Printf("🧹 Cleaning up %d images...\n", len(images))

	for _, img := range images {
		if err := removeCachedImage(repo, img); err != nil {
			fmt.Printf("⚠️  Failed to clean %s: %v\n", img.S3Key, err)
		} else {
			fmt.Printf("✅ Cleaned: %s\n", img.S3Key)
		}
	}
	return nil
}

func cleanupSpecificImage(repo *db.Repository, s3Key string) error {
	img, err := repo.GetImageByS3Key(s3Key)
	if err != nil {
		return errors.Wrap(err, "image lookup failed")
	}
	if img == nil {
		return fmt.Errorf("image not cached: %s", s3Key)
	}

	fmt.Printf("🧹 Cleaning up %s...\n", s3Key)

	if err := removeCachedImage(repo, img); err != nil {
		return errors.Wrap(err, "cleanup failed")
	}

	fmt.Printf("✅ Cleaned: %s\n", s3Key)
	return nil
}

// removeCachedImage deletes the downloaded file, then the record.
func removeCachedImage(repo *db.Repository, img *db.Image) error {
	if img.LocalPath != "" {
		if err := os.Remove(img.LocalPath); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to remove download")
		}
	}
	return repo.DeleteImage(img.ID)
}

func cleanupOrphanedDownloads(repo *db.Repository, downloadDir string) error {
	fmt.Println("🔍 Scanning for orphaned downloads...")

	images, err := repo.ListImages()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	tracked := lo.SliceToMap(images, func(img *db.Image) (string, bool) { return img.LocalPath, true })

	orphanCount := 0

	// 1. Files in the download directory no record points at
	entries, err := os.ReadDir(downloadDir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to read download directory")
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(downloadDir, entry.Name())
		if tracked[path] {
			continue
		}
		if err := os.Remove(path); err != nil {
			fmt.Printf("⚠️  Failed to remove orphaned download %s: %v\n", entry.Name(), err)
		} else {
			fmt.Printf("🗑️  Removed orphaned download: %s\n", entry.Name())
			orphanCount++
		}
	}

	// 2. Records whose download failed or whose file is gone
	for _, img := range images {
		if img.Status == db.StatusReady && fileExists(img.LocalPath) {
			continue
		}
		if img.Status == db.StatusPending || img.Status == db.StatusDownloading {
			continue
		}
		if err := removeCachedImage(repo, img); err != nil {
			fmt.Printf("⚠️  Failed to remove record %s: %v\n", img.S3Key, err)
		} else {
			fmt.Printf("🗑️  Removed stale record: %s\n", img.S3Key)
			orphanCount++
		}
	}

	fmt.Printf("✅ Removed %d orphaned resources\n", orphanCount)
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
