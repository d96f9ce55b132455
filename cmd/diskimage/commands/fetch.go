package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/fly-io/diskimage/pkg/db"
	"github.com/fly-io/diskimage/pkg/errors"
	appfsm "github.com/fly-io/diskimage/pkg/fsm"
	"github.com/fly-io/diskimage/pkg/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var fetchYes bool

var fetchCmd = &cobra.Command{
	Use:   "fetch-and-write <image-key> <device>",
	Short: "Fetch an image from S3 and write it to a drive",
	Long: `Fetch an image from S3, reusing the local cache when the same key was
downloaded before, validate it against the drive and write it.`,
	Args: cobra.ExactArgs(2),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().BoolVarP(&fetchYes, "yes", "y", false, "Do not ask for confirmation")
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	imageKey, device := args[0], args[1]

	if err := cfg.RequireS3(); err != nil {
		return err
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
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

	h := newHost(cfg)
	d, err := resolveDrive(ctx, h, device)
	if err != nil {
		return err
	}
	if err := confirmDestroy("s3://"+cfg.S3Bucket+"/"+imageKey, d, fetchYes); err != nil {
		return err
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	job := newImagingJob(cfg, h, repo)
	job.interrupt = ctx
	machine := appfsm.NewMachine(repo, s3Client, h.catalog, h.validator, job, cfg.WorkDir)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req := &appfsm.WriteRequest{
		S3Key:      imageKey,
		S3Bucket:   cfg.S3Bucket,
		DevicePath: d.Path,
	}
	resp := &appfsm.WriteResponse{}

	// Each fetch is its own workflow; the key alone would collide with the
	// previous run of the same image.
	version, err := start(ctx, imageKey+"/"+uuid.NewString(), fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm_started", "version", version, "s3_key", imageKey, "device", d.Path)

	if err := manager.Wait(context.WithoutCancel(ctx), version); err != nil {
		if ctx.Err() != nil {
			return errCancelled
		}
		if last := machine.LastError(); last != nil {
			return last
		}
		return errors.Wrap(err, "FSM execution failed")
	}

	if last := machine.LastError(); last != nil {
		return last
	}

	runs, err := repo.ListRuns(1)
	if err == nil && len(runs) == 1 {
		fmt.Printf("%s wrote %s (%s) to %s (run %s)\n",
			color.GreenString("✅"), imageKey, humanize.IBytes(runs[0].BytesWritten), d.Path, shortID(runs[0].RunID))
	}
	return nil
}
