package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/fly-io/diskimage/pkg/db"
	"github.com/fly-io/diskimage/pkg/drive"
	"github.com/fly-io/diskimage/pkg/engine"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/spf13/cobra"
)

var writeYes bool

var writeCmd = &cobra.Command{
	Use:   "write <image> <device>",
	Short: "Write a raw image to a drive",
	Long: `Write a raw disk image onto a drive, destroying everything on it.
The image and the drive are validated before any byte is written, mounted
volumes are unmounted and progress is reported until the data is synced.
Interrupt (Ctrl-C) cancels the write.`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

func init() {
	rootCmd.AddCommand(writeCmd)
	writeCmd.Flags().BoolVarP(&writeYes, "yes", "y", false, "Do not ask for confirmation")
}

func runWrite(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	imagePath, err := filepath.Abs(args[0])
	if err != nil {
		return errors.InvalidImageFile("%s: %v", args[0], err)
	}

	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	h := newHost(cfg)
	d, err := resolveDrive(ctx, h, args[1])
	if err != nil {
		return err
	}

	if err := confirmDestroy(imagePath, d, writeYes); err != nil {
		return err
	}

	state, runID, err := newImagingJob(cfg, h, repo).Write(ctx, imagePath, d, "")
	if err != nil {
		return err
	}
	return reportOutcome(state, runID, d)
}

// resolveDrive finds a drive by path or bare name. Internal drives are
// included so the validator can refuse them with a clear reason.
func resolveDrive(ctx context.Context, h *host, ident string) (drive.Drive, error) {
	drives, err := h.catalog.List(ctx, true)
	if err != nil {
		return drive.Drive{}, err
	}
	d, ok := drive.Find(drives, ident)
	if !ok {
		return drive.Drive{}, errors.InvalidDrive("%s is not an attached drive (see `diskimage list`)", ident)
	}
	return d, nil
}

func confirmDestroy(imagePath string, d drive.Drive, yes bool) error {
	name := d.Name
	if name == "" {
		name = drive.UntitledName
	}
	fmt.Fprintf(os.Stderr, "Image:  %s\n", imagePath)
	fmt.Fprintf(os.Stderr, "Target: %s %q (%s)\n", d.Path, name, d.DisplayCapacity())
	fmt.Fprintln(os.Stderr, color.YellowString("All data on %s will be destroyed.", d.Path))

	if yes {
		return nil
	}
	if !isTerminal(os.Stdin) {
		return errors.InvalidDrive("refusing to write %s without --yes when stdin is not a terminal", d.Path)
	}
	ok, err := confirm(os.Stdin, os.Stderr, "Continue?")
	if err != nil {
		return errors.Wrap(err, "failed to read confirmation")
	}
	if !ok {
		return errCancelled
	}
	return nil
}

func reportOutcome(state engine.State, runID string, d drive.Drive) error {
	switch state.Phase {
	case engine.Completed:
		fmt.Printf("%s wrote %s to %s (run %s)\n",
			color.GreenString("✅"), humanize.IBytes(state.Progress.CompletedBytes), d.Path, runID)
		return nil
	case engine.Failed:
		if state.Err != nil {
			return state.Err
		}
		return errors.Unknown("imaging of %s failed", d.Path)
	default:
		return errCancelled
	}
}
