package commands

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/fly-io/diskimage/internal/config"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/fly-io/diskimage/pkg/transfer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// LogLevel is the level of the default logger, set from log-level.
var LogLevel = new(slog.LevelVar)

// errCancelled ends a command the operator interrupted.
var errCancelled = stderrors.New("cancelled")

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "diskimage",
	Short: "Write raw disk images to removable drives",
	Long: `Discovers block devices attached to this host and writes raw disk images
onto them, with safety checks before any byte is written, progress reporting
and safe cancellation.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := c.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	level, _ := c.Level()
	LogLevel.Set(level)

	cfg = c
	return nil
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	LogLevel.Set(slog.LevelWarn)

	err := rootCmd.Execute()
	if err == nil {
		return
	}
	if stderrors.Is(err, errCancelled) {
		fmt.Fprintln(os.Stderr, color.YellowString("Cancelled"))
		os.Exit(130)
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
	os.Exit(1)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("sqlite-path", ".artifacts/diskimage.db", "SQLite journal path")
	flags.String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	flags.String("work-dir", "/tmp/diskimage", "Directory for downloaded images")
	flags.String("s3-bucket", "", "S3 bucket holding images")
	flags.String("s3-region", "us-east-1", "S3 region")
	flags.Int("block-size", transfer.DefaultBlockSize, "Transfer chunk size in bytes")
	flags.String("transfer-mode", config.TransferDirect, "Transfer mode: direct or dd")
	flags.Bool("allow-internal", false, "Allow internal drives as write targets")
	flags.String("log-level", "warn", "Log level: debug, info, warn or error")

	for _, name := range []string{
		"sqlite-path", "fsm-db-path", "work-dir", "s3-bucket", "s3-region",
		"block-size", "transfer-mode", "allow-internal", "log-level",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}
