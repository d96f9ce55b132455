package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fly-io/diskimage/pkg/db"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past imaging runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print JSON instead of a table")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	runs, err := repo.ListRuns(historyLimit)
	if err != nil {
		return err
	}

	if historyJSON {
		if runs == nil {
			runs = []*db.Run{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	if len(runs) == 0 {
		fmt.Println("No imaging runs recorded")
		return nil
	}

	table := newTable(os.Stdout, "Run", "Started", "Image", "Device", "Written", "Status", "Error")
	for _, r := range runs {
		table.Append([]string{
			shortID(r.RunID),
			r.StartedAt,
			r.ImagePath,
			r.DevicePath,
			fmt.Sprintf("%s / %s", humanize.IBytes(r.BytesWritten), humanize.IBytes(r.ImageSize)),
			r.Status,
			orDash(r.ErrorMessage),
		})
	}
	table.Render()
	return nil
}
