package commands

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/fly-io/diskimage/pkg/drive"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	listInternal bool
	listJSON     bool
	listWatch    bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List drives that can be imaged",
	Long: `List the drives attached to this host, sorted by device path.
Internal drives are hidden unless --internal is given. With --watch the list
is refreshed whenever a drive is attached or removed.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listInternal, "internal", false, "Include internal drives")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print JSON instead of a table")
	listCmd.Flags().BoolVarP(&listWatch, "watch", "w", false, "Keep listing as drives come and go")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := newHost(cfg)
	if !listWatch {
		drives, err := h.catalog.List(ctx, listInternal)
		if err != nil {
			return err
		}
		return printDrives(os.Stdout, drives)
	}

	snapshots, err := h.catalog.Watch(ctx, drive.WatchOptions{
		IncludeInternal: listInternal,
		Interval:        cfg.WatchInterval,
		NotifyDir:       h.platform.NotifyDir(),
	})
	if err != nil {
		return err
	}

	clearScreen := isTerminal(os.Stdout) && !listJSON
	for snap := range snapshots {
		if stderrors.Is(snap.Err, errors.ErrDiskWatch) {
			return snap.Err
		}
		if snap.Err != nil {
			fmt.Fprintln(os.Stderr, color.YellowString("⚠️  %v", snap.Err))
			continue
		}
		if clearScreen {
			fmt.Print("\033[H\033[2J")
		}
		if err := printDrives(os.Stdout, snap.Drives); err != nil {
			return err
		}
	}
	return nil
}

func printDrives(w io.Writer, drives []drive.Drive) error {
	if listJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if drives == nil {
			drives = []drive.Drive{}
		}
		return enc.Encode(drives)
	}

	if len(drives) == 0 {
		fmt.Fprintln(w, "No drives found")
		return nil
	}

	header := []string{"Name", "Path", "Available", "Capacity"}
	if listInternal {
		header = append(header, "Internal")
	}
	table := newTable(w, header...)
	for _, d := range drives {
		name := d.Name
		if name == "" {
			name = drive.UntitledName
		}
		row := []string{name, d.Path, d.DisplayAvailable(), d.DisplayCapacity()}
		if listInternal {
			row = append(row, fmt.Sprintf("%t", d.Internal))
		}
		table.Append(row)
	}
	table.Render()
	return nil
}
