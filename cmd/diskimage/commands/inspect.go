package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/fly-io/diskimage/pkg/image"
	"github.com/spf13/cobra"
)

var inspectJSON bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "Show what an image file contains",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Print JSON instead of a table")
}

func runInspect(cmd *cobra.Command, args []string) error {
	info, err := image.Inspect(args[0])
	if err != nil {
		return err
	}

	if inspectJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Printf("Path:       %s\n", info.Path)
	fmt.Printf("Size:       %s (%d bytes)\n", humanize.IBytes(info.Size), info.Size)
	fmt.Printf("Format:     %s\n", info.Format)
	fmt.Printf("MIME:       %s\n", info.MIME)
	fmt.Printf("Partitions: %s\n", orDash(info.PartitionTable))

	if len(info.Partitions) == 0 {
		return nil
	}
	fmt.Println()
	table := newTable(os.Stdout, "#", "Start", "Size")
	for _, p := range info.Partitions {
		table.Append([]string{
			strconv.Itoa(p.Index),
			strconv.FormatInt(p.Start, 10),
			humanize.IBytes(uint64(p.Size)),
		})
	}
	table.Render()
	return nil
}
