package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fly-io/diskimage/internal/config"
	"github.com/fly-io/diskimage/pkg/drive"
	"github.com/fly-io/diskimage/pkg/errors"
	"github.com/fly-io/diskimage/pkg/platform"
	"github.com/fly-io/diskimage/pkg/security"
	"github.com/fly-io/diskimage/pkg/transfer"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, workDir string) error {
	if sqlitePath != "" {
		if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
			return errors.Wrap(err, "failed to create database directory")
		}
	}

	// Only needed for fetch-and-write
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

// host bundles the platform-backed components every device command needs.
type host struct {
	platform  platform.Platform
	catalog   *drive.Catalog
	validator *security.Validator
}

func newHost(c *config.Config) *host {
	p := platform.New(nil)
	return &host{
		platform: p,
		catalog: drive.NewCatalog(p, drive.Options{
			Timeout:     c.EnumerationTimeout,
			Concurrency: c.DeviceQueryConcurrency,
		}),
		validator: security.NewValidator(security.Options{
			AllowInternal:      c.AllowInternal,
			RequireBlockDevice: c.RequireBlockDevice,
			RawPath:            p.RawPath,
		}),
	}
}

func newCopier(c *config.Config) transfer.Copier {
	if c.TransferMode == config.TransferDD {
		return transfer.NewDD(c.CancelGracePeriod)
	}
	return transfer.NewDirect()
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// confirm asks a yes/no question; anything but y or yes is a no.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
