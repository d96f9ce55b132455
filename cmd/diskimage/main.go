package main

import (
	"log/slog"
	"os"

	"github.com/fly-io/diskimage/cmd/diskimage/commands"
)

func main() {
	// Logs go to stderr so tables and JSON on stdout stay clean. The level is
	// raised or lowered once the configuration is loaded.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: commands.LogLevel,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
