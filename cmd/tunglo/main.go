// Command tunglo runs a declarative multi-tunnel reverse-SSH daemon: for
// each [[tunnels]] entry in its TOML configuration, it dials out to a
// remote SSH server, requests a remote port forward, and relays every
// forwarded connection to a local backend. See internal/runtime for the
// orchestration and internal/config for the configuration schema.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/emilianomaccaferri/tunglo/internal/runtime"
)

// version is overwritten at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:     "tunglo",
		Short:   "Declarative multi-tunnel reverse SSH daemon",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := setupLogger(verbose)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runtime.Run(ctx, configPath, log)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "path to the TOML configuration file (default: $XDG_CONFIG_HOME/tunglo.toml or ~/.config/tunglo.toml)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	return root
}

// setupLogger picks the log level from the TUNGLO_LOG_LEVEL environment
// variable (default info), overridden to debug by -v/--verbose, and
// writes console-pretty output when stderr is a terminal, JSON otherwise.
func setupLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if raw := os.Getenv("TUNGLO_LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}
	if verbose {
		level = zerolog.DebugLevel
	}

	writer := os.Stderr
	if !isatty.IsTerminal(writer.Fd()) {
		return zerolog.New(writer).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: writer}).Level(level).With().Timestamp().Logger()
}
