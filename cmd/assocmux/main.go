// Package main provides the CLI entry point for assocmux.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/postalsys/assocmux/internal/config"
	"github.com/postalsys/assocmux/internal/logging"
	"github.com/postalsys/assocmux/internal/metrics"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "assocmux",
		Short: "assocmux - multi-stream association client and server",
		Long: `assocmux runs message-oriented associations with multiple streams
over QUIC or WebSocket carriers.

The server accepts associations and prints every notification and the
delivery metadata of each message it receives. The client connects,
sends a batch of messages spread round-robin across all negotiated
streams and shuts the association down.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)
	g.register(rootCmd)

	rootCmd.AddCommand(serverCmd(g))
	rootCmd.AddCommand(clientCmd(g))
	rootCmd.AddCommand(loopbackCmd(g))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "assocmux %s (%s %s/%s)\n",
				Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// newLogger builds the process logger from cfg. Logs go to stderr so
// stdout carries only event lines.
func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewLoggerWithWriter(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}

// dumpMetrics writes the text exposition of g to w when enabled.
func dumpMetrics(enabled bool, w io.Writer, g prometheus.Gatherer) error {
	if !enabled {
		return nil
	}
	return metrics.WriteText(w, g)
}
