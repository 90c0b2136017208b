package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/postalsys/assocmux/internal/config"
	"github.com/postalsys/assocmux/internal/endpoint"
	"github.com/postalsys/assocmux/internal/transport"
)

// loopbackResult summarizes a loopback run.
type loopbackResult struct {
	Client   clientResult
	Received int
	Bytes    uint64
}

func loopbackCmd(g *globalOptions) *cobra.Command {
	o := g.commandOverrides()
	cf := &clientFlags{}

	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Run a server and a client in one process",
		Long: `Start a server and connect a client to it within one process. With
the memory carrier (the default here) no sockets are opened.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("carrier") {
				if err := cmd.Flags().Set("carrier", "memory"); err != nil {
					return err
				}
			}

			cfg, err := loadConfig(cmd, g, o)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rec, reg := newMetrics()
			p := newPrinter(cmd.OutOrStdout())
			result, runErr := runLoopback(ctx, cfg, p, rec, logger)
			if result != nil {
				p.sent(result.Client.Sent, result.Client.Bytes, result.Client.Streams)
				p.received(result.Received, result.Bytes)
			}

			if err := dumpMetrics(g.dumpMetrics, os.Stderr, reg); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
	cf.register(cmd, o)

	return cmd
}

// runLoopback runs a server and a client against each other. The client
// targets the server's loopback address and ports.
func runLoopback(ctx context.Context, cfg *config.Config, p *printer, rec endpoint.Recorder, logger *slog.Logger) (*loopbackResult, error) {
	var mem *transport.MemoryNetwork
	if cfg.Transport.Carrier == "memory" {
		mem = transport.NewMemoryNetwork()
	}

	cfg.Server.Address = "::"
	cfg.Client.RemoteAddress = loopbackHost
	cfg.Client.RemotePort = cfg.Server.Port
	cfg.Client.RemoteEncapsulationPort = cfg.Server.EncapsulationPort

	serverStack, err := buildStack(cfg, roleServer, mem, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server transport: %w", err)
	}

	stats := &receiveStats{}
	rs, err := startServer(cfg, serverStack, p.handler(stats), rec, logger)
	if err != nil {
		serverStack.Finish()
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	clientStack, err := buildStack(cfg, roleClient, mem, logger)
	if err != nil {
		rs.stop(shutdownTimeout)
		return nil, fmt.Errorf("failed to create client transport: %w", err)
	}

	client, clientErr := runClient(ctx, cfg, clientStack, p.handler(nil), rec, nil, logger)

	teardownCtx, cancel := contextWithShutdownTimeout()
	defer cancel()
	teardownErr := teardown(teardownCtx, clientStack)
	stopErr := rs.stop(shutdownTimeout)

	result := &loopbackResult{}
	if client != nil {
		result.Client = *client
	}
	result.Received, result.Bytes = stats.snapshot()

	return result, errors.Join(clientErr, teardownErr, stopErr)
}
