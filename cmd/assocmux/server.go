package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/assocmux/internal/config"
)

func serverCmd(g *globalOptions) *cobra.Command {
	o := g.commandOverrides()

	var (
		address       string
		port          uint16
		encapPort     uint16
		autoClose     time.Duration
		maxInbound    uint16
		outbound      uint16
		notifications []string
		noRcvInfo     bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Accept associations and print what arrives",
		Long: `Listen for associations on a one-to-many endpoint, print every
notification and the stream id, sequence number (or "unordered"),
transmission number and payload identifier of each received message.
Received data is discarded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g, o)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rec, reg := newMetrics()
			stack, err := buildStack(cfg, roleServer, nil, logger)
			if err != nil {
				return fmt.Errorf("failed to create transport: %w", err)
			}

			p := newPrinter(cmd.OutOrStdout())
			stats := &receiveStats{}
			rs, err := startServer(cfg, stack, p.handler(stats), rec, logger)
			if err != nil {
				stack.Finish()
				return fmt.Errorf("failed to start server: %w", err)
			}
			stopStatus, err := startStatusServer(cfg.Metrics, reg, rs.srv, logger)
			if err != nil {
				rs.stop(shutdownTimeout)
				return err
			}
			defer stopStatus()

			fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s (carrier %s)\n", rs.srv.LocalAddr(), cfg.Transport.Carrier)

			select {
			case <-ctx.Done():
				fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
			case err := <-rs.served:
				rs.served <- err
			}

			stopErr := rs.stop(shutdownTimeout)
			p.received(stats.snapshot())
			if err := dumpMetrics(g.dumpMetrics, os.Stderr, reg); err != nil {
				return err
			}
			return stopErr
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&address, "address", "::", "Local address to bind")
	flags.Uint16VarP(&port, "port", "p", 9, "Association port")
	flags.Uint16Var(&encapPort, "encap-port", 9899, "Carrier (encapsulation) port")
	flags.DurationVar(&autoClose, "auto-close", 5*time.Second, "Close idle associations after this long (0 = never)")
	flags.Uint16Var(&maxInbound, "max-inbound-streams", 0, "Maximum inbound streams per association (0 = transport default)")
	flags.Uint16Var(&outbound, "outbound-streams", 0, "Outbound streams to request (0 = default)")
	flags.StringSliceVar(&notifications, "notify", append([]string(nil), config.DefaultNotifications...), "Notification classes to enable")
	flags.BoolVar(&noRcvInfo, "no-rcvinfo", false, "Do not request per-message receive info")

	o["address"] = func(c *config.Config) { c.Server.Address = address }
	o["port"] = func(c *config.Config) { c.Server.Port = port }
	o["encap-port"] = func(c *config.Config) { c.Server.EncapsulationPort = encapPort }
	o["auto-close"] = func(c *config.Config) { c.Server.AutoClose = autoClose }
	o["max-inbound-streams"] = func(c *config.Config) { c.Server.MaxInboundStreams = maxInbound }
	o["outbound-streams"] = func(c *config.Config) { c.Server.OutboundStreams = outbound }
	o["notify"] = func(c *config.Config) { c.Server.Notifications = notifications }
	o["no-rcvinfo"] = func(c *config.Config) { c.Server.RecvRcvInfo = !noRcvInfo }

	return cmd
}
