package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/postalsys/assocmux/internal/config"
)

// clientFlags are the client settings shared by the client and loopback
// commands.
type clientFlags struct {
	localPort   uint16
	localEncap  uint16
	remoteEncap uint16
	outbound    uint16
	adaptation  hexUint32
	size        byteSize
	count       int
	payloadID   uint32
	ordered     bool
	rate        float64
	noRcvInfo   bool
}

func (f *clientFlags) register(cmd *cobra.Command, o overrides) {
	defaults := config.Default().Client
	f.adaptation = hexUint32(defaults.AdaptationIndication)
	f.size = byteSize(defaults.MessageSize)

	flags := cmd.Flags()
	flags.Uint16Var(&f.localPort, "local-port", defaults.LocalPort, "Local association port (0 = ephemeral)")
	flags.Uint16Var(&f.localEncap, "local-encap-port", defaults.LocalEncapsulationPort, "Local carrier (encapsulation) port")
	flags.Uint16Var(&f.remoteEncap, "remote-encap-port", defaults.RemoteEncapsulationPort, "Remote carrier (encapsulation) port")
	flags.Uint16Var(&f.outbound, "streams", defaults.OutboundStreams, "Outbound streams to request")
	flags.Var(&f.adaptation, "adaptation", "Adaptation layer indication (0 = none)")
	flags.VarP(&f.size, "size", "s", "Message size")
	flags.IntVarP(&f.count, "count", "n", defaults.MessageCount, "Number of messages to send")
	flags.Uint32Var(&f.payloadID, "ppid", defaults.PayloadID, "Payload protocol identifier")
	flags.BoolVar(&f.ordered, "ordered", !defaults.Unordered, "Send ordered messages")
	flags.Float64Var(&f.rate, "rate", defaults.Rate, "Messages per second (0 = unlimited)")
	flags.BoolVar(&f.noRcvInfo, "no-rcvinfo", !defaults.RecvRcvInfo, "Do not request per-message receive info")

	o["local-port"] = func(c *config.Config) { c.Client.LocalPort = f.localPort }
	o["local-encap-port"] = func(c *config.Config) { c.Client.LocalEncapsulationPort = f.localEncap }
	o["remote-encap-port"] = func(c *config.Config) { c.Client.RemoteEncapsulationPort = f.remoteEncap }
	o["streams"] = func(c *config.Config) { c.Client.OutboundStreams = f.outbound }
	o["adaptation"] = func(c *config.Config) { c.Client.AdaptationIndication = uint32(f.adaptation) }
	o["size"] = func(c *config.Config) { c.Client.MessageSize = int(f.size) }
	o["count"] = func(c *config.Config) { c.Client.MessageCount = f.count }
	o["ppid"] = func(c *config.Config) { c.Client.PayloadID = f.payloadID }
	o["ordered"] = func(c *config.Config) { c.Client.Unordered = !f.ordered }
	o["rate"] = func(c *config.Config) { c.Client.Rate = f.rate }
	o["no-rcvinfo"] = func(c *config.Config) { c.Client.RecvRcvInfo = !f.noRcvInfo }
}

func clientCmd(g *globalOptions) *cobra.Command {
	o := g.commandOverrides()
	cf := &clientFlags{}
	var (
		remote     string
		remotePort uint16
	)

	cmd := &cobra.Command{
		Use:   "client [remote-address]",
		Short: "Connect and send a batch of messages",
		Long: `Connect a one-to-one association to a server, send the configured
number of messages filled with 'A' across all negotiated outbound
streams, then shut the association down.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := cmd.Flags().Set("remote", args[0]); err != nil {
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
			status := &lazyStatus{}
			stopStatus, err := startStatusServer(cfg.Metrics, reg, status, logger)
			if err != nil {
				return err
			}
			defer stopStatus()

			stack, err := buildStack(cfg, roleClient, nil, logger)
			if err != nil {
				return fmt.Errorf("failed to create transport: %w", err)
			}

			p := newPrinter(cmd.OutOrStdout())
			result, runErr := runClient(ctx, cfg, stack, p.handler(nil), rec, status, logger)
			if result != nil {
				p.sent(result.Sent, result.Bytes, result.Streams)
			}

			teardownCtx, cancel := contextWithShutdownTimeout()
			defer cancel()
			if err := teardown(teardownCtx, stack); err != nil && runErr == nil {
				runErr = err
			}

			if err := dumpMetrics(g.dumpMetrics, os.Stderr, reg); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&remote, "remote", "r", config.Default().Client.RemoteAddress, "Remote address")
	flags.Uint16VarP(&remotePort, "port", "p", config.Default().Client.RemotePort, "Remote association port")
	cf.register(cmd, o)

	o["remote"] = func(c *config.Config) { c.Client.RemoteAddress = remote }
	o["port"] = func(c *config.Config) { c.Client.RemotePort = remotePort }

	return cmd
}
