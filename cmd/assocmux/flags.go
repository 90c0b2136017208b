package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/postalsys/assocmux/internal/config"
)

// hexUint32 is a flag value printed in hexadecimal. Set accepts decimal,
// 0x-prefixed hex and 0o/0b literals.
type hexUint32 uint32

var _ pflag.Value = (*hexUint32)(nil)

func (h *hexUint32) String() string {
	return fmt.Sprintf("0x%08x", uint32(*h))
}

func (h *hexUint32) Set(s string) error {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return fmt.Errorf("invalid 32-bit value %q", s)
	}
	*h = hexUint32(v)
	return nil
}

func (h *hexUint32) Type() string {
	return "hex32"
}

// byteSize is a flag value accepting humanized sizes such as "1000", "4KB"
// or "1MiB".
type byteSize int

var _ pflag.Value = (*byteSize)(nil)

func (b *byteSize) String() string {
	return humanize.IBytes(uint64(*b))
}

func (b *byteSize) Set(s string) error {
	v, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v > math.MaxInt32 {
		return fmt.Errorf("size %q too large", s)
	}
	*b = byteSize(v)
	return nil
}

func (b *byteSize) Type() string {
	return "size"
}

// overrides maps flag names to the config fields they set. Only flags the
// user changed are applied, so values from the config file survive.
type overrides map[string]func(*config.Config)

// apply runs the override of every flag set on the command line.
func (o overrides) apply(flags *pflag.FlagSet, cfg *config.Config) {
	flags.Visit(func(f *pflag.Flag) {
		if fn, ok := o[f.Name]; ok {
			fn(cfg)
		}
	})
}

// globalOptions are the persistent flags of the root command.
type globalOptions struct {
	configPath  string
	logLevel    string
	logFormat   string
	carrier     string
	dumpMetrics bool

	global overrides
}

func (g *globalOptions) register(cmd *cobra.Command) {
	o := overrides{}
	g.global = o

	flags := cmd.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "Path to YAML configuration file")
	flags.StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&g.logFormat, "log-format", "text", "Log format (text, json)")
	flags.StringVar(&g.carrier, "carrier", "quic", "Carrier (quic, ws, memory)")
	flags.BoolVar(&g.dumpMetrics, "dump-metrics", false, "Print metrics in text exposition format on exit")

	o["log-level"] = func(c *config.Config) { c.Log.Level = g.logLevel }
	o["log-format"] = func(c *config.Config) { c.Log.Format = g.logFormat }
	o["carrier"] = func(c *config.Config) { c.Transport.Carrier = g.carrier }
}

// commandOverrides returns a fresh override set for one command, seeded with the
// persistent flags.
func (g *globalOptions) commandOverrides() overrides {
	o := make(overrides, len(g.global))
	for name, fn := range g.global {
		o[name] = fn
	}
	return o
}

// loadConfig reads the config file (or defaults), applies changed flags and
// validates the result.
func loadConfig(cmd *cobra.Command, g *globalOptions, o overrides) (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	o.apply(cmd.Flags(), cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
