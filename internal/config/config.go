// Package config provides configuration parsing and validation for assocmux.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/assocmux/internal/protocol"
)

// Config represents the complete configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TransportConfig selects and tunes the carrier the transport stack runs on.
type TransportConfig struct {
	// Carrier is one of quic, ws or memory.
	Carrier          string        `yaml:"carrier"`
	ShutdownGuard    time.Duration `yaml:"shutdown_guard"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WebSocketPath    string        `yaml:"ws_path"`
	TLS              TLSConfig     `yaml:"tls"`
}

// TLSConfig holds certificate settings for the quic and ws carriers.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`

	// Verify enables peer certificate verification on dial.
	Verify bool `yaml:"verify"`

	// Secure selects wss:// for the ws carrier.
	Secure bool `yaml:"secure"`
}

// ServerConfig configures the listening endpoint.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	Port              uint16        `yaml:"port"`
	EncapsulationPort uint16        `yaml:"encapsulation_port"`
	Backlog           int           `yaml:"backlog"`
	AutoClose         time.Duration `yaml:"auto_close"`
	MaxInboundStreams uint16        `yaml:"max_inbound_streams"`
	OutboundStreams   uint16        `yaml:"outbound_streams"`
	Notifications     []string      `yaml:"notifications"`
	RecvRcvInfo       bool          `yaml:"recv_rcvinfo"`
}

// ClientConfig configures the connecting endpoint and its message run.
type ClientConfig struct {
	RemoteAddress           string `yaml:"remote_address"`
	RemotePort              uint16 `yaml:"remote_port"`
	LocalPort               uint16 `yaml:"local_port"`
	LocalEncapsulationPort  uint16 `yaml:"local_encapsulation_port"`
	RemoteEncapsulationPort uint16 `yaml:"remote_encapsulation_port"`
	OutboundStreams         uint16 `yaml:"outbound_streams"`

	// AdaptationIndication is sent to the peer when non-zero.
	AdaptationIndication uint32   `yaml:"adaptation_indication"`
	Notifications        []string `yaml:"notifications"`

	MessageSize  int    `yaml:"message_size"`
	MessageCount int    `yaml:"message_count"`
	PayloadID    uint32 `yaml:"payload_id"`
	Unordered    bool   `yaml:"unordered"`

	// Rate limits sends to this many messages per second (0 = unlimited).
	Rate float64 `yaml:"rate"`

	RecvRcvInfo bool `yaml:"recv_rcvinfo"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// DefaultNotifications are the notification classes enabled by default.
var DefaultNotifications = []string{
	"assoc_change",
	"peer_addr_change",
	"shutdown_event",
	"adaptation_indication",
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Transport: TransportConfig{
			Carrier:          "quic",
			ShutdownGuard:    3 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			WebSocketPath:    "/assoc",
		},
		Server: ServerConfig{
			Address:           "::",
			Port:              9,
			EncapsulationPort: 9899,
			Backlog:           1,
			AutoClose:         5 * time.Second,
			Notifications:     append([]string(nil), DefaultNotifications...),
			RecvRcvInfo:       true,
		},
		Client: ClientConfig{
			RemoteAddress:           "::1",
			RemotePort:              9,
			LocalPort:               5001,
			LocalEncapsulationPort:  5002,
			RemoteEncapsulationPort: 9899,
			OutboundStreams:         2048,
			AdaptationIndication:    0x01020304,
			Notifications:           append([]string(nil), DefaultNotifications...),
			MessageSize:             1000,
			MessageCount:            10,
			PayloadID:               1234,
			Unordered:               true,
			RecvRcvInfo:             true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9464",
			Path:    "/metrics",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset. Unknown
// references are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if !isValidCarrier(c.Transport.Carrier) {
		errs = append(errs, fmt.Sprintf("invalid transport.carrier: %s (must be quic, ws, or memory)", c.Transport.Carrier))
	}
	if c.Transport.ShutdownGuard < 0 {
		errs = append(errs, "transport.shutdown_guard must not be negative")
	}
	if c.Transport.HandshakeTimeout < 0 {
		errs = append(errs, "transport.handshake_timeout must not be negative")
	}
	if c.Transport.Carrier == "ws" && !strings.HasPrefix(c.Transport.WebSocketPath, "/") {
		errs = append(errs, fmt.Sprintf("transport.ws_path must start with /: %q", c.Transport.WebSocketPath))
	}
	if (c.Transport.TLS.Cert == "") != (c.Transport.TLS.Key == "") {
		errs = append(errs, "transport.tls.cert and transport.tls.key must be set together")
	}

	if _, err := protocol.ParseHostPort(c.Server.Address, c.Server.Port); err != nil {
		errs = append(errs, fmt.Sprintf("server.address: %v", err))
	}
	if c.Server.Backlog < 0 {
		errs = append(errs, "server.backlog must not be negative")
	}
	if c.Server.AutoClose < 0 {
		errs = append(errs, "server.auto_close must not be negative")
	}
	if c.Server.AutoClose%time.Second != 0 {
		errs = append(errs, fmt.Sprintf("server.auto_close must be whole seconds: %s", c.Server.AutoClose))
	}
	if _, err := ParseNotifications(c.Server.Notifications); err != nil {
		errs = append(errs, fmt.Sprintf("server.notifications: %v", err))
	}

	if _, err := protocol.ParseHostPort(c.Client.RemoteAddress, c.Client.RemotePort); err != nil {
		errs = append(errs, fmt.Sprintf("client.remote_address: %v", err))
	}
	if c.Client.RemotePort == 0 {
		errs = append(errs, "client.remote_port is required")
	}
	if c.Client.MessageSize < 0 || c.Client.MessageSize > protocol.MaxMessageSize {
		errs = append(errs, fmt.Sprintf("client.message_size must be between 0 and %d", protocol.MaxMessageSize))
	}
	if c.Client.MessageCount < 0 {
		errs = append(errs, "client.message_count must not be negative")
	}
	if c.Client.Rate < 0 {
		errs = append(errs, "client.rate must not be negative")
	}
	if _, err := ParseNotifications(c.Client.Notifications); err != nil {
		errs = append(errs, fmt.Sprintf("client.notifications: %v", err))
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			errs = append(errs, "metrics.address is required when enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			errs = append(errs, fmt.Sprintf("metrics.path must start with /: %q", c.Metrics.Path))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ParseNotifications maps notification class names to their types.
func ParseNotifications(names []string) ([]uint16, error) {
	types := make([]uint16, 0, len(names))
	for _, name := range names {
		t, ok := protocol.ParseNotificationType(strings.ToLower(strings.TrimSpace(name)))
		if !ok {
			return nil, fmt.Errorf("unknown notification %q", name)
		}
		types = append(types, t)
	}
	return types, nil
}

// InfoLevel returns the receive info level the server asks for.
func (s ServerConfig) InfoLevel() protocol.InfoType {
	if s.RecvRcvInfo {
		return protocol.InfoRcv
	}
	return protocol.InfoNone
}

// AutoCloseSeconds returns AutoClose in whole seconds.
func (s ServerConfig) AutoCloseSeconds() uint32 {
	return uint32(s.AutoClose / time.Second)
}

// ListenAddress returns the address the server binds.
func (s ServerConfig) ListenAddress() (protocol.Address, error) {
	return protocol.ParseHostPort(s.Address, s.Port)
}

// InfoLevel returns the receive info level the client asks for.
func (c ClientConfig) InfoLevel() protocol.InfoType {
	if c.RecvRcvInfo {
		return protocol.InfoRcv
	}
	return protocol.InfoNone
}

// RemoteAddr returns the address the client connects to.
func (c ClientConfig) RemoteAddr() (protocol.Address, error) {
	return protocol.ParseHostPort(c.RemoteAddress, c.RemotePort)
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

func isValidCarrier(carrier string) bool {
	switch carrier {
	case "quic", "ws", "memory":
		return true
	}
	return false
}

// String returns a YAML representation of the config with sensitive values
// redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with the TLS key path redacted.
func (c *Config) Redacted() *Config {
	redacted := *c
	redacted.Server.Notifications = append([]string(nil), c.Server.Notifications...)
	redacted.Client.Notifications = append([]string(nil), c.Client.Notifications...)
	if redacted.Transport.TLS.Key != "" {
		redacted.Transport.TLS.Key = redactedValue
	}
	return &redacted
}
