package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/assocmux/internal/association"
	"github.com/postalsys/assocmux/internal/config"
	"github.com/postalsys/assocmux/internal/health"
	"github.com/postalsys/assocmux/internal/logging"
	"github.com/postalsys/assocmux/internal/metrics"
	"github.com/postalsys/assocmux/internal/transport"
)

// loopbackHost is the in-process host the memory carrier uses.
const loopbackHost = "::1"

type role int

const (
	roleServer role = iota
	roleClient
)

// buildStack creates the transport stack for one side. mem is only needed
// for the memory carrier.
func buildStack(cfg *config.Config, r role, mem *transport.MemoryNetwork, logger *slog.Logger) (*transport.Stack, error) {
	carrier, listenAddr, err := buildCarrier(cfg, r, mem, logger)
	if err != nil {
		return nil, err
	}

	stack, err := transport.NewStack(transport.StackConfig{
		Carrier:          carrier,
		ListenAddr:       listenAddr,
		ShutdownGuard:    cfg.Transport.ShutdownGuard,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		Logger:           logger,
	})
	if err != nil {
		carrier.Close()
		return nil, err
	}
	return stack, nil
}

func buildCarrier(cfg *config.Config, r role, mem *transport.MemoryNetwork, logger *slog.Logger) (transport.Carrier, string, error) {
	listenAddr := ""
	if r == roleServer {
		listenAddr = joinPort(cfg.Server.Address, cfg.Server.EncapsulationPort)
	}
	tlsCfg := cfg.Transport.TLS

	switch cfg.Transport.Carrier {
	case "quic":
		if r == roleServer {
			serverTLS, err := serverTLSConfig(tlsCfg, logger)
			if err != nil {
				return nil, "", err
			}
			return &transport.QUICCarrier{LocalAddr: listenAddr, TLSConfig: serverTLS}, listenAddr, nil
		}
		clientTLS, err := transport.LoadClientTLSConfig(tlsCfg.CA, tlsCfg.Verify)
		if err != nil {
			return nil, "", err
		}
		return &transport.QUICCarrier{
			LocalAddr:       joinPort("", cfg.Client.LocalEncapsulationPort),
			ClientTLSConfig: clientTLS,
		}, "", nil

	case "ws":
		carrier := &transport.WebSocketCarrier{Path: cfg.Transport.WebSocketPath, Secure: tlsCfg.Secure}
		if !tlsCfg.Secure {
			return carrier, listenAddr, nil
		}
		if r == roleServer {
			serverTLS, err := serverTLSConfig(tlsCfg, logger)
			if err != nil {
				return nil, "", err
			}
			carrier.TLSConfig = serverTLS
			return carrier, listenAddr, nil
		}
		clientTLS, err := transport.LoadClientTLSConfig(tlsCfg.CA, tlsCfg.Verify)
		if err != nil {
			return nil, "", err
		}
		carrier.ClientTLSConfig = clientTLS
		return carrier, "", nil

	case "memory":
		if mem == nil {
			return nil, "", errors.New("the memory carrier only works within one process (use the loopback command)")
		}
		if r == roleServer {
			listenAddr = joinPort("", cfg.Server.EncapsulationPort)
		}
		return mem.Carrier(loopbackHost), listenAddr, nil

	default:
		return nil, "", fmt.Errorf("unknown carrier %q", cfg.Transport.Carrier)
	}
}

// serverTLSConfig loads the configured certificate or generates a
// short-lived self-signed one.
func serverTLSConfig(cfg config.TLSConfig, logger *slog.Logger) (*tls.Config, error) {
	if cfg.Cert != "" {
		return transport.LoadTLSConfig(cfg.Cert, cfg.Key)
	}

	certPEM, keyPEM, err := transport.GenerateSelfSignedCert("assocmux", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	logging.OrNop(logger).Warn("no TLS certificate configured, using a self-signed certificate")
	return transport.TLSConfigFromBytes(certPEM, keyPEM)
}

func joinPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// newMetrics creates a metrics set on its own registry.
func newMetrics() (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return metrics.NewMetricsWithRegistry(reg), reg
}

// startStatusServer serves health, association and metrics endpoints on
// cfg.Address when metrics are enabled. The returned function stops it.
func startStatusServer(cfg config.MetricsConfig, g prometheus.Gatherer, provider health.StatusProvider, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	hcfg := health.DefaultServerConfig()
	hcfg.Address = cfg.Address
	hcfg.MetricsPath = cfg.Path
	hcfg.Gatherer = g

	srv := health.NewServer(hcfg, provider)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("failed to start status server: %w", err)
	}
	logging.Component(logger, "status").Info("status endpoint listening",
		logging.KeyLocalAddr, srv.Address().String())

	return func() { srv.Stop() }, nil
}

// lazyStatus is a StatusProvider whose target is set once it exists.
type lazyStatus struct {
	mu     sync.Mutex
	target health.StatusProvider
}

func (l *lazyStatus) set(p health.StatusProvider) {
	l.mu.Lock()
	l.target = p
	l.mu.Unlock()
}

func (l *lazyStatus) get() health.StatusProvider {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target
}

func (l *lazyStatus) IsRunning() bool {
	p := l.get()
	return p != nil && p.IsRunning()
}

func (l *lazyStatus) Associations() []association.Info {
	if p := l.get(); p != nil {
		return p.Associations()
	}
	return nil
}
