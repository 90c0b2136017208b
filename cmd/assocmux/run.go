package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/assocmux/internal/config"
	"github.com/postalsys/assocmux/internal/dispatch"
	"github.com/postalsys/assocmux/internal/endpoint"
	"github.com/postalsys/assocmux/internal/logging"
	"github.com/postalsys/assocmux/internal/recovery"
	"github.com/postalsys/assocmux/internal/transport"
)

// shutdownTimeout bounds graceful association shutdown and transport
// teardown on exit.
const shutdownTimeout = 10 * time.Second

// runningServer is a listening server with its Serve loop.
type runningServer struct {
	srv    *endpoint.Server
	tr     transport.Transport
	served chan error
	logger *slog.Logger
}

// startServer listens on tr and starts serving in the background.
func startServer(cfg *config.Config, tr transport.Transport, h endpoint.Handler, rec endpoint.Recorder, logger *slog.Logger) (*runningServer, error) {
	listenAddr, err := cfg.Server.ListenAddress()
	if err != nil {
		return nil, err
	}
	notifications, err := config.ParseNotifications(cfg.Server.Notifications)
	if err != nil {
		return nil, err
	}

	srv, err := endpoint.Listen(tr, endpoint.ServerConfig{
		ListenAddr:        listenAddr,
		Backlog:           cfg.Server.Backlog,
		AutoCloseSeconds:  cfg.Server.AutoCloseSeconds(),
		MaxInboundStreams: cfg.Server.MaxInboundStreams,
		OutboundStreams:   cfg.Server.OutboundStreams,
		Notifications:     notifications,
		InfoLevel:         cfg.Server.InfoLevel(),
		Recorder:          rec,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	rs := &runningServer{
		srv:    srv,
		tr:     tr,
		served: make(chan error, 1),
		logger: logging.OrNop(logger),
	}
	go func() {
		defer recovery.RecoverWithLog(rs.logger, "serve")
		rs.served <- srv.Serve(context.Background(), h)
	}()
	return rs, nil
}

// stop closes every association, waits for Serve to return and finishes
// the transport.
func (rs *runningServer) stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	closeErr := rs.srv.Close(ctx)

	var serveErr error
	select {
	case serveErr = <-rs.served:
	case <-ctx.Done():
		serveErr = ctx.Err()
	}

	teardownErr := teardown(ctx, rs.tr)
	return errors.Join(closeErr, serveErr, teardownErr)
}

// clientResult summarizes a client run.
type clientResult struct {
	Sent    int
	Bytes   uint64
	Streams uint16
}

// runClient connects, sends the configured messages and closes the
// association. status, when set, is pointed at the client once connected.
func runClient(ctx context.Context, cfg *config.Config, tr transport.Transport, h endpoint.Handler, rec endpoint.Recorder, status *lazyStatus, logger *slog.Logger) (*clientResult, error) {
	remote, err := cfg.Client.RemoteAddr()
	if err != nil {
		return nil, err
	}
	notifications, err := config.ParseNotifications(cfg.Client.Notifications)
	if err != nil {
		return nil, err
	}

	client, err := endpoint.Dial(ctx, tr, endpoint.ClientConfig{
		RemoteAddr:              remote,
		LocalPort:               cfg.Client.LocalPort,
		RemoteEncapsulationPort: cfg.Client.RemoteEncapsulationPort,
		OutboundStreams:         cfg.Client.OutboundStreams,
		HasAdaptation:           cfg.Client.AdaptationIndication != 0,
		AdaptationIndication:    cfg.Client.AdaptationIndication,
		Notifications:           notifications,
		InfoLevel:               cfg.Client.InfoLevel(),
		Recorder:                rec,
		Logger:                  logger,
	})
	if err != nil {
		return nil, err
	}
	if status != nil {
		status.set(client)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	ran := make(chan error, 1)
	go func() {
		defer recovery.RecoverWithLog(logging.OrNop(logger), "clientRun")
		ran <- client.Run(runCtx, h)
	}()

	result := &clientResult{}
	_, result.Streams, _ = client.Association().NegotiatedCounts()
	sendErr := sendMessages(ctx, cfg.Client, client, result)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := client.Close(closeCtx)

	cancelRun()
	runErr := <-ran
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	return result, errors.Join(sendErr, closeErr, runErr)
}

func sendMessages(ctx context.Context, cfg config.ClientConfig, client *endpoint.Client, result *clientResult) error {
	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}

	payload := bytes.Repeat([]byte{'A'}, cfg.MessageSize)
	for i := 0; i < cfg.MessageCount; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := client.Send(ctx, dispatch.OutboundMessage{
			Payload:   payload,
			PayloadID: cfg.PayloadID,
			Ordered:   !cfg.Unordered,
		})
		if err != nil {
			return fmt.Errorf("send %d of %d: %w", i+1, cfg.MessageCount, err)
		}
		result.Sent++
		result.Bytes += uint64(len(payload))
	}
	return nil
}

func contextWithShutdownTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}

// teardown finishes tr once its endpoints are closed.
func teardown(ctx context.Context, tr transport.Transport) error {
	return endpoint.Teardown(ctx, tr, endpoint.DefaultTeardownInterval)
}
