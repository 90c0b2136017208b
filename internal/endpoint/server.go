package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/postalsys/assocmux/internal/association"
	"github.com/postalsys/assocmux/internal/dispatch"
	"github.com/postalsys/assocmux/internal/logging"
	"github.com/postalsys/assocmux/internal/notification"
	"github.com/postalsys/assocmux/internal/protocol"
	"github.com/postalsys/assocmux/internal/registry"
	"github.com/postalsys/assocmux/internal/transport"
)

// ServerConfig configures a one-to-many listening endpoint.
type ServerConfig struct {
	// ListenAddr is the local address and port to bind. Required.
	ListenAddr protocol.Address

	// Backlog is passed to Listen (0 = 1).
	Backlog int

	// AutoCloseSeconds shuts idle associations down (0 = never).
	AutoCloseSeconds uint32

	// MaxInboundStreams caps what peers may open (0 = transport default).
	MaxInboundStreams uint16

	// OutboundStreams is the number of outbound streams to request
	// (0 = association.DefaultOutboundStreams).
	OutboundStreams uint16

	HasAdaptation        bool
	AdaptationIndication uint32

	// Notifications to enable. Nil means DefaultNotifications; association
	// changes are always enabled.
	Notifications []uint16

	InfoLevel protocol.InfoType
	Policy    dispatch.StreamPolicy
	Recorder  Recorder
	Logger    *slog.Logger
}

// Server accepts associations on a one-to-many endpoint.
type Server struct {
	ep         transport.Endpoint
	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
	rec        Recorder
	logger     *slog.Logger

	serving  atomic.Bool
	closing  atomic.Bool
	drained  chan struct{}
	drainOne sync.Once
}

// Listen creates a listening one-to-many endpoint on tr.
func Listen(tr transport.Transport, cfg ServerConfig) (*Server, error) {
	addr := cfg.ListenAddr.String()
	if !cfg.ListenAddr.IsValid() {
		return nil, association.NewSetupError("configure", "", fmt.Errorf("%w: listen address required", protocol.ErrInvalidAddress))
	}

	ep, err := tr.CreateEndpoint(cfg.ListenAddr.Family(), transport.OneToMany)
	if err != nil {
		return nil, association.NewSetupError("socket", addr, err)
	}

	if err := configureServer(ep, cfg); err != nil {
		ep.Close()
		return nil, err
	}

	if err := ep.Bind(cfg.ListenAddr); err != nil {
		ep.Close()
		return nil, association.NewSetupError("bind", addr, err)
	}

	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = 1
	}
	if err := ep.Listen(backlog); err != nil {
		ep.Close()
		return nil, association.NewSetupError("listen", addr, err)
	}

	rec := orNopRecorder(cfg.Recorder)
	life := lifecycle{rec: rec}

	s := &Server{
		ep:      ep,
		rec:     rec,
		logger:  logging.Component(cfg.Logger, "server").With(logging.KeyLocalAddr, ep.LocalAddr().String()),
		drained: make(chan struct{}),
	}
	s.reg = registry.New(registry.Config{
		AutoCloseSeconds: cfg.AutoCloseSeconds,
		InfoLevel:        cfg.InfoLevel,
		Logger:           cfg.Logger,
		OnTransition:     life.onTransition,
		OnClosed:         life.onClosed,
	})
	s.dispatcher = dispatch.New(dispatch.Config{
		Sender:   ep,
		Policy:   cfg.Policy,
		Recorder: rec,
		Logger:   cfg.Logger,
	})

	s.logger.Info("server listening", "backlog", backlog)
	return s, nil
}

func configureServer(ep transport.Endpoint, cfg ServerConfig) error {
	addr := cfg.ListenAddr.String()

	notifications := lifecycleNotifications(cfg.Notifications)
	outbound := cfg.OutboundStreams
	if outbound == 0 {
		outbound = association.DefaultOutboundStreams
	}

	steps := []func() error{
		func() error { return ep.SetAutoClose(cfg.AutoCloseSeconds) },
		func() error { return ep.SetRequestedOutboundStreams(outbound) },
		func() error { return ep.EnableNotifications(notifications...) },
		func() error { return ep.SetRecvRcvInfo(cfg.InfoLevel != protocol.InfoNone) },
	}
	if cfg.MaxInboundStreams > 0 {
		steps = append(steps, func() error { return ep.SetMaxInboundStreams(cfg.MaxInboundStreams) })
	}
	if cfg.HasAdaptation {
		steps = append(steps, func() error { return ep.SetAdaptationIndication(cfg.AdaptationIndication) })
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return association.NewSetupError("configure", addr, err)
		}
	}
	return nil
}

// Registry returns the server's association registry.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// LocalAddr returns the bound local address.
func (s *Server) LocalAddr() protocol.Address {
	return s.ep.LocalAddr()
}

// IsRunning reports whether Serve is running and Close has not started.
func (s *Server) IsRunning() bool {
	return s.serving.Load() && !s.closing.Load()
}

// Associations returns snapshots of the tracked associations.
func (s *Server) Associations() []association.Info {
	return s.reg.Snapshots()
}

// Send sends msg on the association identified by h.
func (s *Server) Send(ctx context.Context, h registry.Handle, msg dispatch.OutboundMessage) error {
	a, ok := s.reg.Get(h)
	if !ok {
		return fmt.Errorf("%w: %w: handle %d", association.ErrNotEstablished, registry.ErrNotFound, h)
	}
	return s.dispatcher.Send(ctx, a, msg)
}

// Serve receives and dispatches events for all associations until ctx is
// done, the endpoint is closed, or Close has drained every association.
func (s *Server) Serve(ctx context.Context, h Handler) error {
	if !s.serving.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.serving.Store(false)

	for {
		if s.closing.Load() && s.reg.Len() == 0 {
			s.drainOne.Do(func() { close(s.drained) })
			return nil
		}

		raw, err := s.ep.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		s.handle(raw, h)
	}
}

func (s *Server) handle(raw *protocol.RawEvent, h Handler) {
	handle, ev := s.reg.OnEvent(raw)

	switch ev := ev.(type) {
	case *notification.Notification:
		s.rec.RecordNotification(ev.Kind.String())
		h.OnNotification(handle, ev)

		if handle != 0 {
			if a, ok := s.reg.Get(handle); ok && a.State() == association.StateClosed {
				s.reg.Remove(handle)
			}
		}

	case *notification.Data:
		a, ok := s.reg.Get(handle)
		if !ok {
			return
		}
		if a.State() == association.StateListening {
			s.confirm(a)
		}
		msg, err := s.dispatcher.Deliver(a, ev)
		if err != nil {
			return
		}
		h.OnMessage(handle, msg)
	}
}

// confirm establishes an association whose data arrived before its
// association-up notification, using the counts reported by the transport.
func (s *Server) confirm(a *association.Association) {
	st, err := s.ep.Status(a.ID())
	if err != nil {
		s.logger.Debug("status for unconfirmed association failed",
			logging.KeyAssocID, a.ID(),
			logging.KeyError, err)
		return
	}
	a.SetPeer(st.Peer)
	a.ConfirmConnected(st.AssocID, st.InboundStreams, st.OutboundStreams)
}

// Close shuts down every association and releases the endpoint. While Serve
// is running Close waits for the peers to confirm; when ctx expires first the
// remaining associations are aborted and association.ErrShutdownTimeout is
// returned.
func (s *Server) Close(ctx context.Context) error {
	if s.closing.Swap(true) {
		return nil
	}

	for _, h := range s.reg.Handles() {
		a, ok := s.reg.Get(h)
		if !ok {
			continue
		}
		switch a.Close() {
		case association.StateShuttingDown:
			if err := s.ep.Shutdown(a.ID()); err != nil {
				s.logger.Debug("transport shutdown failed",
					logging.KeyAssocID, a.ID(),
					logging.KeyError, err)
			}
		case association.StateClosed:
			s.reg.Remove(h)
		}
	}

	var waitErr error
	if s.serving.Load() && s.reg.Len() > 0 {
		select {
		case <-s.drained:
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
	}

	if err := s.ep.Close(); err != nil {
		s.logger.Debug("endpoint close failed", logging.KeyError, err)
	}

	if waitErr != nil {
		s.logger.Warn("graceful shutdown did not complete",
			logging.KeyCount, s.reg.Len(),
			logging.KeyError, waitErr)
		return fmt.Errorf("%w: %w", association.ErrShutdownTimeout, waitErr)
	}
	s.logger.Info("server closed")
	return nil
}
