package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/assocmux/internal/association"
	"github.com/postalsys/assocmux/internal/dispatch"
	"github.com/postalsys/assocmux/internal/logging"
	"github.com/postalsys/assocmux/internal/notification"
	"github.com/postalsys/assocmux/internal/protocol"
	"github.com/postalsys/assocmux/internal/registry"
	"github.com/postalsys/assocmux/internal/transport"
)

// ErrAlreadyRunning is returned when a second receive loop is started.
var ErrAlreadyRunning = errors.New("receive loop already running")

// ClientConfig configures a one-to-one client association.
type ClientConfig struct {
	// RemoteAddr is the peer address and port. Required.
	RemoteAddr protocol.Address

	// LocalPort binds the wildcard address on this port (0 = ephemeral).
	LocalPort uint16

	// RemoteEncapsulationPort is the peer's carrier port (0 = transport default).
	RemoteEncapsulationPort uint16

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

// Client is an established one-to-one association.
type Client struct {
	ep         transport.Endpoint
	assoc      *association.Association
	dispatcher *dispatch.Dispatcher
	rec        Recorder
	logger     *slog.Logger

	running    atomic.Bool
	closed     chan struct{}
	closedOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

// Dial creates a one-to-one endpoint on tr, connects it to cfg.RemoteAddr and
// returns once the association is Established with confirmed stream counts.
func Dial(ctx context.Context, tr transport.Transport, cfg ClientConfig) (*Client, error) {
	remote := cfg.RemoteAddr.String()
	if !cfg.RemoteAddr.IsValid() {
		return nil, association.NewSetupError("configure", "", fmt.Errorf("%w: remote address required", protocol.ErrInvalidAddress))
	}

	c := &Client{
		rec:    orNopRecorder(cfg.Recorder),
		logger: logging.Component(cfg.Logger, "client").With(logging.KeyPeer, remote),
		closed: make(chan struct{}),
	}
	life := lifecycle{rec: c.rec}

	c.assoc = association.New(0, association.Config{
		EncapsulationPort: cfg.RemoteEncapsulationPort,
		InfoLevel:         cfg.InfoLevel,
		Logger:            cfg.Logger,
		OnTransition:      life.onTransition,
		OnClosed: func(a *association.Association, err error) {
			life.onClosed(a, err)
			c.closedOnce.Do(func() { close(c.closed) })
		},
	})
	if cfg.OutboundStreams > 0 {
		if err := c.assoc.RequestOutboundStreams(cfg.OutboundStreams); err != nil {
			return nil, association.NewSetupError("configure", remote, err)
		}
	}

	ep, err := tr.CreateEndpoint(cfg.RemoteAddr.Family(), transport.OneToOne)
	if err != nil {
		return nil, association.NewSetupError("socket", remote, err)
	}
	c.ep = ep

	if err := configureClient(ep, cfg, c.assoc.RequestedOutboundStreams()); err != nil {
		ep.Close()
		return nil, err
	}

	c.assoc.Open(association.RoleClient)
	start := time.Now()

	id, err := ep.Connect(ctx, cfg.RemoteAddr)
	if err != nil {
		c.assoc.Close()
		ep.Close()
		return nil, association.NewSetupError("connect", remote, err)
	}

	st, err := ep.Status(id)
	if err != nil {
		c.assoc.Close()
		ep.Close()
		return nil, association.NewSetupError("status", remote, err)
	}

	c.assoc.SetPeer(st.Peer)
	if err := c.assoc.ConfirmConnected(st.AssocID, st.InboundStreams, st.OutboundStreams); err != nil {
		ep.Close()
		return nil, association.NewSetupError("connect", remote, err)
	}
	c.rec.RecordSetupDuration(time.Since(start))

	c.dispatcher = dispatch.New(dispatch.Config{
		Sender:   ep,
		Policy:   cfg.Policy,
		Recorder: c.rec,
		Logger:   cfg.Logger,
	})
	c.logger = c.logger.With(logging.KeyAssocID, st.AssocID)

	if st.OutboundStreams < c.assoc.RequestedOutboundStreams() {
		c.logger.Info("peer granted fewer outbound streams than requested",
			"requested", c.assoc.RequestedOutboundStreams(),
			logging.KeyOutbound, st.OutboundStreams)
	}
	c.logger.Info("association established",
		logging.KeyInbound, st.InboundStreams,
		logging.KeyOutbound, st.OutboundStreams,
		logging.KeyDuration, time.Since(start))
	return c, nil
}

func configureClient(ep transport.Endpoint, cfg ClientConfig, outbound uint16) error {
	remote := cfg.RemoteAddr.String()

	if cfg.LocalPort > 0 {
		local := protocol.WildcardAddress(cfg.RemoteAddr.Family(), cfg.LocalPort)
		if err := ep.Bind(local); err != nil {
			return association.NewSetupError("bind", local.String(), err)
		}
	}

	notifications := lifecycleNotifications(cfg.Notifications)

	steps := []func() error{
		func() error { return ep.SetRequestedOutboundStreams(outbound) },
		func() error { return ep.EnableNotifications(notifications...) },
		func() error { return ep.SetRecvRcvInfo(cfg.InfoLevel != protocol.InfoNone) },
	}
	if cfg.RemoteEncapsulationPort > 0 {
		steps = append(steps, func() error { return ep.SetRemoteEncapsulationPort(cfg.RemoteEncapsulationPort) })
	}
	if cfg.HasAdaptation {
		steps = append(steps, func() error { return ep.SetAdaptationIndication(cfg.AdaptationIndication) })
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return association.NewSetupError("configure", remote, err)
		}
	}
	return nil
}

// Association returns the client's association.
func (c *Client) Association() *association.Association {
	return c.assoc
}

// Handle returns the handle passed to Handler callbacks.
func (c *Client) Handle() registry.Handle {
	return registry.Handle(c.assoc.ID())
}

// LocalAddr returns the bound local address.
func (c *Client) LocalAddr() protocol.Address {
	return c.ep.LocalAddr()
}

// IsRunning reports whether the association is Established.
func (c *Client) IsRunning() bool {
	return c.assoc.State() == association.StateEstablished
}

// Associations returns a snapshot of the client's association.
func (c *Client) Associations() []association.Info {
	return []association.Info{c.assoc.Snapshot()}
}

// Send sends msg on the association.
func (c *Client) Send(ctx context.Context, msg dispatch.OutboundMessage) error {
	return c.dispatcher.Send(ctx, c.assoc, msg)
}

// SendRaw sends an ordered payload with payload identifier 0 on the stream
// chosen by the policy.
func (c *Client) SendRaw(ctx context.Context, payload []byte) error {
	return c.Send(ctx, dispatch.OutboundMessage{Payload: payload, Ordered: true})
}

// Run receives and dispatches events until the association is Closed, the
// endpoint is closed or ctx is done.
func (c *Client) Run(ctx context.Context, h Handler) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)
	return c.loop(ctx, h)
}

func (c *Client) loop(ctx context.Context, h Handler) error {
	for c.assoc.State() != association.StateClosed {
		raw, err := c.ep.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		c.handle(raw, h)
	}
	return nil
}

func (c *Client) handle(raw *protocol.RawEvent, h Handler) {
	switch ev := notification.Decode(raw).(type) {
	case *notification.Notification:
		c.rec.RecordNotification(ev.Kind.String())
		c.assoc.Apply(ev)
		h.OnNotification(c.Handle(), ev)

	case *notification.Data:
		msg, err := c.dispatcher.Deliver(c.assoc, ev)
		if err != nil {
			return
		}
		h.OnMessage(c.Handle(), msg)
	}
}

// Close shuts the association down gracefully and releases the endpoint.
// If a receive loop is running, Close waits for it to observe the peer's
// confirmation; otherwise Close drains events itself. When ctx expires
// first the association is aborted and association.ErrShutdownTimeout is
// returned.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close(ctx)
	})
	return c.closeErr
}

func (c *Client) close(ctx context.Context) error {
	var waitErr error

	if st := c.assoc.Close(); st == association.StateShuttingDown {
		if err := c.ep.Shutdown(0); err != nil {
			c.logger.Debug("transport shutdown failed", logging.KeyError, err)
		}

		if c.running.CompareAndSwap(false, true) {
			waitErr = c.loop(ctx, HandlerFuncs{})
			c.running.Store(false)
		} else {
			select {
			case <-c.closed:
			case <-ctx.Done():
				waitErr = ctx.Err()
			}
		}
	}

	if err := c.ep.Close(); err != nil {
		c.logger.Debug("endpoint close failed", logging.KeyError, err)
	}

	if waitErr != nil {
		c.logger.Warn("graceful shutdown did not complete", logging.KeyError, waitErr)
		return fmt.Errorf("%w: %w", association.ErrShutdownTimeout, waitErr)
	}
	return nil
}
