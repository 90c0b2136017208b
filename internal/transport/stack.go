package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/assocmux/internal/logging"
	"github.com/postalsys/assocmux/internal/protocol"
	"github.com/postalsys/assocmux/internal/recovery"
)

// Stack defaults
const (
	DefaultEncapsulationPort = 9899
	DefaultShutdownGuard     = 3 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultMaxInboundStreams = 65535
	DefaultEventQueueSize    = 1024

	ephemeralPortStart = 49152
)

// StackConfig configures a Stack.
type StackConfig struct {
	// Carrier moves frames between stacks. Required.
	Carrier Carrier

	// ListenAddr is the carrier listen address (host:encapsulation port).
	// Required only for stacks with listening endpoints.
	ListenAddr string

	// ShutdownGuard bounds how long a graceful shutdown waits for the peer.
	ShutdownGuard time.Duration

	// HandshakeTimeout bounds how long an inbound connection may take to
	// send its INIT.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// Stack is a Transport running associations over a Carrier.
type Stack struct {
	cfg    StackConfig
	logger *slog.Logger

	mu        sync.Mutex
	endpoints map[*stackEndpoint]struct{}
	bound     map[uint16]*stackEndpoint
	nextPort  uint16
	listener  CarrierListener
	finished  bool

	nextAssoc atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStack creates a Stack.
func NewStack(cfg StackConfig) (*Stack, error) {
	if cfg.Carrier == nil {
		return nil, fmt.Errorf("stack: carrier required")
	}
	if cfg.ShutdownGuard <= 0 {
		cfg.ShutdownGuard = DefaultShutdownGuard
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Stack{
		cfg:       cfg,
		logger:    logging.Component(cfg.Logger, "stack").With(logging.KeyCarrier, cfg.Carrier.Name()),
		endpoints: make(map[*stackEndpoint]struct{}),
		bound:     make(map[uint16]*stackEndpoint),
		nextPort:  ephemeralPortStart,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// CreateEndpoint implements Transport.
func (s *Stack) CreateEndpoint(family protocol.Family, model SocketModel) (Endpoint, error) {
	if family != protocol.FamilyIPv4 && family != protocol.FamilyIPv6 {
		return nil, fmt.Errorf("%w: family %d", ErrFamilyMismatch, family)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return nil, ErrClosed
	}

	ep := newStackEndpoint(s, family, model)
	s.endpoints[ep] = struct{}{}
	return ep, nil
}

// Finish implements Transport.
func (s *Stack) Finish() error {
	s.mu.Lock()
	if len(s.endpoints) > 0 {
		n := len(s.endpoints)
		s.mu.Unlock()
		return fmt.Errorf("%w: %d endpoints open", ErrBusy, n)
	}
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	s.cancel()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	return s.cfg.Carrier.Close()
}

// ListenAddr returns the carrier listener address, or nil before the first
// endpoint starts listening.
func (s *Stack) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// bind reserves a local port for ep. Port 0 picks an ephemeral port.
func (s *Stack) bind(ep *stackEndpoint, port uint16) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if port == 0 {
		for i := 0; i < 65536-ephemeralPortStart; i++ {
			p := s.nextPort
			s.nextPort++
			if s.nextPort == 0 {
				s.nextPort = ephemeralPortStart
			}
			if _, used := s.bound[p]; !used {
				port = p
				break
			}
		}
		if port == 0 {
			return 0, fmt.Errorf("%w: no ephemeral ports left", ErrAddressInUse)
		}
	}

	if _, used := s.bound[port]; used {
		return 0, fmt.Errorf("%w: port %d", ErrAddressInUse, port)
	}
	s.bound[port] = ep
	return port, nil
}

// startListener starts the carrier listener once.
func (s *Stack) startListener() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}
	if s.cfg.ListenAddr == "" {
		return fmt.Errorf("stack: no carrier listen address configured")
	}

	ln, err := s.cfg.Carrier.Listen(s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.logger.Info("carrier listening", logging.KeyLocalAddr, ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Stack) acceptLoop(ln CarrierListener) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "stack.acceptLoop")

	for {
		conn, err := ln.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Debug("carrier accept stopped", logging.KeyError, err)
			}
			return
		}

		s.wg.Add(1)
		go s.handleInbound(conn)
	}
}

// handleInbound reads the INIT of a new carrier connection and hands it to
// the endpoint bound to the destination port.
func (s *Stack) handleInbound(conn CarrierConn) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "stack.handleInbound")

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	f, err := readFrameContext(ctx, conn)
	cancel()
	if err != nil {
		s.logger.Debug("inbound handshake failed",
			logging.KeyRemoteAddr, addrString(conn.RemoteAddr()),
			logging.KeyError, err)
		conn.Close()
		return
	}

	if f.Type != protocol.FrameInit {
		s.logger.Debug("inbound connection did not start with INIT",
			"frame", protocol.FrameTypeName(f.Type))
		conn.Close()
		return
	}

	init, err := protocol.DecodeInit(f.Payload)
	if err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	ep := s.bound[init.DstPort]
	s.mu.Unlock()

	if ep == nil || !ep.isListening() {
		s.logger.Debug("INIT for port without listener",
			"port", init.DstPort,
			logging.KeyRemoteAddr, addrString(conn.RemoteAddr()))
		abortAndClose(conn, protocol.CauseNoListener,
			fmt.Sprintf("no listener on port %d", init.DstPort), s.cfg.ShutdownGuard)
		return
	}

	ep.acceptInit(conn, init)
}

// unregister removes a closed endpoint.
func (s *Stack) unregister(ep *stackEndpoint, port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.endpoints, ep)
	if port != 0 && s.bound[port] == ep {
		delete(s.bound, port)
	}
}

func (s *Stack) allocAssocID() protocol.AssocID {
	return protocol.AssocID(s.nextAssoc.Add(1))
}

// abortAndClose writes an ABORT and closes conn once the peer has hung up
// or linger has passed, so the ABORT is not lost to an abrupt close.
func abortAndClose(conn CarrierConn, cause uint16, reason string, linger time.Duration) {
	abort := &protocol.Abort{Cause: cause, Reason: reason}
	if err := conn.WriteFrame(&protocol.Frame{Type: protocol.FrameAbort, Payload: abort.Encode()}); err != nil {
		conn.Close()
		return
	}
	closeAfterPeer(conn, linger)
}

// closeAfterPeer drains conn until the peer closes it or linger elapses.
func closeAfterPeer(conn CarrierConn, linger time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := conn.ReadFrame(); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(linger):
	}
	conn.Close()
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// dialTarget joins the peer IP with the encapsulation port.
func dialTarget(peer protocol.Address, encapPort uint16) string {
	if encapPort == 0 {
		encapPort = DefaultEncapsulationPort
	}
	return net.JoinHostPort(peer.IP().String(), strconv.Itoa(int(encapPort)))
}

// isClosedErr reports whether err is an expected end-of-connection error.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClosed)
}
