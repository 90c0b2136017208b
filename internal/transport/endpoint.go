package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/postalsys/assocmux/internal/logging"
	"github.com/postalsys/assocmux/internal/protocol"
)

// stackEndpoint implements Endpoint on a Stack.
type stackEndpoint struct {
	stack  *Stack
	family protocol.Family
	model  SocketModel
	logger *slog.Logger

	mu             sync.Mutex
	local          protocol.Address
	port           uint16
	listening      bool
	backlog        int
	requestedOut   uint16
	maxIn          uint16
	autoClose      uint32
	notifications  map[uint16]bool
	hasAdaptation  bool
	adaptation     uint32
	remoteEncap    uint16
	rcvInfo        bool
	assocs         map[protocol.AssocID]*stackAssoc
	closed         bool
	connectPending bool

	events chan *protocol.RawEvent
	done   chan struct{}
}

func newStackEndpoint(s *Stack, family protocol.Family, model SocketModel) *stackEndpoint {
	return &stackEndpoint{
		stack:         s,
		family:        family,
		model:         model,
		logger:        s.logger.With("model", model.String()),
		requestedOut:  10,
		maxIn:         DefaultMaxInboundStreams,
		notifications: make(map[uint16]bool),
		assocs:        make(map[protocol.AssocID]*stackAssoc),
		events:        make(chan *protocol.RawEvent, DefaultEventQueueSize),
		done:          make(chan struct{}),
	}
}

// ============================================================================
// Setup
// ============================================================================

// Bind implements Endpoint.
func (e *stackEndpoint) Bind(addr protocol.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.port != 0 {
		return fmt.Errorf("%w: endpoint already bound to %s", ErrAddressInUse, e.local)
	}
	if e.family == protocol.FamilyIPv4 && addr.Family() == protocol.FamilyIPv6 {
		return fmt.Errorf("%w: cannot bind %s on an IPv4 endpoint", ErrFamilyMismatch, addr)
	}

	port, err := e.stack.bind(e, addr.Port())
	if err != nil {
		return err
	}
	e.port = port
	e.local = addr.WithPort(port)

	e.logger = e.logger.With(logging.KeyLocalAddr, e.local.String())
	return nil
}

// ensureBoundLocked binds an ephemeral port on the wildcard address.
func (e *stackEndpoint) ensureBoundLocked() error {
	if e.port != 0 {
		return nil
	}
	port, err := e.stack.bind(e, 0)
	if err != nil {
		return err
	}
	e.port = port
	e.local = protocol.WildcardAddress(e.family, port)
	return nil
}

// Listen implements Endpoint.
func (e *stackEndpoint) Listen(backlog int) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.model != OneToMany {
		e.mu.Unlock()
		return fmt.Errorf("%w: listen on %s endpoint", ErrInvalidModel, e.model)
	}
	if e.port == 0 {
		e.mu.Unlock()
		return ErrNotBound
	}
	e.backlog = backlog
	e.mu.Unlock()

	if err := e.stack.startListener(); err != nil {
		return err
	}

	e.mu.Lock()
	e.listening = true
	e.mu.Unlock()

	e.logger.Info("endpoint listening", "backlog", backlog)
	return nil
}

func (e *stackEndpoint) isListening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listening && !e.closed
}

// SetRequestedOutboundStreams implements Endpoint.
func (e *stackEndpoint) SetRequestedOutboundStreams(n uint16) error {
	if n == 0 {
		return fmt.Errorf("%w: outbound stream count must be positive", ErrInvalidStream)
	}
	return e.setOption(func() { e.requestedOut = n })
}

// SetMaxInboundStreams implements Endpoint.
func (e *stackEndpoint) SetMaxInboundStreams(n uint16) error {
	if n == 0 {
		return fmt.Errorf("%w: inbound stream limit must be positive", ErrInvalidStream)
	}
	return e.setOption(func() { e.maxIn = n })
}

// SetAutoClose implements Endpoint.
func (e *stackEndpoint) SetAutoClose(seconds uint32) error {
	if e.model != OneToMany {
		return fmt.Errorf("%w: auto-close on %s endpoint", ErrInvalidModel, e.model)
	}
	return e.setOption(func() { e.autoClose = seconds })
}

// EnableNotifications implements Endpoint.
func (e *stackEndpoint) EnableNotifications(types ...uint16) error {
	return e.setOption(func() {
		for _, t := range types {
			e.notifications[t] = true
		}
	})
}

// SetAdaptationIndication implements Endpoint.
func (e *stackEndpoint) SetAdaptationIndication(v uint32) error {
	return e.setOption(func() {
		e.hasAdaptation = true
		e.adaptation = v
	})
}

// SetRemoteEncapsulationPort implements Endpoint.
func (e *stackEndpoint) SetRemoteEncapsulationPort(port uint16) error {
	return e.setOption(func() { e.remoteEncap = port })
}

// SetRecvRcvInfo implements Endpoint.
func (e *stackEndpoint) SetRecvRcvInfo(on bool) error {
	return e.setOption(func() { e.rcvInfo = on })
}

func (e *stackEndpoint) setOption(fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	fn()
	return nil
}

// LocalAddr implements Endpoint.
func (e *stackEndpoint) LocalAddr() protocol.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

// ============================================================================
// Association setup
// ============================================================================

// Connect implements Endpoint.
func (e *stackEndpoint) Connect(ctx context.Context, addr protocol.Address) (protocol.AssocID, error) {
	if !addr.IsValid() {
		return 0, fmt.Errorf("%w: %s", protocol.ErrInvalidAddress, addr)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	if e.family == protocol.FamilyIPv4 && addr.Family() == protocol.FamilyIPv6 {
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: cannot reach %s from an IPv4 endpoint", ErrFamilyMismatch, addr)
	}
	if e.model == OneToOne && (len(e.assocs) > 0 || e.connectPending) {
		e.mu.Unlock()
		return 0, ErrAlreadyConnected
	}
	if err := e.ensureBoundLocked(); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	e.connectPending = true
	init := &protocol.Init{
		SrcPort:           e.port,
		DstPort:           addr.Port(),
		OutboundStreams:   e.requestedOut,
		MaxInboundStreams: e.maxIn,
		HasAdaptation:     e.hasAdaptation,
		Adaptation:        e.adaptation,
	}
	target := dialTarget(addr, e.remoteEncap)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.connectPending = false
		e.mu.Unlock()
	}()

	e.logger.Debug("connecting",
		logging.KeyPeer, addr.String(),
		logging.KeyRemoteAddr, target,
		logging.KeyOutbound, init.OutboundStreams)

	conn, err := e.stack.cfg.Carrier.Dial(ctx, target)
	if err != nil {
		e.queueCantStart(0, protocol.CauseCarrierFailure)
		return 0, fmt.Errorf("%w: %w", ErrConnectionRefused, err)
	}

	if err := conn.WriteFrame(&protocol.Frame{Type: protocol.FrameInit, Payload: init.Encode()}); err != nil {
		conn.Close()
		e.queueCantStart(0, protocol.CauseCarrierFailure)
		return 0, fmt.Errorf("%w: %w", ErrConnectionRefused, err)
	}

	f, err := readFrameContext(ctx, conn)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		e.queueCantStart(0, protocol.CauseCarrierFailure)
		return 0, fmt.Errorf("%w: %w", ErrConnectionRefused, err)
	}

	switch f.Type {
	case protocol.FrameInitAck:
	case protocol.FrameAbort:
		conn.Close()
		abort, derr := protocol.DecodeAbort(f.Payload)
		if derr != nil {
			abort = &protocol.Abort{Cause: protocol.CauseProtocolViolation}
		}
		e.queueCantStart(0, abort.Cause)
		return 0, fmt.Errorf("%w: %s (%s)", ErrConnectionRefused, abort.Reason, protocol.CauseName(abort.Cause))
	default:
		conn.Close()
		return 0, fmt.Errorf("%w: unexpected %s during setup", ErrConnectionRefused, protocol.FrameTypeName(f.Type))
	}

	ack, err := protocol.DecodeInit(f.Payload)
	if err != nil {
		conn.Close()
		return 0, fmt.Errorf("%w: %w", ErrConnectionRefused, err)
	}

	a := e.newAssoc(conn, addr, init, ack)
	e.logger.Info("association up",
		logging.KeyAssocID, a.id,
		logging.KeyPeer, addr.String(),
		logging.KeyInbound, a.inbound,
		logging.KeyOutbound, a.outbound)
	return a.id, nil
}

// acceptInit completes an inbound handshake or restarts an existing
// association from the same peer.
func (e *stackEndpoint) acceptInit(conn CarrierConn, init *protocol.Init) {
	peerIP, err := protocol.AddressFromNet(conn.RemoteAddr())
	if err != nil {
		e.logger.Debug("inbound connection without usable address", logging.KeyError, err)
		conn.Close()
		return
	}
	peer := peerIP.WithPort(init.SrcPort)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		abortAndClose(conn, protocol.CauseNoListener, "endpoint closed", e.stack.cfg.ShutdownGuard)
		return
	}
	ack := &protocol.Init{
		SrcPort:           e.port,
		DstPort:           init.SrcPort,
		OutboundStreams:   e.requestedOut,
		MaxInboundStreams: e.maxIn,
		HasAdaptation:     e.hasAdaptation,
		Adaptation:        e.adaptation,
	}
	var existing *stackAssoc
	for _, a := range e.assocs {
		if a.peer == peer {
			existing = a
			break
		}
	}
	e.mu.Unlock()

	if err := conn.WriteFrame(&protocol.Frame{Type: protocol.FrameInitAck, Payload: ack.Encode()}); err != nil {
		conn.Close()
		return
	}

	if existing != nil && existing.restart(conn, ack, init) {
		return
	}
	e.newAssoc(conn, peer, ack, init)
}

// newAssoc registers an association and queues its setup notifications
// before its reader starts, so they precede any data.
func (e *stackEndpoint) newAssoc(conn CarrierConn, peer protocol.Address, local, remote *protocol.Init) *stackAssoc {
	a := &stackAssoc{
		id:       e.stack.allocAssocID(),
		ep:       e,
		peer:     peer,
		conn:     conn,
		inbound:  min(local.MaxInboundStreams, remote.OutboundStreams),
		outbound: min(local.OutboundStreams, remote.MaxInboundStreams),
		state:    assocUp,
	}
	a.resetCountersLocked()
	a.logger = e.logger.With(logging.KeyAssocID, a.id)

	e.mu.Lock()
	e.assocs[a.id] = a
	autoClose := e.autoClose
	e.mu.Unlock()

	e.queueNotification(protocol.NotifyAssocChange, (&protocol.AssocChange{
		State:           protocol.AssocCommUp,
		OutboundStreams: a.outbound,
		InboundStreams:  a.inbound,
		AssocID:         a.id,
	}).Encode(), a.id)
	e.queueNotification(protocol.NotifyPeerAddrChange, (&protocol.PeerAddrChange{
		State:   protocol.AddrAvailable,
		AssocID: a.id,
		Addr:    peer,
	}).Encode(), a.id)
	if remote.HasAdaptation {
		e.queueNotification(protocol.NotifyAdaptationIndication, (&protocol.AdaptationEvent{
			Indication: remote.Adaptation,
			AssocID:    a.id,
		}).Encode(), a.id)
	}

	a.start(autoClose)
	return a
}

// ============================================================================
// Data path
// ============================================================================

// Send implements Endpoint.
func (e *stackEndpoint) Send(ctx context.Context, info SendInfo, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(payload) > protocol.MaxMessageSize {
		return fmt.Errorf("%w: message of %d bytes", protocol.ErrFrameTooLarge, len(payload))
	}

	a, err := e.lookup(info.AssocID)
	if err != nil {
		return err
	}
	return a.send(info, payload)
}

// Receive implements Endpoint.
func (e *stackEndpoint) Receive(ctx context.Context) (*protocol.RawEvent, error) {
	select {
	case ev := <-e.events:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrClosed
	}
}

// Status implements Endpoint.
func (e *stackEndpoint) Status(id protocol.AssocID) (Status, error) {
	a, err := e.lookup(id)
	if err != nil {
		return Status{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		AssocID:         a.id,
		InboundStreams:  a.inbound,
		OutboundStreams: a.outbound,
		Peer:            a.peer,
	}, nil
}

// Shutdown implements Endpoint.
func (e *stackEndpoint) Shutdown(id protocol.AssocID) error {
	a, err := e.lookup(id)
	if err != nil {
		return err
	}
	return a.shutdown()
}

func (e *stackEndpoint) lookup(id protocol.AssocID) (*stackAssoc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if id == 0 && e.model == OneToOne {
		for _, a := range e.assocs {
			return a, nil
		}
		return nil, ErrNoAssociation
	}
	a, ok := e.assocs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoAssociation, id)
	}
	return a, nil
}

// Close implements Endpoint. Remaining associations are aborted.
func (e *stackEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	assocs := make([]*stackAssoc, 0, len(e.assocs))
	for _, a := range e.assocs {
		assocs = append(assocs, a)
	}
	e.assocs = make(map[protocol.AssocID]*stackAssoc)
	port := e.port
	e.mu.Unlock()

	for _, a := range assocs {
		a.abort(protocol.CauseUserInitiatedAbort, "endpoint closed")
	}

	close(e.done)
	e.stack.unregister(e, port)
	e.logger.Debug("endpoint closed", logging.KeyCount, len(assocs))
	return nil
}

// ============================================================================
// Event queue
// ============================================================================

func (e *stackEndpoint) removeAssoc(a *stackAssoc) {
	e.mu.Lock()
	if e.assocs[a.id] == a {
		delete(e.assocs, a.id)
	}
	e.mu.Unlock()
}

func (e *stackEndpoint) notificationEnabled(typ uint16) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notifications[typ]
}

// queueNotification queues a notification buffer if its type is enabled.
func (e *stackEndpoint) queueNotification(typ uint16, buf []byte, id protocol.AssocID) {
	if !e.notificationEnabled(typ) {
		return
	}
	e.queue(&protocol.RawEvent{
		Flags:   protocol.MsgNotification | protocol.MsgEOR,
		AssocID: id,
		Payload: buf,
	})
}

func (e *stackEndpoint) queueCantStart(id protocol.AssocID, cause uint16) {
	e.queueNotification(protocol.NotifyAssocChange, (&protocol.AssocChange{
		State:   protocol.AssocCantStart,
		Error:   cause,
		AssocID: id,
	}).Encode(), id)
}

// queue blocks until the event is accepted or the endpoint closes.
func (e *stackEndpoint) queue(ev *protocol.RawEvent) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *stackEndpoint) wantRcvInfo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rcvInfo
}
