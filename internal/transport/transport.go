// Package transport is the association-oriented transport collaborator.
//
// The Transport and Endpoint interfaces mirror the socket surface of an
// SCTP-class stack: one-to-one and one-to-many endpoints, per-association
// stream negotiation, notifications delivered in-band with data, and graceful
// per-association shutdown. Stack implements them by running the association
// handshake and framing over a reliable Carrier (QUIC, WebSocket or an
// in-memory pipe for tests).
package transport

import (
	"context"
	"errors"
	"net"

	"github.com/postalsys/assocmux/internal/protocol"
)

var (
	// ErrBusy is returned by Finish while endpoints remain open.
	ErrBusy = errors.New("transport busy")

	// ErrClosed is returned on a closed endpoint or finished transport.
	ErrClosed = errors.New("endpoint closed")

	// ErrNotBound is returned when listening on an unbound endpoint.
	ErrNotBound = errors.New("endpoint not bound")

	// ErrAddressInUse is returned when binding a port already bound.
	ErrAddressInUse = errors.New("address already in use")

	// ErrNoAssociation is returned for an unknown association id.
	ErrNoAssociation = errors.New("no such association")

	// ErrInvalidStream is returned when sending on a stream beyond the outbound count.
	ErrInvalidStream = errors.New("invalid stream")

	// ErrConnectionRefused is returned when the peer aborts the setup.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrAlreadyConnected is returned when connecting a one-to-one endpoint twice.
	ErrAlreadyConnected = errors.New("endpoint already connected")

	// ErrNotConnected is returned when sending on an association that is shutting down.
	ErrNotConnected = errors.New("association not connected")

	// ErrInvalidModel is returned for an operation the socket model does not support.
	ErrInvalidModel = errors.New("operation not supported by socket model")

	// ErrFamilyMismatch is returned when an address family does not fit the endpoint.
	ErrFamilyMismatch = errors.New("address family mismatch")
)

// SocketModel selects how associations map to endpoints.
type SocketModel int

const (
	// OneToOne carries a single association (client style).
	OneToOne SocketModel = iota
	// OneToMany carries any number of associations keyed by id (server style).
	OneToMany
)

// String returns the model name.
func (m SocketModel) String() string {
	switch m {
	case OneToOne:
		return "one-to-one"
	case OneToMany:
		return "one-to-many"
	default:
		return "unknown"
	}
}

// SendInfo carries the per-message send parameters.
type SendInfo struct {
	AssocID   protocol.AssocID
	StreamID  uint16
	PayloadID uint32
	Unordered bool
}

// Status is the negotiated state of an association.
type Status struct {
	AssocID         protocol.AssocID
	InboundStreams  uint16
	OutboundStreams uint16
	Peer            protocol.Address
}

// Transport creates endpoints.
type Transport interface {
	// CreateEndpoint creates an endpoint of the given address family and model.
	CreateEndpoint(family protocol.Family, model SocketModel) (Endpoint, error)

	// Finish releases transport resources. It returns ErrBusy while any
	// endpoint is still open.
	Finish() error
}

// Endpoint is an association-carrying socket.
type Endpoint interface {
	// Bind assigns the local address. Port 0 picks an ephemeral port.
	Bind(addr protocol.Address) error

	// Connect sets up an association and blocks until it is up or failed.
	Connect(ctx context.Context, addr protocol.Address) (protocol.AssocID, error)

	// Listen accepts inbound associations (one-to-many only).
	Listen(backlog int) error

	SetRequestedOutboundStreams(n uint16) error
	SetMaxInboundStreams(n uint16) error
	SetAutoClose(seconds uint32) error
	EnableNotifications(types ...uint16) error
	SetAdaptationIndication(v uint32) error
	SetRemoteEncapsulationPort(port uint16) error
	SetRecvRcvInfo(on bool) error

	// Send queues one message on an association.
	Send(ctx context.Context, info SendInfo, payload []byte) error

	// Receive blocks for the next data message or notification.
	Receive(ctx context.Context) (*protocol.RawEvent, error)

	// Status returns the negotiated counts. For one-to-one endpoints id 0
	// selects the endpoint's association.
	Status(id protocol.AssocID) (Status, error)

	// Shutdown starts a graceful shutdown of one association.
	Shutdown(id protocol.AssocID) error

	LocalAddr() protocol.Address
	Close() error
}

// ============================================================================
// Carriers
// ============================================================================

// Carrier moves frames between stacks. Each CarrierConn carries exactly one
// association.
type Carrier interface {
	// Name identifies the carrier ("quic", "ws", "memory").
	Name() string

	// Dial opens a connection to a remote stack's carrier listener.
	Dial(ctx context.Context, addr string) (CarrierConn, error)

	// Listen starts accepting connections on addr.
	Listen(addr string) (CarrierListener, error)

	// Close releases carrier-wide resources.
	Close() error
}

// CarrierListener accepts carrier connections.
type CarrierListener interface {
	Accept(ctx context.Context) (CarrierConn, error)
	Addr() net.Addr
	Close() error
}

// CarrierConn is a bidirectional, ordered, reliable frame pipe.
type CarrierConn interface {
	// WriteFrame writes one frame. Safe for one writer at a time.
	WriteFrame(f *protocol.Frame) error

	// ReadFrame reads the next frame. Safe for one reader at a time.
	ReadFrame() (*protocol.Frame, error)

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// readFrameContext reads one frame, giving up (and closing conn) when ctx
// ends first.
func readFrameContext(ctx context.Context, conn CarrierConn) (*protocol.Frame, error) {
	type result struct {
		f   *protocol.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := conn.ReadFrame()
		ch <- result{f, err}
	}()

	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}
}
