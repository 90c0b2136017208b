// Package association implements the per-association lifecycle state machine
// and stream negotiation.
//
// An Association is driven by two parties: the receive path applies decoded
// notifications through Apply, and local callers use Open, ConfirmConnected
// and Close. Senders never touch the state mutex for longer than a snapshot;
// they serialise on a separate send lock (see WithSendLock) so a slow
// transport send cannot stall state updates on the receive path.
package association

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/assocmux/internal/logging"
	"github.com/postalsys/assocmux/internal/notification"
	"github.com/postalsys/assocmux/internal/protocol"
)

// State represents the lifecycle state of an association.
type State int

const (
	// StateClosed is both the initial and the terminal state.
	StateClosed State = iota
	// StateConnecting means an outbound setup is in progress.
	StateConnecting
	// StateListening means the association awaits its first lifecycle notification.
	StateListening
	// StateEstablished means the association can carry messages.
	StateEstablished
	// StateShuttingDown means a graceful shutdown is in progress.
	StateShuttingDown
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateListening:
		return "LISTENING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// Role selects the state Open moves to.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Config holds per-association settings. It is copied at construction and
// never modified afterwards.
type Config struct {
	// AutoCloseSeconds is the idle timeout applied by the transport (0 = off).
	AutoCloseSeconds uint32

	// EncapsulationPort is the remote UDP encapsulation port (0 = none).
	EncapsulationPort uint16

	// InfoLevel is the receive-info detail level requested from the transport.
	InfoLevel protocol.InfoType

	Logger *slog.Logger

	// OnEstablished fires once each time the association enters Established
	// from Connecting or Listening.
	OnEstablished func(a *Association)

	// OnClosed fires once when the association reaches Closed. err is nil for
	// a graceful or local close.
	OnClosed func(a *Association, err error)

	// OnTransition fires for every applied transition, including the
	// Established to Established restart.
	OnTransition func(a *Association, from, to State)
}

// Association is the lifecycle record of one association.
type Association struct {
	cfg    Config
	logger *slog.Logger

	mu                sync.RWMutex
	id                protocol.AssocID
	state             State
	requestedOutbound uint16
	inbound           uint16
	outbound          uint16
	hasAdaptation     bool
	adaptation        uint32
	peer              protocol.Address
	errorCode         uint32
	closeErr          error
	createdAt         time.Time
	establishedAt     time.Time
	restarts          int

	// counter is the round-robin send counter. epoch changes whenever the
	// counter is reset so that a send racing the reset does not advance it.
	counter uint64
	epoch   uint64

	sendMu sync.Mutex
	sent   atomic.Uint64
}

// New creates an association in Closed. id may be zero for a client whose
// transport id is assigned on connect.
func New(id protocol.AssocID, cfg Config) *Association {
	return &Association{
		cfg:       cfg,
		logger:    logging.Component(cfg.Logger, "association").With(logging.KeyAssocID, id),
		id:        id,
		state:     StateClosed,
		createdAt: time.Now(),
	}
}

// ============================================================================
// Accessors
// ============================================================================

// ID returns the transport association id.
func (a *Association) ID() protocol.AssocID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

// State returns the current state.
func (a *Association) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Peer returns the primary peer address, if known.
func (a *Association) Peer() protocol.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.peer
}

// SetPeer records the peer address.
func (a *Association) SetPeer(addr protocol.Address) {
	a.mu.Lock()
	a.peer = addr
	a.mu.Unlock()
}

// AdaptationIndication returns the peer's adaptation indication and whether
// one was received.
func (a *Association) AdaptationIndication() (uint32, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.adaptation, a.hasAdaptation
}

// ErrorCode returns the transport error code recorded by the last lost or
// unstartable notification.
func (a *Association) ErrorCode() uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.errorCode
}

// Err returns the error the association closed with, or nil.
func (a *Association) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.closeErr
}

// Config returns the immutable per-association settings.
func (a *Association) Config() Config {
	return a.cfg
}

// SentCount returns the number of messages accepted by the transport.
func (a *Association) SentCount() uint64 {
	return a.sent.Load()
}

// Info is a point-in-time copy of an association's state.
type Info struct {
	ID                   protocol.AssocID
	State                State
	InboundStreams       uint16
	OutboundStreams      uint16
	Peer                 protocol.Address
	HasAdaptation        bool
	AdaptationIndication uint32
	ErrorCode            uint32
	Restarts             int
	Sent                 uint64
	EstablishedAt        time.Time
}

// Snapshot returns a copy of the association's current state.
func (a *Association) Snapshot() Info {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Info{
		ID:                   a.id,
		State:                a.state,
		InboundStreams:       a.inbound,
		OutboundStreams:      a.outbound,
		Peer:                 a.peer,
		HasAdaptation:        a.hasAdaptation,
		AdaptationIndication: a.adaptation,
		ErrorCode:            a.errorCode,
		Restarts:             a.restarts,
		Sent:                 a.sent.Load(),
		EstablishedAt:        a.establishedAt,
	}
}

// ============================================================================
// Local operations
// ============================================================================

// Open moves a Closed association to Connecting (client) or Listening (server).
func (a *Association) Open(role Role) error {
	a.mu.Lock()
	if a.state != StateClosed {
		st := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: open in state %s", ErrAlreadyOpen, st)
	}
	to := StateConnecting
	if role == RoleServer {
		to = StateListening
	}
	fire := a.transitionLocked(to)
	a.mu.Unlock()

	fire()
	return nil
}

// ConfirmConnected records the counts reported by the transport once an
// outbound connect has completed and moves the association to Established.
// id replaces the current id when non-zero.
func (a *Association) ConfirmConnected(id protocol.AssocID, inbound, outbound uint16) error {
	a.mu.Lock()
	if a.state != StateConnecting && a.state != StateListening {
		st := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: confirm connected in state %s", ErrInvalidTransition, st)
	}
	if id != 0 && id != a.id {
		a.id = id
		a.logger = logging.Component(a.cfg.Logger, "association").With(logging.KeyAssocID, id)
	}
	a.inbound = inbound
	a.outbound = outbound
	a.establishedAt = time.Now()
	fire := a.transitionLocked(StateEstablished)
	a.mu.Unlock()

	fire()
	return nil
}

// Close performs the local close: Established moves to ShuttingDown,
// Connecting and Listening move to Closed, and ShuttingDown and Closed are
// left unchanged. It returns the resulting state.
func (a *Association) Close() State {
	a.mu.Lock()
	var fire func()
	switch a.state {
	case StateEstablished:
		fire = a.transitionLocked(StateShuttingDown)
	case StateConnecting, StateListening:
		fire = a.closeLocked(nil)
	default:
		fire = func() {}
	}
	st := a.state
	a.mu.Unlock()

	fire()
	return st
}

// ============================================================================
// Notification handling
// ============================================================================

// Apply updates the association from a decoded notification and reports
// whether the state changed. Notifications that do not fit the current state
// are logged and ignored.
func (a *Association) Apply(n *notification.Notification) bool {
	a.mu.Lock()

	from := a.state
	fire := func() {}
	changed := false

	switch n.Kind {
	case notification.KindAssociationUp:
		switch from {
		case StateConnecting, StateListening:
			a.inbound = n.InboundStreams
			a.outbound = n.OutboundStreams
			a.establishedAt = time.Now()
			fire = a.transitionLocked(StateEstablished)
			changed = true
		case StateEstablished:
			if n.InboundStreams == a.inbound && n.OutboundStreams == a.outbound {
				a.logger.Debug("association up absorbed",
					logging.KeyInbound, n.InboundStreams,
					logging.KeyOutbound, n.OutboundStreams)
			} else {
				a.ignoredLocked(n, "stream counts differ from confirmed counts")
			}
		default:
			a.ignoredLocked(n, "unexpected association up")
		}

	case notification.KindAssociationRestarted:
		if from == StateEstablished {
			a.inbound = n.InboundStreams
			a.outbound = n.OutboundStreams
			a.restarts++
			a.logger.Info("association restarted",
				logging.KeyInbound, n.InboundStreams,
				logging.KeyOutbound, n.OutboundStreams)
			fire = a.transitionLocked(StateEstablished)
			changed = true
		} else {
			a.ignoredLocked(n, "restart outside established")
		}

	case notification.KindAssociationLost:
		if from != StateClosed {
			a.errorCode = n.Error
			a.counter = 0
			a.epoch++
			fire = a.closeLocked(fmt.Errorf("%w: error code %d", ErrAssociationLost, n.Error))
			changed = true
		} else {
			a.ignoredLocked(n, "lost while closed")
		}

	case notification.KindShutdownReceived:
		if from == StateEstablished {
			fire = a.transitionLocked(StateShuttingDown)
			changed = true
		} else {
			a.ignoredLocked(n, "shutdown outside established")
		}

	case notification.KindShutdownComplete:
		if from == StateShuttingDown || from == StateEstablished {
			fire = a.closeLocked(nil)
			changed = true
		} else {
			a.ignoredLocked(n, "shutdown complete outside established")
		}

	case notification.KindAssociationUnstartable:
		if from == StateConnecting {
			a.errorCode = n.Error
			fire = a.closeLocked(fmt.Errorf("%w: error code %d", ErrCannotStart, n.Error))
			changed = true
		} else {
			a.ignoredLocked(n, "unstartable outside connecting")
		}

	case notification.KindAdaptationIndicationReceived:
		a.hasAdaptation = true
		a.adaptation = n.AdaptationIndication

	case notification.KindPeerAddressAvailable, notification.KindPeerAddressMadePrimary:
		if n.PeerAddress.IsValid() {
			a.peer = n.PeerAddress
		}

	case notification.KindPeerAddressUnreachable, notification.KindPeerAddressRemoved,
		notification.KindPeerAddressAdded:
		a.logger.Debug("peer address change",
			logging.KeyKind, n.Kind.String(),
			logging.KeyPeer, n.PeerAddress.String(),
			logging.KeyCode, n.Error)

	default:
		a.logger.Debug("notification ignored",
			logging.KeyError, ErrUnknownNotification,
			"type", n.Type,
			logging.KeyCode, n.Code())
	}

	a.mu.Unlock()
	fire()
	return changed
}

// ValidateInbound checks a received stream id against the negotiated inbound
// count.
func (a *Association) ValidateInbound(streamID uint16) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if streamID >= a.inbound {
		return fmt.Errorf("%w: stream %d, inbound streams %d", ErrInvalidStreamID, streamID, a.inbound)
	}
	return nil
}

// ============================================================================
// Send serialisation
// ============================================================================

// SendView is what a sender sees while holding the send lock.
type SendView struct {
	ID              protocol.AssocID
	OutboundStreams uint16
	Counter         uint64
}

// WithSendLock serialises fn against other senders on this association.
// fn runs only while the association is Established; otherwise
// ErrNotEstablished is returned. When fn returns advance=true the send
// counter is incremented, unless the association was lost while fn ran.
func (a *Association) WithSendLock(fn func(v SendView) (advance bool, err error)) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	a.mu.RLock()
	st := a.state
	epoch := a.epoch
	v := SendView{ID: a.id, OutboundStreams: a.outbound, Counter: a.counter}
	a.mu.RUnlock()

	if st != StateEstablished {
		return fmt.Errorf("%w: state %s", ErrNotEstablished, st)
	}

	advance, err := fn(v)
	if advance {
		a.sent.Add(1)
		a.mu.Lock()
		if a.epoch == epoch {
			a.counter++
		}
		a.mu.Unlock()
	}
	return err
}

// ============================================================================
// Internal transitions (callers hold mu)
// ============================================================================

// transitionLocked sets the new state and returns the callbacks to run after
// the lock is released.
func (a *Association) transitionLocked(to State) func() {
	from := a.state
	a.state = to

	a.logger.Debug("state transition",
		logging.KeyFromState, from.String(),
		logging.KeyToState, to.String())

	onTransition := a.cfg.OnTransition
	var onEstablished func(*Association)
	if to == StateEstablished && from != StateEstablished {
		onEstablished = a.cfg.OnEstablished
	}

	return func() {
		if onTransition != nil {
			onTransition(a, from, to)
		}
		if onEstablished != nil {
			onEstablished(a)
		}
	}
}

func (a *Association) closeLocked(err error) func() {
	a.closeErr = err
	fire := a.transitionLocked(StateClosed)
	onClosed := a.cfg.OnClosed

	return func() {
		fire()
		if onClosed != nil {
			onClosed(a, err)
		}
	}
}

func (a *Association) ignoredLocked(n *notification.Notification, reason string) {
	a.logger.Warn("out-of-order notification ignored",
		logging.KeyKind, n.Kind.String(),
		logging.KeyState, a.state.String(),
		"reason", reason)
}
