package association

import (
	"errors"
	"fmt"
)

var (
	// ErrNotEstablished is returned when sending on an association that is not Established.
	ErrNotEstablished = errors.New("association not established")

	// ErrInvalidStreamID is returned when a stream id is outside the negotiated range.
	ErrInvalidStreamID = errors.New("invalid stream id")

	// ErrTransportRejected wraps an error returned by the transport on send.
	ErrTransportRejected = errors.New("transport rejected message")

	// ErrUnknownNotification marks a notification whose type or state was not recognised.
	ErrUnknownNotification = errors.New("unknown notification")

	// ErrShutdownTimeout is returned when the transport does not become quiescent in time.
	ErrShutdownTimeout = errors.New("shutdown timed out")

	// ErrNotReady is returned when negotiated counts are queried before Established.
	ErrNotReady = errors.New("stream counts not negotiated")

	// ErrAlreadyOpen is returned when configuring an association that has left Closed.
	ErrAlreadyOpen = errors.New("association already open")

	// ErrNotTerminal is returned when removing an association that is not Closed.
	ErrNotTerminal = errors.New("association not in terminal state")

	// ErrInvalidTransition is returned for a local operation the current state does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAssociationLost is reported to OnClosed when the peer became unreachable.
	ErrAssociationLost = errors.New("association lost")

	// ErrCannotStart is reported to OnClosed when setup failed.
	ErrCannotStart = errors.New("association could not be started")
)

// SetupError describes a failure during endpoint or association setup.
type SetupError struct {
	Op   string // bind, listen, connect, status, configure
	Addr string
	Err  error
}

func (e *SetupError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// NewSetupError wraps err as a *SetupError. Returns nil when err is nil.
func NewSetupError(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	return &SetupError{Op: op, Addr: addr, Err: err}
}

// IsSetupError reports whether err is or wraps a *SetupError.
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}
