package association

import "fmt"

// DefaultOutboundStreams is the transport default when nothing is requested.
const DefaultOutboundStreams = 10

// RequestOutboundStreams records the number of outbound streams to request
// during setup. It is only valid before Open.
func (a *Association) RequestOutboundStreams(n uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateClosed {
		return fmt.Errorf("%w: request streams in state %s", ErrAlreadyOpen, a.state)
	}
	if n == 0 {
		return fmt.Errorf("%w: outbound stream request must be positive", ErrInvalidStreamID)
	}
	a.requestedOutbound = n
	return nil
}

// RequestedOutboundStreams returns the requested outbound count, or
// DefaultOutboundStreams when none was requested.
func (a *Association) RequestedOutboundStreams() uint16 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.requestedOutbound == 0 {
		return DefaultOutboundStreams
	}
	return a.requestedOutbound
}

// NegotiatedCounts returns the inbound and outbound stream counts agreed with
// the peer. The outbound count may be lower than requested and is
// authoritative.
func (a *Association) NegotiatedCounts() (inbound, outbound uint16, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	switch a.state {
	case StateEstablished, StateShuttingDown:
		return a.inbound, a.outbound, nil
	default:
		return 0, 0, fmt.Errorf("%w: state %s", ErrNotReady, a.state)
	}
}
