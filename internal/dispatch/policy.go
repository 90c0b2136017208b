package dispatch

// StreamPolicy chooses the outbound stream for a message that does not name
// one. counter is the association's send counter and outbound is the
// negotiated outbound stream count (always > 0). Results outside
// [0, outbound) are rejected by the Dispatcher.
type StreamPolicy interface {
	SelectStream(counter uint64, outbound uint16) uint16
}

// StreamPolicyFunc adapts a function to StreamPolicy.
type StreamPolicyFunc func(counter uint64, outbound uint16) uint16

// SelectStream implements StreamPolicy.
func (f StreamPolicyFunc) SelectStream(counter uint64, outbound uint16) uint16 {
	return f(counter, outbound)
}

// RoundRobin cycles through all negotiated streams. Over any outbound
// consecutive successful sends every stream is used once.
type RoundRobin struct{}

// SelectStream implements StreamPolicy.
func (RoundRobin) SelectStream(counter uint64, outbound uint16) uint16 {
	return uint16(counter % uint64(outbound))
}

// FixedStream sends everything on one stream.
type FixedStream uint16

// SelectStream implements StreamPolicy.
func (s FixedStream) SelectStream(uint64, uint16) uint16 {
	return uint16(s)
}
