package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/postalsys/assocmux/internal/protocol"
)

const memoryQueueSize = 4096

// MemoryNetwork connects MemoryCarriers inside one process. Listeners are
// keyed by "host:port".
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
	nextPort  atomic.Uint32
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	n := &MemoryNetwork{listeners: make(map[string]*memoryListener)}
	n.nextPort.Store(40000)
	return n
}

// Carrier returns a carrier attached to the network with the given host
// address (for example "10.0.0.1" or "::1").
func (n *MemoryNetwork) Carrier(host string) *MemoryCarrier {
	return &MemoryCarrier{network: n, host: host}
}

// MemoryCarrier is an in-process Carrier for tests.
type MemoryCarrier struct {
	network *MemoryNetwork
	host    string
}

// Name implements Carrier.
func (c *MemoryCarrier) Name() string { return "memory" }

// Dial implements Carrier.
func (c *MemoryCarrier) Dial(ctx context.Context, addr string) (CarrierConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.network.mu.Lock()
	ln := c.network.listeners[addr]
	c.network.mu.Unlock()
	if ln == nil {
		return nil, fmt.Errorf("%w: nothing listening on %s", ErrConnectionRefused, addr)
	}

	port := int(c.network.nextPort.Add(1))
	local := memoryAddr(net.JoinHostPort(c.host, strconv.Itoa(port)))
	remote := memoryAddr(addr)

	a2b := make(chan *protocol.Frame, memoryQueueSize)
	b2a := make(chan *protocol.Frame, memoryQueueSize)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	dialer := &memoryConn{in: b2a, out: a2b, done: aDone, peerDone: bDone, local: local, remote: remote}
	accepted := &memoryConn{in: a2b, out: b2a, done: bDone, peerDone: aDone, local: remote, remote: local}

	select {
	case ln.conns <- accepted:
		return dialer, nil
	case <-ln.done:
		return nil, fmt.Errorf("%w: listener on %s closed", ErrConnectionRefused, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Listen implements Carrier. An empty host in addr uses the carrier's host.
func (c *MemoryCarrier) Listen(addr string) (CarrierListener, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if host == "" {
		host = c.host
	}
	key := net.JoinHostPort(host, port)

	c.network.mu.Lock()
	defer c.network.mu.Unlock()

	if _, exists := c.network.listeners[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, key)
	}
	ln := &memoryListener{
		network: c.network,
		key:     key,
		conns:   make(chan *memoryConn, 16),
		done:    make(chan struct{}),
	}
	c.network.listeners[key] = ln
	return ln, nil
}

// Close implements Carrier.
func (c *MemoryCarrier) Close() error { return nil }

type memoryListener struct {
	network   *MemoryNetwork
	key       string
	conns     chan *memoryConn
	done      chan struct{}
	closeOnce sync.Once
}

func (l *memoryListener) Accept(ctx context.Context) (CarrierConn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memoryListener) Addr() net.Addr { return memoryAddr(l.key) }

func (l *memoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.network.mu.Lock()
		if l.network.listeners[l.key] == l {
			delete(l.network.listeners, l.key)
		}
		l.network.mu.Unlock()
	})
	return nil
}

// memoryConn is one side of an in-process frame pipe. Frames written before
// a close are still delivered to the peer.
type memoryConn struct {
	in        <-chan *protocol.Frame
	out       chan<- *protocol.Frame
	done      chan struct{}
	peerDone  chan struct{}
	closeOnce sync.Once
	local     net.Addr
	remote    net.Addr
}

func (c *memoryConn) WriteFrame(f *protocol.Frame) error {
	if len(f.Payload) > protocol.MaxPayloadSize {
		return protocol.ErrFrameTooLarge
	}
	// Copy so the receiver never aliases the sender's buffer.
	cp := &protocol.Frame{Type: f.Type, Flags: f.Flags, Payload: append([]byte(nil), f.Payload...)}

	select {
	case <-c.done:
		return net.ErrClosed
	case <-c.peerDone:
		return io.ErrClosedPipe
	default:
	}

	select {
	case c.out <- cp:
		return nil
	case <-c.done:
		return net.ErrClosed
	case <-c.peerDone:
		return io.ErrClosedPipe
	}
}

func (c *memoryConn) ReadFrame() (*protocol.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.done:
		return nil, net.ErrClosed
	case <-c.peerDone:
		// Drain what the peer wrote before closing.
		select {
		case f := <-c.in:
			return f, nil
		default:
			return nil, io.EOF
		}
	}
}

func (c *memoryConn) LocalAddr() net.Addr  { return c.local }
func (c *memoryConn) RemoteAddr() net.Addr { return c.remote }

func (c *memoryConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// memoryAddr is a net.Addr for in-process connections.
type memoryAddr string

func (a memoryAddr) Network() string { return "memory" }
func (a memoryAddr) String() string  { return string(a) }
