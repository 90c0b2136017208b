package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/assocmux/internal/protocol"
)

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 15 * time.Second
)

// QUICCarrier carries associations over QUIC. Dialing and listening share
// one UDP socket, so the socket's port plays the role of the UDP
// encapsulation port.
type QUICCarrier struct {
	// LocalAddr is the UDP address to bind ("" = ":0").
	LocalAddr string

	// TLSConfig is the server configuration; required for Listen.
	TLSConfig *tls.Config

	// ClientTLSConfig is used when dialing. Nil means an unverified
	// TLS 1.3 client config.
	ClientTLSConfig *tls.Config

	mu        sync.Mutex
	udpConn   *net.UDPConn
	transport *quic.Transport
	listener  *quic.Listener
	closed    bool
}

// Name implements Carrier.
func (c *QUICCarrier) Name() string { return "quic" }

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// ensureTransport binds the shared UDP socket on first use. A Listen
// address overrides LocalAddr if the socket is not yet bound.
func (c *QUICCarrier) ensureTransport(addr string) (*quic.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.transport != nil {
		return c.transport, nil
	}

	if addr == "" {
		addr = c.LocalAddr
	}
	if addr == "" {
		addr = ":0"
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("QUIC resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("QUIC bind %s: %w", addr, err)
	}

	c.udpConn = conn
	c.transport = &quic.Transport{Conn: conn}
	return c.transport, nil
}

// Dial implements Carrier.
func (c *QUICCarrier) Dial(ctx context.Context, addr string) (CarrierConn, error) {
	tr, err := c.ensureTransport("")
	if err != nil {
		return nil, err
	}

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("QUIC resolve %s: %w", addr, err)
	}

	tlsConf := c.ClientTLSConfig
	if tlsConf == nil {
		tlsConf = NewClientTLSConfig(false)
	} else {
		tlsConf = withALPN(tlsConf)
	}

	conn, err := tr.Dial(ctx, raddr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}

	qc := &quicConn{conn: conn}
	qc.setStream(stream)
	return qc, nil
}

// Listen implements Carrier.
func (c *QUICCarrier) Listen(addr string) (CarrierListener, error) {
	if c.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}

	tr, err := c.ensureTransport(addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		return nil, fmt.Errorf("%w: QUIC carrier already listening", ErrAddressInUse)
	}

	ln, err := tr.Listen(withALPN(c.TLSConfig), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}
	c.listener = ln
	return &quicListener{ln: ln}, nil
}

// Addr returns the bound UDP address, or nil before first use.
func (c *QUICCarrier) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.udpConn == nil {
		return nil
	}
	return c.udpConn.LocalAddr()
}

// Close implements Carrier.
func (c *QUICCarrier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.listener != nil {
		c.listener.Close()
	}
	if c.transport != nil {
		c.transport.Close()
	}
	if c.udpConn != nil {
		return c.udpConn.Close()
	}
	return nil
}

type quicListener struct {
	ln *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (CarrierConn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &quicConn{conn: conn}, nil
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error { return l.ln.Close() }

// quicConn carries frames on the connection's single bidirectional stream.
// The accepting side picks up the stream lazily on first use.
type quicConn struct {
	conn quic.Connection

	once      sync.Once
	stream    quic.Stream
	streamErr error
	reader    *protocol.FrameReader
	writer    *protocol.FrameWriter
}

func (c *quicConn) setStream(s quic.Stream) {
	c.once.Do(func() {
		c.stream = s
		c.reader = protocol.NewFrameReader(s)
		c.writer = protocol.NewFrameWriter(s)
	})
}

func (c *quicConn) ensureStream() error {
	c.once.Do(func() {
		s, err := c.conn.AcceptStream(context.Background())
		if err != nil {
			c.streamErr = err
			return
		}
		c.stream = s
		c.reader = protocol.NewFrameReader(s)
		c.writer = protocol.NewFrameWriter(s)
	})
	return c.streamErr
}

func (c *quicConn) WriteFrame(f *protocol.Frame) error {
	if err := c.ensureStream(); err != nil {
		return err
	}
	return c.writer.Write(f)
}

func (c *quicConn) ReadFrame() (*protocol.Frame, error) {
	if err := c.ensureStream(); err != nil {
		return nil, err
	}
	return c.reader.Read()
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) Close() error {
	return c.conn.CloseWithError(0, "association closed")
}
