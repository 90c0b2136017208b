package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/assocmux/internal/protocol"
)

// WebSocket carrier constants
const (
	DefaultWSPath     = "/assoc"
	wsReadLimit       = protocol.HeaderSize + protocol.MaxPayloadSize
	wsShutdownTimeout = 5 * time.Second
)

// WebSocketCarrier carries associations over WebSocket, one binary message
// per frame.
type WebSocketCarrier struct {
	// Path is the HTTP path of the upgrade endpoint (default "/assoc").
	Path string

	// TLSConfig enables wss:// on the listener. Nil serves plain ws://.
	TLSConfig *tls.Config

	// ClientTLSConfig is used for wss:// dials. Nil means unverified.
	ClientTLSConfig *tls.Config

	// Secure selects wss:// when dialing host:port addresses.
	Secure bool

	mu        sync.Mutex
	listeners []*wsListener
}

// Name implements Carrier.
func (c *WebSocketCarrier) Name() string { return "ws" }

func (c *WebSocketCarrier) path() string {
	if c.Path == "" {
		return DefaultWSPath
	}
	return c.Path
}

// Dial implements Carrier.
func (c *WebSocketCarrier) Dial(ctx context.Context, addr string) (CarrierConn, error) {
	wsURL := c.dialURL(addr)

	opts := &websocket.DialOptions{
		Subprotocols: []string{DefaultALPNProtocol},
	}
	if strings.HasPrefix(wsURL, "wss://") {
		tlsConf := c.ClientTLSConfig
		if tlsConf == nil {
			tlsConf = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}
		}
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConf}}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	remote, _ := net.ResolveTCPAddr("tcp", hostPortOf(addr))
	return newWSConn(conn, nil, remote), nil
}

func (c *WebSocketCarrier) dialURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, c.path())
}

// hostPortOf strips a ws:// or wss:// prefix and path.
func hostPortOf(addr string) string {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "wss://"), "ws://")
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

// Listen implements Carrier.
func (c *WebSocketCarrier) Listen(addr string) (CarrierListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}

	l := &wsListener{
		netLn:   ln,
		connCh:  make(chan *wsConn, 16),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(c.path(), l.handleWebSocket)
	l.server = &http.Server{
		Handler:           mux,
		TLSConfig:         c.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if c.TLSConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()

	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
	return l, nil
}

// Close implements Carrier.
func (c *WebSocketCarrier) Close() error {
	c.mu.Lock()
	listeners := c.listeners
	c.listeners = nil
	c.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type wsListener struct {
	netLn   net.Listener
	server  *http.Server
	connCh  chan *wsConn
	closeCh chan struct{}
	closed  atomic.Bool
}

func (l *wsListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{DefaultALPNProtocol},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	remote, _ := net.ResolveTCPAddr("tcp", r.RemoteAddr)
	wc := newWSConn(conn, l.netLn.Addr(), remote)

	select {
	case l.connCh <- wc:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

func (l *wsListener) Accept(ctx context.Context) (CarrierConn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Addr() net.Addr { return l.netLn.Addr() }

func (l *wsListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), wsShutdownTimeout)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// wsConn carries one frame per binary WebSocket message.
type wsConn struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	local  net.Addr
	remote net.Addr
	closed atomic.Bool
}

func newWSConn(conn *websocket.Conn, local, remote net.Addr) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{conn: conn, ctx: ctx, cancel: cancel, local: local, remote: remote}
}

func (c *wsConn) WriteFrame(f *protocol.Frame) error {
	buf, err := f.Encode()
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageBinary, buf)
}

func (c *wsConn) ReadFrame() (*protocol.Frame, error) {
	typ, data, err := c.conn.Read(c.ctx)
	if err != nil {
		if c.closed.Load() {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("%w: unexpected WebSocket message type %v", protocol.ErrInvalidFrame, typ)
	}
	return protocol.Decode(data)
}

func (c *wsConn) LocalAddr() net.Addr  { return c.local }
func (c *wsConn) RemoteAddr() net.Addr { return c.remote }

func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "association closed")
	c.cancel()
	return err
}
