package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/postalsys/assocmux/internal/protocol"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("test.local", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}

	if len(certPEM) == 0 {
		t.Error("certPEM is empty")
	}
	if len(keyPEM) == 0 {
		t.Error("keyPEM is empty")
	}

	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		t.Errorf("X509KeyPair failed: %v", err)
	}
}

func TestTLSConfigFromBytes(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("test.local", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}

	config, err := TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("TLSConfigFromBytes failed: %v", err)
	}

	if len(config.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(config.Certificates))
	}
	if config.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %x, want TLS 1.3", config.MinVersion)
	}
	if len(config.NextProtos) != 1 || config.NextProtos[0] != DefaultALPNProtocol {
		t.Errorf("NextProtos = %v, want [%s]", config.NextProtos, DefaultALPNProtocol)
	}

	if _, err := TLSConfigFromBytes([]byte("junk"), keyPEM); err == nil {
		t.Error("TLSConfigFromBytes with junk cert should fail")
	}
}

func TestGenerateAndSaveCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	if err := GenerateAndSaveCert(certFile, keyFile, "test.local", time.Hour); err != nil {
		t.Fatalf("GenerateAndSaveCert failed: %v", err)
	}

	info, err := os.Stat(keyFile)
	if err != nil {
		t.Fatalf("Stat key failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key mode = %v, want 0600", info.Mode().Perm())
	}

	if _, err := LoadTLSConfig(certFile, keyFile); err != nil {
		t.Errorf("LoadTLSConfig failed: %v", err)
	}

	pool, err := LoadCAPool(certFile)
	if err != nil {
		t.Fatalf("LoadCAPool failed: %v", err)
	}
	if pool == nil {
		t.Error("LoadCAPool returned nil pool")
	}

	cfg, err := LoadClientTLSConfig(certFile, true)
	if err != nil {
		t.Fatalf("LoadClientTLSConfig failed: %v", err)
	}
	if cfg.InsecureSkipVerify {
		t.Error("verifying client config skips verification")
	}
	if cfg.RootCAs == nil {
		t.Error("RootCAs not set")
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.pem")

	if _, err := LoadTLSConfig(missing, missing); err == nil {
		t.Error("LoadTLSConfig with missing files should fail")
	}
	if _, err := LoadCAPool(missing); err == nil {
		t.Error("LoadCAPool with missing file should fail")
	}
	if _, err := LoadClientTLSConfig(missing, true); err == nil {
		t.Error("LoadClientTLSConfig with missing CA should fail")
	}

	junk := filepath.Join(dir, "junk.pem")
	os.WriteFile(junk, []byte("not a certificate"), 0644)
	if _, err := LoadCAPool(junk); err == nil {
		t.Error("LoadCAPool with junk should fail")
	}
	if _, err := LoadClientTLSConfig(junk, true); err == nil {
		t.Error("LoadClientTLSConfig with junk CA should fail")
	}
}

func TestNewClientTLSConfig(t *testing.T) {
	cfg := NewClientTLSConfig(false)
	if !cfg.InsecureSkipVerify {
		t.Error("unverified config should skip verification")
	}
	if cfg.RootCAs != nil {
		t.Error("RootCAs set without CA file")
	}
}

func TestWithALPN(t *testing.T) {
	orig := &tls.Config{}
	got := withALPN(orig)
	if len(got.NextProtos) != 1 || got.NextProtos[0] != DefaultALPNProtocol {
		t.Errorf("NextProtos = %v", got.NextProtos)
	}
	if len(orig.NextProtos) != 0 {
		t.Error("withALPN modified the original config")
	}

	custom := &tls.Config{NextProtos: []string{"h3"}}
	if withALPN(custom) != custom {
		t.Error("withALPN replaced an explicit protocol list")
	}
}

func TestSocketModel_String(t *testing.T) {
	tests := []struct {
		model SocketModel
		want  string
	}{
		{OneToOne, "one-to-one"},
		{OneToMany, "one-to-many"},
		{SocketModel(9), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.model.String(); got != tt.want {
			t.Errorf("SocketModel(%d).String() = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestDialTarget(t *testing.T) {
	v4, _ := protocol.ParseHostPort("192.0.2.1", 5001)
	v6, _ := protocol.ParseHostPort("2001:db8::1", 5001)

	tests := []struct {
		peer  protocol.Address
		encap uint16
		want  string
	}{
		{v4, 0, "192.0.2.1:9899"},
		{v4, 4443, "192.0.2.1:4443"},
		{v6, 0, "[2001:db8::1]:9899"},
	}

	for _, tt := range tests {
		if got := dialTarget(tt.peer, tt.encap); got != tt.want {
			t.Errorf("dialTarget(%s, %d) = %q, want %q", tt.peer, tt.encap, got, tt.want)
		}
	}
}

// ============================================================================
// Carriers
// ============================================================================

func TestMemoryCarrier_Pipe(t *testing.T) {
	network := NewMemoryNetwork()
	ln, err := network.Carrier(serverHost).Listen(":9899")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	if got := ln.Addr().String(); got != serverHost+":9899" {
		t.Errorf("Addr = %s, want %s:9899", got, serverHost)
	}
	if _, err := network.Carrier(serverHost).Listen(serverHost + ":9899"); !errors.Is(err, ErrAddressInUse) {
		t.Errorf("second Listen = %v, want ErrAddressInUse", err)
	}

	ctx := context.Background()
	client, err := network.Carrier(clientHost).Dial(ctx, serverHost+":9899")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	server, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	payload := []byte("hello")
	client.WriteFrame(&protocol.Frame{Type: protocol.FrameData, Payload: payload})
	payload[0] = 'j'
	client.Close()

	f, err := server.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if string(f.Payload) != "hello" {
		t.Errorf("payload = %q, want hello", f.Payload)
	}
	if _, err := server.ReadFrame(); err == nil {
		t.Error("ReadFrame after peer close should fail")
	}
	if err := server.WriteFrame(&protocol.Frame{Type: protocol.FrameData}); err == nil {
		t.Error("WriteFrame after peer close should fail")
	}
}

func TestMemoryCarrier_DialRefused(t *testing.T) {
	network := NewMemoryNetwork()
	_, err := network.Carrier(clientHost).Dial(context.Background(), serverHost+":9899")
	if !errors.Is(err, ErrConnectionRefused) {
		t.Errorf("Dial = %v, want ErrConnectionRefused", err)
	}
}

func exchangeFrames(t *testing.T, carrier Carrier, ln CarrierListener, addr string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan CarrierConn, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err := carrier.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	chunk := &protocol.DataChunk{StreamID: 2, TSN: 7, PPID: 1234, Data: []byte("ping")}
	if err := client.WriteFrame(&protocol.Frame{Type: protocol.FrameData, Flags: protocol.FlagUnordered, Payload: chunk.Encode()}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	server, ok := <-accepted
	if !ok {
		t.Fatal("Accept failed")
	}
	defer server.Close()

	f, err := server.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if f.Type != protocol.FrameData || f.Flags != protocol.FlagUnordered {
		t.Errorf("frame type/flags = %d/%d", f.Type, f.Flags)
	}
	got, err := protocol.DecodeDataChunk(f.Payload)
	if err != nil {
		t.Fatalf("DecodeDataChunk failed: %v", err)
	}
	if got.StreamID != 2 || got.PPID != 1234 || string(got.Data) != "ping" {
		t.Errorf("chunk = %+v", got)
	}

	if err := server.WriteFrame(&protocol.Frame{Type: protocol.FrameShutdownAck}); err != nil {
		t.Fatalf("server WriteFrame failed: %v", err)
	}
	back, err := client.ReadFrame()
	if err != nil {
		t.Fatalf("client ReadFrame failed: %v", err)
	}
	if back.Type != protocol.FrameShutdownAck {
		t.Errorf("reply type = %s, want SHUTDOWN_ACK", protocol.FrameTypeName(back.Type))
	}
}

func TestWebSocketCarrier_ListenDial(t *testing.T) {
	carrier := &WebSocketCarrier{}
	defer carrier.Close()

	ln, err := carrier.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	exchangeFrames(t, carrier, ln, ln.Addr().String())
}

func TestWebSocketCarrier_DialURL(t *testing.T) {
	tests := []struct {
		carrier *WebSocketCarrier
		addr    string
		want    string
	}{
		{&WebSocketCarrier{}, "example.com:80", "ws://example.com:80/assoc"},
		{&WebSocketCarrier{Secure: true, Path: "/x"}, "example.com:443", "wss://example.com:443/x"},
		{&WebSocketCarrier{}, "wss://example.com/custom", "wss://example.com/custom"},
	}

	for _, tt := range tests {
		if got := tt.carrier.dialURL(tt.addr); got != tt.want {
			t.Errorf("dialURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}

	if got := hostPortOf("wss://example.com:443/assoc"); got != "example.com:443" {
		t.Errorf("hostPortOf = %q, want example.com:443", got)
	}
}

func newQUICCarrier(t *testing.T) *QUICCarrier {
	t.Helper()
	certPEM, keyPEM, err := GenerateSelfSignedCert("localhost", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}
	tlsConfig, err := TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("TLSConfigFromBytes failed: %v", err)
	}
	return &QUICCarrier{LocalAddr: "127.0.0.1:0", TLSConfig: tlsConfig}
}

func TestQUICCarrier_ListenDial(t *testing.T) {
	server := newQUICCarrier(t)
	defer server.Close()

	ln, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if server.Addr() == nil {
		t.Fatal("Addr is nil after Listen")
	}
	if _, err := server.Listen("127.0.0.1:0"); !errors.Is(err, ErrAddressInUse) {
		t.Errorf("second Listen = %v, want ErrAddressInUse", err)
	}

	client := &QUICCarrier{LocalAddr: "127.0.0.1:0"}
	defer client.Close()

	exchangeFrames(t, client, ln, ln.Addr().String())
}

func TestQUICCarrier_ListenWithoutTLS(t *testing.T) {
	c := &QUICCarrier{}
	defer c.Close()
	if _, err := c.Listen("127.0.0.1:0"); err == nil {
		t.Error("Listen without TLS config should fail")
	}
}

func TestQUICCarrier_ClosedCarrier(t *testing.T) {
	c := &QUICCarrier{LocalAddr: "127.0.0.1:0"}
	c.Close()
	if _, err := c.Dial(context.Background(), "127.0.0.1:1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Dial on closed carrier = %v, want ErrClosed", err)
	}
}

// TestStack_OverQUIC runs a full association over a real UDP socket.
func TestStack_OverQUIC(t *testing.T) {
	serverStack, err := NewStack(StackConfig{Carrier: newQUICCarrier(t), ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewStack failed: %v", err)
	}
	sep, _ := serverStack.CreateEndpoint(protocol.FamilyIPv4, OneToMany)
	sep.EnableNotifications(protocol.NotifyAssocChange)
	sep.SetRecvRcvInfo(true)
	sep.Bind(protocol.WildcardAddress(protocol.FamilyIPv4, 9))
	if err := sep.Listen(1); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		sep.Close()
		serverStack.Finish()
	}()

	_, portStr, _ := net.SplitHostPort(serverStack.ListenAddr().String())
	port, _ := strconv.Atoi(portStr)

	clientStack, _ := NewStack(StackConfig{Carrier: &QUICCarrier{LocalAddr: "127.0.0.1:0"}})
	cep, _ := clientStack.CreateEndpoint(protocol.FamilyIPv4, OneToOne)
	cep.SetRemoteEncapsulationPort(uint16(port))
	defer func() {
		cep.Close()
		clientStack.Finish()
	}()

	addr, _ := protocol.ParseHostPort("127.0.0.1", 9)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := cep.Connect(ctx, addr); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	expectAssocChange(t, sep, protocol.AssocCommUp)

	if err := cep.Send(ctx, SendInfo{StreamID: 1, PayloadID: 1234}, []byte("over quic")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ev := receive(t, sep)
	if string(ev.Payload) != "over quic" || ev.Info.PPID != 1234 {
		t.Errorf("received %q ppid %d", ev.Payload, ev.Info.PPID)
	}

	cep.Shutdown(0)
	expectAssocChange(t, sep, protocol.AssocShutdownComplete)
}
