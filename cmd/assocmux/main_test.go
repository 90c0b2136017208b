package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/assocmux/internal/config"
	"github.com/postalsys/assocmux/internal/dispatch"
	"github.com/postalsys/assocmux/internal/metrics"
	"github.com/postalsys/assocmux/internal/notification"
	"github.com/postalsys/assocmux/internal/protocol"
)

func TestHexUint32(t *testing.T) {
	tests := []struct {
		input   string
		want    uint32
		wantErr bool
	}{
		{"0x01020304", 0x01020304, false},
		{"0XDEADBEEF", 0xdeadbeef, false},
		{"16", 16, false},
		{"0", 0, false},
		{"0x100000000", 0, true},
		{"zz", 0, true},
	}

	for _, tt := range tests {
		var h hexUint32
		err := h.Set(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("Set(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && uint32(h) != tt.want {
			t.Errorf("Set(%q) = 0x%08x, want 0x%08x", tt.input, uint32(h), tt.want)
		}
	}

	h := hexUint32(0x01020304)
	if h.String() != "0x01020304" {
		t.Errorf("String() = %s, want 0x01020304", h.String())
	}
	if h.Type() != "hex32" {
		t.Errorf("Type() = %s, want hex32", h.Type())
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"1000", 1000, false},
		{"4KB", 4000, false},
		{"1KiB", 1024, false},
		{"1MiB", 1 << 20, false},
		{"lots", 0, true},
		{"10GiB", 0, true},
	}

	for _, tt := range tests {
		var b byteSize
		err := b.Set(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("Set(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && int(b) != tt.want {
			t.Errorf("Set(%q) = %d, want %d", tt.input, int(b), tt.want)
		}
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "assocmux "+Version) {
		t.Errorf("version output = %q", out)
	}
}

func TestLoopbackCommand(t *testing.T) {
	out, err := runCLI(t, "loopback", "--log-level", "error", "--count", "6", "--size", "100", "--streams", "3")
	if err != nil {
		t.Fatalf("loopback failed: %v\n%s", err, out)
	}

	for _, want := range []string{
		"ASSOCIATION_UP",
		"ADAPTATION_INDICATION_RECEIVED",
		"indication=0x01020304",
		"sent 6 messages (600 B) over 3 streams",
		"received 6 messages (600 B)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	for sid := 0; sid < 3; sid++ {
		line := "sid=" + string(rune('0'+sid)) + " unordered"
		if got := strings.Count(out, line); got != 2 {
			t.Errorf("%q appears %d times, want 2:\n%s", line, got, out)
		}
	}
	if strings.Count(out, "ppid=1234") != 6 {
		t.Errorf("expected 6 messages with ppid=1234:\n%s", out)
	}
}

func TestLoopbackCommand_ConfigAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assocmux.yaml")
	yamlConfig := `
log:
  level: error
client:
  message_count: 7
  payload_id: 99
  outbound_streams: 2
`
	if err := os.WriteFile(path, []byte(yamlConfig), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	out, err := runCLI(t, "loopback", "--config", path, "--count", "3", "--ordered")
	if err != nil {
		t.Fatalf("loopback failed: %v\n%s", err, out)
	}

	if !strings.Contains(out, "sent 3 messages") {
		t.Errorf("flag should override message_count:\n%s", out)
	}
	if strings.Count(out, "ppid=99") != 3 {
		t.Errorf("config payload_id not applied:\n%s", out)
	}
	if strings.Contains(out, "unordered") {
		t.Errorf("--ordered should send ordered messages:\n%s", out)
	}
	if !strings.Contains(out, "sid=0 ssn=0") || !strings.Contains(out, "sid=0 ssn=1") {
		t.Errorf("expected per-stream sequence numbers:\n%s", out)
	}
}

func TestClientCommand_MemoryCarrierRejected(t *testing.T) {
	_, err := runCLI(t, "client", "--carrier", "memory", "--log-level", "error")
	if err == nil {
		t.Fatal("client with memory carrier should fail")
	}
	if !strings.Contains(err.Error(), "memory carrier") {
		t.Errorf("error = %v, want memory carrier message", err)
	}
}

func TestClientCommand_InvalidConfig(t *testing.T) {
	_, err := runCLI(t, "client", "--carrier", "pigeon")
	if err == nil {
		t.Fatal("client with unknown carrier should fail")
	}
	if !strings.Contains(err.Error(), "transport.carrier") {
		t.Errorf("error = %v, want carrier validation error", err)
	}
}

func TestRunLoopback_Metrics(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Transport.Carrier = "memory"
	cfg.Client.MessageCount = 4
	cfg.Client.MessageSize = 10
	cfg.Client.OutboundStreams = 2

	rec, reg := newMetrics()
	var out bytes.Buffer
	result, err := runLoopback(context.Background(), cfg, newPrinter(&out), rec, newLogger(cfg))
	if err != nil {
		t.Fatalf("runLoopback failed: %v", err)
	}

	if result.Client.Sent != 4 || result.Received != 4 {
		t.Errorf("sent/received = %d/%d, want 4/4", result.Client.Sent, result.Received)
	}
	if result.Client.Streams != 2 {
		t.Errorf("Streams = %d, want 2", result.Client.Streams)
	}

	if got := testutil.ToFloat64(rec.MessagesSent); got != 4 {
		t.Errorf("MessagesSent = %v, want 4", got)
	}
	if got := testutil.ToFloat64(rec.MessagesReceived); got != 4 {
		t.Errorf("MessagesReceived = %v, want 4", got)
	}
	if got := testutil.ToFloat64(rec.AssociationsActive); got != 0 {
		t.Errorf("AssociationsActive = %v, want 0", got)
	}

	var text bytes.Buffer
	if err := metrics.WriteText(&text, reg); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	if !strings.Contains(text.String(), "assocmux_bytes_sent_total 40") {
		t.Errorf("text exposition missing bytes sent:\n%s", text.String())
	}
}

func TestPrinter_Message(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)
	src, _ := protocol.ParseHostPort("10.0.0.2", 5001)

	p.message(1, &dispatch.DeliveredMessage{
		Payload: make([]byte, 1000), Source: src, HasInfo: true,
		StreamID: 3, SequenceNumber: 4, TransmissionNumber: 9, Ordered: true, PayloadID: 1234,
	})
	p.message(1, &dispatch.DeliveredMessage{
		Payload: make([]byte, 10), Source: src, HasInfo: true,
		StreamID: 5, TransmissionNumber: 10, PayloadID: 7,
	})
	p.message(2, &dispatch.DeliveredMessage{Payload: []byte("x"), Source: src})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out.String())
	}
	want := []string{
		"[assoc 1] received 1.0 kB from 10.0.0.2:5001 sid=3 ssn=4 tsn=9 ppid=1234",
		"[assoc 1] received 10 B from 10.0.0.2:5001 sid=5 unordered tsn=10 ppid=7",
		"[assoc 2] received 1 B from 10.0.0.2:5001",
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestPrinter_Notification(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	p.notification(7, &notification.Notification{
		Kind: notification.KindAssociationUp, AssocID: 7, InboundStreams: 10, OutboundStreams: 10,
	})
	p.notification(7, &notification.Notification{
		Kind: notification.KindUnknown, AssocID: 7, Type: 0x8009,
	})

	got := out.String()
	if !strings.Contains(got, "[assoc 7] ASSOCIATION_UP streams in=10 out=10") {
		t.Errorf("missing association up line:\n%s", got)
	}
	if !strings.Contains(got, "[assoc 7] UNKNOWN type=0x8009 code=32777") {
		t.Errorf("missing unknown line:\n%s", got)
	}
}
