package health

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/assocmux/internal/association"
	"github.com/postalsys/assocmux/internal/metrics"
	"github.com/postalsys/assocmux/internal/protocol"
)

// mockStatusProvider implements StatusProvider for testing.
type mockStatusProvider struct {
	running bool
	infos   []association.Info
}

func (m *mockStatusProvider) IsRunning() bool {
	return m.running
}

func (m *mockStatusProvider) Associations() []association.Info {
	return m.infos
}

func twoAssociations() []association.Info {
	peer := protocol.NewAddress(netip.MustParseAddr("10.0.0.2"), 5001)
	return []association.Info{
		{
			ID:                   1,
			State:                association.StateEstablished,
			InboundStreams:       10,
			OutboundStreams:      10,
			Peer:                 peer,
			HasAdaptation:        true,
			AdaptationIndication: 0x01020304,
			Sent:                 20,
			EstablishedAt:        time.Unix(1700000000, 0).UTC(),
		},
		{
			ID:    2,
			State: association.StateShuttingDown,
		},
	}
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_handleHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatusProvider{running: true})

	rec := serve(s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body := rec.Body.String(); body != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatusProvider{running: true})

	for _, path := range []string{"/health", "/healthz", "/ready", "/associations"} {
		rec := serve(s, http.MethodPost, path)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: expected status %d, got %d", path, http.StatusMethodNotAllowed, rec.Code)
		}
	}
}

func TestServer_handleHealthz_Running(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatusProvider{running: true, infos: twoAssociations()})

	rec := serve(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var resp struct {
		Status       string         `json:"status"`
		Running      bool           `json:"running"`
		Associations int            `json:"associations"`
		States       map[string]int `json:"states"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "healthy" || !resp.Running {
		t.Errorf("status = %s running = %v, want healthy/true", resp.Status, resp.Running)
	}
	if resp.Associations != 2 {
		t.Errorf("associations = %d, want 2", resp.Associations)
	}
	if resp.States["ESTABLISHED"] != 1 || resp.States["SHUTTING_DOWN"] != 1 {
		t.Errorf("states = %v, want one ESTABLISHED and one SHUTTING_DOWN", resp.States)
	}
}

func TestServer_handleHealthz_NotRunning(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatusProvider{running: false})

	rec := serve(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "unavailable" {
		t.Errorf("expected status 'unavailable', got %v", resp["status"])
	}
}

func TestServer_handleReady(t *testing.T) {
	tests := []struct {
		running bool
		code    int
		body    string
	}{
		{true, http.StatusOK, "READY\n"},
		{false, http.StatusServiceUnavailable, "NOT READY\n"},
	}

	for _, tt := range tests {
		s := NewServer(DefaultServerConfig(), &mockStatusProvider{running: tt.running})
		rec := serve(s, http.MethodGet, "/ready")
		if rec.Code != tt.code {
			t.Errorf("running=%v: expected status %d, got %d", tt.running, tt.code, rec.Code)
		}
		if rec.Body.String() != tt.body {
			t.Errorf("running=%v: expected body %q, got %q", tt.running, tt.body, rec.Body.String())
		}
	}
}

func TestServer_handleAssociations(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatusProvider{running: true, infos: twoAssociations()})

	rec := serve(s, http.MethodGet, "/associations")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var resp struct {
		Count        int                 `json:"count"`
		Associations []AssociationStatus `json:"associations"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 2 || len(resp.Associations) != 2 {
		t.Fatalf("count = %d, len = %d, want 2", resp.Count, len(resp.Associations))
	}

	first := resp.Associations[0]
	if first.ID != 1 || first.State != "ESTABLISHED" {
		t.Errorf("first = %+v, want id 1 ESTABLISHED", first)
	}
	if first.Peer != "10.0.0.2:5001" {
		t.Errorf("first.Peer = %s, want 10.0.0.2:5001", first.Peer)
	}
	if first.AdaptationIndication == nil || *first.AdaptationIndication != 0x01020304 {
		t.Errorf("first.AdaptationIndication = %v, want 0x01020304", first.AdaptationIndication)
	}
	if first.Sent != 20 {
		t.Errorf("first.Sent = %d, want 20", first.Sent)
	}

	second := resp.Associations[1]
	if second.Peer != "" || second.AdaptationIndication != nil {
		t.Errorf("second = %+v, want no peer and no adaptation indication", second)
	}
}

func TestServer_handleAssociations_NotRunning(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	rec := serve(s, http.MethodGet, "/associations")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestNewAssociationStatus_OmitsZeroTime(t *testing.T) {
	data, err := json.Marshal(NewAssociationStatus(association.Info{ID: 3, State: association.StateConnecting}))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), "established_at") {
		t.Errorf("zero EstablishedAt should be omitted: %s", data)
	}
	if !strings.Contains(string(data), `"state":"CONNECTING"`) {
		t.Errorf("missing state: %s", data)
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	m.RecordMessageSent(0, 100)

	cfg := DefaultServerConfig()
	cfg.Gatherer = reg
	s := NewServer(cfg, &mockStatusProvider{running: true})

	rec := serve(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "assocmux_messages_sent_total 1") {
		t.Errorf("metrics output missing messages sent:\n%s", rec.Body.String())
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MetricsPath = ""
	s := NewServer(cfg, &mockStatusProvider{running: true})

	rec := serve(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := ServerConfig{
		Address:      "127.0.0.1:0", // Dynamic port
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s := NewServer(cfg, &mockStatusProvider{running: true})

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	addr := s.Address()
	if addr == nil {
		t.Fatal("expected non-nil address")
	}

	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		resp, err = http.Get("http://" + addr.String() + "/health")
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("request failed after retries: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop should be a no-op: %v", err)
	}
}

func TestServer_PprofIndex(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatusProvider{running: true})

	rec := serve(s, http.MethodGet, "/debug/pprof/")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "goroutine") {
		t.Error("expected pprof index to list goroutine profile")
	}
}
