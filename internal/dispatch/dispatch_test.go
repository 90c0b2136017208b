package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/postalsys/assocmux/internal/association"
	"github.com/postalsys/assocmux/internal/notification"
	"github.com/postalsys/assocmux/internal/transport"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []transport.SendInfo
	bytes [][]byte
	err   error
}

func (s *fakeSender) Send(_ context.Context, info transport.SendInfo, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, info)
	s.bytes = append(s.bytes, payload)
	return nil
}

func (s *fakeSender) streams() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint16, len(s.sent))
	for i, info := range s.sent {
		ids[i] = info.StreamID
	}
	return ids
}

type countingRecorder struct {
	mu      sync.Mutex
	sent    int
	bytes   int
	recv    int
	errors  map[string]int
	dropped map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{errors: make(map[string]int), dropped: make(map[string]int)}
}

func (r *countingRecorder) RecordMessageSent(_ uint16, n int) {
	r.mu.Lock()
	r.sent++
	r.bytes += n
	r.mu.Unlock()
}

func (r *countingRecorder) RecordMessageReceived(uint16, int) {
	r.mu.Lock()
	r.recv++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordSendError(reason string) {
	r.mu.Lock()
	r.errors[reason]++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordMessageDropped(reason string) {
	r.mu.Lock()
	r.dropped[reason]++
	r.mu.Unlock()
}

func established(t *testing.T, inbound, outbound uint16) *association.Association {
	t.Helper()
	a := association.New(7, association.Config{})
	if err := a.Open(association.RoleClient); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := a.ConfirmConnected(7, inbound, outbound); err != nil {
		t.Fatalf("ConfirmConnected failed: %v", err)
	}
	return a
}

func msg(payload string) OutboundMessage {
	return OutboundMessage{Payload: []byte(payload), PayloadID: 1234}
}

func TestSend_RoundRobinOrder(t *testing.T) {
	sender := &fakeSender{}
	d := New(Config{Sender: sender})
	a := established(t, 10, 4)

	for i := 0; i < 10; i++ {
		if err := d.Send(context.Background(), a, msg("x")); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	want := []uint16{0, 1, 2, 3, 0, 1, 2, 3, 0, 1}
	got := sender.streams()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("send %d on stream %d, want %d", i, got[i], want[i])
		}
	}
	if a.SentCount() != 10 {
		t.Errorf("SentCount = %d, want 10", a.SentCount())
	}
}

func TestSend_RoundRobinCoverage(t *testing.T) {
	tests := []struct {
		outbound uint16
		sends    int
	}{
		{1, 1},
		{3, 3},
		{10, 10},
		{10, 25},
		{17, 40},
	}

	for _, tt := range tests {
		sender := &fakeSender{}
		d := New(Config{Sender: sender})
		a := established(t, 1, tt.outbound)

		for i := 0; i < tt.sends; i++ {
			d.Send(context.Background(), a, msg("x"))
		}

		seen := make(map[uint16]bool)
		for _, sid := range sender.streams() {
			if sid >= tt.outbound {
				t.Errorf("outbound %d: stream %d out of range", tt.outbound, sid)
			}
			seen[sid] = true
		}
		if len(seen) != int(tt.outbound) {
			t.Errorf("outbound %d, %d sends: %d streams used, want all", tt.outbound, tt.sends, len(seen))
		}
	}
}

func TestSend_RequestedBeyondNegotiated(t *testing.T) {
	a := association.New(1, association.Config{})
	if err := a.RequestOutboundStreams(2048); err != nil {
		t.Fatalf("RequestOutboundStreams failed: %v", err)
	}
	a.Open(association.RoleClient)
	a.ConfirmConnected(1, 10, 10)

	sender := &fakeSender{}
	d := New(Config{Sender: sender})
	for i := 0; i < 20; i++ {
		if err := d.Send(context.Background(), a, msg("x")); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	for i, sid := range sender.streams() {
		if want := uint16(i % 10); sid != want {
			t.Errorf("send %d on stream %d, want %d", i, sid, want)
		}
	}
}

func TestSend_Metadata(t *testing.T) {
	sender := &fakeSender{}
	d := New(Config{Sender: sender})
	a := established(t, 10, 10)

	d.Send(context.Background(), a, OutboundMessage{Payload: []byte("AAAA"), PayloadID: 1234})
	d.Send(context.Background(), a, OutboundMessage{Payload: []byte("B"), PayloadID: 5, Ordered: true})

	if got := sender.sent[0]; got.AssocID != 7 || got.PayloadID != 1234 || !got.Unordered {
		t.Errorf("first SendInfo = %+v", got)
	}
	if got := sender.sent[1]; got.PayloadID != 5 || got.Unordered {
		t.Errorf("second SendInfo = %+v", got)
	}
	if string(sender.bytes[0]) != "AAAA" {
		t.Errorf("payload = %q, want AAAA", sender.bytes[0])
	}
}

func TestSend_ExplicitStream(t *testing.T) {
	sender := &fakeSender{}
	rec := newCountingRecorder()
	d := New(Config{Sender: sender, Recorder: rec})
	a := established(t, 10, 10)

	m := msg("x")
	m.StreamID = Stream(9)
	if err := d.Send(context.Background(), a, m); err != nil {
		t.Fatalf("Send on stream 9 failed: %v", err)
	}

	m.StreamID = Stream(10)
	err := d.Send(context.Background(), a, m)
	if !errors.Is(err, association.ErrInvalidStreamID) {
		t.Fatalf("Send on stream 10 = %v, want ErrInvalidStreamID", err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("transport saw %d sends, want 1", len(sender.sent))
	}
	if rec.errors[ReasonInvalidStream] != 1 {
		t.Errorf("invalid stream errors = %d, want 1", rec.errors[ReasonInvalidStream])
	}

	// The explicit send advanced the counter; the rejected one did not.
	if err := d.Send(context.Background(), a, msg("y")); err != nil {
		t.Fatal(err)
	}
	if got := sender.sent[1].StreamID; got != 1 {
		t.Errorf("next round-robin stream = %d, want 1", got)
	}
}

func TestSend_NotEstablished(t *testing.T) {
	build := map[string]func(t *testing.T) *association.Association{
		"closed": func(t *testing.T) *association.Association {
			return association.New(1, association.Config{})
		},
		"connecting": func(t *testing.T) *association.Association {
			a := association.New(1, association.Config{})
			a.Open(association.RoleClient)
			return a
		},
		"listening": func(t *testing.T) *association.Association {
			a := association.New(1, association.Config{})
			a.Open(association.RoleServer)
			return a
		},
		"shutting down": func(t *testing.T) *association.Association {
			a := established(t, 10, 10)
			a.Close()
			return a
		},
		"lost": func(t *testing.T) *association.Association {
			a := established(t, 10, 10)
			a.Apply(&notification.Notification{Kind: notification.KindAssociationLost, Error: 1})
			return a
		},
	}

	for name, fn := range build {
		t.Run(name, func(t *testing.T) {
			sender := &fakeSender{}
			rec := newCountingRecorder()
			d := New(Config{Sender: sender, Recorder: rec})

			err := d.Send(context.Background(), fn(t), msg("x"))
			if !errors.Is(err, association.ErrNotEstablished) {
				t.Errorf("Send = %v, want ErrNotEstablished", err)
			}
			if len(sender.sent) != 0 {
				t.Error("transport reached while not established")
			}
			if rec.errors[ReasonNotEstablished] != 1 {
				t.Errorf("not established errors = %d, want 1", rec.errors[ReasonNotEstablished])
			}
		})
	}
}

func TestSend_TransportRejected(t *testing.T) {
	cause := errors.New("carrier gone")
	sender := &fakeSender{err: cause}
	d := New(Config{Sender: sender})
	a := established(t, 10, 10)

	err := d.Send(context.Background(), a, msg("x"))
	if !errors.Is(err, association.ErrTransportRejected) {
		t.Errorf("Send = %v, want ErrTransportRejected", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Send = %v, want wrapped cause", err)
	}

	// A failed send leaves the counter in place.
	sender.err = nil
	d.Send(context.Background(), a, msg("x"))
	if got := sender.sent[0].StreamID; got != 0 {
		t.Errorf("stream after failure = %d, want 0", got)
	}
}

func TestSend_NoSender(t *testing.T) {
	d := New(Config{})
	err := d.Send(context.Background(), established(t, 1, 1), msg("x"))
	if !errors.Is(err, association.ErrTransportRejected) {
		t.Errorf("Send without sender = %v, want ErrTransportRejected", err)
	}
}

func TestSend_LostResetsCounter(t *testing.T) {
	sender := &fakeSender{}
	d := New(Config{Sender: sender})
	a := established(t, 10, 10)

	d.Send(context.Background(), a, msg("x"))
	d.Send(context.Background(), a, msg("x"))

	a.Apply(&notification.Notification{Kind: notification.KindAssociationLost})
	if a.State() != association.StateClosed {
		t.Fatalf("state = %s, want CLOSED", a.State())
	}
	if err := d.Send(context.Background(), a, msg("x")); !errors.Is(err, association.ErrNotEstablished) {
		t.Fatalf("Send after lost = %v, want ErrNotEstablished", err)
	}
}

func TestSend_RestartShrinksStreams(t *testing.T) {
	sender := &fakeSender{}
	d := New(Config{Sender: sender})
	a := established(t, 10, 10)

	for i := 0; i < 5; i++ {
		d.Send(context.Background(), a, msg("x"))
	}

	a.Apply(&notification.Notification{
		Kind:            notification.KindAssociationRestarted,
		InboundStreams:  4,
		OutboundStreams: 4,
	})

	m := msg("x")
	m.StreamID = Stream(6)
	if err := d.Send(context.Background(), a, m); !errors.Is(err, association.ErrInvalidStreamID) {
		t.Errorf("Send on stream 6 after restart = %v, want ErrInvalidStreamID", err)
	}

	// Counter 5 carries over: 5 mod 4 = 1.
	d.Send(context.Background(), a, msg("x"))
	if got := sender.sent[len(sender.sent)-1].StreamID; got != 1 {
		t.Errorf("stream after restart = %d, want 1", got)
	}
}

func TestSend_Concurrent(t *testing.T) {
	sender := &fakeSender{}
	d := New(Config{Sender: sender})
	a := established(t, 10, 8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d.Send(context.Background(), a, msg("x"))
			}
		}()
	}
	wg.Wait()

	counts := make(map[uint16]int)
	for _, sid := range sender.streams() {
		counts[sid]++
	}
	for sid := uint16(0); sid < 8; sid++ {
		if counts[sid] != 100 {
			t.Errorf("stream %d got %d messages, want 100", sid, counts[sid])
		}
	}
}

func TestSend_CustomPolicy(t *testing.T) {
	sender := &fakeSender{}
	d := New(Config{Sender: sender, Policy: FixedStream(3)})
	a := established(t, 10, 10)

	for i := 0; i < 3; i++ {
		d.Send(context.Background(), a, msg("x"))
	}
	for _, sid := range sender.streams() {
		if sid != 3 {
			t.Errorf("stream = %d, want 3", sid)
		}
	}

	last := StreamPolicyFunc(func(_ uint64, outbound uint16) uint16 { return outbound - 1 })
	d = New(Config{Sender: sender, Policy: last})
	d.Send(context.Background(), a, msg("x"))
	if got := sender.sent[len(sender.sent)-1].StreamID; got != 9 {
		t.Errorf("stream = %d, want 9", got)
	}

	bad := New(Config{Sender: sender, Policy: FixedStream(50)})
	if err := bad.Send(context.Background(), a, msg("x")); !errors.Is(err, association.ErrInvalidStreamID) {
		t.Errorf("out-of-range policy = %v, want ErrInvalidStreamID", err)
	}
}

func TestDeliver(t *testing.T) {
	rec := newCountingRecorder()
	d := New(Config{Recorder: rec})
	a := established(t, 10, 10)

	data := &notification.Data{
		AssocID:            7,
		Payload:            []byte("AAAA"),
		HasInfo:            true,
		StreamID:           3,
		SequenceNumber:     2,
		TransmissionNumber: 99,
		Ordered:            false,
		PayloadID:          1234,
	}

	got, err := d.Deliver(a, data)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if string(got.Payload) != "AAAA" || got.PayloadID != 1234 || got.Ordered {
		t.Errorf("delivered = %+v", got)
	}
	if got.StreamID != 3 || got.SequenceNumber != 2 || got.TransmissionNumber != 99 {
		t.Errorf("delivered metadata = %+v", got)
	}
	if rec.recv != 1 {
		t.Errorf("received = %d, want 1", rec.recv)
	}
}

func TestDeliver_InvalidStream(t *testing.T) {
	rec := newCountingRecorder()
	d := New(Config{Recorder: rec})
	a := established(t, 4, 10)

	_, err := d.Deliver(a, &notification.Data{HasInfo: true, StreamID: 4})
	if !errors.Is(err, association.ErrInvalidStreamID) {
		t.Errorf("Deliver = %v, want ErrInvalidStreamID", err)
	}
	if rec.dropped[ReasonInvalidStream] != 1 {
		t.Errorf("dropped = %d, want 1", rec.dropped[ReasonInvalidStream])
	}

	// Without receive info there is no stream id to check.
	if _, err := d.Deliver(a, &notification.Data{Payload: []byte("x")}); err != nil {
		t.Errorf("Deliver without info = %v, want nil", err)
	}
}

func TestDeliver_NotEstablished(t *testing.T) {
	rec := newCountingRecorder()
	d := New(Config{Recorder: rec})

	a := association.New(3, association.Config{})
	if err := a.Open(association.RoleServer); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for _, data := range []*notification.Data{
		{Payload: []byte("x")},
		{Payload: []byte("x"), HasInfo: true, StreamID: 0},
	} {
		if _, err := d.Deliver(a, data); !errors.Is(err, association.ErrNotEstablished) {
			t.Errorf("Deliver in LISTENING (info=%t) = %v, want ErrNotEstablished", data.HasInfo, err)
		}
	}
	if rec.dropped[ReasonNotEstablished] != 2 {
		t.Errorf("dropped = %d, want 2", rec.dropped[ReasonNotEstablished])
	}
	if rec.recv != 0 {
		t.Errorf("received = %d, want 0", rec.recv)
	}

	a.Close()
	if _, err := d.Deliver(a, &notification.Data{Payload: []byte("x")}); !errors.Is(err, association.ErrNotEstablished) {
		t.Errorf("Deliver in CLOSED = %v, want ErrNotEstablished", err)
	}
}

func TestRoundRobin_SelectStream(t *testing.T) {
	tests := []struct {
		counter  uint64
		outbound uint16
		want     uint16
	}{
		{0, 10, 0},
		{9, 10, 9},
		{10, 10, 0},
		{65536, 7, 65536 % 7},
		{^uint64(0), 65535, uint16(^uint64(0) % 65535)},
	}

	for _, tt := range tests {
		if got := (RoundRobin{}).SelectStream(tt.counter, tt.outbound); got != tt.want {
			t.Errorf("SelectStream(%d, %d) = %d, want %d", tt.counter, tt.outbound, got, tt.want)
		}
	}
}
