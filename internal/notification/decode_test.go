package notification

import (
	"errors"
	"testing"

	"github.com/postalsys/assocmux/internal/protocol"
)

func notif(buf []byte) *protocol.RawEvent {
	return &protocol.RawEvent{Flags: protocol.MsgNotification | protocol.MsgEOR, Payload: buf}
}

func TestDecode_AssocChange(t *testing.T) {
	tests := []struct {
		state uint16
		want  Kind
	}{
		{protocol.AssocCommUp, KindAssociationUp},
		{protocol.AssocCommLost, KindAssociationLost},
		{protocol.AssocRestart, KindAssociationRestarted},
		{protocol.AssocShutdownComplete, KindShutdownComplete},
		{protocol.AssocCantStart, KindAssociationUnstartable},
		{0x99, KindUnknown},
	}

	for _, tt := range tests {
		buf := (&protocol.AssocChange{
			State:           tt.state,
			Error:           3,
			OutboundStreams: 10,
			InboundStreams:  2048,
			AssocID:         7,
		}).Encode()

		ev := Decode(notif(buf))
		n, ok := ev.(*Notification)
		if !ok {
			t.Fatalf("state %d: Decode returned %T, want *Notification", tt.state, ev)
		}
		if n.Kind != tt.want {
			t.Errorf("state %d: Kind = %s, want %s", tt.state, n.Kind, tt.want)
		}
		if n.AssocID != 7 || n.Error != 3 {
			t.Errorf("state %d: assoc=%d error=%d", tt.state, n.AssocID, n.Error)
		}
		if n.InboundStreams != 2048 || n.OutboundStreams != 10 {
			t.Errorf("state %d: streams in/out = %d/%d, want 2048/10",
				tt.state, n.InboundStreams, n.OutboundStreams)
		}
	}
}

func TestDecode_UnknownStateCarriesCode(t *testing.T) {
	buf := (&protocol.AssocChange{State: 0x42, AssocID: 1}).Encode()
	n := Decode(notif(buf)).(*Notification)

	if n.Kind != KindUnknown {
		t.Fatalf("Kind = %s, want UNKNOWN", n.Kind)
	}
	if n.Code() != 0x42 {
		t.Errorf("Code() = 0x%x, want 0x42", n.Code())
	}
	if n.Err != nil {
		t.Errorf("Err = %v, want nil for a well-formed buffer", n.Err)
	}
}

func TestDecode_PeerAddrChange(t *testing.T) {
	addr, _ := protocol.ParseAddress("10.0.0.2:9")

	tests := []struct {
		state uint32
		want  Kind
	}{
		{protocol.AddrAvailable, KindPeerAddressAvailable},
		{protocol.AddrUnreachable, KindPeerAddressUnreachable},
		{protocol.AddrRemoved, KindPeerAddressRemoved},
		{protocol.AddrAdded, KindPeerAddressAdded},
		{protocol.AddrMadePrimary, KindPeerAddressMadePrimary},
		{protocol.AddrConfirmed, KindUnknown},
	}

	for _, tt := range tests {
		buf := (&protocol.PeerAddrChange{State: tt.state, Error: 5, AssocID: 2, Addr: addr}).Encode()
		n := Decode(notif(buf)).(*Notification)

		if n.Kind != tt.want {
			t.Errorf("state %d: Kind = %s, want %s", tt.state, n.Kind, tt.want)
		}
		if n.PeerAddress != addr {
			t.Errorf("state %d: PeerAddress = %s, want %s", tt.state, n.PeerAddress, addr)
		}
		if n.Error != 5 {
			t.Errorf("state %d: Error = %d, want 5", tt.state, n.Error)
		}
	}
}

func TestDecode_ShutdownAndAdaptation(t *testing.T) {
	n := Decode(notif((&protocol.ShutdownEvent{AssocID: 4}).Encode())).(*Notification)
	if n.Kind != KindShutdownReceived || n.AssocID != 4 {
		t.Errorf("shutdown: %v", n)
	}

	n = Decode(notif((&protocol.AdaptationEvent{Indication: 0x01020304, AssocID: 4}).Encode())).(*Notification)
	if n.Kind != KindAdaptationIndicationReceived {
		t.Fatalf("Kind = %s, want ADAPTATION_INDICATION_RECEIVED", n.Kind)
	}
	if n.AdaptationIndication != 0x01020304 {
		t.Errorf("AdaptationIndication = 0x%08x, want 0x01020304", n.AdaptationIndication)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	buf := protocol.EncodeRawNotification(protocol.NotifySenderDry, []byte{0, 0, 0, 1})
	n := Decode(notif(buf)).(*Notification)

	if n.Kind != KindUnknown {
		t.Errorf("Kind = %s, want UNKNOWN", n.Kind)
	}
	if n.Code() != uint32(protocol.NotifySenderDry) {
		t.Errorf("Code() = 0x%x, want 0x%x", n.Code(), protocol.NotifySenderDry)
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"short header", []byte{0, 1, 0}},
		{"truncated body", (&protocol.AssocChange{State: protocol.AssocCommUp}).Encode()[:12]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Decode(&protocol.RawEvent{Flags: protocol.MsgNotification, AssocID: 3, Payload: tt.buf})
			n, ok := ev.(*Notification)
			if !ok {
				t.Fatalf("Decode returned %T, want *Notification", ev)
			}
			if n.Kind != KindUnknown {
				t.Errorf("Kind = %s, want UNKNOWN", n.Kind)
			}
			if !errors.Is(n.Err, protocol.ErrInvalidFrame) {
				t.Errorf("Err = %v, want ErrInvalidFrame", n.Err)
			}
			if n.AssocID != 3 {
				t.Errorf("AssocID = %d, want fallback 3", n.AssocID)
			}
		})
	}
}

func TestDecode_DataWithInfo(t *testing.T) {
	from, _ := protocol.ParseAddress("[::1]:5001")
	raw := &protocol.RawEvent{
		Flags:    protocol.MsgEOR,
		AssocID:  9,
		From:     from,
		Payload:  []byte("AAAA"),
		InfoType: protocol.InfoRcv,
		Info: protocol.RcvInfo{
			StreamID: 3,
			SSN:      17,
			Flags:    protocol.InfoFlagUnordered,
			PPID:     1234,
			TSN:      555,
		},
	}

	d, ok := Decode(raw).(*Data)
	if !ok {
		t.Fatalf("Decode returned %T, want *Data", Decode(raw))
	}
	if !d.HasInfo {
		t.Fatal("HasInfo = false, want true")
	}
	if d.StreamID != 3 || d.SequenceNumber != 17 || d.TransmissionNumber != 555 {
		t.Errorf("sid/ssn/tsn = %d/%d/%d", d.StreamID, d.SequenceNumber, d.TransmissionNumber)
	}
	if d.Ordered {
		t.Error("Ordered = true, want false for unordered delivery")
	}
	if d.PayloadID != 1234 {
		t.Errorf("PayloadID = %d, want 1234", d.PayloadID)
	}
	if d.Source != from || string(d.Payload) != "AAAA" {
		t.Errorf("source=%s payload=%q", d.Source, d.Payload)
	}
}

func TestDecode_DataWithoutInfo(t *testing.T) {
	raw := &protocol.RawEvent{
		Flags:   protocol.MsgEOR,
		AssocID: 2,
		Payload: []byte("hi"),
		// Stale info must be ignored when no info was requested.
		InfoType: protocol.InfoNone,
		Info:     protocol.RcvInfo{StreamID: 5, PPID: 9},
	}

	d := Decode(raw).(*Data)
	if d.HasInfo {
		t.Error("HasInfo = true, want false")
	}
	if d.StreamID != 0 || d.PayloadID != 0 || d.Ordered {
		t.Errorf("metadata should be zero: %v", d)
	}
}

func TestKindClassification(t *testing.T) {
	if !KindAssociationUp.IsLifecycle() || KindPeerAddressAdded.IsLifecycle() {
		t.Error("IsLifecycle misclassifies")
	}
	if !KindPeerAddressMadePrimary.IsPeerAddress() || KindShutdownReceived.IsPeerAddress() {
		t.Error("IsPeerAddress misclassifies")
	}
	if Kind(99).String() != "UNKNOWN" {
		t.Errorf("Kind(99).String() = %s", Kind(99).String())
	}
}
