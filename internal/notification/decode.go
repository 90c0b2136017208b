package notification

import (
	"github.com/postalsys/assocmux/internal/protocol"
)

// Decode classifies a raw event. Events flagged as notifications always yield
// *Notification; all others yield *Data.
func Decode(raw *protocol.RawEvent) Event {
	if raw.IsNotification() {
		n := DecodeNotification(raw.Payload)
		if n.AssocID == 0 {
			n.AssocID = raw.AssocID
		}
		return n
	}
	return decodeData(raw)
}

func decodeData(raw *protocol.RawEvent) *Data {
	d := &Data{
		AssocID: raw.AssocID,
		Payload: raw.Payload,
		Source:  raw.From,
	}

	switch raw.InfoType {
	case protocol.InfoRcv, protocol.InfoRcvNxt:
		d.HasInfo = true
		d.StreamID = raw.Info.StreamID
		d.SequenceNumber = raw.Info.SSN
		d.TransmissionNumber = raw.Info.TSN
		d.Ordered = !raw.Info.Unordered()
		d.PayloadID = raw.Info.PPID
		if d.AssocID == 0 {
			d.AssocID = raw.Info.AssocID
		}
	}

	return d
}

// DecodeNotification decodes a notification buffer. It never returns nil.
func DecodeNotification(buf []byte) *Notification {
	h, err := protocol.DecodeNotificationHeader(buf)
	if err != nil {
		return &Notification{Kind: KindUnknown, Type: h.Type, Err: err}
	}

	switch h.Type {
	case protocol.NotifyAssocChange:
		return decodeAssocChange(buf)
	case protocol.NotifyPeerAddrChange:
		return decodePeerAddrChange(buf)
	case protocol.NotifyShutdownEvent:
		sev, err := protocol.DecodeShutdownEvent(buf)
		if err != nil {
			return &Notification{Kind: KindUnknown, Type: h.Type, Err: err}
		}
		return &Notification{Kind: KindShutdownReceived, Type: h.Type, AssocID: sev.AssocID}
	case protocol.NotifyAdaptationIndication:
		ad, err := protocol.DecodeAdaptationEvent(buf)
		if err != nil {
			return &Notification{Kind: KindUnknown, Type: h.Type, Err: err}
		}
		return &Notification{
			Kind:                 KindAdaptationIndicationReceived,
			Type:                 h.Type,
			AssocID:              ad.AssocID,
			AdaptationIndication: ad.Indication,
		}
	default:
		return &Notification{Kind: KindUnknown, Type: h.Type}
	}
}

func decodeAssocChange(buf []byte) *Notification {
	sac, err := protocol.DecodeAssocChange(buf)
	if err != nil {
		return &Notification{Kind: KindUnknown, Type: protocol.NotifyAssocChange, Err: err}
	}

	n := &Notification{
		Type:            protocol.NotifyAssocChange,
		State:           uint32(sac.State),
		AssocID:         sac.AssocID,
		Error:           uint32(sac.Error),
		InboundStreams:  sac.InboundStreams,
		OutboundStreams: sac.OutboundStreams,
	}

	switch sac.State {
	case protocol.AssocCommUp:
		n.Kind = KindAssociationUp
	case protocol.AssocCommLost:
		n.Kind = KindAssociationLost
	case protocol.AssocRestart:
		n.Kind = KindAssociationRestarted
	case protocol.AssocShutdownComplete:
		n.Kind = KindShutdownComplete
	case protocol.AssocCantStart:
		n.Kind = KindAssociationUnstartable
	default:
		n.Kind = KindUnknown
	}
	return n
}

func decodePeerAddrChange(buf []byte) *Notification {
	spc, err := protocol.DecodePeerAddrChange(buf)
	if err != nil {
		return &Notification{Kind: KindUnknown, Type: protocol.NotifyPeerAddrChange, Err: err}
	}

	n := &Notification{
		Type:        protocol.NotifyPeerAddrChange,
		State:       spc.State,
		AssocID:     spc.AssocID,
		Error:       spc.Error,
		PeerAddress: spc.Addr,
	}

	switch spc.State {
	case protocol.AddrAvailable:
		n.Kind = KindPeerAddressAvailable
	case protocol.AddrUnreachable:
		n.Kind = KindPeerAddressUnreachable
	case protocol.AddrRemoved:
		n.Kind = KindPeerAddressRemoved
	case protocol.AddrAdded:
		n.Kind = KindPeerAddressAdded
	case protocol.AddrMadePrimary:
		n.Kind = KindPeerAddressMadePrimary
	default:
		n.Kind = KindUnknown
	}
	return n
}
