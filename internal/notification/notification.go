// Package notification classifies raw transport events into application data
// or typed association/path notifications.
//
// Decode is a pure projection: it performs no I/O, never fails, and passes
// numeric fields (error codes, stream counts) through unchanged. Unrecognised
// notification types and states decode to KindUnknown carrying the raw code so
// that callers can log them and keep going.
package notification

import (
	"fmt"

	"github.com/postalsys/assocmux/internal/protocol"
)

// Kind is the classification of a notification.
type Kind int

const (
	KindUnknown Kind = iota
	KindAssociationUp
	KindAssociationLost
	KindAssociationRestarted
	KindShutdownComplete
	KindAssociationUnstartable
	KindPeerAddressAvailable
	KindPeerAddressUnreachable
	KindPeerAddressRemoved
	KindPeerAddressAdded
	KindPeerAddressMadePrimary
	KindShutdownReceived
	KindAdaptationIndicationReceived
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindAssociationUp:
		return "ASSOCIATION_UP"
	case KindAssociationLost:
		return "ASSOCIATION_LOST"
	case KindAssociationRestarted:
		return "ASSOCIATION_RESTARTED"
	case KindShutdownComplete:
		return "SHUTDOWN_COMPLETE"
	case KindAssociationUnstartable:
		return "ASSOCIATION_UNSTARTABLE"
	case KindPeerAddressAvailable:
		return "PEER_ADDRESS_AVAILABLE"
	case KindPeerAddressUnreachable:
		return "PEER_ADDRESS_UNREACHABLE"
	case KindPeerAddressRemoved:
		return "PEER_ADDRESS_REMOVED"
	case KindPeerAddressAdded:
		return "PEER_ADDRESS_ADDED"
	case KindPeerAddressMadePrimary:
		return "PEER_ADDRESS_MADE_PRIMARY"
	case KindShutdownReceived:
		return "SHUTDOWN_RECEIVED"
	case KindAdaptationIndicationReceived:
		return "ADAPTATION_INDICATION_RECEIVED"
	default:
		return "UNKNOWN"
	}
}

// IsLifecycle reports whether the kind can change association state.
func (k Kind) IsLifecycle() bool {
	switch k {
	case KindAssociationUp, KindAssociationLost, KindAssociationRestarted,
		KindShutdownComplete, KindAssociationUnstartable, KindShutdownReceived:
		return true
	default:
		return false
	}
}

// IsPeerAddress reports whether the kind is a path notification.
func (k Kind) IsPeerAddress() bool {
	return k >= KindPeerAddressAvailable && k <= KindPeerAddressMadePrimary
}

// Event is either *Data or *Notification.
type Event interface {
	// AssociationID returns the association the event belongs to.
	AssociationID() protocol.AssocID
	isEvent()
}

// Data is an application message together with its delivery metadata.
type Data struct {
	AssocID protocol.AssocID
	Payload []byte
	Source  protocol.Address

	// HasInfo is false when the endpoint did not request receive info; the
	// metadata fields below are then zero.
	HasInfo            bool
	StreamID           uint16
	SequenceNumber     uint16
	TransmissionNumber uint32
	Ordered            bool
	PayloadID          uint32
}

// AssociationID implements Event.
func (d *Data) AssociationID() protocol.AssocID { return d.AssocID }

func (*Data) isEvent() {}

// String returns a debug representation.
func (d *Data) String() string {
	if !d.HasInfo {
		return fmt.Sprintf("Data{assoc=%d, from=%s, len=%d}", d.AssocID, d.Source, len(d.Payload))
	}
	return fmt.Sprintf("Data{assoc=%d, from=%s, len=%d, sid=%d, ssn=%d, tsn=%d, ordered=%t, ppid=%d}",
		d.AssocID, d.Source, len(d.Payload), d.StreamID, d.SequenceNumber,
		d.TransmissionNumber, d.Ordered, d.PayloadID)
}

// Notification is a decoded lifecycle or path notification.
type Notification struct {
	Kind    Kind
	AssocID protocol.AssocID

	// Type and State are the raw type tag and sub-state; for KindUnknown they
	// identify what was not recognised.
	Type  uint16
	State uint32

	// Error is the transport error code (association or path errors).
	Error uint32

	InboundStreams  uint16
	OutboundStreams uint16

	PeerAddress          protocol.Address
	AdaptationIndication uint32

	// Err is set when the buffer was malformed.
	Err error
}

// AssociationID implements Event.
func (n *Notification) AssociationID() protocol.AssocID { return n.AssocID }

func (*Notification) isEvent() {}

// Code returns the raw code of an unknown notification: the sub-state when
// the type was recognised, otherwise the type tag.
func (n *Notification) Code() uint32 {
	if n.State != 0 {
		return n.State
	}
	return uint32(n.Type)
}

// String returns a debug representation.
func (n *Notification) String() string {
	switch {
	case n.Kind == KindUnknown:
		return fmt.Sprintf("Notification{kind=%s, type=0x%04x, state=%d, assoc=%d}",
			n.Kind, n.Type, n.State, n.AssocID)
	case n.Kind == KindAssociationUp || n.Kind == KindAssociationRestarted:
		return fmt.Sprintf("Notification{kind=%s, assoc=%d, streams(in/out)=%d/%d}",
			n.Kind, n.AssocID, n.InboundStreams, n.OutboundStreams)
	case n.Kind.IsPeerAddress():
		return fmt.Sprintf("Notification{kind=%s, assoc=%d, addr=%s, error=%d}",
			n.Kind, n.AssocID, n.PeerAddress, n.Error)
	case n.Kind == KindAdaptationIndicationReceived:
		return fmt.Sprintf("Notification{kind=%s, assoc=%d, indication=0x%08x}",
			n.Kind, n.AssocID, n.AdaptationIndication)
	default:
		return fmt.Sprintf("Notification{kind=%s, assoc=%d, error=%d}", n.Kind, n.AssocID, n.Error)
	}
}
