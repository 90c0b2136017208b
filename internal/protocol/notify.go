package protocol

import (
	"encoding/binary"
	"fmt"
)

// NotificationHeaderSize is the size of a notification header in bytes.
// Header format:
//
//	Type   [2 bytes] - Notification type
//	Flags  [2 bytes] - Notification flags
//	Length [4 bytes] - Total length including the header (big-endian)
const NotificationHeaderSize = 8

// NotificationHeader is the common prefix of every notification buffer.
type NotificationHeader struct {
	Type   uint16
	Flags  uint16
	Length uint32
}

// DecodeNotificationHeader decodes the header of a notification buffer.
func DecodeNotificationHeader(buf []byte) (NotificationHeader, error) {
	if len(buf) < NotificationHeaderSize {
		return NotificationHeader{}, fmt.Errorf("%w: notification header too short", ErrInvalidFrame)
	}
	h := NotificationHeader{
		Type:   binary.BigEndian.Uint16(buf[0:2]),
		Flags:  binary.BigEndian.Uint16(buf[2:4]),
		Length: binary.BigEndian.Uint32(buf[4:8]),
	}
	if int(h.Length) < NotificationHeaderSize || int(h.Length) > len(buf) {
		return h, fmt.Errorf("%w: notification length %d does not match buffer of %d bytes",
			ErrInvalidFrame, h.Length, len(buf))
	}
	return h, nil
}

// encodeNotification prefixes body with a notification header.
func encodeNotification(typ uint16, body []byte) []byte {
	buf := make([]byte, NotificationHeaderSize, NotificationHeaderSize+len(body))
	binary.BigEndian.PutUint16(buf[0:2], typ)
	binary.BigEndian.PutUint32(buf[4:8], uint32(NotificationHeaderSize+len(body)))
	return append(buf, body...)
}

// notificationBody validates the header type and returns the body.
func notificationBody(buf []byte, typ uint16, minLen int, name string) ([]byte, error) {
	h, err := DecodeNotificationHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != typ {
		return nil, fmt.Errorf("%w: expected %s, got type 0x%04x", ErrInvalidFrame, name, h.Type)
	}
	body := buf[NotificationHeaderSize:h.Length]
	if len(body) < minLen {
		return nil, fmt.Errorf("%w: %s too short", ErrInvalidFrame, name)
	}
	return body, nil
}

// AssocChange is the ASSOC_CHANGE notification.
type AssocChange struct {
	State           uint16
	Error           uint16
	OutboundStreams uint16
	InboundStreams  uint16
	AssocID         AssocID
}

// Encode serializes the notification including its header.
func (n *AssocChange) Encode() []byte {
	body := make([]byte, 12)
	binary.BigEndian.PutUint16(body[0:2], n.State)
	binary.BigEndian.PutUint16(body[2:4], n.Error)
	binary.BigEndian.PutUint16(body[4:6], n.OutboundStreams)
	binary.BigEndian.PutUint16(body[6:8], n.InboundStreams)
	binary.BigEndian.PutUint32(body[8:12], uint32(n.AssocID))
	return encodeNotification(NotifyAssocChange, body)
}

// DecodeAssocChange deserializes an ASSOC_CHANGE notification.
func DecodeAssocChange(buf []byte) (*AssocChange, error) {
	body, err := notificationBody(buf, NotifyAssocChange, 12, "AssocChange")
	if err != nil {
		return nil, err
	}
	return &AssocChange{
		State:           binary.BigEndian.Uint16(body[0:2]),
		Error:           binary.BigEndian.Uint16(body[2:4]),
		OutboundStreams: binary.BigEndian.Uint16(body[4:6]),
		InboundStreams:  binary.BigEndian.Uint16(body[6:8]),
		AssocID:         AssocID(binary.BigEndian.Uint32(body[8:12])),
	}, nil
}

// PeerAddrChange is the PEER_ADDR_CHANGE notification.
type PeerAddrChange struct {
	State   uint32
	Error   uint32
	AssocID AssocID
	Addr    Address
}

// Encode serializes the notification including its header.
func (n *PeerAddrChange) Encode() []byte {
	body := make([]byte, 12, 12+n.Addr.EncodedLen())
	binary.BigEndian.PutUint32(body[0:4], n.State)
	binary.BigEndian.PutUint32(body[4:8], n.Error)
	binary.BigEndian.PutUint32(body[8:12], uint32(n.AssocID))
	body = n.Addr.AppendEncode(body)
	return encodeNotification(NotifyPeerAddrChange, body)
}

// DecodePeerAddrChange deserializes a PEER_ADDR_CHANGE notification.
func DecodePeerAddrChange(buf []byte) (*PeerAddrChange, error) {
	body, err := notificationBody(buf, NotifyPeerAddrChange, 12, "PeerAddrChange")
	if err != nil {
		return nil, err
	}
	addr, _, err := DecodeAddress(body[12:])
	if err != nil {
		return nil, err
	}
	return &PeerAddrChange{
		State:   binary.BigEndian.Uint32(body[0:4]),
		Error:   binary.BigEndian.Uint32(body[4:8]),
		AssocID: AssocID(binary.BigEndian.Uint32(body[8:12])),
		Addr:    addr,
	}, nil
}

// ShutdownEvent is the SHUTDOWN_EVENT notification.
type ShutdownEvent struct {
	AssocID AssocID
}

// Encode serializes the notification including its header.
func (n *ShutdownEvent) Encode() []byte {
	body := binary.BigEndian.AppendUint32(nil, uint32(n.AssocID))
	return encodeNotification(NotifyShutdownEvent, body)
}

// DecodeShutdownEvent deserializes a SHUTDOWN_EVENT notification.
func DecodeShutdownEvent(buf []byte) (*ShutdownEvent, error) {
	body, err := notificationBody(buf, NotifyShutdownEvent, 4, "ShutdownEvent")
	if err != nil {
		return nil, err
	}
	return &ShutdownEvent{AssocID: AssocID(binary.BigEndian.Uint32(body[0:4]))}, nil
}

// AdaptationEvent is the ADAPTATION_INDICATION notification.
type AdaptationEvent struct {
	Indication uint32
	AssocID    AssocID
}

// Encode serializes the notification including its header.
func (n *AdaptationEvent) Encode() []byte {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], n.Indication)
	binary.BigEndian.PutUint32(body[4:8], uint32(n.AssocID))
	return encodeNotification(NotifyAdaptationIndication, body)
}

// DecodeAdaptationEvent deserializes an ADAPTATION_INDICATION notification.
func DecodeAdaptationEvent(buf []byte) (*AdaptationEvent, error) {
	body, err := notificationBody(buf, NotifyAdaptationIndication, 8, "AdaptationEvent")
	if err != nil {
		return nil, err
	}
	return &AdaptationEvent{
		Indication: binary.BigEndian.Uint32(body[0:4]),
		AssocID:    AssocID(binary.BigEndian.Uint32(body[4:8])),
	}, nil
}

// EncodeRawNotification builds a notification buffer with an arbitrary type
// and body. Used for types this package has no struct for.
func EncodeRawNotification(typ uint16, body []byte) []byte {
	return encodeNotification(typ, body)
}
