// Package protocol defines the raw event, notification and carrier frame
// formats shared by the transport stack and the association core.
package protocol

// AssocID identifies one association within a transport stack.
type AssocID uint32

// Notification types (header type field of a notification buffer).
const (
	NotifyAssocChange          uint16 = 0x0001
	NotifyPeerAddrChange       uint16 = 0x0002
	NotifyRemoteError          uint16 = 0x0003
	NotifySendFailed           uint16 = 0x0004
	NotifyShutdownEvent        uint16 = 0x0005
	NotifyAdaptationIndication uint16 = 0x0006
	NotifyPartialDelivery      uint16 = 0x0007
	NotifyAuthentication       uint16 = 0x0008
	NotifySenderDry            uint16 = 0x0009
	NotifyStreamReset          uint16 = 0x000a
)

// Association change states carried in an ASSOC_CHANGE notification.
const (
	AssocCommUp           uint16 = 0x0001
	AssocCommLost         uint16 = 0x0002
	AssocRestart          uint16 = 0x0003
	AssocShutdownComplete uint16 = 0x0004
	AssocCantStart        uint16 = 0x0005
)

// Peer address states carried in a PEER_ADDR_CHANGE notification.
const (
	AddrAvailable   uint32 = 0x0001
	AddrUnreachable uint32 = 0x0002
	AddrRemoved     uint32 = 0x0003
	AddrAdded       uint32 = 0x0004
	AddrMadePrimary uint32 = 0x0005
	AddrConfirmed   uint32 = 0x0006
)

// Receive flags set on a RawEvent.
const (
	MsgEOR          uint32 = 0x0080 // Complete record delivered
	MsgNotification uint32 = 0x2000 // Payload is a notification buffer
)

// Receive info flags.
const (
	InfoFlagUnordered uint16 = 0x0400
)

// Error causes used in ABORT frames and COMM_LOST notifications.
const (
	CauseNone               uint16 = 0x0000
	CauseInvalidStream      uint16 = 0x0001
	CauseNoUserData         uint16 = 0x0009
	CauseUserInitiatedAbort uint16 = 0x000c
	CauseProtocolViolation  uint16 = 0x000d
	CauseNoListener         uint16 = 0x00f0
	CauseCarrierFailure     uint16 = 0x00f1
	CauseShutdownGuard      uint16 = 0x00f2
)

// InfoType describes which receive info accompanies a data event.
type InfoType uint8

const (
	InfoNone InfoType = iota
	InfoRcv
	InfoNxt
	InfoRcvNxt
)

// String returns a human-readable name for the info type.
func (t InfoType) String() string {
	switch t {
	case InfoNone:
		return "NOINFO"
	case InfoRcv:
		return "RCVINFO"
	case InfoNxt:
		return "NXTINFO"
	case InfoRcvNxt:
		return "RN"
	default:
		return "UNKNOWN"
	}
}

// RcvInfo is the per-message delivery metadata reported for data events.
type RcvInfo struct {
	StreamID uint16
	SSN      uint16
	Flags    uint16
	PPID     uint32
	TSN      uint32
	CumTSN   uint32
	Context  uint32
	AssocID  AssocID
}

// Unordered reports whether the message was sent for unordered delivery.
func (i RcvInfo) Unordered() bool {
	return i.Flags&InfoFlagUnordered != 0
}

// RawEvent is the result of one receive call on a transport endpoint: either
// an application message or a notification buffer.
type RawEvent struct {
	Flags    uint32
	AssocID  AssocID
	From     Address
	Payload  []byte
	InfoType InfoType
	Info     RcvInfo
}

// IsNotification returns true if the payload holds a notification buffer.
func (e *RawEvent) IsNotification() bool {
	return e.Flags&MsgNotification != 0
}

// NotificationTypeName returns a human-readable name for a notification type.
func NotificationTypeName(t uint16) string {
	switch t {
	case NotifyAssocChange:
		return "ASSOC_CHANGE"
	case NotifyPeerAddrChange:
		return "PEER_ADDR_CHANGE"
	case NotifyRemoteError:
		return "REMOTE_ERROR"
	case NotifySendFailed:
		return "SEND_FAILED"
	case NotifyShutdownEvent:
		return "SHUTDOWN_EVENT"
	case NotifyAdaptationIndication:
		return "ADAPTATION_INDICATION"
	case NotifyPartialDelivery:
		return "PARTIAL_DELIVERY"
	case NotifyAuthentication:
		return "AUTHENTICATION"
	case NotifySenderDry:
		return "SENDER_DRY"
	case NotifyStreamReset:
		return "STREAM_RESET"
	default:
		return "UNKNOWN"
	}
}

// ParseNotificationType maps a configuration name to a notification type.
func ParseNotificationType(name string) (uint16, bool) {
	switch name {
	case "assoc_change":
		return NotifyAssocChange, true
	case "peer_addr_change":
		return NotifyPeerAddrChange, true
	case "remote_error":
		return NotifyRemoteError, true
	case "send_failed":
		return NotifySendFailed, true
	case "shutdown_event":
		return NotifyShutdownEvent, true
	case "adaptation_indication":
		return NotifyAdaptationIndication, true
	case "partial_delivery":
		return NotifyPartialDelivery, true
	case "sender_dry":
		return NotifySenderDry, true
	case "stream_reset":
		return NotifyStreamReset, true
	default:
		return 0, false
	}
}

// CauseName returns a human-readable name for an error cause.
func CauseName(cause uint16) string {
	switch cause {
	case CauseNone:
		return "NONE"
	case CauseInvalidStream:
		return "INVALID_STREAM"
	case CauseNoUserData:
		return "NO_USER_DATA"
	case CauseUserInitiatedAbort:
		return "USER_INITIATED_ABORT"
	case CauseProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case CauseNoListener:
		return "NO_LISTENER"
	case CauseCarrierFailure:
		return "CARRIER_FAILURE"
	case CauseShutdownGuard:
		return "SHUTDOWN_GUARD_EXPIRED"
	default:
		return "UNKNOWN"
	}
}
