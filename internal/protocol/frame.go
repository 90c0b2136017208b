package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame or notification is malformed
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrInvalidAddress is returned for unparsable addresses
	ErrInvalidAddress = errors.New("invalid address")
)

// Carrier frame types. Values follow the SCTP chunk type numbering.
const (
	FrameData             uint8 = 0x00 // User message
	FrameInit             uint8 = 0x01 // Association setup request
	FrameInitAck          uint8 = 0x02 // Association setup response
	FrameAbort            uint8 = 0x06 // Abortive teardown
	FrameShutdown         uint8 = 0x07 // Graceful teardown request
	FrameShutdownAck      uint8 = 0x08 // Graceful teardown acknowledgement
	FrameShutdownComplete uint8 = 0x0e // Graceful teardown finished
)

// Frame flags
const (
	FlagUnordered uint8 = 0x04 // DATA: deliver without stream ordering
)

// Frame size limits
const (
	// HeaderSize is the size of a frame header in bytes
	HeaderSize = 6

	// MaxMessageSize is the largest user message a DATA frame carries (64 KB)
	MaxMessageSize = 1 << 16

	// MaxPayloadSize is the maximum frame payload size
	MaxPayloadSize = MaxMessageSize + DataHeaderSize

	// DataHeaderSize is the size of the DATA payload header
	DataHeaderSize = 12
)

// Frame is one carrier frame.
// Header format (6 bytes):
//
//	Type   [1 byte]  - Frame type
//	Flags  [1 byte]  - Frame flags
//	Length [4 bytes] - Payload length (big-endian)
type Frame struct {
	Type    uint8
	Flags   uint8
	Payload []byte
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Type
	buf[1] = f.Flags
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// DecodeHeader decodes a frame header from bytes.
func DecodeHeader(buf []byte) (frameType uint8, flags uint8, length uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	frameType = buf[0]
	flags = buf[1]
	length = binary.BigEndian.Uint32(buf[2:6])

	if length > MaxPayloadSize {
		return 0, 0, 0, ErrFrameTooLarge
	}
	return frameType, flags, length, nil
}

// Decode deserializes a frame from bytes.
func Decode(buf []byte) (*Frame, error) {
	frameType, flags, length, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}

	if len(buf) < HeaderSize+int(length) {
		return nil, fmt.Errorf("%w: buffer too short for payload", ErrInvalidFrame)
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:HeaderSize+int(length)])

	return &Frame{Type: frameType, Flags: flags, Payload: payload}, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, Flags=0x%02x, PayloadLen=%d}",
		FrameTypeName(f.Type), f.Flags, len(f.Payload))
}

// FrameTypeName returns a human-readable name for a frame type.
func FrameTypeName(t uint8) string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameInit:
		return "INIT"
	case FrameInitAck:
		return "INIT_ACK"
	case FrameAbort:
		return "ABORT"
	case FrameShutdown:
		return "SHUTDOWN"
	case FrameShutdownAck:
		return "SHUTDOWN_ACK"
	case FrameShutdownComplete:
		return "SHUTDOWN_COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// ============================================================================
// Payload structures
// ============================================================================

// Init is the payload for INIT and INIT_ACK frames.
type Init struct {
	SrcPort           uint16
	DstPort           uint16
	OutboundStreams   uint16 // Requested outbound streams
	MaxInboundStreams uint16 // Largest inbound stream count accepted
	HasAdaptation     bool
	Adaptation        uint32
}

const initSize = 13

// Encode serializes Init to bytes.
func (p *Init) Encode() []byte {
	buf := make([]byte, initSize)
	binary.BigEndian.PutUint16(buf[0:2], p.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], p.DstPort)
	binary.BigEndian.PutUint16(buf[4:6], p.OutboundStreams)
	binary.BigEndian.PutUint16(buf[6:8], p.MaxInboundStreams)
	if p.HasAdaptation {
		buf[8] = 1
	}
	binary.BigEndian.PutUint32(buf[9:13], p.Adaptation)
	return buf
}

// DecodeInit deserializes Init from bytes.
func DecodeInit(buf []byte) (*Init, error) {
	if len(buf) < initSize {
		return nil, fmt.Errorf("%w: Init too short", ErrInvalidFrame)
	}
	return &Init{
		SrcPort:           binary.BigEndian.Uint16(buf[0:2]),
		DstPort:           binary.BigEndian.Uint16(buf[2:4]),
		OutboundStreams:   binary.BigEndian.Uint16(buf[4:6]),
		MaxInboundStreams: binary.BigEndian.Uint16(buf[6:8]),
		HasAdaptation:     buf[8]&1 != 0,
		Adaptation:        binary.BigEndian.Uint32(buf[9:13]),
	}, nil
}

// DataChunk is the payload for DATA frames.
type DataChunk struct {
	StreamID uint16
	SSN      uint16
	TSN      uint32
	PPID     uint32
	Data     []byte
}

// Encode serializes DataChunk to bytes.
func (d *DataChunk) Encode() []byte {
	buf := make([]byte, DataHeaderSize+len(d.Data))
	binary.BigEndian.PutUint16(buf[0:2], d.StreamID)
	binary.BigEndian.PutUint16(buf[2:4], d.SSN)
	binary.BigEndian.PutUint32(buf[4:8], d.TSN)
	binary.BigEndian.PutUint32(buf[8:12], d.PPID)
	copy(buf[DataHeaderSize:], d.Data)
	return buf
}

// DecodeDataChunk deserializes DataChunk from bytes. Data aliases buf.
func DecodeDataChunk(buf []byte) (*DataChunk, error) {
	if len(buf) < DataHeaderSize {
		return nil, fmt.Errorf("%w: DataChunk too short", ErrInvalidFrame)
	}
	return &DataChunk{
		StreamID: binary.BigEndian.Uint16(buf[0:2]),
		SSN:      binary.BigEndian.Uint16(buf[2:4]),
		TSN:      binary.BigEndian.Uint32(buf[4:8]),
		PPID:     binary.BigEndian.Uint32(buf[8:12]),
		Data:     buf[DataHeaderSize:],
	}, nil
}

// Abort is the payload for ABORT frames.
type Abort struct {
	Cause  uint16
	Reason string
}

// Encode serializes Abort to bytes.
func (a *Abort) Encode() []byte {
	reason := a.Reason
	if len(reason) > 255 {
		reason = reason[:255]
	}
	buf := make([]byte, 3+len(reason))
	binary.BigEndian.PutUint16(buf[0:2], a.Cause)
	buf[2] = uint8(len(reason))
	copy(buf[3:], reason)
	return buf
}

// DecodeAbort deserializes Abort from bytes.
func DecodeAbort(buf []byte) (*Abort, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("%w: Abort too short", ErrInvalidFrame)
	}
	n := int(buf[2])
	if len(buf) < 3+n {
		return nil, fmt.Errorf("%w: Abort reason truncated", ErrInvalidFrame)
	}
	return &Abort{
		Cause:  binary.BigEndian.Uint16(buf[0:2]),
		Reason: string(buf[3 : 3+n]),
	}, nil
}

// Shutdown is the payload for SHUTDOWN frames.
type Shutdown struct {
	CumulativeTSN uint32
}

// Encode serializes Shutdown to bytes.
func (s *Shutdown) Encode() []byte {
	return binary.BigEndian.AppendUint32(nil, s.CumulativeTSN)
}

// DecodeShutdown deserializes Shutdown from bytes.
func DecodeShutdown(buf []byte) (*Shutdown, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: Shutdown too short", ErrInvalidFrame)
	}
	return &Shutdown{CumulativeTSN: binary.BigEndian.Uint32(buf[0:4])}, nil
}

// ============================================================================
// Frame I/O
// ============================================================================

// FrameReader reads frames from an io.Reader.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads the next frame.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	frameType, flags, length, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{Type: frameType, Flags: flags, Payload: payload}, nil
}

// FrameWriter writes frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a frame.
func (fw *FrameWriter) Write(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}
