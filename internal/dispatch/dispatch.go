// Package dispatch moves application messages onto and off negotiated
// association streams.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/postalsys/assocmux/internal/association"
	"github.com/postalsys/assocmux/internal/logging"
	"github.com/postalsys/assocmux/internal/notification"
	"github.com/postalsys/assocmux/internal/protocol"
	"github.com/postalsys/assocmux/internal/transport"
)

// Send error reasons reported to the Recorder.
const (
	ReasonNotEstablished = "not_established"
	ReasonInvalidStream  = "invalid_stream"
	ReasonTransport      = "transport"
)

// OutboundMessage is one application message to send.
type OutboundMessage struct {
	Payload   []byte
	PayloadID uint32
	Ordered   bool

	// StreamID pins the message to a stream. Nil lets the policy choose.
	StreamID *uint16
}

// Stream returns a pointer to id, for OutboundMessage.StreamID.
func Stream(id uint16) *uint16 {
	return &id
}

// DeliveredMessage is a received message as handed to the application.
type DeliveredMessage struct {
	AssocID            protocol.AssocID
	Payload            []byte
	Source             protocol.Address
	HasInfo            bool
	StreamID           uint16
	SequenceNumber     uint16
	TransmissionNumber uint32
	Ordered            bool
	PayloadID          uint32
}

// Sender is the part of a transport endpoint the dispatcher sends through.
type Sender interface {
	Send(ctx context.Context, info transport.SendInfo, payload []byte) error
}

// Recorder receives per-message accounting. *metrics.Metrics implements it.
type Recorder interface {
	RecordMessageSent(streamID uint16, bytes int)
	RecordMessageReceived(streamID uint16, bytes int)
	RecordSendError(reason string)
	RecordMessageDropped(reason string)
}

type nopRecorder struct{}

func (nopRecorder) RecordMessageSent(uint16, int)     {}
func (nopRecorder) RecordMessageReceived(uint16, int) {}
func (nopRecorder) RecordSendError(string)            {}
func (nopRecorder) RecordMessageDropped(string)       {}

// Config configures a Dispatcher.
type Config struct {
	// Sender delivers messages to the transport. Required for Send.
	Sender Sender

	// Policy picks a stream for messages without an explicit id.
	// Nil means RoundRobin.
	Policy StreamPolicy

	Recorder Recorder
	Logger   *slog.Logger
}

// Dispatcher validates and routes messages for any number of associations.
// All per-association state lives in the association itself.
type Dispatcher struct {
	sender   Sender
	policy   StreamPolicy
	recorder Recorder
	logger   *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		sender:   cfg.Sender,
		policy:   cfg.Policy,
		recorder: cfg.Recorder,
		logger:   logging.Component(cfg.Logger, "dispatch"),
	}
	if d.policy == nil {
		d.policy = RoundRobin{}
	}
	if d.recorder == nil {
		d.recorder = nopRecorder{}
	}
	return d
}

// Send transmits msg on a. The association must be Established. The
// association's send counter advances only when the transport accepts the
// message.
func (d *Dispatcher) Send(ctx context.Context, a *association.Association, msg OutboundMessage) error {
	if d.sender == nil {
		return fmt.Errorf("%w: no sender configured", association.ErrTransportRejected)
	}

	var sid uint16
	err := a.WithSendLock(func(v association.SendView) (bool, error) {
		if msg.StreamID != nil {
			sid = *msg.StreamID
		} else if v.OutboundStreams > 0 {
			sid = d.policy.SelectStream(v.Counter, v.OutboundStreams)
		}
		if sid >= v.OutboundStreams {
			return false, fmt.Errorf("%w: stream %d, outbound streams %d",
				association.ErrInvalidStreamID, sid, v.OutboundStreams)
		}

		info := transport.SendInfo{
			AssocID:   v.ID,
			StreamID:  sid,
			PayloadID: msg.PayloadID,
			Unordered: !msg.Ordered,
		}
		if err := d.sender.Send(ctx, info, msg.Payload); err != nil {
			return false, fmt.Errorf("%w: %w", association.ErrTransportRejected, err)
		}
		return true, nil
	})

	if err != nil {
		d.recorder.RecordSendError(sendErrorReason(err))
		d.logger.Debug("send failed",
			logging.KeyAssocID, a.ID(),
			logging.KeyStreamID, sid,
			logging.KeyError, err)
		return err
	}

	d.recorder.RecordMessageSent(sid, len(msg.Payload))
	return nil
}

// Deliver turns a received data event into a DeliveredMessage. Messages for
// an association without negotiated counts are dropped with
// ErrNotEstablished, and messages on a stream id outside the negotiated
// inbound range with ErrInvalidStreamID.
func (d *Dispatcher) Deliver(a *association.Association, data *notification.Data) (*DeliveredMessage, error) {
	if st := a.State(); st != association.StateEstablished && st != association.StateShuttingDown {
		d.recorder.RecordMessageDropped(ReasonNotEstablished)
		d.logger.Warn("message dropped",
			logging.KeyAssocID, a.ID(),
			logging.KeyState, st.String(),
			logging.KeyError, association.ErrNotEstablished)
		return nil, fmt.Errorf("%w: state %s", association.ErrNotEstablished, st)
	}
	if data.HasInfo {
		if err := a.ValidateInbound(data.StreamID); err != nil {
			d.recorder.RecordMessageDropped(ReasonInvalidStream)
			d.logger.Warn("message dropped",
				logging.KeyAssocID, a.ID(),
				logging.KeyStreamID, data.StreamID,
				logging.KeyError, err)
			return nil, err
		}
	}

	d.recorder.RecordMessageReceived(data.StreamID, len(data.Payload))

	return &DeliveredMessage{
		AssocID:            a.ID(),
		Payload:            data.Payload,
		Source:             data.Source,
		HasInfo:            data.HasInfo,
		StreamID:           data.StreamID,
		SequenceNumber:     data.SequenceNumber,
		TransmissionNumber: data.TransmissionNumber,
		Ordered:            data.Ordered,
		PayloadID:          data.PayloadID,
	}, nil
}

func sendErrorReason(err error) string {
	switch {
	case errors.Is(err, association.ErrNotEstablished):
		return ReasonNotEstablished
	case errors.Is(err, association.ErrInvalidStreamID):
		return ReasonInvalidStream
	default:
		return ReasonTransport
	}
}
