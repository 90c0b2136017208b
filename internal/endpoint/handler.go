// Package endpoint runs client and server associations on a transport:
// setup, the receive loop, sending and teardown.
package endpoint

import (
	"errors"
	"slices"
	"time"

	"github.com/postalsys/assocmux/internal/association"
	"github.com/postalsys/assocmux/internal/dispatch"
	"github.com/postalsys/assocmux/internal/notification"
	"github.com/postalsys/assocmux/internal/protocol"
	"github.com/postalsys/assocmux/internal/registry"
)

// DefaultNotifications is the set of notification types endpoints subscribe
// to when none are configured.
var DefaultNotifications = []uint16{
	protocol.NotifyAssocChange,
	protocol.NotifyPeerAddrChange,
	protocol.NotifyShutdownEvent,
	protocol.NotifyAdaptationIndication,
}

// lifecycleNotifications returns the notification types an endpoint
// enables: DefaultNotifications when none are configured, otherwise the
// configured types plus association changes, which the association state
// machine needs to reach Closed.
func lifecycleNotifications(types []uint16) []uint16 {
	if types == nil {
		return DefaultNotifications
	}
	if slices.Contains(types, protocol.NotifyAssocChange) {
		return types
	}
	return append(slices.Clip(types), protocol.NotifyAssocChange)
}

// Handler receives events from a receive loop. Calls come from the loop's
// goroutine, one at a time.
type Handler interface {
	OnMessage(h registry.Handle, msg *dispatch.DeliveredMessage)
	OnNotification(h registry.Handle, n *notification.Notification)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields ignore the
// event.
type HandlerFuncs struct {
	Message      func(h registry.Handle, msg *dispatch.DeliveredMessage)
	Notification func(h registry.Handle, n *notification.Notification)
}

// OnMessage implements Handler.
func (f HandlerFuncs) OnMessage(h registry.Handle, msg *dispatch.DeliveredMessage) {
	if f.Message != nil {
		f.Message(h, msg)
	}
}

// OnNotification implements Handler.
func (f HandlerFuncs) OnNotification(h registry.Handle, n *notification.Notification) {
	if f.Notification != nil {
		f.Notification(h, n)
	}
}

// Recorder receives lifecycle and message accounting. *metrics.Metrics
// implements it.
type Recorder interface {
	dispatch.Recorder
	RecordNotification(kind string)
	RecordTransition(from, to string)
	RecordAssociationUp(outbound uint16)
	RecordAssociationDown()
	RecordAssociationClosed(reason string)
	RecordSetupDuration(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordMessageSent(uint16, int)     {}
func (nopRecorder) RecordMessageReceived(uint16, int) {}
func (nopRecorder) RecordSendError(string)            {}
func (nopRecorder) RecordMessageDropped(string)       {}
func (nopRecorder) RecordNotification(string)         {}
func (nopRecorder) RecordTransition(string, string)   {}
func (nopRecorder) RecordAssociationUp(uint16)        {}
func (nopRecorder) RecordAssociationDown()            {}
func (nopRecorder) RecordAssociationClosed(string)    {}
func (nopRecorder) RecordSetupDuration(time.Duration) {}

func orNopRecorder(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}

// lifecycle feeds association callbacks into a Recorder.
type lifecycle struct {
	rec Recorder
}

func (l lifecycle) onTransition(a *association.Association, from, to association.State) {
	l.rec.RecordTransition(from.String(), to.String())

	switch {
	case to == association.StateEstablished && from != association.StateEstablished:
		_, out, _ := a.NegotiatedCounts()
		l.rec.RecordAssociationUp(out)
	case to == association.StateClosed &&
		(from == association.StateEstablished || from == association.StateShuttingDown):
		l.rec.RecordAssociationDown()
	}
}

func (l lifecycle) onClosed(_ *association.Association, err error) {
	l.rec.RecordAssociationClosed(closeReason(err))
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, association.ErrAssociationLost):
		return "lost"
	case errors.Is(err, association.ErrCannotStart):
		return "unstartable"
	default:
		return "error"
	}
}
