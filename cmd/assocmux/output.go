package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/postalsys/assocmux/internal/dispatch"
	"github.com/postalsys/assocmux/internal/endpoint"
	"github.com/postalsys/assocmux/internal/notification"
	"github.com/postalsys/assocmux/internal/registry"
)

// printer writes notification and message lines. Styling is only applied
// when the writer is a terminal.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	styled bool

	label   lipgloss.Style
	event   lipgloss.Style
	warning lipgloss.Style
	muted   lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	return &printer{
		w:       w,
		styled:  styled,
		label:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		event:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

func (p *printer) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

// notification prints one decoded notification.
func (p *printer) notification(h registry.Handle, n *notification.Notification) {
	style := p.event
	if n.Kind == notification.KindUnknown || n.Err != nil ||
		n.Kind == notification.KindAssociationLost || n.Kind == notification.KindAssociationUnstartable {
		style = p.warning
	}

	detail := ""
	switch {
	case n.Kind == notification.KindAssociationUp || n.Kind == notification.KindAssociationRestarted:
		detail = fmt.Sprintf("streams in=%d out=%d", n.InboundStreams, n.OutboundStreams)
	case n.Kind.IsPeerAddress():
		detail = fmt.Sprintf("addr=%s error=%d", n.PeerAddress, n.Error)
	case n.Kind == notification.KindAdaptationIndicationReceived:
		detail = fmt.Sprintf("indication=0x%08x", n.AdaptationIndication)
	case n.Kind == notification.KindUnknown:
		detail = fmt.Sprintf("type=0x%04x code=%d", n.Type, n.Code())
	case n.Error != 0:
		detail = fmt.Sprintf("error=%d", n.Error)
	}
	if n.Err != nil {
		detail = n.Err.Error()
	}

	p.printf("%s %s %s\n",
		p.render(p.label, fmt.Sprintf("[assoc %d]", h)),
		p.render(style, n.Kind.String()),
		p.render(p.muted, detail))
}

// message prints the delivery metadata of one received message.
func (p *printer) message(h registry.Handle, msg *dispatch.DeliveredMessage) {
	size := humanize.Bytes(uint64(len(msg.Payload)))
	if !msg.HasInfo {
		p.printf("%s received %s from %s\n",
			p.render(p.label, fmt.Sprintf("[assoc %d]", h)), size, msg.Source)
		return
	}

	ssn := "unordered"
	if msg.Ordered {
		ssn = fmt.Sprintf("ssn=%d", msg.SequenceNumber)
	}
	p.printf("%s received %s from %s sid=%d %s tsn=%d ppid=%d\n",
		p.render(p.label, fmt.Sprintf("[assoc %d]", h)), size, msg.Source,
		msg.StreamID, ssn, msg.TransmissionNumber, msg.PayloadID)
}

// sent prints a client send summary.
func (p *printer) sent(count int, bytes uint64, streams uint16) {
	p.printf("%s %s messages (%s) over %d streams\n",
		p.render(p.label, "sent"), humanize.Comma(int64(count)), humanize.Bytes(bytes), streams)
}

// received prints a server receive summary.
func (p *printer) received(count int, bytes uint64) {
	p.printf("%s %s messages (%s)\n",
		p.render(p.label, "received"), humanize.Comma(int64(count)), humanize.Bytes(bytes))
}

// handler returns an endpoint handler that prints events and counts
// received messages.
func (p *printer) handler(stats *receiveStats) endpoint.HandlerFuncs {
	return endpoint.HandlerFuncs{
		Message: func(h registry.Handle, msg *dispatch.DeliveredMessage) {
			if stats != nil {
				stats.add(len(msg.Payload))
			}
			p.message(h, msg)
		},
		Notification: p.notification,
	}
}

// receiveStats counts messages seen by a handler.
type receiveStats struct {
	mu       sync.Mutex
	messages int
	bytes    uint64
}

func (s *receiveStats) add(n int) {
	s.mu.Lock()
	s.messages++
	s.bytes += uint64(n)
	s.mu.Unlock()
}

func (s *receiveStats) snapshot() (int, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages, s.bytes
}
