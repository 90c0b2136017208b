package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/assocmux/internal/logging"
	"github.com/postalsys/assocmux/internal/protocol"
	"github.com/postalsys/assocmux/internal/recovery"
)

type assocState int

const (
	assocUp assocState = iota
	assocShutdownSent
	assocShutdownAckSent
	assocClosed
)

// stackAssoc is the stack-side record of one association.
type stackAssoc struct {
	id     protocol.AssocID
	ep     *stackEndpoint
	peer   protocol.Address
	logger *slog.Logger

	mu           sync.Mutex
	conn         CarrierConn
	gen          uint64
	state        assocState
	inbound      uint16
	outbound     uint16
	tsn          uint32
	ssn          []uint16
	lastActivity time.Time
	autoTimer    *time.Timer
	guardTimer   *time.Timer

	writeMu sync.Mutex
}

// resetCountersLocked resets sequence state for a fresh or restarted association.
func (a *stackAssoc) resetCountersLocked() {
	a.tsn = 0
	a.ssn = make([]uint16, a.outbound)
	a.lastActivity = time.Now()
}

// start launches the reader for the current carrier connection and arms
// the auto-close timer.
func (a *stackAssoc) start(autoCloseSeconds uint32) {
	a.mu.Lock()
	conn, gen := a.conn, a.gen
	if autoCloseSeconds > 0 {
		idle := time.Duration(autoCloseSeconds) * time.Second
		a.autoTimer = time.AfterFunc(idle, func() { a.checkIdle(idle) })
	}
	a.mu.Unlock()

	a.ep.stack.wg.Add(1)
	go a.readLoop(conn, gen)
}

// restart swaps in the carrier connection of a re-initialised peer and
// re-negotiates stream counts. It returns false if the association is no
// longer up, in which case the caller creates a new association instead.
func (a *stackAssoc) restart(conn CarrierConn, local, remote *protocol.Init) bool {
	a.mu.Lock()
	if a.state != assocUp {
		a.mu.Unlock()
		return false
	}
	old := a.conn
	a.conn = conn
	a.gen++
	a.inbound = min(local.MaxInboundStreams, remote.OutboundStreams)
	a.outbound = min(local.OutboundStreams, remote.MaxInboundStreams)
	a.resetCountersLocked()
	in, out, gen := a.inbound, a.outbound, a.gen
	a.mu.Unlock()

	old.Close()

	a.logger.Info("association restarted",
		logging.KeyInbound, in,
		logging.KeyOutbound, out)

	a.ep.queueNotification(protocol.NotifyAssocChange, (&protocol.AssocChange{
		State:           protocol.AssocRestart,
		OutboundStreams: out,
		InboundStreams:  in,
		AssocID:         a.id,
	}).Encode(), a.id)
	if remote.HasAdaptation {
		a.ep.queueNotification(protocol.NotifyAdaptationIndication, (&protocol.AdaptationEvent{
			Indication: remote.Adaptation,
			AssocID:    a.id,
		}).Encode(), a.id)
	}

	a.ep.stack.wg.Add(1)
	go a.readLoop(conn, gen)
	return true
}

// ============================================================================
// Outbound
// ============================================================================

func (a *stackAssoc) send(info SendInfo, payload []byte) error {
	a.mu.Lock()
	if a.state != assocUp {
		a.mu.Unlock()
		return ErrNotConnected
	}
	if info.StreamID >= a.outbound {
		out := a.outbound
		a.mu.Unlock()
		return fmt.Errorf("%w: stream %d, outbound streams %d", ErrInvalidStream, info.StreamID, out)
	}

	chunk := &protocol.DataChunk{
		StreamID: info.StreamID,
		TSN:      a.tsn,
		PPID:     info.PayloadID,
		Data:     payload,
	}
	a.tsn++
	var flags uint8
	if info.Unordered {
		flags = protocol.FlagUnordered
	} else {
		chunk.SSN = a.ssn[info.StreamID]
		a.ssn[info.StreamID]++
	}
	a.lastActivity = time.Now()
	conn := a.conn
	a.mu.Unlock()

	return a.write(conn, &protocol.Frame{Type: protocol.FrameData, Flags: flags, Payload: chunk.Encode()})
}

func (a *stackAssoc) write(conn CarrierConn, f *protocol.Frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteFrame(f)
}

// shutdown starts the graceful SHUTDOWN exchange and arms the guard timer.
func (a *stackAssoc) shutdown() error {
	a.mu.Lock()
	if a.state != assocUp {
		a.mu.Unlock()
		return nil
	}
	a.state = assocShutdownSent
	conn, gen := a.conn, a.gen
	guard := a.ep.stack.cfg.ShutdownGuard
	a.guardTimer = time.AfterFunc(guard, func() { a.guardExpired(gen) })
	shut := &protocol.Shutdown{CumulativeTSN: a.tsn}
	a.mu.Unlock()

	a.logger.Debug("shutdown started")

	if err := a.write(conn, &protocol.Frame{Type: protocol.FrameShutdown, Payload: shut.Encode()}); err != nil {
		a.finishLost(gen, protocol.CauseCarrierFailure)
		return err
	}
	return nil
}

func (a *stackAssoc) guardExpired(gen uint64) {
	a.mu.Lock()
	conn := a.conn
	live := a.gen == gen && a.state != assocClosed
	a.mu.Unlock()
	if !live {
		return
	}

	a.logger.Warn("shutdown guard expired, aborting")
	a.write(conn, &protocol.Frame{Type: protocol.FrameAbort,
		Payload: (&protocol.Abort{Cause: protocol.CauseShutdownGuard, Reason: "shutdown guard expired"}).Encode()})
	a.finishLost(gen, protocol.CauseShutdownGuard)
	conn.Close()
}

func (a *stackAssoc) checkIdle(idle time.Duration) {
	a.mu.Lock()
	if a.state != assocUp {
		a.mu.Unlock()
		return
	}
	since := time.Since(a.lastActivity)
	if since < idle {
		a.autoTimer.Reset(idle - since)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	a.logger.Debug("auto-closing idle association", logging.KeyDuration, since)
	a.shutdown()
}

// abort sends ABORT and closes without queueing notifications. Used when
// the owning endpoint closes.
func (a *stackAssoc) abort(cause uint16, reason string) {
	a.mu.Lock()
	if a.state == assocClosed {
		a.mu.Unlock()
		return
	}
	a.state = assocClosed
	a.stopTimersLocked()
	conn := a.conn
	a.mu.Unlock()

	a.write(conn, &protocol.Frame{Type: protocol.FrameAbort,
		Payload: (&protocol.Abort{Cause: cause, Reason: reason}).Encode()})
	// The reader exits once the peer hangs up; force it if the peer does not.
	time.AfterFunc(a.ep.stack.cfg.ShutdownGuard, func() { conn.Close() })
}

// ============================================================================
// Inbound
// ============================================================================

func (a *stackAssoc) readLoop(conn CarrierConn, gen uint64) {
	defer a.ep.stack.wg.Done()
	defer recovery.RecoverWithCallback(a.logger, "stack.readLoop", func(any) {
		a.finishLost(gen, protocol.CauseProtocolViolation)
		conn.Close()
	})

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if !isClosedErr(err) {
				a.logger.Debug("carrier read failed", logging.KeyError, err)
			}
			a.finishLost(gen, protocol.CauseCarrierFailure)
			conn.Close()
			return
		}

		switch f.Type {
		case protocol.FrameData:
			a.handleData(f, gen)

		case protocol.FrameShutdown:
			a.mu.Lock()
			live := a.gen == gen && (a.state == assocUp || a.state == assocShutdownSent)
			if live {
				a.state = assocShutdownAckSent
			}
			a.mu.Unlock()
			if !live {
				continue
			}
			a.ep.queueNotification(protocol.NotifyShutdownEvent,
				(&protocol.ShutdownEvent{AssocID: a.id}).Encode(), a.id)
			if err := a.write(conn, &protocol.Frame{Type: protocol.FrameShutdownAck}); err != nil {
				a.finishLost(gen, protocol.CauseCarrierFailure)
				conn.Close()
				return
			}

		case protocol.FrameShutdownAck:
			a.write(conn, &protocol.Frame{Type: protocol.FrameShutdownComplete})
			a.finishGraceful(gen)
			// The peer closes once it sees SHUTDOWN_COMPLETE.
			closeAfterPeer(conn, a.ep.stack.cfg.ShutdownGuard)
			return

		case protocol.FrameShutdownComplete:
			a.finishGraceful(gen)
			conn.Close()
			return

		case protocol.FrameAbort:
			cause := protocol.CauseUserInitiatedAbort
			if abort, err := protocol.DecodeAbort(f.Payload); err == nil {
				cause = abort.Cause
			}
			a.finishLost(gen, cause)
			conn.Close()
			return

		default:
			a.logger.Debug("unexpected frame ignored", "frame", protocol.FrameTypeName(f.Type))
		}
	}
}

func (a *stackAssoc) handleData(f *protocol.Frame, gen uint64) {
	chunk, err := protocol.DecodeDataChunk(f.Payload)
	if err != nil {
		a.logger.Debug("malformed DATA dropped", logging.KeyError, err)
		return
	}

	a.mu.Lock()
	if a.gen != gen || a.state == assocClosed {
		a.mu.Unlock()
		return
	}
	inbound := a.inbound
	a.lastActivity = time.Now()
	a.mu.Unlock()

	if chunk.StreamID >= inbound {
		a.logger.Warn("DATA on stream beyond inbound count dropped",
			logging.KeyStreamID, chunk.StreamID,
			logging.KeyInbound, inbound)
		return
	}

	ev := &protocol.RawEvent{
		Flags:   protocol.MsgEOR,
		AssocID: a.id,
		From:    a.peer,
		Payload: chunk.Data,
	}
	if a.ep.wantRcvInfo() {
		var flags uint16
		if f.Flags&protocol.FlagUnordered != 0 {
			flags = protocol.InfoFlagUnordered
		}
		ev.InfoType = protocol.InfoRcv
		ev.Info = protocol.RcvInfo{
			StreamID: chunk.StreamID,
			SSN:      chunk.SSN,
			Flags:    flags,
			PPID:     chunk.PPID,
			TSN:      chunk.TSN,
			CumTSN:   chunk.TSN,
			AssocID:  a.id,
		}
	}
	a.ep.queue(ev)
}

// ============================================================================
// Termination
// ============================================================================

// finishGraceful closes the association after a completed SHUTDOWN exchange.
func (a *stackAssoc) finishGraceful(gen uint64) {
	if !a.markClosed(gen) {
		return
	}
	a.logger.Info("association shut down")
	a.ep.queueNotification(protocol.NotifyAssocChange, (&protocol.AssocChange{
		State:   protocol.AssocShutdownComplete,
		AssocID: a.id,
	}).Encode(), a.id)
}

// finishLost closes the association after an abort or carrier failure.
func (a *stackAssoc) finishLost(gen uint64, cause uint16) {
	if !a.markClosed(gen) {
		return
	}
	a.logger.Info("association lost", "cause", protocol.CauseName(cause))
	a.ep.queueNotification(protocol.NotifyAssocChange, (&protocol.AssocChange{
		State:   protocol.AssocCommLost,
		Error:   cause,
		AssocID: a.id,
	}).Encode(), a.id)
}

// markClosed moves the association to closed if gen is still current.
func (a *stackAssoc) markClosed(gen uint64) bool {
	a.mu.Lock()
	if a.gen != gen || a.state == assocClosed {
		a.mu.Unlock()
		return false
	}
	a.state = assocClosed
	a.stopTimersLocked()
	a.mu.Unlock()

	a.ep.removeAssoc(a)
	return true
}

func (a *stackAssoc) stopTimersLocked() {
	if a.autoTimer != nil {
		a.autoTimer.Stop()
	}
	if a.guardTimer != nil {
		a.guardTimer.Stop()
	}
}
