package hcd

import (
	"math/bits"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// HandleInterrupt services the controller's pending interrupts. It is the
// interrupt service routine: it never blocks beyond the engine's short
// critical section and never invokes completion callbacks.
func (e *Engine) HandleInterrupt() {
	e.mu.Lock()
	defer e.mu.Unlock()

	sum := e.ctrl.InterruptSummary()
	pending := sum.Channels & e.all
	for pending != 0 {
		id := bits.TrailingZeros32(pending)
		pending &^= 1 << id
		e.serviceChannel(id)
	}
	if sum.FrameTick {
		e.onFrameTick()
	}
}

// serviceChannel acknowledges and dispatches the events of one channel.
func (e *Engine) serviceChannel(id int) {
	ch := &e.channels[id]
	raw := e.ctrl.ChannelEvents(id)
	e.ctrl.ClearChannelEvents(id, raw)

	ev := raw & ch.mask
	if ev == 0 {
		return
	}
	pkg.LogTrace(pkg.ComponentIRQ, "channel interrupt",
		"channel", id, "events", ev, "state", ch.state)

	if ch.xfer == nil {
		if ev&hal.EventHalted != 0 && ch.halting {
			ch.halting = false
			ch.state = channelIdle
			return
		}
		pkg.LogError(pkg.ComponentIRQ, "events on idle channel",
			"channel", id, "events", ev)
		e.stats.Faults++
		return
	}

	if ch.xfer.ep.In {
		e.handleIn(ch, ev)
	} else {
		e.handleOut(ch, ev)
	}
}

// handleIn processes device-to-host events.
func (e *Engine) handleIn(ch *channel, ev hal.ChannelEvent) {
	e.handleEvents(ch, ev)
}

// handleOut processes host-to-device events. A high-speed NYET outside a
// split transaction acknowledges the packet; the device merely asks to be
// pinged before the next one.
func (e *Engine) handleOut(ch *channel, ev hal.ChannelEvent) {
	if ev&hal.EventNyet != 0 && ch.split == splitNone {
		ev = ev&^hal.EventNyet | hal.EventAck
	}
	if ev&hal.EventBabble != 0 {
		pkg.LogWarn(pkg.ComponentIRQ, "babble on OUT channel", "channel", ch.id)
	}
	e.handleEvents(ch, ev)
}

func (e *Engine) handleEvents(ch *channel, ev hal.ChannelEvent) {
	// An ACK batched with a later packet's error still ends the error run.
	if ev&hal.EventAck != 0 && ch.split == splitNone {
		ch.retries = 0
		ch.mask &^= hal.EventAck
		e.ctrl.SetChannelMask(ch.id, ch.mask)
	}

	if ev&hal.EventHalted != 0 {
		e.onHalted(ch, ev)
		return
	}

	r := e.classify(ch, ev)
	if r == haltNone {
		return
	}
	if ch.reason != haltAbort && ch.reason != haltFault {
		ch.reason = r
	}
	if r == haltSplitAck {
		// The channel halts on its own after a Start-Split.
		return
	}
	e.requestHalt(ch)
}

// onHalted classifies a halted channel and applies the retry policy.
func (e *Engine) onHalted(ch *channel, ev hal.ChannelEvent) {
	ch.halting = false
	ch.state = channelHalted
	t := ch.xfer

	reason := ch.reason
	ch.reason = haltNone
	switch {
	case t.aborted:
		reason = haltAbort
	case reason == haltFault:
		// Keep the fault even if the hardware reports completion.
	case ev&hal.EventTransferComplete != 0:
		reason = haltComplete
	case reason == haltNone:
		reason = e.classify(ch, ev)
	}

	programmed := ch.prog.Bytes
	moved, ok := e.accountProgress(ch)
	if !ok {
		e.fault(ch)
		return
	}

	pkg.LogTrace(pkg.ComponentChannel, "channel halted",
		"channel", ch.id, "id", t.id, "reason", reason, "moved", moved)

	switch reason {
	case haltAbort:
		e.complete(ch, pkg.TransferStatusAborted)
	case haltComplete:
		e.chunkDone(ch, moved, programmed)
	case haltNak:
		e.onNak(ch)
	case haltNyet:
		e.onNyet(ch)
	case haltSplitAck:
		e.onStartSplitAck(ch)
	case haltTransactionError:
		e.onTransactionError(ch)
	case haltStall:
		pkg.LogDebug(pkg.ComponentChannel, "endpoint stalled",
			"channel", ch.id, "endpoint", t.ep.String())
		e.complete(ch, pkg.TransferStatusStall)
	case haltBabble:
		e.complete(ch, pkg.TransferStatusBabble)
	case haltDataToggle:
		e.complete(ch, pkg.TransferStatusDataToggleError)
	case haltFrameOverrun:
		e.restart(ch)
	case haltFault:
		e.fault(ch)
	default:
		pkg.LogError(pkg.ComponentChannel, "halt without cause",
			"channel", ch.id, "events", ev)
		e.fault(ch)
	}
}
