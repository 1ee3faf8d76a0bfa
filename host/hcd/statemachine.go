package hcd

import (
	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// baseMask is armed on every enabled channel.
const baseMask = hal.EventTransferComplete | hal.EventHalted | hal.EventNak |
	hal.EventNyet | hal.EventStall | hal.EventTransactionError |
	hal.EventBabble | hal.EventDataToggleError | hal.EventFrameOverrun

// start binds t to ch and launches its first chunk.
func (e *Engine) start(ch *channel, t *Transfer) {
	e.useSeq++
	ch.lastUse = e.useSeq
	ch.xfer = t
	ch.retries = 0
	ch.split = splitNone
	ch.reason = haltNone
	t.state = transferActive
	t.channel = ch.id
	e.startChunk(ch)
}

// startChunk programs the next chunk of the current transfer from its
// progress so far and enables the channel.
func (e *Engine) startChunk(ch *channel) {
	t := ch.xfer
	ep := t.ep
	mps := int(ep.MaxPacketSize)

	n := t.remaining()
	if limit := e.ctrl.MaxTransferSize(); limit > 0 && n > limit {
		n = limit / mps * mps
		if n == 0 {
			pkg.LogError(pkg.ComponentChannel, "max transfer size below packet size",
				"channel", ch.id, "limit", limit, "mps", mps)
			e.fault(ch)
			return
		}
	}
	if ep.NeedsSplit() && n > mps {
		n = mps
	}
	packets := (n + mps - 1) / mps
	if packets == 0 {
		packets = 1
	}

	pid := ch.toggle
	switch t.stage {
	case StageSetup:
		pid = hal.PIDSetup
	case StageStatus:
		pid = hal.PIDData1
	}
	ch.prog = hal.TransferSize{Bytes: n, Packets: packets, PID: pid}
	ch.split = splitNone
	if ep.NeedsSplit() {
		ch.split = splitStart
	}
	e.launch(ch)
}

// launch writes the outstanding chunk to the hardware and enables the
// channel. The split phase selects Start- or Complete-Split.
func (e *Engine) launch(ch *channel) {
	t := ch.xfer
	ep := t.ep

	cfg := hal.ChannelConfig{
		Device:        ep.Device,
		Endpoint:      ep.Number,
		In:            ep.In,
		Type:          ep.Type,
		Speed:         ep.Speed,
		MaxPacketSize: ep.MaxPacketSize,
	}
	if ch.split != splitNone {
		cfg.Split = hal.SplitConfig{
			Enabled:    true,
			HubAddress: ep.Hub.Address,
			HubPort:    ep.Hub.Port,
			Complete:   ch.split == splitComplete,
		}
		if ch.split == splitComplete {
			e.stats.CompleteSplits++
		} else {
			e.stats.StartSplits++
		}
	}

	ch.disarm()
	ch.state = channelProgrammed
	e.ctrl.ConfigureChannel(ch.id, cfg)
	e.ctrl.ProgramTransfer(ch.id, ch.prog, t.buf[t.actual:t.actual+ch.prog.Bytes])

	ch.mask = baseMask
	if ch.split != splitNone || ch.retries > 0 {
		ch.mask |= hal.EventAck
	}
	e.ctrl.SetChannelMask(ch.id, ch.mask)

	e.ctrl.EnableChannel(ch.id)
	ch.state = channelActive

	pkg.LogTrace(pkg.ComponentChannel, "channel enabled",
		"channel", ch.id, "id", t.id, "bytes", ch.prog.Bytes,
		"packets", ch.prog.Packets, "pid", ch.prog.PID, "split", ch.split)
}

// requestHalt asks the hardware to halt ch once.
func (e *Engine) requestHalt(ch *channel) {
	if ch.halting {
		return
	}
	ch.halting = true
	e.ctrl.HaltChannel(ch.id)
}

// accountProgress reads back the transfer size register, credits the bytes
// the hardware confirmed and keeps the unsent remainder as the outstanding
// chunk. It returns the bytes moved, or false if the hardware state is
// inconsistent with what was programmed.
func (e *Engine) accountProgress(ch *channel) (int, bool) {
	t := ch.xfer
	hw := e.ctrl.TransferState(ch.id)
	if hw.Bytes < 0 || hw.Bytes > ch.prog.Bytes {
		pkg.LogError(pkg.ComponentChannel, "transfer size read back out of range",
			"channel", ch.id, "programmed", ch.prog.Bytes, "remaining", hw.Bytes)
		return 0, false
	}
	moved := ch.prog.Bytes - hw.Bytes
	if t.actual+moved > len(t.buf) {
		return 0, false
	}
	t.actual += moved
	ch.prog = hw
	if hw.PID != hal.PIDSetup {
		ch.toggle = hw.PID
	}
	return moved, true
}

// chunkDone finishes one hardware completion and either continues the
// transfer or completes it.
func (e *Engine) chunkDone(ch *channel, moved, programmed int) {
	t := ch.xfer
	ch.split = splitNone
	ch.retries = 0

	if t.stage == StageSetup {
		e.setupDone(ch)
	}

	short := t.ep.In && moved < programmed
	if short || t.remaining() == 0 {
		e.complete(ch, pkg.TransferStatusSuccess)
		return
	}
	e.startChunk(ch)
}

// setupDone primes DATA1 for the data stage on both directions of the
// control endpoint.
func (e *Engine) setupDone(ch *channel) {
	ch.toggle = hal.PIDData1
	k := ch.key
	k.In = !k.In
	if id, ok := e.lookup(k); ok {
		e.channels[id].toggle = hal.PIDData1
	}
	e.toggles.set(k, true)
}

// complete relays the terminal status of the channel's transfer and starts
// the next queued one.
func (e *Engine) complete(ch *channel, status pkg.TransferStatus) {
	t := ch.xfer
	if ch.halting {
		// The pending EventHalted completes the transfer as a fault.
		pkg.LogError(pkg.ComponentChannel, "completion while halting",
			"channel", ch.id, "status", status)
		ch.reason = haltFault
		return
	}
	wasPending := ch.split == splitCompletePending
	ch.clearTransfer()
	ch.mask = 0
	e.ctrl.SetChannelMask(ch.id, 0)
	if wasPending {
		e.frameCheck()
	}

	if status == pkg.TransferStatusStall {
		e.halted.set(t.ep.Key(), true)
	}
	e.finish(t, status)

	if len(ch.queue) > 0 {
		next := ch.queue[0]
		ch.queue = ch.queue[1:]
		e.start(ch, next)
	}
}

// fault completes the channel's transfer with EngineFault.
func (e *Engine) fault(ch *channel) {
	e.stats.Faults++
	ch.halting = false
	e.complete(ch, pkg.TransferStatusEngineFault)
}

// finish moves t to its terminal state and queues it for dispatch.
func (e *Engine) finish(t *Transfer, status pkg.TransferStatus) {
	if t.state == transferCompleted {
		pkg.LogError(pkg.ComponentEngine, "transfer completed twice", "id", t.id)
		e.stats.Faults++
		return
	}
	t.state = transferCompleted
	t.status = status
	t.channel = -1
	e.stats.Completed++
	if status == pkg.TransferStatusAborted {
		e.stats.Aborted++
	}

	pkg.LogDebug(pkg.ComponentEngine, "transfer complete",
		"id", t.id, "endpoint", t.ep.String(), "stage", t.stage,
		"actual", t.actual, "status", status)

	e.pending = append(e.pending, t)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
