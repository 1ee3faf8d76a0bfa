package hcd

import (
	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// onStartSplitAck schedules the Complete-Split after the hub accepted a
// Start-Split. Interrupt endpoints use the periodic margin, bulk and
// control the asynchronous one.
func (e *Engine) onStartSplitAck(ch *channel) {
	margin := e.policy.SplitMarginAsync
	if ch.xfer.ep.Type == hal.TransferInterrupt {
		margin = e.policy.SplitMarginPeriodic
	}
	e.scheduleCompleteSplit(ch, margin)
}

// onNyet handles NYET during a split transaction. A NYET to the Start-Split
// means the hub buffered it; a NYET to the Complete-Split means the
// translated transaction has not finished on the downstream bus.
func (e *Engine) onNyet(ch *channel) {
	switch ch.split {
	case splitStart:
		e.onStartSplitAck(ch)
	case splitComplete:
		if ch.xfer.ep.Type == hal.TransferInterrupt {
			e.restart(ch)
			return
		}
		e.scheduleCompleteSplit(ch, e.policy.CompleteSplitRetryMargin)
	default:
		e.restart(ch)
	}
}

// scheduleCompleteSplit parks ch until the frame counter reaches the
// current frame plus margin. A channel holds a single deadline; a later
// call replaces it.
func (e *Engine) scheduleCompleteSplit(ch *channel, margin uint16) {
	now := e.ctrl.FrameNumber()
	ch.disarm()
	ch.split = splitCompletePending
	ch.deadline = (now + margin) & hal.FrameMask
	ch.state = channelDeferred
	if !e.frameSub {
		e.frameSub = true
		e.ctrl.SetFrameInterrupt(true)
	}
	pkg.LogTrace(pkg.ComponentSplit, "complete-split scheduled",
		"channel", ch.id, "frame", now, "deadline", ch.deadline)
}

// onFrameTick issues every Complete-Split whose deadline has passed and
// drops the frame interrupt once none remain.
func (e *Engine) onFrameTick() {
	e.ctrl.AckFrameInterrupt()
	now := e.ctrl.FrameNumber()
	for id := 0; id < e.nch; id++ {
		ch := &e.channels[id]
		if !ch.inUse || ch.xfer == nil || ch.split != splitCompletePending {
			continue
		}
		if !frameReached(now, ch.deadline) {
			continue
		}
		pkg.LogTrace(pkg.ComponentSplit, "complete-split issued",
			"channel", id, "frame", now)
		ch.split = splitComplete
		e.launch(ch)
	}
	e.frameCheck()
}

// frameCheck unsubscribes from frame ticks when no channel waits on one.
func (e *Engine) frameCheck() {
	if !e.frameSub {
		return
	}
	for id := 0; id < e.nch; id++ {
		ch := &e.channels[id]
		if ch.inUse && ch.xfer != nil && ch.split == splitCompletePending {
			return
		}
	}
	e.frameSub = false
	e.ctrl.SetFrameInterrupt(false)
}

// frameReached reports whether now is at or past deadline on the wrapping
// frame counter.
func frameReached(now, deadline uint16) bool {
	diff := (now - deadline) & hal.FrameMask
	return diff < (hal.FrameMask+1)/2
}
