package hcd

import (
	"time"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// classify maps a set of channel events to the reason the channel must be
// (or was) halted. It is the single place that decides event precedence.
func (e *Engine) classify(ch *channel, ev hal.ChannelEvent) haltReason {
	switch {
	case ch.xfer != nil && ch.xfer.aborted:
		return haltAbort
	case ev&hal.EventTransferComplete != 0:
		return haltComplete
	case ev&hal.EventStall != 0:
		return haltStall
	case ev&hal.EventBabble != 0:
		return haltBabble
	case ev&hal.EventDataToggleError != 0:
		return haltDataToggle
	case ev&hal.EventTransactionError != 0:
		return haltTransactionError
	case ev&hal.EventFrameOverrun != 0:
		return haltFrameOverrun
	case ev&hal.EventNyet != 0:
		return haltNyet
	case ev&hal.EventNak != 0:
		return haltNak
	case ev&hal.EventAck != 0 && ch.split == splitStart:
		return haltSplitAck
	}
	return haltNone
}

// onNak handles a NAK: the endpoint is alive, so the error count resets.
// Interrupt endpoints are polled again after their interval; everything
// else is resubmitted at once.
func (e *Engine) onNak(ch *channel) {
	e.stats.Naks++
	ch.retries = 0
	t := ch.xfer
	if t.ep.Type == hal.TransferInterrupt {
		e.deferPoll(ch, PollInterval(t.ep))
		return
	}
	e.restart(ch)
}

// onTransactionError retries the same packet with the same toggle until the
// policy's error budget is spent.
func (e *Engine) onTransactionError(ch *channel) {
	ch.retries++
	if ch.retries >= e.policy.MaxTransactionErrors {
		pkg.LogWarn(pkg.ComponentChannel, "transaction error limit reached",
			"channel", ch.id, "id", ch.xfer.id, "retries", ch.retries)
		e.complete(ch, pkg.TransferStatusTransactionError)
		return
	}
	e.stats.Retries++
	pkg.LogDebug(pkg.ComponentChannel, "transaction error, retrying",
		"channel", ch.id, "id", ch.xfer.id, "retries", ch.retries)
	e.restart(ch)
}

// restart reissues the outstanding chunk. A split transaction restarts
// from its Start-Split.
func (e *Engine) restart(ch *channel) {
	if ch.split != splitNone {
		ch.split = splitStart
	}
	e.launch(ch)
}

// deferPoll parks the channel until a poll timer fires.
func (e *Engine) deferPoll(ch *channel, d time.Duration) {
	if ch.split != splitNone {
		ch.split = splitStart
	}
	ch.disarm()
	ch.state = channelDeferred
	id, epoch := ch.id, ch.epoch
	ch.timer = e.clock.AfterFunc(d, func() { e.pollTimer(id, epoch) })

	pkg.LogTrace(pkg.ComponentChannel, "poll deferred",
		"channel", id, "interval", d)
}

// pollTimer resumes a deferred channel unless it moved on since the timer
// was armed.
func (e *Engine) pollTimer(id int, epoch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := &e.channels[id]
	if ch.epoch != epoch || ch.state != channelDeferred || ch.xfer == nil {
		return
	}
	ch.timer = nil
	e.launch(ch)
}

// PollInterval returns the NAK re-poll delay of an interrupt endpoint,
// quantized to the bands host controllers schedule periodic traffic in.
func PollInterval(ep Endpoint) time.Duration {
	iv := int(ep.Interval)
	if iv < 1 {
		iv = 1
	}
	switch ep.Speed {
	case hal.SpeedLow:
		switch {
		case iv <= 8:
			return 8 * time.Millisecond
		case iv <= 16:
			return 16 * time.Millisecond
		default:
			return 32 * time.Millisecond
		}

	case hal.SpeedHigh:
		// bInterval is an exponent over 125 us microframes.
		if iv > 16 {
			iv = 16
		}
		ms := (1 << (iv - 1)) / 8
		switch {
		case ms <= 1:
			return time.Millisecond
		case ms <= 2:
			return 2 * time.Millisecond
		default:
			return 4 * time.Millisecond
		}

	default:
		band := 1
		for band*2 <= iv && band < 32 {
			band *= 2
		}
		return time.Duration(band) * time.Millisecond
	}
}
