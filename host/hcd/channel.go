package hcd

import (
	"github.com/ardnew/softhcd/host/hal"
)

// MaxChannels is the largest channel pool the engine manages.
const MaxChannels = 32

type channelState uint8

const (
	channelIdle       channelState = iota // Bound or free, nothing programmed
	channelProgrammed                     // Registers written, not yet enabled
	channelActive                         // Enabled, hardware owns it
	channelDeferred                       // Waiting on a poll timer or a frame deadline
	channelCompleted                      // Transfer terminal, relay pending
	channelHalted                         // Halted, awaiting classification
)

var channelStateNames = [...]string{
	"idle", "programmed", "active", "deferred", "completed", "halted",
}

func (s channelState) String() string {
	if int(s) < len(channelStateNames) {
		return channelStateNames[s]
	}
	return "invalid"
}

type splitPhase uint8

const (
	splitNone            splitPhase = iota
	splitStart                      // Start-Split issued
	splitCompletePending            // Waiting for the Complete-Split frame
	splitComplete                   // Complete-Split issued
)

// haltReason records why a halt was requested, before EventHalted arrives.
type haltReason uint8

const (
	haltNone haltReason = iota
	haltComplete
	haltAbort
	haltNak
	haltNyet
	haltSplitAck
	haltStall
	haltTransactionError
	haltBabble
	haltDataToggle
	haltFrameOverrun
	haltFault
)

var haltReasonNames = [...]string{
	"none", "complete", "abort", "nak", "nyet", "split-ack",
	"stall", "xacterr", "babble", "datatgl", "frmovrun", "fault",
}

func (r haltReason) String() string {
	if int(r) < len(haltReasonNames) {
		return haltReasonNames[r]
	}
	return "invalid"
}

// channel is the software shadow of one hardware channel.
type channel struct {
	id    int
	inUse bool
	key   EndpointKey

	state   channelState
	toggle  hal.PID
	retries int
	halting bool
	reason  haltReason
	mask    hal.ChannelEvent

	split    splitPhase
	deadline uint16

	prog hal.TransferSize // Chunk outstanding on the hardware

	xfer  *Transfer
	queue []*Transfer

	epoch   uint64
	timer   Timer
	lastUse uint64
}

// endpoint returns the endpoint of the current transfer.
func (c *channel) endpoint() Endpoint {
	return c.xfer.ep
}

// idle reports whether the channel may be reclaimed.
func (c *channel) idle() bool {
	return c.inUse && c.xfer == nil && len(c.queue) == 0 && !c.halting &&
		c.state == channelIdle
}

// disarm cancels any pending timer and invalidates callbacks that already
// captured the current epoch.
func (c *channel) disarm() {
	c.epoch++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// clearTransfer resets the per-transfer fields.
func (c *channel) clearTransfer() {
	c.disarm()
	c.xfer = nil
	c.state = channelIdle
	c.retries = 0
	c.reason = haltNone
	c.split = splitNone
	c.deadline = 0
	c.prog = hal.TransferSize{}
}
