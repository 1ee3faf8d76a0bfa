package sim

import (
	"context"
	"time"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Step executes one round of bus activity: pending halt requests complete
// and every enabled channel runs until it finishes or a handshake other
// than ACK pauses it. It reports whether anything happened.
func (c *Controller) Step() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	busy := false
	for i := range c.regs {
		r := &c.regs[i]
		if r.haltReq {
			r.haltReq = false
			r.enabled = false
			r.paused = false
			r.events |= hal.EventHalted
			busy = true
			continue
		}
		if !r.enabled || r.paused {
			continue
		}
		busy = true
		if r.cfg.Split.Enabled {
			c.executeSplit(i)
		} else {
			c.execute(i)
		}
	}
	return busy
}

// AdvanceFrame moves the frame counter forward by one and raises a frame
// tick if subscribed.
func (c *Controller) AdvanceFrame() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame = (c.frame + 1) & hal.FrameMask
	if c.frameIRQ {
		c.frameTick = true
	}
	return c.frame
}

// SetFrame sets the frame counter.
func (c *Controller) SetFrame(frame uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame = frame & hal.FrameMask
}

// InterruptPending reports whether any unmasked interrupt is pending.
func (c *Controller) InterruptPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.summary()
	return s.Channels != 0 || s.FrameTick
}

// Busy reports whether any channel is enabled or halting.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.regs {
		r := &c.regs[i]
		if r.haltReq || (r.enabled && !r.paused) {
			return true
		}
	}
	return false
}

// Drain alternates Step and isr until the bus is quiet or limit steps ran.
// It returns the number of steps taken.
func (c *Controller) Drain(isr func(), limit int) int {
	steps := 0
	for steps < limit {
		if c.InterruptPending() {
			isr()
			continue
		}
		if !c.Step() {
			break
		}
		steps++
	}
	for c.InterruptPending() {
		isr()
	}
	return steps
}

// Run drives the bus in real time until ctx is done: it steps whenever a
// channel is enabled, advances one frame per FramePeriod and calls isr
// whenever an interrupt is pending.
func (c *Controller) Run(ctx context.Context, isr func()) error {
	ticker := time.NewTicker(c.opts.FramePeriod)
	defer ticker.Stop()

	pkg.LogDebug(pkg.ComponentSim, "bus running", "framePeriod", c.opts.FramePeriod)
	last := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if now := time.Now(); now.Sub(last) >= c.opts.FramePeriod {
			c.AdvanceFrame()
			last = now
		}
		if c.InterruptPending() {
			isr()
			continue
		}
		if c.Busy() {
			c.Step()
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.kick:
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Transaction execution
// =============================================================================

// packet builds the next transaction of channel i.
func (c *Controller) packet(i int) Packet {
	r := &c.regs[i]
	cfg := r.cfg
	p := Packet{
		Frame:    c.frame,
		Channel:  i,
		Device:   cfg.Device,
		Endpoint: cfg.Endpoint,
		Type:     cfg.Type,
		Speed:    cfg.Speed,
		PID:      r.size.PID,
		HubPort:  cfg.Split.HubPort,
	}
	mps := int(cfg.MaxPacketSize)
	off := r.progSize - r.size.Bytes
	switch {
	case r.size.PID == hal.PIDSetup:
		p.Token = TokenSetup
		p.Data = append([]byte(nil), r.buf[off:off+min(mps, r.size.Bytes)]...)
	case cfg.In:
		p.Token = TokenIn
		p.MaxLen = mps
	default:
		p.Token = TokenOut
		p.Data = append([]byte(nil), r.buf[off:off+min(mps, r.size.Bytes)]...)
	}
	return p
}

// function returns the function answering at addr.
func (c *Controller) function(addr hal.DeviceAddress) Function {
	for _, f := range c.functions {
		if f.Address() == addr {
			return f
		}
	}
	return nil
}

// execute runs a non-split channel until completion or a pause.
func (c *Controller) execute(i int) {
	r := &c.regs[i]
	for r.enabled && !r.paused {
		p := c.packet(i)
		resp := Timeout()
		if f := c.function(p.Device); f != nil {
			resp = f.HandlePacket(p)
		}
		ev, done := c.apply(i, p, resp)
		r.events |= ev
		switch {
		case done:
			r.events |= hal.EventTransferComplete | hal.EventHalted
			r.enabled = false
		case ev&^(hal.EventAck|hal.EventNyet) != 0:
			c.pause(r)
		}
	}
}

// executeSplit runs exactly one split transaction on channel i.
func (c *Controller) executeSplit(i int) {
	r := &c.regs[i]
	p := c.packet(i)

	var hub TranslatingHub
	if f, ok := c.function(r.cfg.Split.HubAddress).(TranslatingHub); ok {
		hub = f
	}

	if !r.cfg.Split.Complete {
		p.Split = SplitStart
		resp := Timeout()
		if hub != nil {
			resp = hub.StartSplit(p)
		}
		c.record(p, resp.Handshake, len(p.Data))
		switch resp.Handshake {
		case HandshakeACK:
			r.events |= hal.EventAck | hal.EventHalted
			r.enabled = false
		default:
			r.events |= handshakeEvent(resp.Handshake)
			c.pause(r)
		}
		return
	}

	p.Split = SplitComplete
	resp := Timeout()
	if hub != nil {
		resp = hub.CompleteSplit(p)
	}
	ev, done := c.apply(i, p, resp)
	r.events |= ev
	if done {
		r.events |= hal.EventTransferComplete | hal.EventHalted
		r.enabled = false
		return
	}
	c.pause(r)
}

// apply records a transaction and updates the channel registers. It
// returns the raised events and whether the programmed transfer is done.
func (c *Controller) apply(i int, p Packet, resp Response) (hal.ChannelEvent, bool) {
	r := &c.regs[i]
	mps := int(r.cfg.MaxPacketSize)

	if resp.Handshake != HandshakeACK && resp.Handshake != HandshakeNYET ||
		resp.Handshake == HandshakeNYET && (p.Split != SplitNone || p.Token == TokenIn) {
		c.record(p, resp.Handshake, 0)
		return handshakeEvent(resp.Handshake), false
	}

	var n int
	if p.Token == TokenIn {
		n = len(resp.Data)
		if n > mps || n > r.size.Bytes {
			c.record(p, HandshakeBabble, n)
			return hal.EventBabble, false
		}
		off := r.progSize - r.size.Bytes
		copy(r.buf[off:], resp.Data)
	} else {
		n = len(p.Data)
	}
	c.record(p, resp.Handshake, n)

	r.size.Bytes -= n
	r.size.Packets--
	r.size.PID = r.size.PID.Next()

	ev := hal.EventAck
	if resp.Handshake == HandshakeNYET {
		ev = hal.EventNyet
	}
	short := p.Token == TokenIn && n < mps
	return ev, r.size.Packets <= 0 || short
}

func (c *Controller) pause(r *channelRegs) {
	r.paused = true
	if c.opts.ErrorsHalt {
		r.events |= hal.EventHalted
		r.enabled = false
		r.paused = false
	}
}

func (c *Controller) record(p Packet, hs Handshake, n int) {
	c.records = append(c.records, Record{Packet: p, Handshake: hs, Length: n})
	pkg.LogTrace(pkg.ComponentSim, "transaction", "packet", p.String(), "handshake", hs, "len", n)
}

func handshakeEvent(h Handshake) hal.ChannelEvent {
	switch h {
	case HandshakeACK:
		return hal.EventAck
	case HandshakeNAK:
		return hal.EventNak
	case HandshakeSTALL:
		return hal.EventStall
	case HandshakeNYET:
		return hal.EventNyet
	case HandshakeBabble:
		return hal.EventBabble
	case HandshakeToggleError:
		return hal.EventDataToggleError
	default:
		return hal.EventTransactionError
	}
}
