package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Options configures a simulated controller.
type Options struct {
	Channels             int  // Hardware channels (default 8)
	MaxTransferSize      int  // Bytes per channel enable, 0 for unlimited
	BidirectionalControl bool // One channel serves both directions of EP0

	// ErrorsHalt delivers error handshakes together with EventHalted, as
	// controllers that halt on their own do. Otherwise the channel pauses
	// until HaltChannel.
	ErrorsHalt bool

	// FramePeriod is the frame length used by Run (default 1ms).
	FramePeriod time.Duration
}

type channelRegs struct {
	cfg      hal.ChannelConfig
	size     hal.TransferSize
	progSize int
	buf      []byte
	enabled  bool
	paused   bool
	haltReq  bool
	events   hal.ChannelEvent
	mask     hal.ChannelEvent
}

// Controller is a simulated channel-based host controller with a single
// root port. It implements hal.Controller and hal.RootHub.
//
// Enabling a channel does not move data. Step executes every enabled
// channel against the attached functions and raises channel events; the
// caller then runs the interrupt handler. Run does both in a loop.
type Controller struct {
	mu   sync.Mutex
	opts Options
	regs []channelRegs

	frame     uint16
	frameIRQ  bool
	frameTick bool

	functions []Function
	records   []Record

	port     hal.PortStatus
	root     Function
	portWake chan struct{}
	kick     chan struct{}
}

// Compile-time interface checks.
var (
	_ hal.Controller = (*Controller)(nil)
	_ hal.RootHub    = (*Controller)(nil)
)

// New creates a simulated controller.
func New(opts Options) *Controller {
	if opts.Channels <= 0 {
		opts.Channels = 8
	}
	if opts.Channels > 32 {
		opts.Channels = 32
	}
	if opts.FramePeriod <= 0 {
		opts.FramePeriod = time.Millisecond
	}
	return &Controller{
		opts:     opts,
		regs:     make([]channelRegs, opts.Channels),
		port:     hal.PortStatus{PowerOn: true},
		portWake: make(chan struct{}, 1),
		kick:     make(chan struct{}, 1),
	}
}

// =============================================================================
// Bus topology
// =============================================================================

// Attach adds a function to the bus without raising a port change.
func (c *Controller) Attach(f Function) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.functions = append(c.functions, f)
}

// Detach removes a function from the bus.
func (c *Controller) Detach(f Function) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detach(f)
}

func (c *Controller) detach(f Function) {
	for i, g := range c.functions {
		if g == f {
			c.functions = append(c.functions[:i], c.functions[i+1:]...)
			return
		}
	}
}

// Plug connects f to the root port at the given speed.
func (c *Controller) Plug(f Function, speed hal.Speed) {
	c.mu.Lock()
	if c.root != nil {
		c.detach(c.root)
	}
	c.root = f
	c.functions = append(c.functions, f)
	c.port.Connected = true
	c.port.Enabled = false
	c.port.Speed = speed
	c.port.ConnectChange = true
	c.mu.Unlock()

	pkg.LogDebug(pkg.ComponentSim, "device plugged", "speed", speed)
	c.notifyPort()
}

// Unplug disconnects the root port function.
func (c *Controller) Unplug() {
	c.mu.Lock()
	if c.root != nil {
		c.detach(c.root)
		c.root = nil
	}
	c.port.Connected = false
	c.port.Enabled = false
	c.port.Speed = hal.SpeedUnknown
	c.port.ConnectChange = true
	c.mu.Unlock()

	pkg.LogDebug(pkg.ComponentSim, "device unplugged")
	c.notifyPort()
}

func (c *Controller) notifyPort() {
	select {
	case c.portWake <- struct{}{}:
	default:
	}
}

func (c *Controller) notifyWork() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Records returns a copy of every transaction executed so far.
func (c *Controller) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.records...)
}

// ClearRecords discards the transaction log.
func (c *Controller) ClearRecords() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
}

// =============================================================================
// hal.Controller
// =============================================================================

// NumChannels implements hal.Controller.
func (c *Controller) NumChannels() int { return c.opts.Channels }

// MaxTransferSize implements hal.Controller.
func (c *Controller) MaxTransferSize() int { return c.opts.MaxTransferSize }

// BidirectionalControl implements hal.Controller.
func (c *Controller) BidirectionalControl() bool { return c.opts.BidirectionalControl }

// ConfigureChannel implements hal.Controller.
func (c *Controller) ConfigureChannel(ch int, cfg hal.ChannelConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[ch].cfg = cfg
}

// ProgramTransfer implements hal.Controller. Programming a channel drops
// any stale events and halt request from its previous use.
func (c *Controller) ProgramTransfer(ch int, size hal.TransferSize, buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &c.regs[ch]
	r.size = size
	r.progSize = size.Bytes
	r.buf = buf
	r.events = 0
	r.haltReq = false
	r.paused = false
}

// TransferState implements hal.Controller.
func (c *Controller) TransferState(ch int) hal.TransferSize {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[ch].size
}

// EnableChannel implements hal.Controller.
func (c *Controller) EnableChannel(ch int) {
	c.mu.Lock()
	c.regs[ch].enabled = true
	c.regs[ch].paused = false
	c.mu.Unlock()
	c.notifyWork()
}

// HaltChannel implements hal.Controller.
func (c *Controller) HaltChannel(ch int) {
	c.mu.Lock()
	c.regs[ch].haltReq = true
	c.mu.Unlock()
	c.notifyWork()
}

// InterruptSummary implements hal.Controller.
func (c *Controller) InterruptSummary() hal.InterruptSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary()
}

func (c *Controller) summary() hal.InterruptSummary {
	var s hal.InterruptSummary
	for i := range c.regs {
		if c.regs[i].events&c.regs[i].mask != 0 {
			s.Channels |= 1 << i
		}
	}
	s.FrameTick = c.frameIRQ && c.frameTick
	return s
}

// ChannelEvents implements hal.Controller.
func (c *Controller) ChannelEvents(ch int) hal.ChannelEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[ch].events
}

// ClearChannelEvents implements hal.Controller.
func (c *Controller) ClearChannelEvents(ch int, ev hal.ChannelEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[ch].events &^= ev
}

// SetChannelMask implements hal.Controller.
func (c *Controller) SetChannelMask(ch int, mask hal.ChannelEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[ch].mask = mask
}

// FrameNumber implements hal.Controller.
func (c *Controller) FrameNumber() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// SetFrameInterrupt implements hal.Controller.
func (c *Controller) SetFrameInterrupt(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameIRQ = enabled
	if !enabled {
		c.frameTick = false
	}
}

// AckFrameInterrupt implements hal.Controller.
func (c *Controller) AckFrameInterrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameTick = false
}

// FrameInterruptEnabled reports whether frame ticks are subscribed.
func (c *Controller) FrameInterruptEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameIRQ
}

// =============================================================================
// hal.RootHub
// =============================================================================

// NumPorts implements hal.RootHub.
func (c *Controller) NumPorts() int { return 1 }

// GetPortStatus implements hal.RootHub.
func (c *Controller) GetPortStatus(port int) (hal.PortStatus, error) {
	if port != 1 {
		return hal.PortStatus{}, fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port, nil
}

// ResetPort implements hal.RootHub.
func (c *Controller) ResetPort(port int) error {
	if port != 1 {
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.port.Connected {
		return pkg.ErrNoDevice
	}
	if r, ok := c.root.(Resetter); ok {
		r.Reset()
	}
	c.port.Enabled = true
	c.port.ResetChange = true
	return nil
}

// WaitPortChange implements hal.RootHub. Change bits are cleared once
// reported.
func (c *Controller) WaitPortChange(ctx context.Context) (int, hal.PortStatus, error) {
	select {
	case <-ctx.Done():
		return 0, hal.PortStatus{}, ctx.Err()
	case <-c.portWake:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.port
	c.port.ConnectChange = false
	c.port.EnableChange = false
	c.port.ResetChange = false
	return 1, st, nil
}
