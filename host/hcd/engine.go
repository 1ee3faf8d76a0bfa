package hcd

import (
	"fmt"
	"sync"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Stats counts engine activity since creation.
type Stats struct {
	Submitted       uint64
	Completed       uint64
	Aborted         uint64
	Naks            uint64
	Retries         uint64
	StartSplits     uint64
	CompleteSplits  uint64
	Faults          uint64
	ChannelsInUse   int
	PendingCallback int
}

// Engine drives the transfers of one channel-based host controller.
//
// All state lives behind a single mutex. HandleInterrupt, timer callbacks
// and the public operations each hold it for a short, non-blocking section.
// Completion callbacks never run under the lock; they are delivered by Run
// or DispatchCompletions.
type Engine struct {
	ctrl   hal.Controller
	policy Policy
	clock  Clock

	mu        sync.Mutex
	channels  [MaxChannels]channel
	nch       int
	all       uint32 // Bit per existing channel
	used      uint32 // Bit per bound channel
	toggles   endpointSet
	halted    endpointSet
	connected bool
	frameSub  bool
	nextID    uint64
	useSeq    uint64
	pending   []*Transfer
	stats     Stats

	wake chan struct{}
}

// New creates an engine for ctrl.
func New(ctrl hal.Controller, cfg Config) (*Engine, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("%w: nil controller", pkg.ErrInvalidParameter)
	}
	n := ctrl.NumChannels()
	if n < 1 || n > MaxChannels {
		return nil, fmt.Errorf("%w: %d channels", pkg.ErrInvalidParameter, n)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = wallClock{}
	}
	e := &Engine{
		ctrl:      ctrl,
		policy:    cfg.Policy.withDefaults(),
		clock:     clock,
		nch:       n,
		connected: true,
		wake:      make(chan struct{}, 1),
	}
	if n == MaxChannels {
		e.all = ^uint32(0)
	} else {
		e.all = 1<<n - 1
	}
	for id := 0; id < n; id++ {
		e.channels[id].id = id
		ctrl.SetChannelMask(id, 0)
	}
	ctrl.SetFrameInterrupt(false)

	pkg.LogDebug(pkg.ComponentEngine, "engine created",
		"channels", n, "maxTransfer", ctrl.MaxTransferSize(),
		"bidirectionalControl", ctrl.BidirectionalControl())
	return e, nil
}

// Policy returns the effective engine policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Submit queues req on its endpoint's channel, binding a channel first if
// needed. The transfer starts immediately when the channel is idle.
func (e *Engine) Submit(req Request) (*Transfer, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return nil, pkg.ErrDeviceNotResponding
	}

	key := e.keyFor(req.Endpoint)
	id, ok := e.lookup(key)
	if !ok {
		var err error
		if id, err = e.allocate(key); err != nil {
			return nil, err
		}
	}
	ch := &e.channels[id]

	busy := ch.xfer != nil || ch.halting
	if busy && len(ch.queue) >= e.policy.MaxQueueDepth {
		return nil, pkg.ErrBusy
	}

	e.nextID++
	t := newTransfer(e.nextID, req)
	e.stats.Submitted++

	pkg.LogTrace(pkg.ComponentEngine, "submit",
		"id", t.id, "endpoint", req.Endpoint.String(), "stage", req.Stage,
		"len", len(req.Buffer), "channel", id, "queued", busy)

	if busy {
		t.channel = id
		ch.queue = append(ch.queue, t)
		return t, nil
	}
	e.start(ch, t)
	return t, nil
}

func (e *Engine) validate(req Request) error {
	ep := req.Endpoint
	if err := ep.validate(); err != nil {
		return err
	}
	switch req.Stage {
	case StageData:
	case StageSetup:
		if ep.Type != hal.TransferControl || ep.In || len(req.Buffer) != hal.SetupPacketSize {
			return fmt.Errorf("%w: malformed setup stage", pkg.ErrInvalidRequest)
		}
	case StageStatus:
		if ep.Type != hal.TransferControl || len(req.Buffer) != 0 {
			return fmt.Errorf("%w: malformed status stage", pkg.ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: stage %d", pkg.ErrInvalidRequest, req.Stage)
	}
	if req.Stage != StageData && ep.Type != hal.TransferControl {
		return pkg.ErrInvalidRequest
	}
	return nil
}

// Abort cancels t. A transfer still on the wire completes with Aborted once
// its channel halts; a queued or deferred one completes at once. Aborting a
// transfer that already finished returns its terminal status.
func (e *Engine) Abort(t *Transfer) pkg.TransferStatus {
	if t == nil {
		return pkg.TransferStatusEngineFault
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch t.state {
	case transferCompleted:
		return t.status

	case transferQueued:
		if t.channel >= 0 {
			ch := &e.channels[t.channel]
			for i, q := range ch.queue {
				if q == t {
					ch.queue = append(ch.queue[:i], ch.queue[i+1:]...)
					break
				}
			}
		}
		t.aborted = true
		e.finish(t, pkg.TransferStatusAborted)
		return pkg.TransferStatusAborted
	}

	t.aborted = true
	ch := &e.channels[t.channel]
	pkg.LogDebug(pkg.ComponentEngine, "abort",
		"id", t.id, "channel", ch.id, "state", ch.state)

	switch {
	case ch.state == channelActive || ch.halting:
		ch.reason = haltAbort
		e.requestHalt(ch)
	default:
		e.complete(ch, pkg.TransferStatusAborted)
	}
	return pkg.TransferStatusAborted
}

// IsHalted reports whether ep was stalled and not yet cleared.
func (e *Engine) IsHalted(ep Endpoint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted.get(ep.Key())
}

// ClearHalt clears the halted flag of ep and resets its data toggle to
// DATA0. Call it after CLEAR_FEATURE(ENDPOINT_HALT) succeeded on the device.
func (e *Engine) ClearHalt(ep Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := e.keyFor(ep)
	if id, ok := e.lookup(key); ok {
		ch := &e.channels[id]
		if ch.xfer != nil || ch.halting {
			return pkg.ErrBusy
		}
		ch.toggle = hal.PIDData0
	}
	e.halted.set(ep.Key(), false)
	e.toggles.set(key, false)

	pkg.LogDebug(pkg.ComponentEngine, "halt cleared", "endpoint", ep.String())
	return nil
}

// Connect accepts submissions again after Disconnect.
func (e *Engine) Connect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = true
}

// Disconnect tears down every channel and completes every outstanding
// transfer with Disconnected. Submit fails with ErrDeviceNotResponding
// until Connect.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	e.resetAll(pkg.TransferStatusDisconnected)
}

// Reset tears down every channel like Disconnect, completing outstanding
// transfers with status, but keeps accepting submissions.
func (e *Engine) Reset(status pkg.TransferStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetAll(status)
}

func (e *Engine) resetAll(status pkg.TransferStatus) {
	n := 0
	for id := 0; id < e.nch; id++ {
		ch := &e.channels[id]
		if !ch.inUse {
			continue
		}
		if ch.state == channelActive || ch.halting {
			e.ctrl.HaltChannel(id)
		}
		queue := ch.queue
		ch.queue = nil
		if t := ch.xfer; t != nil {
			ch.clearTransfer()
			e.finish(t, status)
			n++
		}
		for _, t := range queue {
			e.finish(t, status)
			n++
		}
		e.release(id)
	}
	e.toggles.clear()
	e.halted.clear()
	if e.frameSub {
		e.frameSub = false
		e.ctrl.SetFrameInterrupt(false)
	}
	pkg.LogInfo(pkg.ComponentEngine, "all channels reset", "status", status, "transfers", n)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	for id := 0; id < e.nch; id++ {
		if e.channels[id].inUse {
			s.ChannelsInUse++
		}
	}
	s.PendingCallback = len(e.pending)
	return s
}
