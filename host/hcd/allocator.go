package hcd

import (
	"math/bits"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// keyFor returns the allocation key of ep. A control endpoint maps both
// directions onto one key when the controller supports it.
func (e *Engine) keyFor(ep Endpoint) EndpointKey {
	k := ep.Key()
	if ep.Type == hal.TransferControl && e.ctrl.BidirectionalControl() {
		k.In = false
	}
	return k
}

// lookup returns the channel bound to key.
func (e *Engine) lookup(key EndpointKey) (int, bool) {
	used := e.used
	for used != 0 {
		id := bits.TrailingZeros32(used)
		used &^= 1 << id
		if e.channels[id].key == key {
			return id, true
		}
	}
	return 0, false
}

// allocate binds the lowest free channel to key, reclaiming the least
// recently used idle channel if the pool is exhausted.
func (e *Engine) allocate(key EndpointKey) (int, error) {
	free := ^e.used & e.all
	if free == 0 {
		victim := e.reclaimable()
		if victim < 0 {
			return 0, pkg.ErrNoFreeChannel
		}
		pkg.LogDebug(pkg.ComponentChannel, "reclaiming idle channel",
			"channel", victim, "device", e.channels[victim].key.Device,
			"endpoint", e.channels[victim].key.Number)
		e.release(victim)
		free = ^e.used & e.all
	}

	id := bits.TrailingZeros32(free)
	e.used |= 1 << id

	ch := &e.channels[id]
	ch.inUse = true
	ch.key = key
	ch.state = channelIdle
	ch.toggle = hal.PIDData0
	if e.toggles.get(key) {
		ch.toggle = hal.PIDData1
	}
	e.ctrl.SetChannelMask(id, 0)

	pkg.LogTrace(pkg.ComponentChannel, "channel allocated",
		"channel", id, "device", key.Device, "endpoint", key.Number, "in", key.In)
	return id, nil
}

// reclaimable returns the least recently used idle channel, or -1.
func (e *Engine) reclaimable() int {
	victim := -1
	for id := 0; id < e.nch; id++ {
		ch := &e.channels[id]
		if !ch.idle() {
			continue
		}
		if victim < 0 || ch.lastUse < e.channels[victim].lastUse {
			victim = id
		}
	}
	return victim
}

// release unbinds a channel, saving its toggle to endpoint memory.
func (e *Engine) release(id int) {
	ch := &e.channels[id]
	if !ch.inUse {
		return
	}
	e.toggles.set(ch.key, ch.toggle == hal.PIDData1)
	ch.clearTransfer()
	ch.queue = nil
	ch.inUse = false
	ch.halting = false
	ch.mask = 0
	ch.key = EndpointKey{}
	e.ctrl.SetChannelMask(id, 0)
	e.used &^= 1 << id

	pkg.LogTrace(pkg.ComponentChannel, "channel released", "channel", id)
}

// ChannelFor returns the channel currently bound to ep, if any.
func (e *Engine) ChannelFor(ep Endpoint) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lookup(e.keyFor(ep))
}

// Release unbinds the channel of ep. It fails with ErrBusy while a transfer
// is active or queued on it. Releasing an unbound endpoint is a no-op.
func (e *Engine) Release(ep Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.lookup(e.keyFor(ep))
	if !ok {
		return nil
	}
	if !e.channels[id].idle() {
		return pkg.ErrBusy
	}
	e.release(id)
	return nil
}
