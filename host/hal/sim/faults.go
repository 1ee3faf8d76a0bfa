package sim

import (
	"sync"

	"github.com/ardnew/softhcd/host/hal"
)

// FaultPlan describes periodic faults injected in front of a function.
// A zero period disables that fault. Control endpoint traffic is never
// disturbed so enumeration stays deterministic.
type FaultPlan struct {
	NakEvery   int `help:"NAK every Nth data packet" default:"0" yaml:"nak-every" toml:"nak-every"`
	ErrorEvery int `help:"Drop every Nth data packet as a transaction error" default:"0" yaml:"error-every" toml:"error-every"`
}

// Faulty wraps a function and injects faults according to a FaultPlan.
type Faulty struct {
	Function

	mu       sync.Mutex
	plan     FaultPlan
	count    int
	injected int
}

// NewFaulty wraps f.
func NewFaulty(f Function, plan FaultPlan) *Faulty {
	return &Faulty{Function: f, plan: plan}
}

// HandlePacket implements Function.
func (f *Faulty) HandlePacket(p Packet) Response {
	if p.Endpoint != 0 {
		f.mu.Lock()
		f.count++
		n := f.count
		var r *Response
		switch {
		case f.plan.ErrorEvery > 0 && n%f.plan.ErrorEvery == 0:
			r = &Response{Handshake: HandshakeError}
		case f.plan.NakEvery > 0 && n%f.plan.NakEvery == 0:
			r = &Response{Handshake: HandshakeNAK}
		}
		if r != nil {
			f.injected++
		}
		f.mu.Unlock()
		if r != nil {
			return *r
		}
	}
	return f.Function.HandlePacket(p)
}

// Injected returns the number of faults injected so far.
func (f *Faulty) Injected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.injected
}

// Reset forwards a bus reset to the wrapped function.
func (f *Faulty) Reset() {
	if r, ok := f.Function.(Resetter); ok {
		r.Reset()
	}
}

// Address implements Function.
func (f *Faulty) Address() hal.DeviceAddress { return f.Function.Address() }
