package sim

import (
	"sync"

	"github.com/ardnew/softhcd/host/hal"
)

// Script answers the packets of one endpoint direction. Queued responses
// are consumed first; afterwards every packet gets the default.
type Script struct {
	mu       sync.Mutex
	queue    []Response
	def      Response
	source   []byte
	received []byte
	packets  []Packet
}

// Push queues responses.
func (s *Script) Push(r ...Response) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, r...)
	return s
}

// Default sets the response once the queue is empty.
func (s *Script) Default(r Response) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.def = r
	return s
}

// Source makes the default IN response stream data from b, one packet at
// a time, ending with a short (possibly empty) packet.
func (s *Script) Source(b []byte) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = append([]byte(nil), b...)
	return s
}

// Received returns the OUT payload ACKed so far.
func (s *Script) Received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.received...)
}

// Packets returns every packet the script answered.
func (s *Script) Packets() []Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Packet(nil), s.packets...)
}

func (s *Script) answer(p Packet) Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, p)

	r := s.def
	switch {
	case len(s.queue) > 0:
		r = s.queue[0]
		s.queue = s.queue[1:]
	case p.Token == TokenIn && s.source != nil:
		n := min(p.MaxLen, len(s.source))
		r = Ack(s.source[:n])
		s.source = s.source[n:]
	}
	if r.Handshake == HandshakeACK && p.Token != TokenIn {
		s.received = append(s.received, p.Data...)
	}
	return r
}

type scriptKey struct {
	endpoint uint8
	in       bool
}

// ScriptedDevice is a function whose endpoints answer from scripts. SETUP
// packets go to the OUT script of their endpoint. An endpoint nobody
// scripted ACKs everything (zero-length on IN).
type ScriptedDevice struct {
	mu      sync.Mutex
	addr    hal.DeviceAddress
	scripts map[scriptKey]*Script
}

// NewScriptedDevice creates a scripted function at addr.
func NewScriptedDevice(addr hal.DeviceAddress) *ScriptedDevice {
	return &ScriptedDevice{addr: addr, scripts: make(map[scriptKey]*Script)}
}

// Endpoint returns the script of an endpoint direction, creating an
// always-ACK script on first use.
func (d *ScriptedDevice) Endpoint(num uint8, in bool) *Script {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := scriptKey{endpoint: num, in: in}
	s, ok := d.scripts[k]
	if !ok {
		s = &Script{def: Ack(nil)}
		d.scripts[k] = s
	}
	return s
}

// Address implements Function.
func (d *ScriptedDevice) Address() hal.DeviceAddress { return d.addr }

// HandlePacket implements Function.
func (d *ScriptedDevice) HandlePacket(p Packet) Response {
	return d.Endpoint(p.Endpoint, p.Token == TokenIn).answer(p)
}
