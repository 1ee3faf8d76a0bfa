package sim

import (
	"sync"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

type ttKey struct {
	device   hal.DeviceAddress
	endpoint uint8
	in       bool
}

type ttTransaction struct {
	packet Packet
	frame  uint16
}

// Hub models the transaction translator of a high-speed hub. A Start-Split
// is buffered and executed on the downstream bus; the Complete-Split
// collects the result once the hub's latency (in frames) has elapsed and
// is answered NYET before that.
type Hub struct {
	mu      sync.Mutex
	addr    hal.DeviceAddress
	latency uint16
	ports   map[uint8]Function
	pending map[ttKey]ttTransaction

	startScript    []Handshake
	completeScript []Handshake
}

// NewHub creates a hub at addr with a one-frame translation latency.
func NewHub(addr hal.DeviceAddress) *Hub {
	return &Hub{
		addr:    addr,
		latency: 1,
		ports:   make(map[uint8]Function),
		pending: make(map[ttKey]ttTransaction),
	}
}

// Address implements Function.
func (h *Hub) Address() hal.DeviceAddress { return h.addr }

// HandlePacket implements Function. The hub's own control pipe is not
// modelled.
func (h *Hub) HandlePacket(p Packet) Response {
	return Stall()
}

// AttachPort connects a full/low-speed function to a downstream port.
func (h *Hub) AttachPort(port uint8, f Function) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ports[port] = f
}

// SetLatency sets the frames a translated transaction takes.
func (h *Hub) SetLatency(frames uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latency = frames
}

// ScriptStart queues handshakes answered to the next Start-Splits. ACK and
// NYET still buffer the transaction.
func (h *Hub) ScriptStart(hs ...Handshake) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startScript = append(h.startScript, hs...)
}

// ScriptComplete queues handshakes answered to the next Complete-Splits
// instead of the translated result.
func (h *Hub) ScriptComplete(hs ...Handshake) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completeScript = append(h.completeScript, hs...)
}

// Pending returns the number of buffered transactions.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// StartSplit implements TranslatingHub.
func (h *Hub) StartSplit(p Packet) Response {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ports[p.HubPort] == nil {
		return Timeout()
	}
	hs := HandshakeACK
	if len(h.startScript) > 0 {
		hs = h.startScript[0]
		h.startScript = h.startScript[1:]
	}
	if hs == HandshakeACK || hs == HandshakeNYET {
		key := ttKey{device: p.Device, endpoint: p.Endpoint, in: p.Token == TokenIn}
		h.pending[key] = ttTransaction{packet: p, frame: p.Frame}
	}
	pkg.LogTrace(pkg.ComponentSim, "start-split", "hub", h.addr, "port", p.HubPort, "handshake", hs)
	return Response{Handshake: hs}
}

// CompleteSplit implements TranslatingHub.
func (h *Hub) CompleteSplit(p Packet) Response {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := ttKey{device: p.Device, endpoint: p.Endpoint, in: p.Token == TokenIn}
	tx, ok := h.pending[key]
	if !ok {
		return Timeout()
	}
	if len(h.completeScript) > 0 {
		hs := h.completeScript[0]
		h.completeScript = h.completeScript[1:]
		if hs != HandshakeNYET {
			delete(h.pending, key)
		}
		return Response{Handshake: hs}
	}
	if (p.Frame-tx.frame)&hal.FrameMask < h.latency {
		return Nyet()
	}
	delete(h.pending, key)

	f := h.ports[p.HubPort]
	if f == nil {
		return Timeout()
	}
	down := tx.packet
	down.Split = SplitNone
	down.Frame = p.Frame
	return f.HandlePacket(down)
}
