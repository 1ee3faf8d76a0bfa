package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softhcd/host/hal"
)

func splitPacket(frame uint16, in bool) Packet {
	p := Packet{Frame: frame, Device: 7, Endpoint: 1, Type: hal.TransferInterrupt, Speed: hal.SpeedLow, HubPort: 2, MaxLen: 8}
	if in {
		p.Token = TokenIn
	} else {
		p.Token = TokenOut
		p.Data = []byte{1, 2, 3}
	}
	return p
}

func TestHub_CompleteSplitWaitsForLatency(t *testing.T) {
	hub := NewHub(1)
	dev := NewScriptedDevice(7)
	dev.Endpoint(1, true).Push(Ack([]byte{0xAB}))
	hub.AttachPort(2, dev)
	hub.SetLatency(2)

	assert.Equal(t, HandshakeACK, hub.StartSplit(splitPacket(100, true)).Handshake)
	assert.Equal(t, 1, hub.Pending())
	assert.Empty(t, dev.Endpoint(1, true).Packets(), "the downstream bus runs later")

	assert.Equal(t, HandshakeNYET, hub.CompleteSplit(splitPacket(101, true)).Handshake)
	resp := hub.CompleteSplit(splitPacket(102, true))
	assert.Equal(t, HandshakeACK, resp.Handshake)
	assert.Equal(t, []byte{0xAB}, resp.Data)
	assert.Zero(t, hub.Pending())

	packets := dev.Endpoint(1, true).Packets()
	require.Len(t, packets, 1)
	assert.Equal(t, SplitNone, packets[0].Split)
}

func TestHub_CompleteSplitWithoutStartIsError(t *testing.T) {
	hub := NewHub(1)
	hub.AttachPort(2, NewScriptedDevice(7))
	assert.Equal(t, HandshakeError, hub.CompleteSplit(splitPacket(5, true)).Handshake)
}

func TestHub_EmptyPort(t *testing.T) {
	hub := NewHub(1)
	assert.Equal(t, HandshakeError, hub.StartSplit(splitPacket(0, false)).Handshake)
	assert.Equal(t, HandshakeSTALL, hub.HandlePacket(Packet{}).Handshake)
}

func TestHub_Scripts(t *testing.T) {
	hub := NewHub(1)
	dev := NewScriptedDevice(7)
	hub.AttachPort(2, dev)
	hub.SetLatency(0)
	hub.ScriptStart(HandshakeNYET)
	hub.ScriptComplete(HandshakeNYET, HandshakeSTALL)

	assert.Equal(t, HandshakeNYET, hub.StartSplit(splitPacket(0, false)).Handshake)
	assert.Equal(t, 1, hub.Pending(), "NYET still buffers")
	assert.Equal(t, HandshakeNYET, hub.CompleteSplit(splitPacket(0, false)).Handshake)
	assert.Equal(t, 1, hub.Pending(), "scripted NYET keeps the transaction")
	assert.Equal(t, HandshakeSTALL, hub.CompleteSplit(splitPacket(0, false)).Handshake)
	assert.Zero(t, hub.Pending())
	assert.Empty(t, dev.Endpoint(1, false).Received())
}

func TestController_SplitPhases(t *testing.T) {
	c := New(Options{})
	hub := NewHub(1)
	dev := NewScriptedDevice(7)
	hub.AttachPort(2, dev)
	c.Attach(hub)

	cfg := hal.ChannelConfig{
		Device: 7, Endpoint: 1, Type: hal.TransferBulk, Speed: hal.SpeedFull, MaxPacketSize: 8,
		Split: hal.SplitConfig{Enabled: true, HubAddress: 1, HubPort: 2},
	}
	program(c, 0, cfg, seq(8), hal.PIDData0)
	c.Step()
	assert.Equal(t, hal.EventAck|hal.EventHalted, c.ChannelEvents(0))
	assert.Equal(t, 8, c.TransferState(0).Bytes, "start-split moves no data")

	c.ClearChannelEvents(0, hal.EventAll)
	cfg.Split.Complete = true
	c.ConfigureChannel(0, cfg)
	c.EnableChannel(0)
	c.Step()
	assert.Equal(t, hal.EventNyet, c.ChannelEvents(0), "hub latency not yet elapsed")

	c.HaltChannel(0)
	c.Step()
	c.ClearChannelEvents(0, hal.EventAll)
	c.AdvanceFrame()
	c.ProgramTransfer(0, hal.TransferSize{Bytes: 8, Packets: 1, PID: hal.PIDData0}, seq(8))
	c.EnableChannel(0)
	c.Step()
	assert.Equal(t, hal.EventAck|hal.EventTransferComplete|hal.EventHalted, c.ChannelEvents(0))
	assert.Equal(t, seq(8), dev.Endpoint(1, false).Received())

	var phases []SplitPhase
	for _, r := range c.Records() {
		phases = append(phases, r.Split)
	}
	assert.Equal(t, []SplitPhase{SplitStart, SplitComplete, SplitComplete}, phases)
}
