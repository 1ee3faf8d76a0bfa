package hcd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/sim"
	"github.com/ardnew/softhcd/pkg"
)

func splitHarness(t *testing.T) (*harness, *sim.Hub, *sim.ScriptedDevice) {
	h := newHarness(t, sim.Options{}, Policy{})
	hub := sim.NewHub(1)
	dev := sim.NewScriptedDevice(9)
	hub.AttachPort(3, dev)
	h.ctrl.Attach(hub)
	return h, hub, dev
}

func phases(records []sim.Record) []sim.SplitPhase {
	out := make([]sim.SplitPhase, len(records))
	for i, r := range records {
		out[i] = r.Split
	}
	return out
}

func TestSplit_InterruptInUsesPeriodicMargin(t *testing.T) {
	h, _, dev := splitHarness(t)
	report := pattern(4)
	dev.Endpoint(1, true).Push(sim.Ack(report))
	h.ctrl.SetFrame(40)

	ep := Endpoint{Device: 9, Number: 1, In: true, Type: hal.TransferInterrupt, Speed: hal.SpeedLow,
		MaxPacketSize: 8, Interval: 10, Hub: Hub{Address: 1, Port: 3}}
	buf := make([]byte, 8)
	h.submit(ep, buf)
	h.drain()
	require.Len(t, h.ctrl.Records(), 1)

	h.ctrl.AdvanceFrame()
	h.drain()

	c := h.only()
	assert.Equal(t, pkg.TransferStatusSuccess, c.status)
	assert.Equal(t, 4, c.n)
	assert.Equal(t, report, buf[:4])

	records := h.ctrl.Records()
	assert.Equal(t, []sim.SplitPhase{sim.SplitStart, sim.SplitComplete}, phases(records))
	assert.Equal(t, uint16(41), records[1].Frame)
	assert.Equal(t, uint64(1), h.eng.Stats().StartSplits)
	assert.Equal(t, uint64(1), h.eng.Stats().CompleteSplits)
}

func TestSplit_CompleteNyetInterruptRestartsStart(t *testing.T) {
	h, hub, dev := splitHarness(t)
	hub.ScriptComplete(sim.HandshakeNYET)
	dev.Endpoint(1, true).Push(sim.Ack(pattern(2)))
	h.ctrl.SetFrame(10)

	ep := Endpoint{Device: 9, Number: 1, In: true, Type: hal.TransferInterrupt, Speed: hal.SpeedFull,
		MaxPacketSize: 8, Interval: 1, Hub: Hub{Address: 1, Port: 3}}
	h.submit(ep, make([]byte, 8))
	h.drain()

	h.ctrl.AdvanceFrame()
	h.drain()
	assert.Equal(t, []sim.SplitPhase{sim.SplitStart, sim.SplitComplete, sim.SplitStart}, phases(h.ctrl.Records()))

	h.ctrl.AdvanceFrame()
	h.drain()
	assert.Equal(t, []sim.SplitPhase{sim.SplitStart, sim.SplitComplete, sim.SplitStart, sim.SplitComplete},
		phases(h.ctrl.Records()))
	assert.Equal(t, pkg.TransferStatusSuccess, h.only().status)
}

func TestSplit_CompleteNyetBulkWaitsOneFrame(t *testing.T) {
	h, hub, _ := splitHarness(t)
	hub.ScriptComplete(sim.HandshakeNYET)
	h.ctrl.SetFrame(0x3FFC)

	ep := Endpoint{Device: 9, Number: 2, Type: hal.TransferBulk, Speed: hal.SpeedFull,
		MaxPacketSize: 64, Hub: Hub{Address: 1, Port: 3}}
	h.submit(ep, pattern(10))
	h.drain()

	for i := 0; i < 5; i++ {
		h.ctrl.AdvanceFrame()
		h.drain()
	}
	records := h.ctrl.Records()
	require.Len(t, records, 2)
	assert.Equal(t, uint16(0x0001), records[1].Frame, "deadline wraps the frame counter")
	assert.Equal(t, sim.HandshakeNYET, records[1].Handshake)

	h.ctrl.AdvanceFrame()
	h.drain()
	records = h.ctrl.Records()
	require.Len(t, records, 3)
	assert.Equal(t, sim.SplitComplete, records[2].Split)
	assert.Equal(t, uint16(0x0002), records[2].Frame)
	assert.Equal(t, pkg.TransferStatusSuccess, h.only().status)
}

func TestSplit_MultiPacketOnePacketPerEnable(t *testing.T) {
	h, hub, dev := splitHarness(t)
	hub.SetLatency(0)

	ep := Endpoint{Device: 9, Number: 2, Type: hal.TransferBulk, Speed: hal.SpeedFull,
		MaxPacketSize: 8, Hub: Hub{Address: 1, Port: 3}}
	data := pattern(20)
	h.submit(ep, data)

	for i := 0; i < 30 && len(h.completions()) == 0; i++ {
		h.drain()
		h.ctrl.AdvanceFrame()
	}
	h.drain()

	c := h.only()
	assert.Equal(t, pkg.TransferStatusSuccess, c.status)
	assert.Equal(t, 20, c.n)
	assert.Equal(t, data, dev.Endpoint(2, false).Received())

	var csplit []hal.PID
	for _, r := range h.ctrl.Records() {
		if r.Split == sim.SplitComplete {
			csplit = append(csplit, r.PID)
		}
	}
	assert.Equal(t, []hal.PID{hal.PIDData0, hal.PIDData1, hal.PIDData0}, csplit)
}

func TestSplit_AbortWhileCompletePending(t *testing.T) {
	h, _, _ := splitHarness(t)
	ep := Endpoint{Device: 9, Number: 2, Type: hal.TransferBulk, Speed: hal.SpeedFull,
		MaxPacketSize: 64, Hub: Hub{Address: 1, Port: 3}}
	tr := h.submit(ep, pattern(10))
	h.drain()
	require.True(t, h.ctrl.FrameInterruptEnabled())

	h.eng.Abort(tr)
	h.eng.DispatchCompletions()
	assert.Equal(t, pkg.TransferStatusAborted, h.only().status)
	assert.False(t, h.ctrl.FrameInterruptEnabled())
}

func TestFrameReached(t *testing.T) {
	assert.True(t, frameReached(5, 5))
	assert.True(t, frameReached(6, 5))
	assert.False(t, frameReached(4, 5))
	assert.True(t, frameReached(0x0002, 0x3FFE))
	assert.False(t, frameReached(0x3FFE, 0x0002))
}

func TestEndpoint_NeedsSplit(t *testing.T) {
	ep := Endpoint{Speed: hal.SpeedFull}
	assert.False(t, ep.NeedsSplit())
	ep.Hub = Hub{Address: 2, Port: 1}
	assert.True(t, ep.NeedsSplit())
	ep.Speed = hal.SpeedHigh
	assert.False(t, ep.NeedsSplit())
}
