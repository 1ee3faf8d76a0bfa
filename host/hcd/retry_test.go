package hcd

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/sim"
	"github.com/ardnew/softhcd/pkg"
)

func TestTransactionError_Bounded(t *testing.T) {
	for _, errorsHalt := range []bool{false, true} {
		h := newHarness(t, sim.Options{ErrorsHalt: errorsHalt}, Policy{})
		h.dev.Endpoint(1, true).Default(sim.Timeout())

		h.submit(bulkIn(1, 64), make([]byte, 64))
		h.drain()

		c := h.only()
		assert.Equal(t, pkg.TransferStatusTransactionError, c.status)
		assert.True(t, c.status.IsFatalIO())
		assert.Len(t, h.ctrl.Records(), 3)
		assert.Equal(t, uint64(2), h.eng.Stats().Retries)
	}
}

func TestTransactionError_RetryKeepsToggle(t *testing.T) {
	h := newHarness(t, sim.Options{}, Policy{})
	ep := bulkOut(2, 64)

	h.submit(ep, pattern(64))
	h.drain()
	h.dev.Endpoint(2, false).Push(sim.Timeout(), sim.Timeout())
	h.submit(ep, pattern(64))
	h.drain()

	c := h.completions()
	require.Len(t, c, 2)
	assert.Equal(t, pkg.TransferStatusSuccess, c[1].status)
	assert.Equal(t, []hal.PID{hal.PIDData0, hal.PIDData1, hal.PIDData1, hal.PIDData1}, pids(h.ctrl.Records()))
}

func TestTransactionError_ResetByNak(t *testing.T) {
	h := newHarness(t, sim.Options{}, Policy{})
	h.dev.Endpoint(1, true).Push(
		sim.Timeout(), sim.Timeout(), sim.Nak(),
		sim.Timeout(), sim.Timeout(), sim.Ack(pattern(4)),
	)

	h.submit(bulkIn(1, 64), make([]byte, 64))
	h.drain()

	c := h.only()
	assert.Equal(t, pkg.TransferStatusSuccess, c.status)
	assert.Equal(t, 4, c.n)
}

func TestTransactionError_ResetByAck(t *testing.T) {
	tests := []struct {
		name    string
		mps     uint16
		size    int
		script  []sim.Response
		packets int
	}{
		{
			name: "TwoErrorsPerPacket",
			mps:  64,
			size: 128,
			script: []sim.Response{
				sim.Timeout(), sim.Timeout(), sim.Ack(nil),
				sim.Timeout(), sim.Timeout(), sim.Ack(nil),
			},
			packets: 6,
		},
		{
			name: "ErrorBeforeEveryPacket",
			mps:  8,
			size: 32,
			script: []sim.Response{
				sim.Timeout(), sim.Ack(nil), sim.Timeout(), sim.Ack(nil),
				sim.Timeout(), sim.Ack(nil), sim.Timeout(), sim.Ack(nil),
			},
			packets: 8,
		},
	}
	for _, tt := range tests {
		for _, errorsHalt := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/ErrorsHalt=%t", tt.name, errorsHalt), func(t *testing.T) {
				h := newHarness(t, sim.Options{ErrorsHalt: errorsHalt}, Policy{})
				h.dev.Endpoint(2, false).Push(tt.script...)

				h.submit(bulkOut(2, tt.mps), pattern(tt.size))
				h.drain()

				c := h.only()
				assert.Equal(t, pkg.TransferStatusSuccess, c.status)
				assert.Equal(t, tt.size, c.n)
				assert.Len(t, h.ctrl.Records(), tt.packets)
				assert.Equal(t, pattern(tt.size), h.dev.Endpoint(2, false).Received())
			})
		}
	}
}

func TestTransactionError_PolicyLimit(t *testing.T) {
	h := newHarness(t, sim.Options{}, Policy{MaxTransactionErrors: 5})
	h.dev.Endpoint(1, true).Default(sim.Timeout())

	h.submit(bulkIn(1, 64), make([]byte, 64))
	h.drain()

	assert.Equal(t, pkg.TransferStatusTransactionError, h.only().status)
	assert.Len(t, h.ctrl.Records(), 5)
}

func TestBulkNak_ResubmitsImmediately(t *testing.T) {
	h := newHarness(t, sim.Options{}, Policy{})
	h.dev.Endpoint(1, true).Push(sim.Nak(), sim.Nak(), sim.Ack(pattern(3)))

	h.submit(bulkIn(1, 64), make([]byte, 64))
	h.drain()

	assert.Equal(t, pkg.TransferStatusSuccess, h.only().status)
	assert.Zero(t, h.clock.Pending())
	assert.Equal(t, uint64(2), h.eng.Stats().Naks)
}

func TestPollInterval(t *testing.T) {
	tests := []struct {
		speed    hal.Speed
		interval uint8
		want     time.Duration
	}{
		{hal.SpeedLow, 0, 8 * time.Millisecond},
		{hal.SpeedLow, 8, 8 * time.Millisecond},
		{hal.SpeedLow, 10, 16 * time.Millisecond},
		{hal.SpeedLow, 16, 16 * time.Millisecond},
		{hal.SpeedLow, 255, 32 * time.Millisecond},
		{hal.SpeedFull, 1, 1 * time.Millisecond},
		{hal.SpeedFull, 3, 2 * time.Millisecond},
		{hal.SpeedFull, 10, 8 * time.Millisecond},
		{hal.SpeedFull, 32, 32 * time.Millisecond},
		{hal.SpeedFull, 255, 32 * time.Millisecond},
		{hal.SpeedHigh, 1, 1 * time.Millisecond},
		{hal.SpeedHigh, 4, 1 * time.Millisecond},
		{hal.SpeedHigh, 5, 2 * time.Millisecond},
		{hal.SpeedHigh, 6, 4 * time.Millisecond},
		{hal.SpeedHigh, 16, 4 * time.Millisecond},
	}
	for _, tt := range tests {
		ep := Endpoint{Speed: tt.speed, Interval: tt.interval, Type: hal.TransferInterrupt}
		assert.Equal(t, tt.want, PollInterval(ep), "%s interval %d", tt.speed, tt.interval)
	}
}

func TestClassify_Precedence(t *testing.T) {
	e := &Engine{}
	ch := &channel{xfer: &Transfer{}}

	tests := []struct {
		ev   hal.ChannelEvent
		want haltReason
	}{
		{hal.EventTransferComplete | hal.EventStall, haltComplete},
		{hal.EventStall | hal.EventTransactionError, haltStall},
		{hal.EventBabble | hal.EventTransactionError, haltBabble},
		{hal.EventDataToggleError | hal.EventNak, haltDataToggle},
		{hal.EventTransactionError | hal.EventNak, haltTransactionError},
		{hal.EventFrameOverrun, haltFrameOverrun},
		{hal.EventNyet | hal.EventNak, haltNyet},
		{hal.EventNak, haltNak},
		{hal.EventAck, haltNone},
		{0, haltNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.classify(ch, tt.ev), "events %s", tt.ev)
	}

	ch.split = splitStart
	assert.Equal(t, haltSplitAck, e.classify(ch, hal.EventAck))

	ch.xfer.aborted = true
	assert.Equal(t, haltAbort, e.classify(ch, hal.EventTransferComplete))
}

// haltActive delivers a halt carrying ev to the channel bound to ep, as if
// the interrupt path had observed it.
func haltActive(h *harness, ep Endpoint, ev hal.ChannelEvent) {
	h.t.Helper()
	id, ok := h.eng.ChannelFor(ep)
	require.True(h.t, ok)
	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	ch := &h.eng.channels[id]
	ch.halting = true
	h.eng.onHalted(ch, hal.EventHalted|ev)
}

func TestFrameOverrun_Rearmed(t *testing.T) {
	h := newHarness(t, sim.Options{}, Policy{})
	ep := bulkIn(1, 64)
	h.dev.Endpoint(1, true).Push(sim.Ack(pattern(64)))

	h.submit(ep, make([]byte, 64))
	haltActive(h, ep, hal.EventFrameOverrun)
	h.eng.DispatchCompletions()
	assert.Empty(t, h.completions(), "overrun is not user visible")

	h.drain()
	c := h.only()
	assert.Equal(t, pkg.TransferStatusSuccess, c.status)
	assert.Equal(t, 64, c.n)
	assert.Zero(t, h.eng.Stats().Faults)
}

func TestHaltWithoutCause_EngineFault(t *testing.T) {
	h := newHarness(t, sim.Options{}, Policy{})
	ep := bulkIn(1, 64)

	h.submit(ep, make([]byte, 64))
	haltActive(h, ep, 0)
	h.eng.DispatchCompletions()

	c := h.only()
	assert.Equal(t, pkg.TransferStatusEngineFault, c.status)
	assert.ErrorIs(t, c.status.Error(), pkg.ErrEngineFault)
	assert.Zero(t, c.n)
	assert.Equal(t, uint64(1), h.eng.Stats().Faults)
}

func TestCompleteWhileHalting_FaultsOnHalt(t *testing.T) {
	h := newHarness(t, sim.Options{}, Policy{})
	ep := bulkOut(2, 64)

	tr := h.submit(ep, pattern(64))
	id, ok := h.eng.ChannelFor(ep)
	require.True(t, ok)

	h.eng.mu.Lock()
	ch := &h.eng.channels[id]
	ch.halting = true
	h.eng.complete(ch, pkg.TransferStatusSuccess)
	h.eng.mu.Unlock()
	h.eng.DispatchCompletions()
	assert.Empty(t, h.completions(), "no relay before the halt is confirmed")

	h.eng.mu.Lock()
	h.eng.onHalted(ch, hal.EventHalted|hal.EventTransferComplete)
	h.eng.mu.Unlock()
	h.eng.DispatchCompletions()

	c := h.only()
	assert.Same(t, tr, c.t)
	assert.Equal(t, pkg.TransferStatusEngineFault, c.status)
	assert.Equal(t, uint64(1), h.eng.Stats().Faults)
	select {
	case <-tr.Done():
	default:
		t.Fatal("Done not closed")
	}
}
