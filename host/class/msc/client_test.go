package msc_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softhcd/host"
	"github.com/ardnew/softhcd/host/class/msc"
	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/sim"
	"github.com/ardnew/softhcd/host/hal/sim/msd"
	"github.com/ardnew/softhcd/pkg"
)

type bench struct {
	host    *host.Host
	storage *msd.MemoryStorage
	disk    *msd.Disk
	faulty  *sim.Faulty
	client  *msc.Client
}

// newBench enumerates a simulated disk and opens a client on its
// Bulk-Only interface. A non-zero plan puts a fault injector in front of
// the disk.
func newBench(t *testing.T, plan sim.FaultPlan) *bench {
	t.Helper()
	ctrl := sim.New(sim.Options{FramePeriod: 100 * time.Microsecond})
	h, err := host.New(ctrl, ctrl, host.Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx, h.HandleInterrupt)
	}()
	t.Cleanup(func() {
		assert.NoError(t, h.Stop())
		cancel()
		<-done
	})

	b := &bench{host: h, storage: msd.NewMemoryStorage(256, 512)}
	dev, disk := msd.NewDevice(b.storage, msd.DefaultConfig())
	b.disk = disk
	var fn sim.Function = dev
	if plan != (sim.FaultPlan{}) {
		b.faulty = sim.NewFaulty(dev, plan)
		fn = b.faulty
	}
	ctrl.Plug(fn, hal.SpeedFull)

	require.NoError(t, h.Start(context.Background()))
	d, err := h.WaitDevice(testContext(t))
	require.NoError(t, err)

	iface, in, out, err := d.FindBulkInterface(msc.ClassMSC, msc.SubclassSCSI, msc.ProtocolBulkOnly)
	require.NoError(t, err)
	assert.Equal(t, uint8(msd.BulkInAddress), in)
	assert.Equal(t, uint8(msd.BulkOutAddress), out)
	b.client = msc.New(d, iface, in, out)
	return b
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i)*7 + seed
	}
	return buf
}

func TestClient_Inquiry(t *testing.T) {
	b := newBench(t, sim.FaultPlan{})
	r, err := b.client.Inquiry(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, uint8(msc.DeviceTypeDisk), r.DeviceType)
	assert.Equal(t, "softhcd", r.VendorID)
	assert.Equal(t, "Simulated Disk", r.ProductID)
}

func TestClient_ReadCapacity(t *testing.T) {
	b := newBench(t, sim.FaultPlan{})
	assert.Zero(t, b.client.BlockSize())

	c, err := b.client.ReadCapacity(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, uint32(255), c.LastLBA)
	assert.Equal(t, uint32(512), c.BlockLength)
	assert.Equal(t, uint64(256*512), c.Bytes())
	assert.Equal(t, uint32(512), b.client.BlockSize())
}

func TestClient_GetMaxLUN(t *testing.T) {
	b := newBench(t, sim.FaultPlan{})
	lun, err := b.client.GetMaxLUN(testContext(t))
	require.NoError(t, err)
	assert.Zero(t, lun)
}

func TestClient_WriteRead(t *testing.T) {
	b := newBench(t, sim.FaultPlan{})
	ctx := testContext(t)

	data := pattern(4*512, 3)
	n, err := b.client.Write(ctx, 10, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	require.NoError(t, b.client.Sync(ctx))
	assert.Equal(t, data, b.storage.Bytes()[10*512:14*512])

	got := make([]byte, len(data))
	n, err = b.client.Read(ctx, 10, got)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)
}

func TestClient_LargeTransferSpansCommands(t *testing.T) {
	b := newBench(t, sim.FaultPlan{})
	ctx := testContext(t)

	// Two commands: one full chunk and the remainder.
	data := pattern(200*512, 11)
	before := b.disk.Commands()
	n, err := b.client.Write(ctx, 1, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, b.storage.Bytes()[512:201*512])

	got := make([]byte, len(data))
	_, err = b.client.Read(ctx, 1, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	// READ CAPACITY, two WRITEs and two READs.
	assert.Equal(t, 5, b.disk.Commands()-before)
}

func TestClient_InvalidRange(t *testing.T) {
	b := newBench(t, sim.FaultPlan{})
	ctx := testContext(t)

	_, err := b.client.ReadCapacity(ctx)
	require.NoError(t, err)
	before := b.disk.Commands()

	_, err = b.client.Read(ctx, 255, make([]byte, 1024))
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
	_, err = b.client.Write(ctx, 0, make([]byte, 100))
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
	assert.Equal(t, before, b.disk.Commands(), "rejected before reaching the device")
}

func TestClient_SenseError(t *testing.T) {
	b := newBench(t, sim.FaultPlan{})
	ctx := testContext(t)

	require.NoError(t, b.client.TestUnitReady(ctx))
	b.storage.SetPresent(false)

	err := b.client.TestUnitReady(ctx)
	require.ErrorIs(t, err, pkg.ErrCommandFailed)
	var se *msc.SenseError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint8(msc.SCSITestUnitReady), se.Op)
	assert.Equal(t, uint8(msc.SenseNotReady), se.Sense.Key)
	assert.Equal(t, uint8(msc.ASCMediumNotPresent), se.Sense.ASC)

	// Sense data is consumed by the request.
	s, err := b.client.RequestSense(ctx)
	require.NoError(t, err)
	assert.Equal(t, msc.Sense{}, s)

	b.storage.SetPresent(true)
	assert.NoError(t, b.client.TestUnitReady(ctx))
}

func TestClient_WriteProtected(t *testing.T) {
	b := newBench(t, sim.FaultPlan{})
	ctx := testContext(t)

	wp, err := b.client.WriteProtected(ctx)
	require.NoError(t, err)
	assert.False(t, wp)

	b.storage.SetReadOnly(true)
	wp, err = b.client.WriteProtected(ctx)
	require.NoError(t, err)
	assert.True(t, wp)

	// The data phase is stalled, cleared and the command still ends with
	// its status.
	_, err = b.client.Write(ctx, 0, make([]byte, 512))
	var se *msc.SenseError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint8(msc.SenseDataProtect), se.Sense.Key)
	assert.Equal(t, uint8(msc.ASCWriteProtected), se.Sense.ASC)

	_, err = b.client.Read(ctx, 0, make([]byte, 512))
	assert.NoError(t, err)
}

func TestClient_UnsupportedCommand(t *testing.T) {
	b := newBench(t, sim.FaultPlan{})
	ctx := testContext(t)

	_, err := b.client.Command(ctx, []byte{0xEE, 0, 0, 0, 0, 0}, make([]byte, 64), true)
	require.ErrorIs(t, err, pkg.ErrCommandFailed)

	s, err := b.client.RequestSense(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(msc.SenseIllegalRequest), s.Key)
	assert.Equal(t, uint8(msc.ASCInvalidCommand), s.ASC)
}

func TestClient_PhaseErrorRecovers(t *testing.T) {
	b := newBench(t, sim.FaultPlan{})
	ctx := testContext(t)

	// Two blocks announced against one block of data.
	_, err := b.client.Command(ctx, msc.Write10CDB(0, 2), make([]byte, 512), false)
	require.ErrorIs(t, err, pkg.ErrProtocol)

	require.NoError(t, b.client.TestUnitReady(ctx))
	data := pattern(512, 5)
	_, err = b.client.Write(ctx, 0, data)
	require.NoError(t, err)
	assert.Equal(t, data, b.storage.Bytes()[:512])
}

func TestClient_ResetRecovery(t *testing.T) {
	b := newBench(t, sim.FaultPlan{})
	ctx := testContext(t)

	require.NoError(t, b.client.ResetRecovery(ctx))
	_, err := b.client.Inquiry(ctx)
	assert.NoError(t, err)
}

func TestClient_SurvivesInjectedFaults(t *testing.T) {
	b := newBench(t, sim.FaultPlan{NakEvery: 3, ErrorEvery: 7})
	ctx := testContext(t)

	data := pattern(16*512, 9)
	_, err := b.client.Write(ctx, 32, data)
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = b.client.Read(ctx, 32, got)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.Positive(t, b.faulty.Injected())
	stats := b.host.Engine().Stats()
	assert.Positive(t, stats.Naks)
	assert.Positive(t, stats.Retries)
}
