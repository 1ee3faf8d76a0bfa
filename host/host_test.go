package host

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softhcd/host/class/msc"
	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/sim"
	"github.com/ardnew/softhcd/host/hal/sim/msd"
	"github.com/ardnew/softhcd/host/hcd"
	"github.com/ardnew/softhcd/pkg"
)

// =============================================================================
// Test Bench
// =============================================================================

type bench struct {
	t       *testing.T
	ctrl    *sim.Controller
	host    *Host
	storage *msd.MemoryStorage
	disk    *msd.Disk
	tag     uint32
}

// newBench runs a host against a simulated controller in real time. The
// disk is plugged but the host is not started.
func newBench(t *testing.T) *bench {
	t.Helper()
	ctrl := sim.New(sim.Options{FramePeriod: 100 * time.Microsecond})
	h, err := New(ctrl, ctrl, Config{})
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

	b := &bench{t: t, ctrl: ctrl, host: h}
	b.plug()
	return b
}

func (b *bench) plug() {
	b.storage = msd.NewMemoryStorage(128, 512)
	dev, disk := msd.NewDevice(b.storage, msd.DefaultConfig())
	b.disk = disk
	b.ctrl.Plug(dev, hal.SpeedFull)
}

func (b *bench) start() *Device {
	b.t.Helper()
	require.NoError(b.t, b.host.Start(context.Background()))
	return b.wait()
}

func (b *bench) wait() *Device {
	b.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dev, err := b.host.WaitDevice(ctx)
	require.NoError(b.t, err)
	return dev
}

func (b *bench) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	b.t.Cleanup(cancel)
	return ctx
}

// sendCBW writes a command block on the bulk OUT pipe.
func (b *bench) sendCBW(dev *Device, length uint32, in bool, cdb []byte) {
	b.t.Helper()
	b.tag++
	cbw := msc.NewCBW(b.tag, length, in, 0, cdb)
	buf := make([]byte, msc.CBWSize)
	cbw.MarshalTo(buf)
	n, err := dev.BulkTransfer(b.ctx(), msd.BulkOutAddress, buf)
	require.NoError(b.t, err)
	require.Equal(b.t, msc.CBWSize, n)
}

// readCSW reads the status wrapper of the last command.
func (b *bench) readCSW(dev *Device) msc.CommandStatusWrapper {
	b.t.Helper()
	buf := make([]byte, msc.CSWSize)
	n, err := dev.BulkTransfer(b.ctx(), msd.BulkInAddress, buf)
	require.NoError(b.t, err)
	var csw msc.CommandStatusWrapper
	require.True(b.t, msc.ParseCSW(buf[:n], &csw))
	assert.Equal(b.t, b.tag, csw.Tag)
	return csw
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestNew_NilRootHub(t *testing.T) {
	_, err := New(sim.New(sim.Options{}), nil, Config{})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestHost_StartStop(t *testing.T) {
	h, err := New(sim.New(sim.Options{}), sim.New(sim.Options{}), Config{})
	require.NoError(t, err)
	assert.False(t, h.IsRunning())

	_, err = h.WaitDevice(context.Background())
	assert.ErrorIs(t, err, pkg.ErrNotRunning)

	require.NoError(t, h.Start(context.Background()))
	assert.True(t, h.IsRunning())
	assert.ErrorIs(t, h.Start(context.Background()), pkg.ErrAlreadyRunning)

	require.NoError(t, h.Stop())
	assert.False(t, h.IsRunning())
	require.NoError(t, h.Stop(), "second stop is a no-op")

	_, err = h.WaitDevice(context.Background())
	assert.ErrorIs(t, err, pkg.ErrCancelled)
}

func TestDevice_TransfersNeedRunningHost(t *testing.T) {
	h, err := New(sim.New(sim.Options{}), sim.New(sim.Options{}), Config{})
	require.NoError(t, err)
	dev := newDevice(h, 1, hal.SpeedFull)

	_, err = dev.ControlTransfer(context.Background(), hal.SetupPacket{Request: RequestSetAddress, Value: 1}, nil)
	assert.ErrorIs(t, err, pkg.ErrNotRunning)

	_, err = dev.BulkTransfer(context.Background(), 0x81, make([]byte, 8))
	assert.ErrorIs(t, err, pkg.ErrInvalidState, "not configured")
}

// =============================================================================
// Enumeration
// =============================================================================

func TestHost_EnumeratesDisk(t *testing.T) {
	b := newBench(t)
	dev := b.start()

	assert.Equal(t, hal.DeviceAddress(1), dev.Address())
	assert.Equal(t, 1, dev.Port())
	assert.Equal(t, hal.SpeedFull, dev.Speed())
	assert.Equal(t, DeviceStateConfigured, dev.State())
	assert.Equal(t, uint8(1), dev.GetConfiguration())

	assert.Equal(t, uint16(0x1209), dev.VendorID())
	assert.Equal(t, uint16(0x5D1D), dev.ProductID())
	assert.Equal(t, uint8(64), dev.Descriptor().MaxPacketSize0)
	assert.Equal(t, "softhcd", dev.Manufacturer())
	assert.Equal(t, "Simulated Disk", dev.Product())
	assert.Equal(t, "0001", dev.SerialNumber())

	require.Len(t, dev.Interfaces(), 1)
	iface, in, out, err := dev.FindBulkInterface(msc.ClassMSC, msc.SubclassSCSI, msc.ProtocolBulkOnly)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), iface)
	assert.Equal(t, uint8(msd.BulkInAddress), in)
	assert.Equal(t, uint8(msd.BulkOutAddress), out)

	_, _, _, err = dev.FindBulkInterface(0x03, 0, 0)
	assert.ErrorIs(t, err, pkg.ErrNotSupported)

	assert.Same(t, dev, b.host.GetDevice(1))
	assert.Nil(t, b.host.GetDevice(2))
	assert.Len(t, b.host.Devices(), 1)

	status, err := dev.GetStatus(b.ctx())
	require.NoError(t, err)
	assert.Zero(t, status&^0x0001)
}

func TestDevice_StandardRequests(t *testing.T) {
	b := newBench(t)
	dev := b.start()

	value, err := dev.ReadConfiguration(b.ctx())
	require.NoError(t, err)
	assert.Equal(t, dev.GetConfiguration(), value)

	require.NoError(t, dev.SetRemoteWakeup(b.ctx(), true))
	status, err := dev.GetStatus(b.ctx())
	require.NoError(t, err)
	assert.NotZero(t, status&0x0002, "remote wakeup enabled")

	require.NoError(t, dev.SetRemoteWakeup(b.ctx(), false))
	status, err = dev.GetStatus(b.ctx())
	require.NoError(t, err)
	assert.Zero(t, status&0x0002)

	require.NoError(t, dev.SetConfiguration(b.ctx(), 0))
	value, err = dev.ReadConfiguration(b.ctx())
	require.NoError(t, err)
	assert.Zero(t, value)
	assert.Equal(t, DeviceStateAddress, dev.State())
}

func TestHost_Callbacks(t *testing.T) {
	b := newBench(t)

	var mu sync.Mutex
	var events []string
	b.host.SetOnDeviceConnect(func(d *Device) {
		mu.Lock()
		events = append(events, "connect")
		mu.Unlock()
	})
	b.host.SetOnDeviceDisconnect(func(d *Device) {
		mu.Lock()
		events = append(events, "disconnect")
		mu.Unlock()
	})

	dev := b.start()
	b.ctrl.Unplug()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gone, err := b.host.WaitDisconnect(ctx)
	require.NoError(t, err)
	assert.Same(t, dev, gone)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"connect", "disconnect"}, events)
}

func TestHost_DisconnectAndReplug(t *testing.T) {
	b := newBench(t)
	dev := b.start()

	b.ctrl.Unplug()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.host.WaitDisconnect(ctx)
	require.NoError(t, err)

	assert.Equal(t, DeviceStateDetached, dev.State())
	assert.Empty(t, b.host.Devices())
	_, err = dev.BulkTransfer(b.ctx(), msd.BulkInAddress, make([]byte, 13))
	assert.ErrorIs(t, err, pkg.ErrNoDevice)
	_, err = dev.ControlTransfer(b.ctx(), hal.SetupPacket{Request: RequestGetStatus}, nil)
	assert.ErrorIs(t, err, pkg.ErrNoDevice)

	b.plug()
	again := b.wait()
	assert.Equal(t, hal.DeviceAddress(2), again.Address(), "addresses rotate")
	assert.Equal(t, DeviceStateConfigured, again.State())
}

// =============================================================================
// Transfers
// =============================================================================

func TestDevice_BulkCommand(t *testing.T) {
	b := newBench(t)
	dev := b.start()

	b.sendCBW(dev, 0, false, msc.TestUnitReadyCDB())
	csw := b.readCSW(dev)
	assert.Equal(t, uint8(msc.CSWStatusGood), csw.Status)

	b.sendCBW(dev, msc.ReadCapacity10Size, true, msc.ReadCapacity10CDB())
	data := make([]byte, msc.ReadCapacity10Size)
	n, err := dev.BulkTransfer(b.ctx(), msd.BulkInAddress, data)
	require.NoError(t, err)
	require.Equal(t, msc.ReadCapacity10Size, n)
	var capacity msc.Capacity
	require.NoError(t, msc.ParseCapacity(data, &capacity))
	assert.Equal(t, uint64(128), capacity.Blocks())
	assert.Equal(t, uint8(msc.CSWStatusGood), b.readCSW(dev).Status)
	assert.Equal(t, 2, b.disk.Commands())
}

func TestDevice_ClearEndpointHalt(t *testing.T) {
	b := newBench(t)
	dev := b.start()

	// An unknown opcode fails and the disk stalls the announced data phase.
	b.sendCBW(dev, 64, true, []byte{0xEE, 0, 0, 0, 0, 0})
	_, err := dev.BulkTransfer(b.ctx(), msd.BulkInAddress, make([]byte, 64))
	require.ErrorIs(t, err, pkg.ErrStall)
	assert.True(t, dev.IsHalted(msd.BulkInAddress))

	require.NoError(t, dev.ClearEndpointHalt(b.ctx(), msd.BulkInAddress))
	assert.False(t, dev.IsHalted(msd.BulkInAddress))

	csw := b.readCSW(dev)
	assert.Equal(t, uint8(msc.CSWStatusFailed), csw.Status)
	assert.Equal(t, uint32(64), csw.DataResidue)

	err = dev.ClearEndpointHalt(b.ctx(), 0x85)
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)
}

func TestDevice_CancelAbortsTransfer(t *testing.T) {
	b := newBench(t)
	dev := b.start()

	// No command is pending, so the disk NAKs the IN pipe indefinitely.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := dev.BulkTransfer(ctx, msd.BulkInAddress, make([]byte, 13))
	assert.ErrorIs(t, err, pkg.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotZero(t, b.host.Engine().Stats().Aborted)

	// The pipe is usable afterwards.
	b.sendCBW(dev, 0, false, msc.TestUnitReadyCDB())
	assert.Equal(t, uint8(msc.CSWStatusGood), b.readCSW(dev).Status)
}

func TestDevice_WrongEndpointType(t *testing.T) {
	b := newBench(t)
	dev := b.start()

	_, err := dev.InterruptTransfer(b.ctx(), msd.BulkInAddress, make([]byte, 8))
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)
	_, err = dev.BulkTransfer(b.ctx(), 0x83, make([]byte, 8))
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)
}

func TestDevice_Submit(t *testing.T) {
	b := newBench(t)
	dev := b.start()

	cbw := msc.NewCBW(7, 0, false, 0, msc.TestUnitReadyCDB())
	buf := make([]byte, msc.CBWSize)
	cbw.MarshalTo(buf)

	result := make(chan pkg.TransferStatus, 1)
	tr, err := dev.Submit(msd.BulkOutAddress, buf, func(_ *hcd.Transfer, n int, status pkg.TransferStatus) {
		result <- status
	})
	require.NoError(t, err)

	select {
	case status := <-result:
		assert.Equal(t, pkg.TransferStatusSuccess, status)
	case <-time.After(5 * time.Second):
		t.Fatal("callback did not run")
	}
	<-tr.Done()
	n, _ := tr.Result()
	assert.Equal(t, msc.CBWSize, n)
}

func TestPipe_BuffersShortReads(t *testing.T) {
	b := newBench(t)
	dev := b.start()

	_, err := NewPipe(dev, msd.BulkInAddress, msd.BulkOutAddress, 0)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	p, err := NewPipe(dev, msd.BulkInAddress, msd.BulkOutAddress, 64)
	require.NoError(t, err)
	assert.Same(t, dev, p.Device())

	cbw := msc.NewCBW(9, 0, false, 0, msc.TestUnitReadyCDB())
	raw := make([]byte, msc.CBWSize)
	cbw.MarshalTo(raw)
	n, err := p.Write(b.ctx(), raw)
	require.NoError(t, err)
	assert.Equal(t, msc.CBWSize, n)

	var got []byte
	chunk := make([]byte, 4)
	n, err = p.Read(b.ctx(), chunk)
	require.NoError(t, err)
	got = append(got, chunk[:n]...)
	assert.Equal(t, msc.CSWSize-4, p.Buffered())
	for p.Buffered() > 0 {
		n, err = p.Read(b.ctx(), chunk)
		require.NoError(t, err)
		got = append(got, chunk[:n]...)
	}

	var csw msc.CommandStatusWrapper
	require.True(t, msc.ParseCSW(got, &csw))
	assert.Equal(t, uint32(9), csw.Tag)
}
