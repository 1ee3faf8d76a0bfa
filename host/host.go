package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hcd"
	"github.com/ardnew/softhcd/pkg"
)

// Config configures a Host.
type Config struct {
	Engine hcd.Config

	// ResetRecovery is the delay between a port reset and the first
	// request to the device.
	ResetRecovery time.Duration

	// EnumerationTimeout bounds the whole enumeration of one device.
	EnumerationTimeout time.Duration
}

// DefaultEnumerationTimeout applies when Config.EnumerationTimeout is zero.
const DefaultEnumerationTimeout = 5 * time.Second

// Host manages a channel-based host controller, its root hub ports and the
// devices enumerated on them.
type Host struct {
	hub    hal.RootHub
	engine *hcd.Engine
	cfg    Config

	// Connected devices (indexed by address - 1)
	devices     [MaxDevices]*Device
	deviceCount int
	nextAddress uint8
	ports       map[int]*Device

	running bool
	mutex   sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group

	deviceConnected    chan *Device
	deviceDisconnected chan *Device

	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// New creates a host over ctrl and its root hub.
func New(ctrl hal.Controller, hub hal.RootHub, cfg Config) (*Host, error) {
	if hub == nil {
		return nil, fmt.Errorf("%w: nil root hub", pkg.ErrInvalidParameter)
	}
	engine, err := hcd.New(ctrl, cfg.Engine)
	if err != nil {
		return nil, err
	}
	if cfg.EnumerationTimeout <= 0 {
		cfg.EnumerationTimeout = DefaultEnumerationTimeout
	}
	return &Host{
		hub:                hub,
		engine:             engine,
		cfg:                cfg,
		nextAddress:        1,
		ports:              make(map[int]*Device),
		deviceConnected:    make(chan *Device, MaxDevices),
		deviceDisconnected: make(chan *Device, MaxDevices),
	}, nil
}

// Engine returns the transfer engine.
func (h *Host) Engine() *hcd.Engine { return h.engine }

// HandleInterrupt services the controller interrupt. Platforms call it
// from their interrupt handler.
func (h *Host) HandleInterrupt() { h.engine.HandleInterrupt() }

// Start runs the completion dispatcher and the port monitor until Stop or
// until ctx is done. A device connected before Start is picked up from the
// root hub's pending connect change.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.running {
		return pkg.ErrAlreadyRunning
	}

	ctx, h.cancel = context.WithCancel(ctx)
	h.group, h.ctx = errgroup.WithContext(ctx)
	h.running = true
	h.engine.Connect()

	runCtx := h.ctx
	h.group.Go(func() error { return h.engine.Run(runCtx) })
	h.group.Go(h.monitorPorts)

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hub.NumPorts())
	return nil
}

// Stop halts port monitoring, completes every outstanding transfer with
// Disconnected and waits for the background goroutines.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	group := h.group
	h.mutex.Unlock()

	// Waiters blocked on a transfer must see it finish even when the
	// dispatcher already exited.
	h.engine.Disconnect()
	h.engine.DispatchCompletions()
	err := group.Wait()
	h.engine.DispatchCompletions()

	h.mutex.Lock()
	n := h.deviceCount
	for i, dev := range h.devices {
		if dev != nil {
			dev.setState(DeviceStateDetached)
			h.devices[i] = nil
		}
	}
	h.deviceCount = 0
	clear(h.ports)
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host stopped", "devices", n)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Devices returns all enumerated devices.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make([]*Device, 0, h.deviceCount)
	for _, dev := range h.devices {
		if dev != nil {
			result = append(result, dev)
		}
	}
	return result
}

// GetDevice returns the device at the given address.
func (h *Host) GetDevice(address hal.DeviceAddress) *Device {
	if address == 0 || address > MaxDevices {
		return nil
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[address-1]
}

// WaitDevice blocks until a device is enumerated.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	h.mutex.RLock()
	hctx := h.ctx
	h.mutex.RUnlock()
	if hctx == nil {
		return nil, pkg.ErrNotRunning
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-hctx.Done():
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceConnected:
		return dev, nil
	}
}

// WaitDisconnect blocks until an enumerated device goes away.
func (h *Host) WaitDisconnect(ctx context.Context) (*Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case dev := <-h.deviceDisconnected:
		return dev, nil
	}
}

// SetOnDeviceConnect sets the callback run after a device is enumerated.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback run after a device goes away.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

// NumPorts returns the number of root hub ports.
func (h *Host) NumPorts() int { return h.hub.NumPorts() }

// GetPortStatus returns the status of a root hub port.
func (h *Host) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.hub.GetPortStatus(port)
}

// monitorPorts handles root hub port changes until the host stops.
func (h *Host) monitorPorts() error {
	for {
		port, st, err := h.hub.WaitPortChange(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return h.ctx.Err()
			}
			pkg.LogWarn(pkg.ComponentHost, "port change wait failed", "error", err)
			continue
		}
		if !st.ConnectChange {
			continue
		}

		if _, known := h.portDevice(port); known || !st.Connected {
			h.portDisconnected(port)
		}
		if st.Connected {
			h.portConnected(port, st.Speed)
		}
	}
}

func (h *Host) portDevice(port int) (*Device, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	dev, ok := h.ports[port]
	return dev, ok
}

// portConnected resets the port and enumerates the device behind it.
func (h *Host) portConnected(port int, speed hal.Speed) {
	pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port, "speed", speed)

	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return
	}
	h.engine.Connect()
	h.mutex.Unlock()

	dev, err := h.enumerate(port, speed)
	if err != nil {
		if h.ctx.Err() == nil {
			pkg.LogWarn(pkg.ComponentHost, "enumeration failed", "port", port, "error", err)
		}
		return
	}

	h.mutex.Lock()
	if h.devices[dev.address-1] != nil {
		h.mutex.Unlock()
		pkg.LogWarn(pkg.ComponentHost, "address already in use", "address", dev.address)
		return
	}
	h.devices[dev.address-1] = dev
	h.deviceCount++
	h.ports[port] = dev
	cb := h.onDeviceConnect
	h.mutex.Unlock()

	if cb != nil {
		cb(dev)
	}
	select {
	case h.deviceConnected <- dev:
	default:
	}

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"port", port,
		"address", dev.address,
		"vendor", fmt.Sprintf("%04x", dev.descriptor.VendorID),
		"product", fmt.Sprintf("%04x", dev.descriptor.ProductID))
}

// portDisconnected tears down every transfer and forgets the device. The
// engine refuses submissions until the next connect.
func (h *Host) portDisconnected(port int) {
	h.engine.Disconnect()

	h.mutex.Lock()
	dev := h.ports[port]
	delete(h.ports, port)
	if dev != nil && dev.address > 0 && h.devices[dev.address-1] == dev {
		h.devices[dev.address-1] = nil
		h.deviceCount--
	}
	cb := h.onDeviceDisconnect
	h.mutex.Unlock()

	if dev == nil {
		return
	}
	dev.detach()
	pkg.LogInfo(pkg.ComponentHost, "device disconnected", "port", port, "address", dev.address)

	if cb != nil {
		cb(dev)
	}
	select {
	case h.deviceDisconnected <- dev:
	default:
	}
}

// allocateAddress returns a free device address, or 0 if none is left.
func (h *Host) allocateAddress() hal.DeviceAddress {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for range MaxDevices {
		addr := h.nextAddress
		h.nextAddress++
		if h.nextAddress > MaxDevices {
			h.nextAddress = 1
		}
		if h.devices[addr-1] == nil {
			return hal.DeviceAddress(addr)
		}
	}
	return 0
}
