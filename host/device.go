package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hcd"
	"github.com/ardnew/softhcd/pkg"
)

// Device represents a connected USB device from the host's perspective.
// It implements msc.Transport.
type Device struct {
	host  *Host
	port  int
	speed hal.Speed
	hub   hcd.Hub

	// Immutable once enumeration finished.
	address        hal.DeviceAddress
	maxPacketSize0 uint16
	descriptor     DeviceDescriptor
	config         ConfigurationDescriptor
	interfaces     []Interface
	strings        [MaxStringsPerDevice]string

	mutex              sync.RWMutex
	state              DeviceState
	configurationValue uint8
}

func newDevice(host *Host, port int, speed hal.Speed) *Device {
	return &Device{
		host:           host,
		port:           port,
		speed:          speed,
		maxPacketSize0: defaultMaxPacketSize0(speed),
		state:          DeviceStateDefault,
	}
}

// Address returns the device address.
func (d *Device) Address() hal.DeviceAddress { return d.address }

// Port returns the root hub port the device is connected to.
func (d *Device) Port() int { return d.port }

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed { return d.speed }

// VendorID returns the device vendor ID.
func (d *Device) VendorID() uint16 { return d.descriptor.VendorID }

// ProductID returns the device product ID.
func (d *Device) ProductID() uint16 { return d.descriptor.ProductID }

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor { return d.descriptor }

// Configuration returns the configuration descriptor header read during
// enumeration.
func (d *Device) Configuration() ConfigurationDescriptor { return d.config }

// Interfaces returns the interfaces of the configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Interfaces() []Interface { return d.interfaces }

// GetInterface returns the interface with the given number.
func (d *Device) GetInterface(num uint8) *Interface {
	for i := range d.interfaces {
		if d.interfaces[i].InterfaceNumber == num {
			return &d.interfaces[i]
		}
	}
	return nil
}

// GetEndpoint returns the endpoint descriptor for the given address.
func (d *Device) GetEndpoint(address uint8) *EndpointDescriptor {
	for i := range d.interfaces {
		eps := d.interfaces[i].Endpoints
		for j := range eps {
			if eps[j].EndpointAddress == address {
				return &eps[j]
			}
		}
	}
	return nil
}

// FindBulkInterface returns the first interface matching class, subclass
// and protocol that has both a bulk IN and a bulk OUT endpoint.
func (d *Device) FindBulkInterface(class, subclass, protocol uint8) (iface, in, out uint8, err error) {
	for i := range d.interfaces {
		it := &d.interfaces[i]
		if it.InterfaceClass != class || it.InterfaceSubClass != subclass || it.InterfaceProtocol != protocol {
			continue
		}
		in, out = 0, 0
		for j := range it.Endpoints {
			ep := &it.Endpoints[j]
			if ep.TransferType() != hal.TransferBulk {
				continue
			}
			if ep.IsIn() && in == 0 {
				in = ep.EndpointAddress
			} else if !ep.IsIn() && out == 0 {
				out = ep.EndpointAddress
			}
		}
		if in != 0 && out != 0 {
			return it.InterfaceNumber, in, out, nil
		}
	}
	return 0, 0, 0, fmt.Errorf("%w: no interface %02x/%02x/%02x with bulk pipes",
		pkg.ErrNotSupported, class, subclass, protocol)
}

// GetString returns a cached string descriptor.
func (d *Device) GetString(index uint8) string {
	if index == 0 || int(index) >= len(d.strings) {
		return ""
	}
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string { return d.GetString(d.descriptor.ManufacturerIndex) }

// Product returns the product string.
func (d *Device) Product() string { return d.GetString(d.descriptor.ProductIndex) }

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string { return d.GetString(d.descriptor.SerialNumberIndex) }

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(s DeviceState) {
	d.mutex.Lock()
	d.state = s
	d.mutex.Unlock()
}

// GetConfiguration returns the configuration value last set.
func (d *Device) GetConfiguration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configurationValue
}

// ReadConfiguration asks the device for its active configuration value
// with GET_CONFIGURATION.
func (d *Device) ReadConfiguration(ctx context.Context) (uint8, error) {
	var buf [1]byte
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetConfiguration,
		Length:      1,
	}
	n, err := d.ControlTransfer(ctx, setup, buf[:])
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: short GET_CONFIGURATION", pkg.ErrProtocol)
	}
	return buf[0], nil
}

// SetConfiguration selects a configuration. Value 0 returns the device to
// the Address state.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
	if _, err := d.ControlTransfer(ctx, setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	d.configurationValue = value
	if value > 0 {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mutex.Unlock()
	return nil
}

// control returns EP0 in the given direction.
func (d *Device) control(in bool) hcd.Endpoint {
	return hcd.Endpoint{
		Device:        d.address,
		In:            in,
		Type:          hal.TransferControl,
		Speed:         d.speed,
		MaxPacketSize: d.maxPacketSize0,
		Hub:           d.hub,
	}
}

// pipe returns the engine endpoint for a data endpoint of the active
// configuration.
func (d *Device) pipe(address uint8, types ...hal.TransferType) (hcd.Endpoint, error) {
	desc := d.GetEndpoint(address)
	if desc == nil {
		return hcd.Endpoint{}, fmt.Errorf("%w: %#02x", pkg.ErrInvalidEndpoint, address)
	}
	ok := len(types) == 0
	for _, t := range types {
		ok = ok || desc.TransferType() == t
	}
	if !ok {
		return hcd.Endpoint{}, fmt.Errorf("%w: %#02x is %s", pkg.ErrInvalidEndpoint,
			address, desc.TransferType())
	}
	return hcd.Endpoint{
		Device:        d.address,
		Number:        desc.Number(),
		In:            desc.IsIn(),
		Type:          desc.TransferType(),
		Speed:         d.speed,
		MaxPacketSize: desc.PacketSize(),
		Interval:      desc.Interval,
		Hub:           d.hub,
	}, nil
}

// dataPipe resolves a data endpoint and checks the device can use it.
func (d *Device) dataPipe(address uint8, types ...hal.TransferType) (hcd.Endpoint, error) {
	switch d.State() {
	case DeviceStateConfigured:
	case DeviceStateDetached:
		return hcd.Endpoint{}, pkg.ErrNoDevice
	default:
		return hcd.Endpoint{}, fmt.Errorf("%w: device not configured", pkg.ErrInvalidState)
	}
	return d.pipe(address, types...)
}

// ControlTransfer performs a control transfer on EP0. The data stage moves
// at most setup.Length bytes of data.
func (d *Device) ControlTransfer(ctx context.Context, setup hal.SetupPacket, data []byte) (int, error) {
	if d.State() == DeviceStateDetached {
		return 0, pkg.ErrNoDevice
	}
	return d.host.controlTransfer(ctx, d.control(false), d.control(true), setup, data)
}

// BulkTransfer moves buf over a bulk endpoint. The direction follows the
// endpoint address.
func (d *Device) BulkTransfer(ctx context.Context, endpoint uint8, buf []byte) (int, error) {
	ep, err := d.dataPipe(endpoint, hal.TransferBulk)
	if err != nil {
		return 0, err
	}
	return d.host.transfer(ctx, hcd.Request{Endpoint: ep, Buffer: buf})
}

// InterruptTransfer moves buf over an interrupt endpoint. An IN transfer
// polls at the endpoint's interval until the device answers.
func (d *Device) InterruptTransfer(ctx context.Context, endpoint uint8, buf []byte) (int, error) {
	ep, err := d.dataPipe(endpoint, hal.TransferInterrupt)
	if err != nil {
		return 0, err
	}
	return d.host.transfer(ctx, hcd.Request{Endpoint: ep, Buffer: buf})
}

// Submit queues an asynchronous transfer on a bulk or interrupt endpoint.
// cb runs once in the host's completion dispatcher.
func (d *Device) Submit(endpoint uint8, buf []byte, cb hcd.Callback) (*hcd.Transfer, error) {
	ep, err := d.dataPipe(endpoint, hal.TransferBulk, hal.TransferInterrupt)
	if err != nil {
		return nil, err
	}
	return d.host.engine.Submit(hcd.Request{Endpoint: ep, Buffer: buf, Callback: cb})
}

// IsHalted reports whether the endpoint stalled and was not yet cleared.
func (d *Device) IsHalted(endpoint uint8) bool {
	ep, err := d.pipe(endpoint)
	if err != nil {
		return false
	}
	return d.host.engine.IsHalted(ep)
}

// GetDescriptor performs a GET_DESCRIPTOR request.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}
	return d.ControlTransfer(ctx, setup, data)
}

// GetStatus performs a GET_STATUS request to the device.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	var buf [2]byte
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetStatus,
		Length:      2,
	}
	n, err := d.ControlTransfer(ctx, setup, buf[:])
	if err != nil {
		return 0, err
	}
	if n < 2 {
		return 0, fmt.Errorf("%w: short GET_STATUS", pkg.ErrProtocol)
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// SetFeature performs a device SET_FEATURE request.
func (d *Device) SetFeature(ctx context.Context, feature uint16) error {
	return d.feature(ctx, RequestSetFeature, RequestTypeDevice, feature, 0)
}

// ClearFeature performs a device CLEAR_FEATURE request.
func (d *Device) ClearFeature(ctx context.Context, feature uint16) error {
	return d.feature(ctx, RequestClearFeature, RequestTypeDevice, feature, 0)
}

// SetRemoteWakeup enables or disables the device's remote wakeup feature.
func (d *Device) SetRemoteWakeup(ctx context.Context, enable bool) error {
	if enable {
		return d.SetFeature(ctx, FeatureDeviceRemoteWakeup)
	}
	return d.ClearFeature(ctx, FeatureDeviceRemoteWakeup)
}

func (d *Device) feature(ctx context.Context, req, recipient uint8, feature, index uint16) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | recipient,
		Request:     req,
		Value:       feature,
		Index:       index,
	}
	_, err := d.ControlTransfer(ctx, setup, nil)
	return err
}

// ClearEndpointHalt sends CLEAR_FEATURE(ENDPOINT_HALT) for the endpoint
// and, once the device accepted it, clears the host's halt flag and resets
// the data toggle to DATA0.
func (d *Device) ClearEndpointHalt(ctx context.Context, endpoint uint8) error {
	ep, err := d.pipe(endpoint)
	if err != nil {
		return err
	}
	if err := d.feature(ctx, RequestClearFeature, RequestTypeEndpoint,
		FeatureEndpointHalt, uint16(endpoint)); err != nil {
		return err
	}
	return d.host.engine.ClearHalt(ep)
}

// detach marks the device gone and unbinds its channels.
func (d *Device) detach() {
	d.setState(DeviceStateDetached)
	eng := d.host.engine
	_ = eng.Release(d.control(false))
	_ = eng.Release(d.control(true))
	for i := range d.interfaces {
		for _, desc := range d.interfaces[i].Endpoints {
			if ep, err := d.pipe(desc.EndpointAddress); err == nil {
				_ = eng.Release(ep)
			}
		}
	}
}
