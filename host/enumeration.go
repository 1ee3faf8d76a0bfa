package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// enumerate resets the port and walks the device from the Default state
// to Configured: it reads bMaxPacketSize0 at address 0, assigns an
// address, reads the device and configuration descriptors and the strings
// they reference, then selects the first configuration.
func (h *Host) enumerate(port int, speed hal.Speed) (*Device, error) {
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.EnumerationTimeout)
	defer cancel()

	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port, "speed", speed)

	if err := h.hub.ResetPort(port); err != nil {
		return nil, fmt.Errorf("%w: reset port %d: %w", ErrEnumerationFailed, port, err)
	}
	if d := h.cfg.ResetRecovery; d > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}

	dev := newDevice(h, port, speed)
	// Anything left bound to address 0 belongs to a previous device.
	_ = h.engine.Release(dev.control(false))
	_ = h.engine.Release(dev.control(true))

	var buf [MaxDescriptorSize]byte
	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:8])
	if err != nil {
		return nil, fmt.Errorf("%w: device descriptor prefix: %w", ErrEnumerationFailed, err)
	}
	if n < 8 {
		return nil, fmt.Errorf("%w: device descriptor prefix of %d bytes", ErrEnumerationFailed, n)
	}
	switch mps := buf[7]; mps {
	case 8, 16, 32, 64:
		dev.maxPacketSize0 = uint16(mps)
	default:
		return nil, fmt.Errorf("%w: bMaxPacketSize0 %d", ErrEnumerationFailed, mps)
	}
	pkg.LogDebug(pkg.ComponentHost, "got max packet size", "size", dev.maxPacketSize0)

	if err := h.assignAddress(ctx, dev); err != nil {
		return nil, err
	}

	n, err = dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return nil, fmt.Errorf("%w: device descriptor: %w", ErrEnumerationFailed, err)
	}
	if !ParseDeviceDescriptor(buf[:n], &dev.descriptor) {
		return nil, fmt.Errorf("%w: malformed device descriptor", ErrEnumerationFailed)
	}
	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.descriptor.VendorID,
		"productID", dev.descriptor.ProductID,
		"class", dev.descriptor.DeviceClass)

	if err := h.readConfiguration(ctx, dev, buf[:]); err != nil {
		return nil, err
	}

	h.readStrings(ctx, dev, buf[:])

	if v := dev.config.ConfigurationValue; v > 0 {
		if err := dev.SetConfiguration(ctx, v); err != nil {
			return nil, fmt.Errorf("%w: set configuration %d: %w", ErrEnumerationFailed, v, err)
		}
	}
	return dev, nil
}

// assignAddress moves dev from address 0 to a newly allocated address.
// The device switches once the SET_ADDRESS status stage completes.
func (h *Host) assignAddress(ctx context.Context, dev *Device) error {
	address := h.allocateAddress()
	if address == 0 {
		return ErrNoAddress
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetAddress,
		Value:       uint16(address),
	}
	if _, err := dev.ControlTransfer(ctx, setup, nil); err != nil {
		return fmt.Errorf("%w: set address %d: %w", ErrEnumerationFailed, address, err)
	}

	_ = h.engine.Release(dev.control(false))
	_ = h.engine.Release(dev.control(true))
	dev.address = address
	dev.setState(DeviceStateAddress)

	pkg.LogDebug(pkg.ComponentHost, "assigned address", "address", address)
	return nil
}

// readConfiguration reads the first configuration descriptor, header first
// for its total length, then the whole tree.
func (h *Host) readConfiguration(ctx context.Context, dev *Device, buf []byte) error {
	n, err := dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return fmt.Errorf("%w: configuration header: %w", ErrEnumerationFailed, err)
	}
	var hdr ConfigurationDescriptor
	if !ParseConfigurationDescriptor(buf[:n], &hdr) {
		return fmt.Errorf("%w: malformed configuration header", ErrEnumerationFailed)
	}
	total := min(int(hdr.TotalLength), len(buf))
	if total < ConfigurationDescriptorSize {
		return fmt.Errorf("%w: wTotalLength %d", ErrEnumerationFailed, hdr.TotalLength)
	}

	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:total])
	if err != nil {
		return fmt.Errorf("%w: configuration: %w", ErrEnumerationFailed, err)
	}
	cfg, ifaces, ok := parseConfigurationTree(buf[:n])
	if !ok {
		return fmt.Errorf("%w: malformed configuration", ErrEnumerationFailed)
	}
	dev.config = cfg
	dev.interfaces = ifaces

	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"numInterfaces", cfg.NumInterfaces,
		"configValue", cfg.ConfigurationValue)
	return nil
}

// readStrings caches the manufacturer, product and serial number strings.
// Failures are logged and leave the string empty.
func (h *Host) readStrings(ctx context.Context, dev *Device, buf []byte) {
	for _, index := range []uint8{
		dev.descriptor.ManufacturerIndex,
		dev.descriptor.ProductIndex,
		dev.descriptor.SerialNumberIndex,
	} {
		if index == 0 || int(index) >= len(dev.strings) {
			continue
		}
		n, err := dev.GetDescriptor(ctx, DescriptorTypeString, index, LangIDUSEnglish, buf[:255])
		if err != nil {
			if !isStall(err) {
				pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed",
					"index", index, "error", err)
			}
			continue
		}
		if s, ok := parseString(buf[:n]); ok {
			dev.strings[index] = s
			pkg.LogDebug(pkg.ComponentHost, "string descriptor", "index", index, "value", s)
		}
	}
}
