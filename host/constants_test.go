package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softhcd/host/hal"
)

// diskConfiguration is a configuration with one Bulk-Only interface, a
// class-specific descriptor and a trailing interface without endpoints.
var diskConfiguration = []byte{
	0x09, 0x02, 0x2E, 0x00, 0x02, 0x01, 0x00, 0x80, 0x32,
	0x09, 0x04, 0x00, 0x00, 0x02, 0x08, 0x06, 0x50, 0x00,
	0x07, 0x05, 0x81, 0x02, 0x40, 0x00, 0x00,
	0x07, 0x05, 0x02, 0x02, 0x40, 0x00, 0x00,
	0x05, 0x24, 0x01, 0x10, 0x01,
	0x09, 0x04, 0x01, 0x00, 0x00, 0xFF, 0x00, 0x00, 0x00,
}

func TestDeviceState_String(t *testing.T) {
	assert.Equal(t, "Detached", DeviceStateDetached.String())
	assert.Equal(t, "Default", DeviceStateDefault.String())
	assert.Equal(t, "Address", DeviceStateAddress.String())
	assert.Equal(t, "Configured", DeviceStateConfigured.String())
	assert.Equal(t, "Unknown State (255)", DeviceState(255).String())
}

func TestDefaultMaxPacketSize0(t *testing.T) {
	assert.Equal(t, uint16(8), defaultMaxPacketSize0(hal.SpeedLow))
	assert.Equal(t, uint16(64), defaultMaxPacketSize0(hal.SpeedFull))
	assert.Equal(t, uint16(64), defaultMaxPacketSize0(hal.SpeedHigh))
}

func TestParseDeviceDescriptor(t *testing.T) {
	data := []byte{
		0x12, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0x40,
		0x09, 0x12, 0x1D, 0x5D, 0x00, 0x01, 0x01, 0x02, 0x03, 0x01,
	}
	var d DeviceDescriptor
	require.True(t, ParseDeviceDescriptor(data, &d))
	assert.Equal(t, DeviceDescriptor{
		Length: 18, DescriptorType: 1, USBVersion: 0x0200, MaxPacketSize0: 64,
		VendorID: 0x1209, ProductID: 0x5D1D, DeviceVersion: 0x0100,
		ManufacturerIndex: 1, ProductIndex: 2, SerialNumberIndex: 3, NumConfigurations: 1,
	}, d)

	assert.False(t, ParseDeviceDescriptor(data[:17], &d), "short")
	wrong := append([]byte(nil), data...)
	wrong[1] = DescriptorTypeConfiguration
	assert.False(t, ParseDeviceDescriptor(wrong, &d), "wrong type")
}

func TestParseDescriptors_TooShort(t *testing.T) {
	assert.False(t, ParseConfigurationDescriptor(diskConfiguration[:8], &ConfigurationDescriptor{}))
	assert.False(t, ParseInterfaceDescriptor(diskConfiguration[9:17], &InterfaceDescriptor{}))
	assert.False(t, ParseEndpointDescriptor(diskConfiguration[18:24], &EndpointDescriptor{}))
}

func TestEndpointDescriptor_Methods(t *testing.T) {
	tests := []struct {
		name   string
		desc   EndpointDescriptor
		number uint8
		in     bool
		typ    hal.TransferType
		size   uint16
	}{
		{"Control", EndpointDescriptor{EndpointAddress: 0x00, Attributes: EndpointTypeControl, MaxPacketSize: 64}, 0, false, hal.TransferControl, 64},
		{"BulkIn", EndpointDescriptor{EndpointAddress: 0x81, Attributes: EndpointTypeBulk, MaxPacketSize: 512}, 1, true, hal.TransferBulk, 512},
		{"BulkOut", EndpointDescriptor{EndpointAddress: 0x02, Attributes: EndpointTypeBulk, MaxPacketSize: 64}, 2, false, hal.TransferBulk, 64},
		{"InterruptIn", EndpointDescriptor{EndpointAddress: 0x83, Attributes: EndpointTypeInterrupt, MaxPacketSize: 8}, 3, true, hal.TransferInterrupt, 8},
		{"HighBandwidthIso", EndpointDescriptor{EndpointAddress: 0x8F, Attributes: EndpointTypeIsochronous, MaxPacketSize: 0x1400}, 15, true, hal.TransferIsochronous, 0x400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.number, tt.desc.Number())
			assert.Equal(t, tt.in, tt.desc.IsIn())
			assert.Equal(t, tt.typ, tt.desc.TransferType())
			assert.Equal(t, tt.size, tt.desc.PacketSize())
		})
	}
}

func TestParseConfigurationTree(t *testing.T) {
	cfg, ifaces, ok := parseConfigurationTree(diskConfiguration)
	require.True(t, ok)
	assert.Equal(t, uint16(len(diskConfiguration)), cfg.TotalLength)
	assert.Equal(t, uint8(2), cfg.NumInterfaces)
	assert.Equal(t, uint8(1), cfg.ConfigurationValue)
	assert.Equal(t, uint8(0x32), cfg.MaxPower)

	require.Len(t, ifaces, 2)
	bot := ifaces[0]
	assert.Equal(t, uint8(0x08), bot.InterfaceClass)
	assert.Equal(t, uint8(0x50), bot.InterfaceProtocol)
	require.Len(t, bot.Endpoints, 2)
	assert.Equal(t, uint8(0x81), bot.Endpoints[0].EndpointAddress)
	assert.Equal(t, uint16(64), bot.Endpoints[1].MaxPacketSize)
	require.Len(t, bot.Extra, 1)
	assert.Equal(t, []byte{0x05, 0x24, 0x01, 0x10, 0x01}, bot.Extra[0])

	assert.Equal(t, uint8(1), ifaces[1].InterfaceNumber)
	assert.Empty(t, ifaces[1].Endpoints)
}

func TestParseConfigurationTree_Truncated(t *testing.T) {
	// wTotalLength bounds the walk even when more bytes arrived.
	data := append([]byte(nil), diskConfiguration...)
	data[2] = 9 + 9 + 7
	_, ifaces, ok := parseConfigurationTree(data)
	require.True(t, ok)
	require.Len(t, ifaces, 1)
	assert.Len(t, ifaces[0].Endpoints, 1)

	// A descriptor running past the end stops the walk.
	_, ifaces, ok = parseConfigurationTree(diskConfiguration[:30])
	require.True(t, ok)
	require.Len(t, ifaces, 1)
	assert.Len(t, ifaces[0].Endpoints, 1)

	// A zero bLength stops the walk instead of looping.
	data = append([]byte(nil), diskConfiguration...)
	data[18] = 0
	_, ifaces, ok = parseConfigurationTree(data)
	require.True(t, ok)
	assert.Empty(t, ifaces[0].Endpoints)

	_, _, ok = parseConfigurationTree(diskConfiguration[9:])
	assert.False(t, ok, "not a configuration")
}

func TestParseString(t *testing.T) {
	s, ok := parseString([]byte{0x0A, 0x03, 'D', 0, 'i', 0, 's', 0, 'k', 0})
	require.True(t, ok)
	assert.Equal(t, "Disk", s)

	s, ok = parseString([]byte{0x06, 0x03, 0xE9, 0x00, 0x3D, 0xD8})
	require.True(t, ok)
	assert.Equal(t, "\u00e9\ufffd", s, "unpaired surrogate")

	// bLength shorter than the transfer wins.
	s, ok = parseString([]byte{0x04, 0x03, 'A', 0, 'B', 0})
	require.True(t, ok)
	assert.Equal(t, "A", s)

	_, ok = parseString([]byte{0x04, 0x02, 'A', 0})
	assert.False(t, ok)
	_, ok = parseString([]byte{0x01, 0x03})
	assert.False(t, ok)
}

func BenchmarkParseConfigurationTree(b *testing.B) {
	for b.Loop() {
		parseConfigurationTree(diskConfiguration)
	}
}
