package sim

import (
	"encoding/binary"
)

// Descriptor types used by simulated functions.
const (
	DescriptorTypeDevice          = 0x01
	DescriptorTypeConfiguration   = 0x02
	DescriptorTypeString          = 0x03
	DescriptorTypeInterface       = 0x04
	DescriptorTypeEndpoint        = 0x05
	DescriptorTypeDeviceQualifier = 0x06
)

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// DeviceDescriptor is the device descriptor a function reports.
type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// MarshalTo serializes the descriptor to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// InterfaceDescriptor is one interface of a configuration.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
	Endpoints         []EndpointDescriptor
}

// EndpointDescriptor is one endpoint of an interface.
type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// Configuration is a configuration descriptor with its interfaces.
type Configuration struct {
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
	Interfaces         []InterfaceDescriptor
}

// Size returns the total length of the configuration tree.
func (c *Configuration) Size() int {
	n := ConfigurationDescriptorSize
	for _, iface := range c.Interfaces {
		n += InterfaceDescriptorSize + len(iface.Endpoints)*EndpointDescriptorSize
	}
	return n
}

// MarshalTo serializes the configuration tree (configuration, then each
// interface followed by its endpoints) to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (c *Configuration) MarshalTo(buf []byte) int {
	total := c.Size()
	if len(buf) < total {
		return 0
	}
	buf[0] = ConfigurationDescriptorSize
	buf[1] = DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(buf[2:4], uint16(total))
	buf[4] = uint8(len(c.Interfaces))
	buf[5] = c.ConfigurationValue
	buf[6] = c.ConfigurationIndex
	buf[7] = c.Attributes
	buf[8] = c.MaxPower

	off := ConfigurationDescriptorSize
	for _, iface := range c.Interfaces {
		b := buf[off:]
		b[0] = InterfaceDescriptorSize
		b[1] = DescriptorTypeInterface
		b[2] = iface.InterfaceNumber
		b[3] = iface.AlternateSetting
		b[4] = uint8(len(iface.Endpoints))
		b[5] = iface.InterfaceClass
		b[6] = iface.InterfaceSubClass
		b[7] = iface.InterfaceProtocol
		b[8] = iface.InterfaceIndex
		off += InterfaceDescriptorSize
		for _, ep := range iface.Endpoints {
			b := buf[off:]
			b[0] = EndpointDescriptorSize
			b[1] = DescriptorTypeEndpoint
			b[2] = ep.EndpointAddress
			b[3] = ep.Attributes
			binary.LittleEndian.PutUint16(b[4:6], ep.MaxPacketSize)
			b[6] = ep.Interval
			off += EndpointDescriptorSize
		}
	}
	return total
}

// StringDescriptorTo writes s as a UTF-16LE string descriptor to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func StringDescriptorTo(buf []byte, s string) int {
	runes := []rune(s)
	length := 2 + len(runes)*2
	if length > 255 {
		length = 254
		runes = runes[:(length-2)/2]
	}
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, r := range runes {
		binary.LittleEndian.PutUint16(buf[2+i*2:], uint16(r))
	}
	return length
}

// LangIDUSEnglish is the language ID for US English.
const LangIDUSEnglish = 0x0409
