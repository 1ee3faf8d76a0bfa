package host

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/ardnew/softhcd/host/hal"
)

// Device states as seen by the host.
const (
	DeviceStateDetached   DeviceState = 0 // Port disconnected
	DeviceStateDefault    DeviceState = 1 // Reset, answering at address 0
	DeviceStateAddress    DeviceState = 2 // Address assigned
	DeviceStateConfigured DeviceState = 3 // Configuration selected
)

// DeviceState represents the USB device state tracked by the host.
type DeviceState uint8

// String returns a human-readable state description.
func (s DeviceState) String() string {
	switch s {
	case DeviceStateDetached:
		return "Detached"
	case DeviceStateDefault:
		return "Default"
	case DeviceStateAddress:
		return "Address"
	case DeviceStateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// Limits of the fixed-size device tables.
const (
	// MaxDevices is the number of device addresses the host hands out.
	MaxDevices = 16

	// MaxStringsPerDevice is the number of cached string descriptors.
	MaxStringsPerDevice = 16

	// MaxDescriptorSize bounds configuration and string descriptor reads.
	MaxDescriptorSize = 512
)

// defaultMaxPacketSize0 is the EP0 packet size assumed until the first
// eight bytes of the device descriptor are read.
func defaultMaxPacketSize0(speed hal.Speed) uint16 {
	if speed == hal.SpeedLow {
		return 8
	}
	return 64
}

// Endpoint transfer types (bmAttributes bits 1:0).
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// EndpointDirectionIn is the direction bit of an IN endpoint address.
const EndpointDirectionIn = 0x80

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// Request types (bmRequestType).
const (
	RequestTypeOut      = 0x00
	RequestTypeIn       = 0x80
	RequestTypeStandard = 0x00
	RequestTypeDevice   = 0x00
	RequestTypeEndpoint = 0x02
)

// Standard feature selectors.
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
)

// LangIDUSEnglish is the language ID used for string descriptor reads.
const LangIDUSEnglish = 0x0409

// DeviceDescriptor is a parsed USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
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

// DeviceDescriptorSize is the size of a device descriptor.
const DeviceDescriptorSize = 18

// ParseDeviceDescriptor parses a device descriptor. It returns false when
// data is short or carries another descriptor type.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) bool {
	if len(data) < DeviceDescriptorSize || data[1] != DescriptorTypeDevice {
		return false
	}
	*out = DeviceDescriptor{
		Length:            data[0],
		DescriptorType:    data[1],
		USBVersion:        binary.LittleEndian.Uint16(data[2:]),
		DeviceClass:       data[4],
		DeviceSubClass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          binary.LittleEndian.Uint16(data[8:]),
		ProductID:         binary.LittleEndian.Uint16(data[10:]),
		DeviceVersion:     binary.LittleEndian.Uint16(data[12:]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}
	return true
}

// ConfigurationDescriptor is a parsed configuration descriptor header.
type ConfigurationDescriptor struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ConfigurationDescriptorSize is the size of a configuration descriptor header.
const ConfigurationDescriptorSize = 9

// ParseConfigurationDescriptor parses a configuration descriptor header.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) bool {
	if len(data) < ConfigurationDescriptorSize || data[1] != DescriptorTypeConfiguration {
		return false
	}
	*out = ConfigurationDescriptor{
		TotalLength:        binary.LittleEndian.Uint16(data[2:]),
		NumInterfaces:      data[4],
		ConfigurationValue: data[5],
		ConfigurationIndex: data[6],
		Attributes:         data[7],
		MaxPower:           data[8],
	}
	return true
}

// InterfaceDescriptor is a parsed interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the size of an interface descriptor.
const InterfaceDescriptorSize = 9

// ParseInterfaceDescriptor parses an interface descriptor.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) bool {
	if len(data) < InterfaceDescriptorSize || data[1] != DescriptorTypeInterface {
		return false
	}
	*out = InterfaceDescriptor{
		InterfaceNumber:   data[2],
		AlternateSetting:  data[3],
		NumEndpoints:      data[4],
		InterfaceClass:    data[5],
		InterfaceSubClass: data[6],
		InterfaceProtocol: data[7],
		InterfaceIndex:    data[8],
	}
	return true
}

// EndpointDescriptor is a parsed endpoint descriptor.
type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointDescriptorSize is the size of an endpoint descriptor.
const EndpointDescriptorSize = 7

// ParseEndpointDescriptor parses an endpoint descriptor.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) bool {
	if len(data) < EndpointDescriptorSize || data[1] != DescriptorTypeEndpoint {
		return false
	}
	*out = EndpointDescriptor{
		EndpointAddress: data[2],
		Attributes:      data[3],
		MaxPacketSize:   binary.LittleEndian.Uint16(data[4:]),
		Interval:        data[6],
	}
	return true
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 { return e.EndpointAddress & 0x0F }

// IsIn reports whether this is an IN endpoint.
func (e *EndpointDescriptor) IsIn() bool { return e.EndpointAddress&EndpointDirectionIn != 0 }

// TransferType returns the transfer type encoded in bmAttributes.
func (e *EndpointDescriptor) TransferType() hal.TransferType {
	return hal.TransferType(e.Attributes & 0x03)
}

// PacketSize returns the max packet size without the high-bandwidth
// multiplier bits.
func (e *EndpointDescriptor) PacketSize() uint16 { return e.MaxPacketSize & 0x07FF }

// Interface is one interface of the active configuration with its
// endpoints and any class-specific descriptors that followed it.
type Interface struct {
	InterfaceDescriptor
	Endpoints []EndpointDescriptor
	Extra     [][]byte
}

// parseConfigurationTree splits a full configuration descriptor into its
// header and interfaces. Malformed trailing descriptors end the walk.
func parseConfigurationTree(data []byte) (ConfigurationDescriptor, []Interface, bool) {
	var cfg ConfigurationDescriptor
	if !ParseConfigurationDescriptor(data, &cfg) {
		return cfg, nil, false
	}
	end := min(len(data), int(cfg.TotalLength))

	var ifaces []Interface
	for off := int(data[0]); off+2 <= end; {
		length := int(data[off])
		if length < 2 || off+length > end {
			break
		}
		desc := data[off : off+length]
		switch desc[1] {
		case DescriptorTypeInterface:
			var id InterfaceDescriptor
			if ParseInterfaceDescriptor(desc, &id) {
				ifaces = append(ifaces, Interface{
					InterfaceDescriptor: id,
					Endpoints:           make([]EndpointDescriptor, 0, id.NumEndpoints),
				})
			}
		case DescriptorTypeEndpoint:
			var ed EndpointDescriptor
			if ParseEndpointDescriptor(desc, &ed) && len(ifaces) > 0 {
				last := &ifaces[len(ifaces)-1]
				last.Endpoints = append(last.Endpoints, ed)
			}
		default:
			if len(ifaces) > 0 {
				last := &ifaces[len(ifaces)-1]
				last.Extra = append(last.Extra, append([]byte(nil), desc...))
			}
		}
		off += length
	}
	return cfg, ifaces, true
}

// parseString decodes a UTF-16LE string descriptor.
func parseString(data []byte) (string, bool) {
	if len(data) < 2 || data[1] != DescriptorTypeString {
		return "", false
	}
	n := min(int(data[0]), len(data))
	if n < 2 {
		return "", false
	}
	units := make([]uint16, 0, (n-2)/2)
	for i := 2; i+1 < n; i += 2 {
		units = append(units, binary.LittleEndian.Uint16(data[i:]))
	}
	return string(utf16.Decode(units)), true
}
