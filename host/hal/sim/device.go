package sim

import (
	"sync"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Standard request codes answered by Device.
const (
	requestGetStatus        = 0x00
	requestClearFeature     = 0x01
	requestSetFeature       = 0x03
	requestSetAddress       = 0x05
	requestGetDescriptor    = 0x06
	requestGetConfiguration = 0x08
	requestSetConfiguration = 0x09
	requestGetInterface     = 0x0A
	requestSetInterface     = 0x0B

	featureEndpointHalt       = 0x00
	featureDeviceRemoteWakeup = 0x01

	recipientDevice   = 0x00
	recipientEndpoint = 0x02
)

// ClassHandler implements the class-specific side of a Device.
type ClassHandler interface {
	// ControlRequest handles a class or vendor request on EP0. For IN
	// requests it returns the response data. Returning false stalls.
	ControlRequest(setup hal.SetupPacket, data []byte) ([]byte, bool)

	// EndpointPacket answers a packet on a non-control endpoint. A STALL
	// answer halts the endpoint until CLEAR_FEATURE(ENDPOINT_HALT).
	EndpointPacket(p Packet) Response

	// EndpointCleared is called when the host clears an endpoint halt.
	EndpointCleared(ep uint8)

	// Reset is called on a bus reset.
	Reset()
}

// DeviceConfig holds the descriptors of a Device.
type DeviceConfig struct {
	Descriptor    DeviceDescriptor
	Configuration Configuration
	Strings       []string // String descriptors 1..n
}

type controlStage uint8

const (
	controlIdle controlStage = iota
	controlDataIn
	controlDataOut
	controlStatusIn
	controlStalled
)

type controlPipe struct {
	setup hal.SetupPacket
	stage controlStage
	in    []byte
	off   int
	out   []byte
}

// Device is a simulated function with a standard control pipe. Standard
// requests are handled here; class requests and non-control endpoints are
// delegated to its ClassHandler.
type Device struct {
	mu            sync.Mutex
	cfg           DeviceConfig
	class         ClassHandler
	address       hal.DeviceAddress
	pendingAddr   hal.DeviceAddress
	addrPending   bool
	configuration uint8
	halted        map[uint8]bool
	remoteWakeup  bool
	ctl           controlPipe
}

// NewDevice creates a device answering at address 0.
func NewDevice(cfg DeviceConfig, class ClassHandler) *Device {
	return &Device{cfg: cfg, class: class, halted: make(map[uint8]bool)}
}

// Address implements Function.
func (d *Device) Address() hal.DeviceAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// Configured reports the active configuration value (0 if unconfigured).
func (d *Device) Configured() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configuration
}

// Halted reports whether endpoint address ep is halted.
func (d *Device) Halted(ep uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted[ep]
}

// Reset implements Resetter.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.address = 0
	d.addrPending = false
	d.configuration = 0
	d.halted = make(map[uint8]bool)
	d.remoteWakeup = false
	d.ctl = controlPipe{}
	if d.class != nil {
		d.class.Reset()
	}
}

// HandlePacket implements Function.
func (d *Device) HandlePacket(p Packet) Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.Endpoint == 0 {
		return d.control(p)
	}

	ep := p.Endpoint
	if p.Token == TokenIn {
		ep |= 0x80
	}
	if d.configuration == 0 || d.class == nil || d.halted[ep] {
		return Stall()
	}
	r := d.class.EndpointPacket(p)
	if r.Handshake == HandshakeSTALL {
		d.halted[ep] = true
	}
	return r
}

// control runs the EP0 state machine.
func (d *Device) control(p Packet) Response {
	switch p.Token {
	case TokenSetup:
		var setup hal.SetupPacket
		if !hal.ParseSetupPacket(p.Data, &setup) {
			return Timeout()
		}
		d.ctl = controlPipe{setup: setup}
		switch {
		case setup.IsIn():
			data, ok := d.request(setup, nil)
			if !ok {
				d.ctl.stage = controlStalled
				break
			}
			if len(data) > int(setup.Length) {
				data = data[:setup.Length]
			}
			d.ctl.in = data
			d.ctl.stage = controlDataIn
		case setup.Length > 0:
			d.ctl.stage = controlDataOut
		default:
			if _, ok := d.request(setup, nil); !ok {
				d.ctl.stage = controlStalled
				break
			}
			d.ctl.stage = controlStatusIn
		}
		return Ack(nil)

	case TokenIn:
		switch d.ctl.stage {
		case controlDataIn:
			n := min(p.MaxLen, len(d.ctl.in)-d.ctl.off)
			chunk := append([]byte(nil), d.ctl.in[d.ctl.off:d.ctl.off+n]...)
			d.ctl.off += n
			return Ack(chunk)
		case controlDataOut:
			if _, ok := d.request(d.ctl.setup, d.ctl.out); !ok {
				d.ctl.stage = controlStalled
				return Stall()
			}
			d.ctl.stage = controlIdle
			return Ack(nil)
		case controlStatusIn:
			d.ctl.stage = controlIdle
			if d.addrPending {
				d.address = d.pendingAddr
				d.addrPending = false
				pkg.LogDebug(pkg.ComponentSim, "device address set", "address", d.address)
			}
			return Ack(nil)
		}
		return Stall()

	default:
		switch d.ctl.stage {
		case controlDataOut:
			d.ctl.out = append(d.ctl.out, p.Data...)
			return Ack(nil)
		case controlDataIn:
			d.ctl.stage = controlIdle
			return Ack(nil)
		}
		return Stall()
	}
}

// request executes a control request. IN requests return their data.
func (d *Device) request(setup hal.SetupPacket, data []byte) ([]byte, bool) {
	if setup.RequestType&0x60 != 0 {
		if d.class == nil {
			return nil, false
		}
		return d.class.ControlRequest(setup, data)
	}

	recipient := setup.RequestType & 0x1F
	switch setup.Request {
	case requestGetStatus:
		switch {
		case recipient == recipientEndpoint && d.halted[uint8(setup.Index)]:
			return []byte{1, 0}, true
		case recipient == recipientDevice && d.remoteWakeup:
			return []byte{2, 0}, true
		}
		return []byte{0, 0}, true

	case requestClearFeature:
		if recipient == recipientDevice && setup.Value == featureDeviceRemoteWakeup {
			d.remoteWakeup = false
			return nil, true
		}
		if recipient != recipientEndpoint || setup.Value != featureEndpointHalt {
			return nil, recipient == recipientDevice
		}
		ep := uint8(setup.Index)
		delete(d.halted, ep)
		if d.class != nil {
			d.class.EndpointCleared(ep)
		}
		return nil, true

	case requestSetFeature:
		if recipient == recipientDevice && setup.Value == featureDeviceRemoteWakeup {
			d.remoteWakeup = true
			return nil, true
		}
		if recipient != recipientEndpoint || setup.Value != featureEndpointHalt {
			return nil, false
		}
		d.halted[uint8(setup.Index)] = true
		return nil, true

	case requestSetAddress:
		d.pendingAddr = hal.DeviceAddress(setup.Value & 0x7F)
		d.addrPending = true
		return nil, true

	case requestGetDescriptor:
		return d.descriptor(uint8(setup.Value>>8), uint8(setup.Value))

	case requestGetConfiguration:
		return []byte{d.configuration}, true

	case requestSetConfiguration:
		v := uint8(setup.Value)
		if v != 0 && v != d.cfg.Configuration.ConfigurationValue {
			return nil, false
		}
		d.configuration = v
		d.halted = make(map[uint8]bool)
		return nil, true

	case requestGetInterface:
		return []byte{0}, true

	case requestSetInterface:
		return nil, true
	}
	return nil, false
}

func (d *Device) descriptor(typ, index uint8) ([]byte, bool) {
	switch typ {
	case DescriptorTypeDevice:
		buf := make([]byte, DeviceDescriptorSize)
		d.cfg.Descriptor.MarshalTo(buf)
		return buf, true

	case DescriptorTypeConfiguration:
		if index != 0 {
			return nil, false
		}
		buf := make([]byte, d.cfg.Configuration.Size())
		d.cfg.Configuration.MarshalTo(buf)
		return buf, true

	case DescriptorTypeString:
		if index == 0 {
			return []byte{4, DescriptorTypeString, LangIDUSEnglish & 0xFF, LangIDUSEnglish >> 8}, true
		}
		if int(index) > len(d.cfg.Strings) {
			return nil, false
		}
		buf := make([]byte, 255)
		n := StringDescriptorTo(buf, d.cfg.Strings[index-1])
		return buf[:n], true
	}
	return nil, false
}
