package hcd

import (
	"fmt"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Stage selects the control transfer stage a request carries. Bulk and
// interrupt requests always use StageData.
type Stage uint8

// Control transfer stages.
const (
	StageData   Stage = iota // Data packets (DATAx toggle)
	StageSetup               // 8-byte SETUP packet
	StageStatus              // Zero-length DATA1 handshake
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageData:
		return "data"
	case StageSetup:
		return "setup"
	case StageStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Hub locates a full/low-speed device behind a high-speed hub's
// transaction translator. The zero value means the device is attached
// directly to the root port.
type Hub struct {
	Address hal.DeviceAddress // Hub device address
	Port    uint8             // Downstream port number (1-based)
}

// Endpoint identifies one endpoint of one device together with the
// properties the engine needs to schedule it.
type Endpoint struct {
	Device        hal.DeviceAddress
	Number        uint8 // 0-15
	In            bool  // Device-to-host
	Type          hal.TransferType
	Speed         hal.Speed
	MaxPacketSize uint16
	Interval      uint8 // bInterval, interrupt endpoints only
	Hub           Hub
}

// EndpointKey is the allocation key of an endpoint.
type EndpointKey struct {
	Device hal.DeviceAddress
	Number uint8
	In     bool
}

// Key returns the allocation key of the endpoint.
func (e Endpoint) Key() EndpointKey {
	return EndpointKey{Device: e.Device, Number: e.Number, In: e.In}
}

// NeedsSplit reports whether transactions to this endpoint are relayed by a
// high-speed hub's transaction translator.
func (e Endpoint) NeedsSplit() bool {
	return e.Speed != hal.SpeedHigh && e.Hub.Address != 0
}

// Address returns the endpoint address byte (number plus direction bit).
func (e Endpoint) Address() uint8 {
	if e.In {
		return e.Number | 0x80
	}
	return e.Number
}

// String returns a short description such as "3:0x81/bulk".
func (e Endpoint) String() string {
	return fmt.Sprintf("%d:%#02x/%s", e.Device, e.Address(), e.Type)
}

// validate checks the endpoint against what the engine supports.
func (e Endpoint) validate() error {
	switch {
	case e.Type == hal.TransferIsochronous:
		return pkg.ErrNotSupported
	case e.Type > hal.TransferInterrupt:
		return pkg.ErrInvalidParameter
	case e.Number > 15 || e.Device > 127:
		return pkg.ErrInvalidEndpoint
	case e.MaxPacketSize == 0:
		return fmt.Errorf("%w: zero max packet size", pkg.ErrInvalidParameter)
	}
	return nil
}

// index maps the key to a bit position in an endpointSet.
func (k EndpointKey) index() int {
	i := int(k.Device)<<5 | int(k.Number&0x0F)<<1
	if k.In {
		i |= 1
	}
	return i
}

// endpointSet is a fixed-size bit set over every possible endpoint key.
type endpointSet [128 * 32 / 64]uint64

func (s *endpointSet) get(k EndpointKey) bool {
	i := k.index()
	return s[i>>6]&(1<<(i&63)) != 0
}

func (s *endpointSet) set(k EndpointKey, v bool) {
	i := k.index()
	if v {
		s[i>>6] |= 1 << (i & 63)
	} else {
		s[i>>6] &^= 1 << (i & 63)
	}
}

func (s *endpointSet) clear() {
	*s = endpointSet{}
}
