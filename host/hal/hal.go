package hal

import (
	"context"
	"strings"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// PortStatus represents the status of a root hub port.
type PortStatus struct {
	Connected     bool  // Device is connected
	Enabled       bool  // Port is enabled
	Suspended     bool  // Port is suspended
	OverCurrent   bool  // Over-current condition detected
	Reset         bool  // Port is being reset
	PowerOn       bool  // Port has power applied
	Speed         Speed // Connected device speed
	ConnectChange bool  // Connection status has changed
	EnableChange  bool  // Enable status has changed
	ResetChange   bool  // Reset has completed
}

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsIn reports whether the data stage flows device-to-host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// DeviceAddress represents a USB device address (1-127).
type DeviceAddress uint8

// PID is the data PID a channel starts (or resumes) a transfer with.
type PID uint8

// Data PIDs understood by channel controllers.
const (
	PIDData0 PID = iota
	PIDData1
	PIDSetup
)

// Next returns the PID that follows a successful packet sent with p.
// SETUP is always followed by DATA1.
func (p PID) Next() PID {
	if p == PIDData1 {
		return PIDData0
	}
	return PIDData1
}

// String returns the PID name.
func (p PID) String() string {
	switch p {
	case PIDData0:
		return "DATA0"
	case PIDData1:
		return "DATA1"
	case PIDSetup:
		return "SETUP"
	default:
		return "PID?"
	}
}

// FrameMask bounds the frame counter reported by controllers.
const FrameMask = 0x3FFF

// ChannelEvent is a set of per-channel interrupt bits.
type ChannelEvent uint32

// Per-channel events.
const (
	EventTransferComplete ChannelEvent = 1 << iota // All programmed packets done
	EventHalted                                    // Channel disabled
	EventAck                                       // ACK handshake
	EventNak                                       // NAK handshake
	EventNyet                                      // NYET handshake
	EventStall                                     // STALL handshake
	EventTransactionError                          // CRC, timeout or bit-stuff
	EventBabble                                    // Babble
	EventDataToggleError                           // Data toggle mismatch
	EventFrameOverrun                              // Periodic frame overrun

	// EventAll covers every defined event.
	EventAll = EventFrameOverrun<<1 - 1
)

var eventNames = [...]string{
	"xfercompl", "halted", "ack", "nak", "nyet",
	"stall", "xacterr", "babble", "datatglerr", "frmovrun",
}

// String lists the set bits.
func (e ChannelEvent) String() string {
	if e == 0 {
		return "none"
	}
	var names []string
	for i, name := range eventNames {
		if e&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// SplitConfig carries the transaction-translator routing of a channel.
type SplitConfig struct {
	Enabled    bool          // Issue split transactions
	HubAddress DeviceAddress // High-speed hub holding the TT
	HubPort    uint8         // Downstream port of the device
	Complete   bool          // Complete-Split (true) or Start-Split (false)
}

// ChannelConfig holds per-channel characteristics.
type ChannelConfig struct {
	Device        DeviceAddress
	Endpoint      uint8 // Endpoint number (0-15)
	In            bool  // Device-to-host
	Type          TransferType
	Speed         Speed
	MaxPacketSize uint16
	Split         SplitConfig
}

// TransferSize is the per-channel transfer size register. Written by the
// engine, it holds the remaining bytes, remaining packets and next PID when
// read back.
type TransferSize struct {
	Bytes   int
	Packets int
	PID     PID
}

// InterruptSummary is the aggregate interrupt state of a controller.
type InterruptSummary struct {
	Channels  uint32 // Bit n set: channel n has pending events
	FrameTick bool   // Start of frame
}

// Controller is the register-level contract of a channel-based host
// controller. Implementations back onto real registers (DWC2, Kinetis, ...)
// or a simulator. Methods are called with the engine's critical section held
// and must not block.
type Controller interface {
	// NumChannels returns the number of hardware channels (at most 32).
	NumChannels() int

	// MaxTransferSize returns the largest byte count one channel enable may
	// move, or 0 if unlimited.
	MaxTransferSize() int

	// BidirectionalControl reports whether one channel can carry both
	// directions of a control endpoint.
	BidirectionalControl() bool

	// ConfigureChannel programs channel characteristics.
	ConfigureChannel(ch int, cfg ChannelConfig)

	// ProgramTransfer programs the transfer size register and the data
	// buffer view. OUT data is read from buf; IN data is written into it.
	ProgramTransfer(ch int, size TransferSize, buf []byte)

	// TransferState reads back the transfer size register.
	TransferState(ch int) TransferSize

	// EnableChannel starts the programmed transfer.
	EnableChannel(ch int)

	// HaltChannel requests a channel halt. EventHalted follows.
	HaltChannel(ch int)

	// InterruptSummary reads which channels fired and whether a frame
	// tick is pending.
	InterruptSummary() InterruptSummary

	// ChannelEvents reads the pending events of a channel.
	ChannelEvents(ch int) ChannelEvent

	// ClearChannelEvents acknowledges events of a channel.
	ClearChannelEvents(ch int, ev ChannelEvent)

	// SetChannelMask selects which events raise the channel interrupt.
	SetChannelMask(ch int, mask ChannelEvent)

	// FrameNumber returns the current (micro)frame number.
	FrameNumber() uint16

	// SetFrameInterrupt subscribes to or unsubscribes from frame ticks.
	SetFrameInterrupt(enabled bool)

	// AckFrameInterrupt acknowledges a pending frame tick.
	AckFrameInterrupt()
}

// RootHub reports port status changes of the controller's root hub.
type RootHub interface {
	// NumPorts returns the number of root hub ports.
	NumPorts() int

	// GetPortStatus returns the status of a port (1-indexed).
	GetPortStatus(port int) (PortStatus, error)

	// ResetPort drives a port reset (1-indexed). The device answers at
	// address 0 afterwards.
	ResetPort(port int) error

	// WaitPortChange blocks until a port changes state or ctx is done.
	WaitPortChange(ctx context.Context) (int, PortStatus, error)
}
