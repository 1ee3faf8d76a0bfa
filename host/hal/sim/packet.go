package sim

import (
	"fmt"

	"github.com/ardnew/softhcd/host/hal"
)

// Token is the token phase of a bus transaction.
type Token uint8

// Token kinds.
const (
	TokenOut Token = iota
	TokenIn
	TokenSetup
)

// String returns the token name.
func (t Token) String() string {
	switch t {
	case TokenOut:
		return "OUT"
	case TokenIn:
		return "IN"
	case TokenSetup:
		return "SETUP"
	default:
		return "TOKEN?"
	}
}

// SplitPhase tells which half of a split transaction a packet is.
type SplitPhase uint8

// Split phases.
const (
	SplitNone SplitPhase = iota
	SplitStart
	SplitComplete
)

// String returns the split phase name.
func (s SplitPhase) String() string {
	switch s {
	case SplitStart:
		return "SSPLIT"
	case SplitComplete:
		return "CSPLIT"
	default:
		return ""
	}
}

// Handshake is how a function (or hub) answers a transaction.
type Handshake uint8

// Handshakes. HandshakeError stands for any wire failure (timeout, CRC or
// bit-stuff error); HandshakeBabble and HandshakeToggleError are detected
// by the host on IN data.
const (
	HandshakeACK Handshake = iota
	HandshakeNAK
	HandshakeSTALL
	HandshakeNYET
	HandshakeError
	HandshakeBabble
	HandshakeToggleError
)

var handshakeNames = [...]string{"ACK", "NAK", "STALL", "NYET", "ERR", "BABBLE", "TOGGLE"}

// String returns the handshake name.
func (h Handshake) String() string {
	if int(h) < len(handshakeNames) {
		return handshakeNames[h]
	}
	return "HANDSHAKE?"
}

// Packet is one transaction as seen on the bus.
type Packet struct {
	Frame    uint16
	Channel  int
	Device   hal.DeviceAddress
	Endpoint uint8
	Type     hal.TransferType
	Speed    hal.Speed
	Token    Token
	PID      hal.PID
	Data     []byte // OUT and SETUP payload
	MaxLen   int    // IN: largest payload the host accepts
	Split    SplitPhase
	HubPort  uint8
}

// String formats the packet for logs and test failures.
func (p Packet) String() string {
	s := fmt.Sprintf("f%d ch%d %s %d.%d %s len=%d", p.Frame, p.Channel, p.Token,
		p.Device, p.Endpoint, p.PID, len(p.Data))
	if p.Split != SplitNone {
		s = p.Split.String() + " " + s
	}
	return s
}

// Response is a function's answer to a packet.
type Response struct {
	Handshake Handshake
	Data      []byte // IN payload when Handshake is ACK
}

// Ack returns an ACK response carrying data (IN) or none (OUT).
func Ack(data []byte) Response { return Response{Handshake: HandshakeACK, Data: data} }

// Nak returns a NAK response.
func Nak() Response { return Response{Handshake: HandshakeNAK} }

// Stall returns a STALL response.
func Stall() Response { return Response{Handshake: HandshakeSTALL} }

// Nyet returns a NYET response.
func Nyet() Response { return Response{Handshake: HandshakeNYET} }

// Timeout returns a response the host sees as a transaction error.
func Timeout() Response { return Response{Handshake: HandshakeError} }

// Record is one executed transaction.
type Record struct {
	Packet
	Handshake Handshake
	Length    int // Payload bytes that crossed the bus
}

// String formats the record.
func (r Record) String() string {
	return fmt.Sprintf("%s -> %s (%d)", r.Packet, r.Handshake, r.Length)
}

// Function is a simulated USB function attached to the bus.
type Function interface {
	// Address returns the address the function currently answers to.
	Address() hal.DeviceAddress

	// HandlePacket answers one transaction addressed to the function.
	HandlePacket(p Packet) Response
}

// Resetter is implemented by functions that react to a bus reset.
type Resetter interface {
	Reset()
}

// TranslatingHub is implemented by high-speed hubs with a transaction
// translator for split transactions.
type TranslatingHub interface {
	Function
	StartSplit(p Packet) Response
	CompleteSplit(p Packet) Response
}
