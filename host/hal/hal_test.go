package hal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Speed Tests
// =============================================================================

func TestSpeed_String(t *testing.T) {
	tests := []struct {
		speed    Speed
		expected string
	}{
		{SpeedUnknown, "Unknown"},
		{SpeedLow, "Low Speed"},
		{SpeedFull, "Full Speed"},
		{SpeedHigh, "High Speed"},
		{Speed(255), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.speed.String())
		})
	}
}

// =============================================================================
// SetupPacket Tests
// =============================================================================

func TestParseSetupPacket(t *testing.T) {
	data := []byte{
		0x80,       // RequestType (Device-to-Host, Standard, Device)
		0x06,       // Request (GET_DESCRIPTOR)
		0x00, 0x01, // Value (Device Descriptor)
		0x00, 0x00, // Index
		0x12, 0x00, // Length (18)
	}

	var setup SetupPacket
	require.True(t, ParseSetupPacket(data, &setup))
	assert.Equal(t, SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 0x12}, setup)
	assert.True(t, setup.IsIn())
}

func TestParseSetupPacket_TooShort(t *testing.T) {
	var setup SetupPacket
	assert.False(t, ParseSetupPacket(make([]byte, SetupPacketSize-1), &setup))
}

func TestSetupPacket_MarshalTo(t *testing.T) {
	setup := SetupPacket{
		RequestType: 0x00,
		Request:     0x09,
		Value:       0x0001,
		Index:       0x0409,
		Length:      0x00FF,
	}

	buf := make([]byte, SetupPacketSize)
	require.Equal(t, SetupPacketSize, setup.MarshalTo(buf))
	assert.Equal(t, []byte{0x00, 0x09, 0x01, 0x00, 0x09, 0x04, 0xFF, 0x00}, buf)
	assert.False(t, setup.IsIn())

	assert.Zero(t, setup.MarshalTo(buf[:SetupPacketSize-1]))
}

// =============================================================================
// TransferType / PID / Event Tests
// =============================================================================

func TestTransferType_String(t *testing.T) {
	assert.Equal(t, "control", TransferControl.String())
	assert.Equal(t, "isochronous", TransferIsochronous.String())
	assert.Equal(t, "bulk", TransferBulk.String())
	assert.Equal(t, "interrupt", TransferInterrupt.String())
	assert.Equal(t, "unknown", TransferType(9).String())
}

func TestPID_Next(t *testing.T) {
	assert.Equal(t, PIDData1, PIDData0.Next())
	assert.Equal(t, PIDData0, PIDData1.Next())
	assert.Equal(t, PIDData1, PIDSetup.Next())
	assert.Equal(t, "DATA0", PIDData0.String())
	assert.Equal(t, "SETUP", PIDSetup.String())
}

func TestChannelEvent_String(t *testing.T) {
	assert.Equal(t, "none", ChannelEvent(0).String())
	assert.Equal(t, "xfercompl|halted", (EventTransferComplete | EventHalted).String())
	assert.Equal(t, "stall", EventStall.String())
	assert.Equal(t, ChannelEvent(0x3FF), EventAll)
}
