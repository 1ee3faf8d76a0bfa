package msc

import "encoding/binary"

// CommandBlockWrapper opens every Bulk-Only command.
type CommandBlockWrapper struct {
	Tag                uint32   // Echoed back in the CSW
	DataTransferLength uint32   // Bytes the host expects to move
	Flags              uint8    // Bit 7 set: data-in
	LUN                uint8    // Logical unit (bits 0-3)
	CBLength           uint8    // Valid bytes of CB (1-16)
	CB                 [16]byte // SCSI command descriptor block
}

// NewCBW builds a wrapper around cdb.
func NewCBW(tag, length uint32, in bool, lun uint8, cdb []byte) CommandBlockWrapper {
	cbw := CommandBlockWrapper{
		Tag:                tag,
		DataTransferLength: length,
		LUN:                lun & 0x0F,
		CBLength:           uint8(min(len(cdb), 16)),
	}
	if in {
		cbw.Flags = CBWFlagDataIn
	}
	copy(cbw.CB[:], cdb)
	return cbw
}

// MarshalTo writes the wrapper to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (cbw *CommandBlockWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CBWSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], CBWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], cbw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], cbw.DataTransferLength)
	buf[12] = cbw.Flags
	buf[13] = cbw.LUN & 0x0F
	buf[14] = cbw.CBLength & 0x1F
	copy(buf[15:31], cbw.CB[:])
	return CBWSize
}

// ParseCBW parses a wrapper. It returns false if data is not exactly one
// wrapper or the signature does not match.
func ParseCBW(data []byte, out *CommandBlockWrapper) bool {
	if len(data) != CBWSize || binary.LittleEndian.Uint32(data[0:4]) != CBWSignature {
		return false
	}
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataTransferLength = binary.LittleEndian.Uint32(data[8:12])
	out.Flags = data[12]
	out.LUN = data[13] & 0x0F
	out.CBLength = data[14] & 0x1F
	copy(out.CB[:], data[15:31])
	return out.CBLength >= 1 && out.CBLength <= 16
}

// IsDataIn reports whether the data phase flows device-to-host.
func (cbw *CommandBlockWrapper) IsDataIn() bool {
	return cbw.Flags&CBWFlagDataIn != 0
}

// CommandStatusWrapper closes every Bulk-Only command.
type CommandStatusWrapper struct {
	Tag         uint32
	DataResidue uint32 // Expected minus processed bytes
	Status      uint8  // CSWStatus*
}

// MarshalTo writes the wrapper to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (csw *CommandStatusWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CSWSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], CSWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], csw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], csw.DataResidue)
	buf[12] = csw.Status
	return CSWSize
}

// ParseCSW parses a wrapper. It returns false unless data is exactly one
// wrapper with a valid signature.
func ParseCSW(data []byte, out *CommandStatusWrapper) bool {
	if len(data) != CSWSize || binary.LittleEndian.Uint32(data[0:4]) != CSWSignature {
		return false
	}
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataResidue = binary.LittleEndian.Uint32(data[8:12])
	out.Status = data[12]
	return true
}
