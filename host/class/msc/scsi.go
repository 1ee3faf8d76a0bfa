package msc

import (
	"encoding/binary"
	"strings"

	"github.com/ardnew/softhcd/pkg"
)

// CDB builders. Each returns a command descriptor block ready for NewCBW.

// TestUnitReadyCDB builds TEST UNIT READY.
func TestUnitReadyCDB() []byte { return make([]byte, 6) }

// RequestSenseCDB builds REQUEST SENSE with the given allocation length.
func RequestSenseCDB(alloc uint8) []byte {
	return []byte{SCSIRequestSense, 0, 0, 0, alloc, 0}
}

// InquiryCDB builds a standard INQUIRY.
func InquiryCDB(alloc uint16) []byte {
	cdb := []byte{SCSIInquiry, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(cdb[3:5], alloc)
	return cdb
}

// ReadCapacity10CDB builds READ CAPACITY (10).
func ReadCapacity10CDB() []byte {
	cdb := make([]byte, 10)
	cdb[0] = SCSIReadCapacity10
	return cdb
}

// ModeSense6CDB builds MODE SENSE (6) for all pages.
func ModeSense6CDB(alloc uint8) []byte {
	return []byte{SCSIModeSense6, 0, 0x3F, 0, alloc, 0}
}

// Read10CDB builds READ (10).
func Read10CDB(lba uint32, blocks uint16) []byte {
	return rw10(SCSIRead10, lba, blocks)
}

// Write10CDB builds WRITE (10).
func Write10CDB(lba uint32, blocks uint16) []byte {
	return rw10(SCSIWrite10, lba, blocks)
}

// SynchronizeCache10CDB builds SYNCHRONIZE CACHE (10) for the whole medium.
func SynchronizeCache10CDB() []byte {
	cdb := make([]byte, 10)
	cdb[0] = SCSISynchronizeCache10
	return cdb
}

func rw10(op uint8, lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = op
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

// InquiryResponse is standard INQUIRY data.
type InquiryResponse struct {
	DeviceType uint8
	Removable  bool
	VendorID   string // 8 characters on the wire
	ProductID  string // 16 characters on the wire
	ProductRev string // 4 characters on the wire
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *InquiryResponse) MarshalTo(buf []byte) int {
	if len(buf) < InquiryStandardSize {
		return 0
	}
	clear(buf[:InquiryStandardSize])
	buf[0] = r.DeviceType & 0x1F
	if r.Removable {
		buf[1] = inquiryRemovable
	}
	buf[2] = inquiryVersionSPC4
	buf[3] = inquiryResponseFormat
	buf[4] = InquiryStandardSize - 5
	copy(buf[8:16], padString(r.VendorID, 8))
	copy(buf[16:32], padString(r.ProductID, 16))
	copy(buf[32:36], padString(r.ProductRev, 4))
	return InquiryStandardSize
}

// ParseInquiry parses standard INQUIRY data.
func ParseInquiry(data []byte, out *InquiryResponse) error {
	if len(data) < InquiryStandardSize {
		return pkg.ErrDescriptorTooShort
	}
	out.DeviceType = data[0] & 0x1F
	out.Removable = data[1]&inquiryRemovable != 0
	out.VendorID = strings.TrimRight(string(data[8:16]), " ")
	out.ProductID = strings.TrimRight(string(data[16:32]), " ")
	out.ProductRev = strings.TrimRight(string(data[32:36]), " ")
	return nil
}

// Capacity is the READ CAPACITY (10) result.
type Capacity struct {
	LastLBA     uint32
	BlockLength uint32
}

// Blocks returns the number of logical blocks.
func (c Capacity) Blocks() uint64 { return uint64(c.LastLBA) + 1 }

// Bytes returns the medium size.
func (c Capacity) Bytes() uint64 { return c.Blocks() * uint64(c.BlockLength) }

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (c *Capacity) MarshalTo(buf []byte) int {
	if len(buf) < ReadCapacity10Size {
		return 0
	}
	binary.BigEndian.PutUint32(buf[0:4], c.LastLBA)
	binary.BigEndian.PutUint32(buf[4:8], c.BlockLength)
	return ReadCapacity10Size
}

// ParseCapacity parses READ CAPACITY (10) data.
func ParseCapacity(data []byte, out *Capacity) error {
	if len(data) < ReadCapacity10Size {
		return pkg.ErrDescriptorTooShort
	}
	out.LastLBA = binary.BigEndian.Uint32(data[0:4])
	out.BlockLength = binary.BigEndian.Uint32(data[4:8])
	return nil
}

// Sense is fixed-format REQUEST SENSE data.
type Sense struct {
	Key  uint8
	ASC  uint8
	ASCQ uint8
}

// MarshalTo writes the sense data to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (s *Sense) MarshalTo(buf []byte) int {
	if len(buf) < RequestSenseSize {
		return 0
	}
	clear(buf[:RequestSenseSize])
	buf[0] = senseResponseCurrent
	buf[2] = s.Key & 0x0F
	buf[7] = senseAdditionalLength
	buf[12] = s.ASC
	buf[13] = s.ASCQ
	return RequestSenseSize
}

// ParseSense parses fixed-format sense data.
func ParseSense(data []byte, out *Sense) error {
	if len(data) < 14 {
		return pkg.ErrDescriptorTooShort
	}
	if code := data[0] & 0x7F; code != 0x70 && code != 0x71 {
		return pkg.ErrProtocol
	}
	out.Key = data[2] & 0x0F
	out.ASC = data[12]
	out.ASCQ = data[13]
	return nil
}

// ModeSense6Header is the MODE SENSE (6) parameter header.
type ModeSense6Header struct {
	DataLength   uint8 // Bytes following this field
	MediumType   uint8
	WriteProtect bool
	BlockDescLen uint8
}

// MarshalTo writes the header to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (h *ModeSense6Header) MarshalTo(buf []byte) int {
	if len(buf) < ModeSense6HeaderSize {
		return 0
	}
	buf[0] = h.DataLength
	buf[1] = h.MediumType
	buf[2] = 0
	if h.WriteProtect {
		buf[2] = modeSenseWriteProtect
	}
	buf[3] = h.BlockDescLen
	return ModeSense6HeaderSize
}

// ParseModeSense6Header parses the MODE SENSE (6) header.
func ParseModeSense6Header(data []byte, out *ModeSense6Header) error {
	if len(data) < ModeSense6HeaderSize {
		return pkg.ErrDescriptorTooShort
	}
	out.DataLength = data[0]
	out.MediumType = data[1]
	out.WriteProtect = data[2]&modeSenseWriteProtect != 0
	out.BlockDescLen = data[3]
	return nil
}

// padString pads or truncates s to length with spaces.
func padString(s string, length int) []byte {
	out := make([]byte, length)
	for i := range out {
		if i < len(s) {
			out[i] = s[i]
		} else {
			out[i] = ' '
		}
	}
	return out
}
