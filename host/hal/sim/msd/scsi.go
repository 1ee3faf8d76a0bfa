package msd

import (
	"encoding/binary"

	"github.com/ardnew/softhcd/host/class/msc"
	"github.com/ardnew/softhcd/pkg"
)

// execute runs the SCSI command of the current CBW and sets up the data
// and status phases.
func (d *Disk) execute() {
	cb := d.cbw.CB[:]
	op := cb[0]

	pkg.LogDebug(pkg.ComponentSim, "SCSI command",
		"op", op,
		"tag", d.cbw.Tag,
		"length", d.cbw.DataTransferLength,
		"lun", d.cbw.LUN)

	if d.cbw.LUN > d.maxLUN {
		d.fail(msc.SenseIllegalRequest, msc.ASCInvalidFieldInCDB)
		return
	}

	switch op {
	case msc.SCSITestUnitReady:
		if d.ready() {
			d.good()
		}

	case msc.SCSIRequestSense:
		buf := make([]byte, msc.RequestSenseSize)
		d.sense.MarshalTo(buf)
		d.sense = msc.Sense{}
		d.respond(buf[:min(int(cb[4]), len(buf))])

	case msc.SCSIInquiry:
		buf := make([]byte, msc.InquiryStandardSize)
		d.inquiry.MarshalTo(buf)
		alloc := int(binary.BigEndian.Uint16(cb[3:5]))
		d.respond(buf[:min(alloc, len(buf))])

	case msc.SCSIReadCapacity10:
		if !d.ready() {
			return
		}
		blocks := d.storage.BlockCount()
		last := uint32(0xFFFFFFFF)
		if blocks <= 0xFFFFFFFF {
			last = uint32(blocks - 1)
		}
		capacity := msc.Capacity{LastLBA: last, BlockLength: d.storage.BlockSize()}
		buf := make([]byte, msc.ReadCapacity10Size)
		capacity.MarshalTo(buf)
		d.respond(buf)

	case msc.SCSIModeSense6:
		h := msc.ModeSense6Header{DataLength: msc.ModeSense6HeaderSize - 1, WriteProtect: d.storage.IsReadOnly()}
		buf := make([]byte, msc.ModeSense6HeaderSize)
		h.MarshalTo(buf)
		d.respond(buf[:min(int(cb[4]), len(buf))])

	case msc.SCSIRead10:
		lba, blocks, ok := d.blockRange(cb)
		if !ok {
			return
		}
		if blocks == 0 {
			d.good()
			return
		}
		buf := make([]byte, blocks*int(d.storage.BlockSize()))
		if err := d.storage.ReadBlocks(lba, buf); err != nil {
			pkg.LogWarn(pkg.ComponentSim, "read failed", "lba", lba, "error", err)
			d.fail(msc.SenseMediumError, msc.ASCNoAdditionalInfo)
			return
		}
		if len(buf) > d.expected() {
			d.phaseError()
			return
		}
		d.respond(buf)

	case msc.SCSIWrite10:
		lba, blocks, ok := d.blockRange(cb)
		if !ok {
			return
		}
		if d.storage.IsReadOnly() {
			d.fail(msc.SenseDataProtect, msc.ASCWriteProtected)
			return
		}
		if blocks == 0 {
			d.good()
			return
		}
		d.expectOut(lba, blocks*int(d.storage.BlockSize()))

	case msc.SCSISynchronizeCache10:
		if err := d.storage.Sync(); err != nil {
			d.fail(msc.SenseHardwareError, msc.ASCNoAdditionalInfo)
			return
		}
		d.good()

	case msc.SCSIStartStopUnit:
		start, loej := cb[4]&0x01 != 0, cb[4]&0x02 != 0
		if loej && !start {
			if err := d.storage.Eject(); err != nil {
				d.fail(msc.SenseIllegalRequest, msc.ASCInvalidFieldInCDB)
				return
			}
		}
		d.good()

	case msc.SCSIPreventAllowRemoval, msc.SCSIVerify10:
		d.good()

	default:
		pkg.LogWarn(pkg.ComponentSim, "unsupported SCSI command", "op", op)
		d.fail(msc.SenseIllegalRequest, msc.ASCInvalidCommand)
	}
}

// ready fails the command unless a medium is loaded.
func (d *Disk) ready() bool {
	if d.storage.IsPresent() {
		return true
	}
	d.fail(msc.SenseNotReady, msc.ASCMediumNotPresent)
	return false
}

// blockRange decodes and checks the LBA range of a READ/WRITE (10).
func (d *Disk) blockRange(cb []byte) (uint64, int, bool) {
	if !d.ready() {
		return 0, 0, false
	}
	lba := uint64(binary.BigEndian.Uint32(cb[2:6]))
	blocks := int(binary.BigEndian.Uint16(cb[7:9]))
	if lba+uint64(blocks) > d.storage.BlockCount() {
		d.fail(msc.SenseIllegalRequest, msc.ASCLBAOutOfRange)
		return 0, 0, false
	}
	return lba, blocks, true
}
