package msd

import (
	"sync"

	"github.com/ardnew/softhcd/host/class/msc"
	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/sim"
	"github.com/ardnew/softhcd/pkg"
)

// Bulk endpoint addresses of the simulated disk.
const (
	BulkInAddress  = 0x81
	BulkOutAddress = 0x02
)

// Config describes the identity of a simulated disk.
type Config struct {
	Vendor    string    // INQUIRY vendor (8 chars)
	Product   string    // INQUIRY product (16 chars)
	Revision  string    // INQUIRY revision (4 chars)
	IDVendor  uint16    // USB vendor ID
	IDProduct uint16    // USB product ID
	Speed     hal.Speed // Picks the bulk max packet size
	MaxLUN    uint8
}

// DefaultConfig returns the identity used by the CLI and tests.
func DefaultConfig() Config {
	return Config{
		Vendor:    "softhcd",
		Product:   "Simulated Disk",
		Revision:  "1.0",
		IDVendor:  0x1209,
		IDProduct: 0x5D1D,
		Speed:     hal.SpeedFull,
	}
}

type phase uint8

const (
	phaseCommand phase = iota
	phaseDataIn
	phaseDataOut
	phaseStatus
	phaseResetWait
)

var phaseNames = [...]string{"command", "data-in", "data-out", "status", "reset-wait"}

func (p phase) String() string { return phaseNames[p] }

// Disk is the Bulk-Only class handler of a simulated mass storage
// function. It answers one bus packet at a time.
type Disk struct {
	mu      sync.Mutex
	storage Storage
	inquiry msc.InquiryResponse
	maxLUN  uint8

	phase     phase
	cbw       msc.CommandBlockWrapper
	data      []byte
	sent      int
	short     bool
	stallData bool
	status    uint8
	residue   uint32
	write     writeOp
	sense     msc.Sense
	commands  int
}

type writeOp struct {
	lba  uint64
	need int
}

// Compile-time interface check.
var _ sim.ClassHandler = (*Disk)(nil)

// NewDisk creates the class handler for storage.
func NewDisk(storage Storage, cfg Config) *Disk {
	return &Disk{
		storage: storage,
		maxLUN:  cfg.MaxLUN & 0x0F,
		inquiry: msc.InquiryResponse{
			DeviceType: msc.DeviceTypeDisk,
			VendorID:   cfg.Vendor,
			ProductID:  cfg.Product,
			ProductRev: cfg.Revision,
		},
	}
}

// NewDevice creates a complete simulated mass storage function: a
// sim.Device with Bulk-Only descriptors backed by a Disk.
func NewDevice(storage Storage, cfg Config) (*sim.Device, *Disk) {
	disk := NewDisk(storage, cfg)

	mps0, mps := uint8(64), uint16(64)
	if cfg.Speed == hal.SpeedHigh {
		mps = 512
	}

	dc := sim.DeviceConfig{
		Descriptor: sim.DeviceDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    mps0,
			VendorID:          cfg.IDVendor,
			ProductID:         cfg.IDProduct,
			DeviceVersion:     0x0100,
			ManufacturerIndex: 1,
			ProductIndex:      2,
			SerialNumberIndex: 3,
			NumConfigurations: 1,
		},
		Configuration: sim.Configuration{
			ConfigurationValue: 1,
			Attributes:         0x80,
			MaxPower:           50,
			Interfaces: []sim.InterfaceDescriptor{{
				InterfaceClass:    msc.ClassMSC,
				InterfaceSubClass: msc.SubclassSCSI,
				InterfaceProtocol: msc.ProtocolBulkOnly,
				Endpoints: []sim.EndpointDescriptor{
					{EndpointAddress: BulkInAddress, Attributes: uint8(hal.TransferBulk), MaxPacketSize: mps},
					{EndpointAddress: BulkOutAddress, Attributes: uint8(hal.TransferBulk), MaxPacketSize: mps},
				},
			}},
		},
		Strings: []string{cfg.Vendor, cfg.Product, "0001"},
	}
	return sim.NewDevice(dc, disk), disk
}

// Commands returns the number of CBWs accepted.
func (d *Disk) Commands() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commands
}

// Sense returns the pending sense data.
func (d *Disk) Sense() msc.Sense {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sense
}

// ControlRequest implements sim.ClassHandler.
func (d *Disk) ControlRequest(setup hal.SetupPacket, data []byte) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch setup.Request {
	case msc.RequestGetMaxLUN:
		if !setup.IsIn() || setup.Length < 1 {
			return nil, false
		}
		return []byte{d.maxLUN}, true

	case msc.RequestBulkOnlyMassStorageReset:
		if setup.IsIn() || setup.Length != 0 {
			return nil, false
		}
		pkg.LogDebug(pkg.ComponentSim, "bulk-only reset", "phase", d.phase)
		d.resetPipe()
		return nil, true
	}
	return nil, false
}

// EndpointPacket implements sim.ClassHandler.
func (d *Disk) EndpointPacket(p sim.Packet) sim.Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case p.Token == sim.TokenOut && p.Endpoint == BulkOutAddress:
		return d.out(p.Data)
	case p.Token == sim.TokenIn && p.Endpoint == BulkInAddress&0x0F:
		return d.in(p.MaxLen)
	}
	return sim.Stall()
}

// EndpointCleared implements sim.ClassHandler. A disk waiting for reset
// recovery keeps stalling until the class reset arrives.
func (d *Disk) EndpointCleared(ep uint8) {}

// Reset implements sim.ClassHandler.
func (d *Disk) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetPipe()
	d.sense = msc.Sense{}
}

func (d *Disk) resetPipe() {
	d.phase = phaseCommand
	d.data = nil
	d.sent = 0
	d.stallData = false
}

func (d *Disk) out(data []byte) sim.Response {
	switch d.phase {
	case phaseCommand:
		if !msc.ParseCBW(data, &d.cbw) {
			pkg.LogWarn(pkg.ComponentSim, "invalid CBW", "length", len(data))
			d.phase = phaseResetWait
			return sim.Stall()
		}
		d.commands++
		d.execute()
		return sim.Ack(nil)

	case phaseDataOut:
		if d.stallData {
			d.stallData = false
			d.phase = phaseStatus
			return sim.Stall()
		}
		d.data = append(d.data, data...)
		if len(d.data) >= int(d.cbw.DataTransferLength) {
			d.commitWrite()
		}
		return sim.Ack(nil)
	}
	return sim.Stall()
}

func (d *Disk) in(maxLen int) sim.Response {
	switch d.phase {
	case phaseDataIn:
		if d.stallData {
			d.stallData = false
			d.phase = phaseStatus
			return sim.Stall()
		}
		n := min(len(d.data)-d.sent, maxLen)
		chunk := d.data[d.sent : d.sent+n]
		d.sent += n
		if d.sent == len(d.data) && (!d.short || n < maxLen) {
			d.phase = phaseStatus
		}
		return sim.Ack(chunk)

	case phaseStatus:
		csw := msc.CommandStatusWrapper{Tag: d.cbw.Tag, DataResidue: d.residue, Status: d.status}
		buf := make([]byte, msc.CSWSize)
		csw.MarshalTo(buf)
		d.phase = phaseCommand
		return sim.Ack(buf)

	case phaseCommand:
		return sim.Nak()
	}
	return sim.Stall()
}

// expected is the data phase length the host announced.
func (d *Disk) expected() int { return int(d.cbw.DataTransferLength) }

// respond starts a data-in phase carrying payload, truncated to what the
// host asked for.
func (d *Disk) respond(payload []byte) {
	exp := d.expected()
	if exp > 0 && !d.cbw.IsDataIn() {
		d.phaseError()
		return
	}
	payload = payload[:min(len(payload), exp)]
	d.status = msc.CSWStatusGood
	d.residue = uint32(exp - len(payload))
	d.beginDataIn(payload)
}

func (d *Disk) beginDataIn(payload []byte) {
	exp := d.expected()
	if exp == 0 {
		d.phase = phaseStatus
		return
	}
	d.phase = phaseDataIn
	d.data = payload
	d.sent = 0
	d.short = len(payload) < exp
}

// good completes a command without data.
func (d *Disk) good() {
	d.status = msc.CSWStatusGood
	d.residue = d.cbw.DataTransferLength
	switch {
	case d.expected() == 0:
		d.phase = phaseStatus
	case d.cbw.IsDataIn():
		d.beginDataIn(nil)
	default:
		d.stall(phaseDataOut)
	}
}

// fail records sense data and completes the command with a failed status,
// stalling any data phase the host announced.
func (d *Disk) fail(key, asc uint8) {
	d.sense = msc.Sense{Key: key, ASC: asc}
	d.status = msc.CSWStatusFailed
	d.residue = d.cbw.DataTransferLength
	d.skipData()
	pkg.LogDebug(pkg.ComponentSim, "SCSI command failed", "op", d.cbw.CB[0], "key", key, "asc", asc)
}

func (d *Disk) phaseError() {
	d.status = msc.CSWStatusPhaseError
	d.residue = d.cbw.DataTransferLength
	d.skipData()
}

func (d *Disk) skipData() {
	switch {
	case d.expected() == 0:
		d.phase = phaseStatus
	case d.cbw.IsDataIn():
		d.stall(phaseDataIn)
	default:
		d.stall(phaseDataOut)
	}
}

func (d *Disk) stall(p phase) {
	d.phase = p
	d.data = nil
	d.stallData = true
}

// expectOut starts a data-out phase for need bytes written at lba.
func (d *Disk) expectOut(lba uint64, need int) {
	exp := d.expected()
	if exp < need || (exp > 0 && d.cbw.IsDataIn()) {
		d.phaseError()
		return
	}
	d.phase = phaseDataOut
	d.data = make([]byte, 0, exp)
	d.write = writeOp{lba: lba, need: need}
}

func (d *Disk) commitWrite() {
	d.phase = phaseStatus
	d.status = msc.CSWStatusGood
	d.residue = uint32(d.expected() - d.write.need)
	if d.write.need == 0 {
		return
	}
	if err := d.storage.WriteBlocks(d.write.lba, d.data[:d.write.need]); err != nil {
		pkg.LogWarn(pkg.ComponentSim, "write failed", "lba", d.write.lba, "error", err)
		d.sense = msc.Sense{Key: msc.SenseMediumError}
		d.status = msc.CSWStatusFailed
		d.residue = d.cbw.DataTransferLength
	}
}
