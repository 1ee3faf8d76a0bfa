package msc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Transport is the device access a Client needs. host.Device implements it.
type Transport interface {
	// ControlTransfer runs a control transfer on EP0.
	ControlTransfer(ctx context.Context, setup hal.SetupPacket, data []byte) (int, error)

	// BulkTransfer moves buf over the bulk endpoint with the given address.
	BulkTransfer(ctx context.Context, endpoint uint8, buf []byte) (int, error)

	// ClearEndpointHalt clears a halted endpoint on the device and resets
	// its data toggle on the host.
	ClearEndpointHalt(ctx context.Context, endpoint uint8) error
}

// SenseError is a failed command together with the sense data the device
// reported for it.
type SenseError struct {
	Op    uint8
	Sense Sense
}

// Error implements error.
func (e *SenseError) Error() string {
	return fmt.Sprintf("scsi op %#02x: sense key %#x asc %#02x ascq %#02x",
		e.Op, e.Sense.Key, e.Sense.ASC, e.Sense.ASCQ)
}

// Unwrap returns pkg.ErrCommandFailed.
func (e *SenseError) Unwrap() error { return pkg.ErrCommandFailed }

// Client speaks Bulk-Only Transport to one mass storage interface.
// Commands are serialized.
type Client struct {
	mu    sync.Mutex
	t     Transport
	iface uint8
	in    uint8
	out   uint8
	lun   uint8
	tag   uint32

	blockSize uint32
	blocks    uint64

	cbwBuf [CBWSize]byte
	cswBuf [CSWSize]byte
}

// New creates a client for interface iface with the given bulk endpoint
// addresses.
func New(t Transport, iface, bulkIn, bulkOut uint8) *Client {
	return &Client{t: t, iface: iface, in: bulkIn | 0x80, out: bulkOut &^ 0x80}
}

// SetLUN selects the logical unit addressed by later commands.
func (c *Client) SetLUN(lun uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lun = lun & 0x0F
}

// BlockSize returns the block length learned by ReadCapacity (0 before).
func (c *Client) BlockSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockSize
}

// GetMaxLUN returns the highest logical unit number. Devices with a single
// unit may stall the request, which reads as 0.
func (c *Client) GetMaxLUN(ctx context.Context) (uint8, error) {
	setup := hal.SetupPacket{
		RequestType: requestTypeClassIn,
		Request:     RequestGetMaxLUN,
		Index:       uint16(c.iface),
		Length:      1,
	}
	var b [1]byte
	n, err := c.t.ControlTransfer(ctx, setup, b[:])
	switch {
	case errors.Is(err, pkg.ErrStall):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("get max LUN: %w", err)
	case n < 1:
		return 0, fmt.Errorf("get max LUN: %w", pkg.ErrProtocol)
	}
	return b[0] & 0x0F, nil
}

// ResetRecovery issues a Bulk-Only Mass Storage Reset and clears both bulk
// endpoint halts.
func (c *Client) ResetRecovery(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetRecovery(ctx)
}

func (c *Client) resetRecovery(ctx context.Context) error {
	pkg.LogWarn(pkg.ComponentClass, "bulk-only reset recovery", "interface", c.iface)
	setup := hal.SetupPacket{
		RequestType: requestTypeClassOut,
		Request:     RequestBulkOnlyMassStorageReset,
		Index:       uint16(c.iface),
	}
	if _, err := c.t.ControlTransfer(ctx, setup, nil); err != nil {
		return fmt.Errorf("mass storage reset: %w", err)
	}
	if err := c.t.ClearEndpointHalt(ctx, c.in); err != nil {
		return fmt.Errorf("clear bulk-in halt: %w", err)
	}
	if err := c.t.ClearEndpointHalt(ctx, c.out); err != nil {
		return fmt.Errorf("clear bulk-out halt: %w", err)
	}
	return nil
}

// Command runs one Bulk-Only command with an optional data phase and
// returns the number of data bytes moved. A failed command returns
// pkg.ErrCommandFailed; transport and phase errors trigger reset recovery.
func (c *Client) Command(ctx context.Context, cdb []byte, data []byte, in bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command(ctx, cdb, data, in)
}

func (c *Client) command(ctx context.Context, cdb []byte, data []byte, in bool) (int, error) {
	c.tag++
	cbw := NewCBW(c.tag, uint32(len(data)), in, c.lun, cdb)
	cbw.MarshalTo(c.cbwBuf[:])

	pkg.LogDebug(pkg.ComponentClass, "CBW", "tag", c.tag, "op", cdb[0], "length", len(data), "in", in)

	if _, err := c.t.BulkTransfer(ctx, c.out, c.cbwBuf[:]); err != nil {
		return 0, c.resetAfter(ctx, fmt.Errorf("command phase: %w", err))
	}

	n := 0
	if len(data) > 0 {
		ep := c.out
		if in {
			ep = c.in
		}
		var err error
		n, err = c.t.BulkTransfer(ctx, ep, data)
		switch {
		case errors.Is(err, pkg.ErrStall):
			if err := c.t.ClearEndpointHalt(ctx, ep); err != nil {
				return n, c.resetAfter(ctx, err)
			}
		case err != nil:
			return n, c.resetAfter(ctx, fmt.Errorf("data phase: %w", err))
		}
	}

	var csw CommandStatusWrapper
	if err := c.status(ctx, &csw); err != nil {
		return n, c.resetAfter(ctx, err)
	}
	if csw.Tag != c.tag {
		return n, c.resetAfter(ctx, fmt.Errorf("%w: CSW tag %d, expected %d", pkg.ErrProtocol, csw.Tag, c.tag))
	}

	pkg.LogDebug(pkg.ComponentClass, "CSW", "tag", csw.Tag, "status", csw.Status, "residue", csw.DataResidue)

	switch csw.Status {
	case CSWStatusGood:
		return n, nil
	case CSWStatusFailed:
		return n, pkg.ErrCommandFailed
	default:
		return n, c.resetAfter(ctx, fmt.Errorf("%w: phase error", pkg.ErrProtocol))
	}
}

// status reads the CSW, clearing one bulk-in STALL on the way.
func (c *Client) status(ctx context.Context, out *CommandStatusWrapper) error {
	for attempt := 0; ; attempt++ {
		n, err := c.t.BulkTransfer(ctx, c.in, c.cswBuf[:])
		if errors.Is(err, pkg.ErrStall) && attempt == 0 {
			if err := c.t.ClearEndpointHalt(ctx, c.in); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("status phase: %w", err)
		}
		if !ParseCSW(c.cswBuf[:n], out) {
			return fmt.Errorf("%w: invalid CSW (%d bytes)", pkg.ErrProtocol, n)
		}
		return nil
	}
}

// resetAfter runs reset recovery after err and returns err joined with any
// recovery failure. Recovery is not cut short by ctx.
func (c *Client) resetAfter(ctx context.Context, err error) error {
	if rerr := c.resetRecovery(context.WithoutCancel(ctx)); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

// checked runs a command and resolves a failed status to a SenseError.
func (c *Client) checked(ctx context.Context, cdb []byte, data []byte, in bool) (int, error) {
	n, err := c.command(ctx, cdb, data, in)
	if !errors.Is(err, pkg.ErrCommandFailed) {
		return n, err
	}
	sense, serr := c.requestSense(ctx)
	if serr != nil {
		return n, errors.Join(err, serr)
	}
	return n, &SenseError{Op: cdb[0], Sense: sense}
}

// TestUnitReady reports whether the medium is ready.
func (c *Client) TestUnitReady(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.checked(ctx, TestUnitReadyCDB(), nil, false)
	return err
}

// RequestSense returns the sense data of the last failed command.
func (c *Client) RequestSense(ctx context.Context) (Sense, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestSense(ctx)
}

func (c *Client) requestSense(ctx context.Context) (Sense, error) {
	var buf [RequestSenseSize]byte
	n, err := c.command(ctx, RequestSenseCDB(RequestSenseSize), buf[:], true)
	if err != nil {
		return Sense{}, fmt.Errorf("request sense: %w", err)
	}
	var s Sense
	if err := ParseSense(buf[:n], &s); err != nil {
		return Sense{}, fmt.Errorf("request sense: %w", err)
	}
	return s, nil
}

// Inquiry returns the standard INQUIRY data.
func (c *Client) Inquiry(ctx context.Context) (InquiryResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf [InquiryStandardSize]byte
	n, err := c.checked(ctx, InquiryCDB(InquiryStandardSize), buf[:], true)
	if err != nil {
		return InquiryResponse{}, err
	}
	var r InquiryResponse
	if err := ParseInquiry(buf[:n], &r); err != nil {
		return InquiryResponse{}, fmt.Errorf("inquiry: %w", err)
	}
	return r, nil
}

// ReadCapacity returns the medium geometry and remembers the block size
// for Read and Write.
func (c *Client) ReadCapacity(ctx context.Context) (Capacity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCapacity(ctx)
}

func (c *Client) readCapacity(ctx context.Context) (Capacity, error) {
	var buf [ReadCapacity10Size]byte
	n, err := c.checked(ctx, ReadCapacity10CDB(), buf[:], true)
	if err != nil {
		return Capacity{}, err
	}
	var capacity Capacity
	if err := ParseCapacity(buf[:n], &capacity); err != nil {
		return Capacity{}, fmt.Errorf("read capacity: %w", err)
	}
	if capacity.BlockLength == 0 {
		return Capacity{}, fmt.Errorf("read capacity: %w: zero block length", pkg.ErrProtocol)
	}
	c.blockSize = capacity.BlockLength
	c.blocks = capacity.Blocks()
	return capacity, nil
}

// WriteProtected reports the write-protect bit from MODE SENSE (6).
func (c *Client) WriteProtected(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf [ModeSense6HeaderSize]byte
	n, err := c.checked(ctx, ModeSense6CDB(ModeSense6HeaderSize), buf[:], true)
	if err != nil {
		return false, err
	}
	var h ModeSense6Header
	if err := ParseModeSense6Header(buf[:n], &h); err != nil {
		return false, fmt.Errorf("mode sense: %w", err)
	}
	return h.WriteProtect, nil
}

// Read reads len(buf)/blockSize blocks starting at lba.
func (c *Client) Read(ctx context.Context, lba uint32, buf []byte) (int, error) {
	return c.rw(ctx, lba, buf, true)
}

// Write writes len(buf)/blockSize blocks starting at lba.
func (c *Client) Write(ctx context.Context, lba uint32, buf []byte) (int, error) {
	return c.rw(ctx, lba, buf, false)
}

// Sync flushes the device's write cache.
func (c *Client) Sync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.checked(ctx, SynchronizeCache10CDB(), nil, false)
	return err
}

// maxBlocksPerCommand bounds one READ/WRITE (10).
const maxBlocksPerCommand = 128

func (c *Client) rw(ctx context.Context, lba uint32, buf []byte, read bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.blockSize == 0 {
		if _, err := c.readCapacity(ctx); err != nil {
			return 0, err
		}
	}
	bs := int(c.blockSize)
	if len(buf)%bs != 0 {
		return 0, fmt.Errorf("%w: length %d is not a multiple of block size %d",
			pkg.ErrInvalidParameter, len(buf), bs)
	}
	if uint64(lba)+uint64(len(buf)/bs) > c.blocks {
		return 0, fmt.Errorf("%w: blocks %d+%d beyond %d", pkg.ErrInvalidParameter, lba, len(buf)/bs, c.blocks)
	}

	done := 0
	for done < len(buf) {
		blocks := min((len(buf)-done)/bs, maxBlocksPerCommand)
		chunk := buf[done : done+blocks*bs]
		cdb := Write10CDB(lba, uint16(blocks))
		if read {
			cdb = Read10CDB(lba, uint16(blocks))
		}
		n, err := c.checked(ctx, cdb, chunk, read)
		done += n
		if err != nil {
			return done, err
		}
		if n < len(chunk) {
			return done, fmt.Errorf("%w: short transfer %d of %d", pkg.ErrProtocol, n, len(chunk))
		}
		lba += uint32(blocks)
	}
	return done, nil
}
