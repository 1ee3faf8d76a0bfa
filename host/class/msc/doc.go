// Package msc implements the host side of the USB Mass Storage Class
// Bulk-Only Transport (BOT) with the SCSI transparent command set.
//
// Every command runs in three phases over the bulk pipes:
//
//  1. Command - the host sends a Command Block Wrapper (CBW)
//  2. Data - optional, in the direction the CBW announces
//  3. Status - the device returns a Command Status Wrapper (CSW)
//
// A STALL in the data phase is cleared and the CSW is still collected. A
// STALL on the CSW is cleared once and the read retried. Invalid CSWs,
// phase errors and transport failures run reset recovery: a Bulk-Only Mass
// Storage Reset followed by clearing both bulk endpoint halts.
//
// Commands that complete with a failed status are resolved with REQUEST
// SENSE into a *SenseError, which matches pkg.ErrCommandFailed.
//
// The wire formats (CBW, CSW, CDBs and response data) are exported so that
// simulated devices can share them.
//
// # Usage Example
//
//	dev, _ := h.WaitDevice(ctx)
//	iface, in, out, err := dev.FindBulkInterface(msc.ClassMSC, msc.SubclassSCSI, msc.ProtocolBulkOnly)
//	client := msc.New(dev, iface, in, out)
//
//	capacity, _ := client.ReadCapacity(ctx)
//	buf := make([]byte, capacity.BlockLength)
//	_, err = client.Read(ctx, 0, buf)
//
// # References
//
//   - USB Mass Storage Class Bulk-Only Transport 1.0
//   - SCSI Primary Commands (SPC-4)
//   - SCSI Block Commands (SBC-3)
package msc
