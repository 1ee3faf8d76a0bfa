// Package msd simulates a USB mass storage disk speaking Bulk-Only
// Transport with the SCSI transparent command set.
//
// NewDevice returns a sim.Device with one Bulk-Only interface (bulk IN
// 0x81, bulk OUT 0x02) whose class handler is a Disk. The Disk runs the
// BOT phases packet by packet as the simulated controller delivers them:
// a CBW on bulk OUT, an optional data phase, then the CSW on bulk IN.
// A data-in phase shorter than the host asked for ends with a short
// packet, or a zero-length packet when it ends on a packet boundary.
// Failed commands stall the announced data phase and report the failure
// in the CSW; an invalid CBW stalls both pipes until the host issues a
// Bulk-Only Mass Storage Reset.
//
// Storage backs the disk: MemoryStorage for tests, FileStorage for disk
// images.
//
//	storage := msd.NewMemoryStorage(2048, 512)
//	dev, _ := msd.NewDevice(storage, msd.DefaultConfig())
//	ctrl.Plug(dev, hal.SpeedFull)
package msd
