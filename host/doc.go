// Package host is the device-facing layer above the transfer engine in
// [github.com/ardnew/softhcd/host/hcd].
//
// A Host owns one hcd.Engine and the root hub of the same controller. It
// watches the root hub for port changes, resets and enumerates new devices
// and tears down every channel when a device goes away. Enumeration is a
// series of control transfers, each run as the engine's SETUP, DATA and
// STATUS stages.
//
// Device exposes synchronous control, bulk and interrupt transfers. They
// block until the engine reports completion; cancelling the context aborts
// the transfer on its channel and waits for the abort to land, so the
// caller's buffer is free when the call returns. Device satisfies the
// Transport interface of [github.com/ardnew/softhcd/host/class/msc].
//
// The platform delivers controller interrupts to Host.HandleInterrupt.
// Completion callbacks run on the dispatcher goroutine that Start launches.
//
// # Example
//
//	h, err := host.New(ctrl, ctrl, host.Config{})
//	if err != nil {
//	    return err
//	}
//	if err := h.Start(ctx); err != nil {
//	    return err
//	}
//	defer h.Stop()
//
//	dev, err := h.WaitDevice(ctx)
//	if err != nil {
//	    return err
//	}
//	buf := make([]byte, 64)
//	n, err := dev.BulkTransfer(ctx, 0x81, buf)
package host
