// Package hal defines the hardware contract of channel-based USB host
// controllers.
//
// The transfer engine in [github.com/ardnew/softhcd/host/hcd] implements all
// protocol logic (retry policy, data toggles, split scheduling). A controller
// back-end only exposes its registers through [Controller]:
//   - Channel characteristics: device, endpoint, direction, speed, type,
//     max packet size and transaction-translator routing
//   - The transfer size register: byte count, packet count and PID
//   - Enable and halt of a channel
//   - Per-channel event bits, their masks, and the aggregate summary
//   - The frame counter and the frame-tick interrupt
//
// Port connect and disconnect events come from the [RootHub] side.
//
// # Implementing a Controller
//
//  1. Map NumChannels and MaxTransferSize to the hardware limits
//  2. Translate ChannelConfig and TransferSize to register writes
//  3. Report events through ChannelEvents and InterruptSummary
//  4. Call the engine's HandleInterrupt from the interrupt handler
//
// Controller methods run inside the engine's critical section. They must
// not block and must not call back into the engine.
//
// A register-level simulator is available in
// [github.com/ardnew/softhcd/host/hal/sim].
package hal
