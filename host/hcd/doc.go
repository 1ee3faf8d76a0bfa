// Package hcd implements the channel-based transfer engine shared by host
// controller drivers.
//
// An Engine owns the fixed channel pool of one hal.Controller. Submit binds
// an endpoint to a channel (reusing the binding, and so the data toggle,
// across submissions), programs the transfer one chunk at a time and
// enables the channel. HandleInterrupt is the interrupt service routine: it
// demultiplexes channel events, applies the retry policy and schedules
// split transactions for full/low-speed devices behind a high-speed hub.
//
// Retry policy:
//
//   - NAK resets the error count. Bulk and control endpoints are
//     resubmitted at once; interrupt endpoints are polled again after their
//     interval (see PollInterval).
//   - Transaction errors retry the same packet with the same toggle until
//     Policy.MaxTransactionErrors consecutive errors occurred.
//   - STALL completes with TransferStatusStall and marks the endpoint
//     halted until ClearHalt.
//   - Babble and data toggle errors complete at once.
//   - Frame overruns are resubmitted without being reported.
//
// Completion callbacks never run inside HandleInterrupt. Terminal transfers
// are queued and delivered by Run (or DispatchCompletions) in task context,
// exactly once each. Abort always wins over a racing hardware completion.
package hcd
