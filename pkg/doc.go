// Package pkg provides shared utilities for the softhcd USB host stack.
//
// This package contains functionality used by the transfer engine, the
// controller simulator, the host layer and the class drivers:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for bus, resource and engine failures
//   - [TransferStatus], the terminal status reported for every transfer
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogDebug(pkg.ComponentEngine, "channel allocated", "channel", 2)
//
// [SetupLogger] builds a logger from a level name and optional log file, as
// used by command-line tools.
//
// # Errors
//
// Bus-level failures are sentinel values. The fatal I/O class shares a
// common parent:
//
//	if errors.Is(err, pkg.ErrIO) {
//	    // transaction error, babble or data toggle mismatch
//	}
package pkg
