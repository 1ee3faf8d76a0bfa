package pkg

import (
	"errors"
	"fmt"
)

// ErrIO is the parent of every fatal bus-level I/O failure. Use
// errors.Is(err, ErrIO) to test for the whole class.
var ErrIO = errors.New("I/O error")

// Device-reported transfer errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrNAK indicates a NAK response (device busy). Never surfaced to
	// callers of the engine; retained for controller implementations.
	ErrNAK = errors.New("NAK received")

	// ErrTransactionError indicates repeated CRC, timeout or bit-stuff errors
	// on the wire.
	ErrTransactionError = fmt.Errorf("%w: transaction error", ErrIO)

	// ErrDataToggle indicates a DATA0/DATA1 synchronization mismatch.
	ErrDataToggle = fmt.Errorf("%w: data toggle mismatch", ErrIO)

	// ErrBabble indicates the peripheral sent more data than allowed.
	ErrBabble = fmt.Errorf("%w: babble", ErrIO)

	// ErrFrameOverrun indicates a periodic transaction missed its frame.
	ErrFrameOverrun = errors.New("frame overrun")

	// ErrAborted indicates a caller-initiated abort.
	ErrAborted = errors.New("transfer aborted")

	// ErrDisconnected indicates the device went away while the transfer
	// was in flight.
	ErrDisconnected = errors.New("device disconnected")

	// ErrEngineFault indicates inconsistent engine or channel state. It is
	// never caused by the device.
	ErrEngineFault = errors.New("engine fault")
)

// Submission and resource errors.
var (
	// ErrNoFreeChannel indicates every hardware channel is busy.
	ErrNoFreeChannel = errors.New("no free channel")

	// ErrDeviceNotResponding indicates the target port is not connected.
	ErrDeviceNotResponding = errors.New("device not responding")

	// ErrCancelled indicates a cancelled operation.
	ErrCancelled = errors.New("operation cancelled")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("operation timeout")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an invalid state for the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrAlreadyRunning indicates the component is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the component is not running.
	ErrNotRunning = errors.New("not running")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrProtocol indicates a class-level protocol violation.
	ErrProtocol = errors.New("protocol error")

	// ErrCommandFailed indicates a class command completed with a failure
	// status.
	ErrCommandFailed = errors.New("command failed")
)

// TransferStatus is the terminal status of a transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess          TransferStatus = iota // Transfer completed successfully
	TransferStatusStall                                  // Endpoint stalled
	TransferStatusTransactionError                       // Retries exhausted on bus errors
	TransferStatusDataToggleError                        // DATA0/DATA1 desync
	TransferStatusBabble                                 // Peripheral overran the packet
	TransferStatusAborted                                // Cancelled by the caller
	TransferStatusDisconnected                           // Device went away
	TransferStatusEngineFault                            // Inconsistent engine state
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusStall:
		return "stall"
	case TransferStatusTransactionError:
		return "transaction-error"
	case TransferStatusDataToggleError:
		return "data-toggle-error"
	case TransferStatusBabble:
		return "babble"
	case TransferStatusAborted:
		return "aborted"
	case TransferStatusDisconnected:
		return "disconnected"
	case TransferStatusEngineFault:
		return "engine-fault"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusTransactionError:
		return ErrTransactionError
	case TransferStatusDataToggleError:
		return ErrDataToggle
	case TransferStatusBabble:
		return ErrBabble
	case TransferStatusAborted:
		return ErrAborted
	case TransferStatusDisconnected:
		return ErrDisconnected
	default:
		return ErrEngineFault
	}
}

// IsFatalIO reports whether the status is a fatal bus-level I/O error.
func (s TransferStatus) IsFatalIO() bool {
	switch s {
	case TransferStatusTransactionError, TransferStatusDataToggleError, TransferStatusBabble:
		return true
	}
	return false
}
