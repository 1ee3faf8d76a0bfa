package hcd

import (
	"github.com/ardnew/softhcd/pkg"
)

// Callback is invoked exactly once when a transfer reaches a terminal
// state, with the number of bytes moved and the final status. It runs in
// the dispatcher (task context) and may submit new transfers.
type Callback func(t *Transfer, n int, status pkg.TransferStatus)

// Request describes one transfer to submit.
type Request struct {
	Endpoint Endpoint
	Stage    Stage
	Buffer   []byte
	Callback Callback
}

type transferState uint8

const (
	transferQueued transferState = iota
	transferActive
	transferCompleted
)

// Transfer is a submitted request. Its result is valid once Done is closed.
type Transfer struct {
	id       uint64
	ep       Endpoint
	stage    Stage
	buf      []byte
	callback Callback

	state   transferState
	actual  int
	status  pkg.TransferStatus
	aborted bool
	channel int // -1 when not bound

	done chan struct{}
}

func newTransfer(id uint64, req Request) *Transfer {
	return &Transfer{
		id:       id,
		ep:       req.Endpoint,
		stage:    req.Stage,
		buf:      req.Buffer,
		callback: req.Callback,
		channel:  -1,
		done:     make(chan struct{}),
	}
}

// ID returns the engine-unique transfer identifier.
func (t *Transfer) ID() uint64 { return t.id }

// Endpoint returns the endpoint the transfer targets.
func (t *Transfer) Endpoint() Endpoint { return t.ep }

// Stage returns the control stage of the transfer.
func (t *Transfer) Stage() Stage { return t.stage }

// Done is closed after the completion callback has returned.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Result returns the bytes moved and the terminal status. Only valid once
// Done is closed.
func (t *Transfer) Result() (int, pkg.TransferStatus) {
	return t.actual, t.status
}

// remaining returns the bytes not yet moved.
func (t *Transfer) remaining() int {
	return len(t.buf) - t.actual
}
