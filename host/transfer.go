package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hcd"
	"github.com/ardnew/softhcd/pkg"
)

// transfer submits req and waits for its completion. Cancelling ctx aborts
// the transfer; the call still waits for the engine to report the abort so
// that the buffer is no longer in use when it returns.
func (h *Host) transfer(ctx context.Context, req hcd.Request) (int, error) {
	if !h.IsRunning() {
		return 0, pkg.ErrNotRunning
	}
	t, err := h.engine.Submit(req)
	if err != nil {
		return 0, err
	}

	select {
	case <-t.Done():
	case <-ctx.Done():
		h.engine.Abort(t)
		<-t.Done()
	}

	n, status := t.Result()
	switch {
	case status == pkg.TransferStatusSuccess:
		return n, nil
	case status == pkg.TransferStatusAborted && ctx.Err() != nil:
		return n, fmt.Errorf("%w: %w", pkg.ErrCancelled, ctx.Err())
	}
	return n, fmt.Errorf("%s %s: %w", req.Endpoint, req.Stage, status.Error())
}

// controlTransfer runs the SETUP, optional DATA and STATUS stages of a
// control transfer. out and in are the two directions of EP0.
func (h *Host) controlTransfer(ctx context.Context, out, in hcd.Endpoint, setup hal.SetupPacket, data []byte) (int, error) {
	if len(data) > int(setup.Length) {
		data = data[:setup.Length]
	}
	if setup.Length > 0 && len(data) < int(setup.Length) {
		return 0, fmt.Errorf("%w: %d byte buffer for wLength %d",
			pkg.ErrBufferTooSmall, len(data), setup.Length)
	}

	var raw [hal.SetupPacketSize]byte
	setup.MarshalTo(raw[:])
	if _, err := h.transfer(ctx, hcd.Request{Endpoint: out, Stage: hcd.StageSetup, Buffer: raw[:]}); err != nil {
		return 0, err
	}

	n := 0
	dataIn := setup.IsIn()
	if len(data) > 0 {
		ep := out
		if dataIn {
			ep = in
		}
		var err error
		if n, err = h.transfer(ctx, hcd.Request{Endpoint: ep, Stage: hcd.StageData, Buffer: data}); err != nil {
			return n, err
		}
	}

	// The status stage runs opposite to the data stage, IN when there is none.
	status := in
	if len(data) > 0 && dataIn {
		status = out
	}
	if _, err := h.transfer(ctx, hcd.Request{Endpoint: status, Stage: hcd.StageStatus}); err != nil {
		return n, err
	}
	return n, nil
}

// Pipe is a buffered byte stream over a bulk IN/OUT endpoint pair.
type Pipe struct {
	device  *Device
	epIn    uint8
	epOut   uint8
	maxSize int

	mu      sync.Mutex
	readBuf []byte
	readPos int
	readLen int
}

// NewPipe creates a pipe over the bulk endpoints epIn and epOut. Reads are
// issued in maxPacketSize units so that no received byte is lost to a
// caller buffer that is too small.
func NewPipe(dev *Device, epIn, epOut uint8, maxPacketSize int) (*Pipe, error) {
	if maxPacketSize <= 0 {
		return nil, pkg.ErrInvalidParameter
	}
	for _, ep := range []uint8{epIn, epOut} {
		if _, err := dev.pipe(ep, hal.TransferBulk); err != nil {
			return nil, err
		}
	}
	return &Pipe{
		device:  dev,
		epIn:    epIn,
		epOut:   epOut,
		maxSize: maxPacketSize,
		readBuf: make([]byte, maxPacketSize),
	}, nil
}

// Read returns buffered bytes first and otherwise reads one packet from
// the IN endpoint.
func (p *Pipe) Read(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readPos < p.readLen {
		n := copy(data, p.readBuf[p.readPos:p.readLen])
		p.readPos += n
		return n, nil
	}

	n, err := p.device.BulkTransfer(ctx, p.epIn, p.readBuf)
	if err != nil {
		return 0, err
	}
	p.readLen = n
	p.readPos = copy(data, p.readBuf[:n])
	return p.readPos, nil
}

// Write sends data on the OUT endpoint as a single transfer.
func (p *Pipe) Write(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device.BulkTransfer(ctx, p.epOut, data)
}

// Buffered returns the number of received bytes not yet read.
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readLen - p.readPos
}

// Device returns the device the pipe belongs to.
func (p *Pipe) Device() *Device { return p.device }

// isStall reports whether err is a STALL handshake.
func isStall(err error) bool { return errors.Is(err, pkg.ErrStall) }
