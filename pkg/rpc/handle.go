package rpc

import (
	"context"
	"sync/atomic"

	"github.com/raskyld/tainin/pkg/frame"
)

// ResponseHandle is a single-shot slot a response is delivered to. It has
// exactly one producer, Release, and one consumer, Wait.
type ResponseHandle struct {
	ch       chan *frame.MultiFrame
	released atomic.Bool
}

func NewResponseHandle() *ResponseHandle {
	return &ResponseHandle{ch: make(chan *frame.MultiFrame, 1)}
}

// Release delivers mf. Only the first call has an effect, it reports
// whether mf was delivered.
func (h *ResponseHandle) Release(mf *frame.MultiFrame) bool {
	if !h.released.CompareAndSwap(false, true) {
		return false
	}
	h.ch <- mf
	return true
}

// Wait blocks until the response is released or ctx is done.
func (h *ResponseHandle) Wait(ctx context.Context) (*frame.MultiFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case mf := <-h.ch:
		return mf, nil
	}
}

// reset makes the handle reusable. No producer may hold it anymore.
func (h *ResponseHandle) reset() {
	select {
	case <-h.ch:
	default:
	}
	h.released.Store(false)
}
