package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

// nopCloser is a no-op Closer for synchronous mode.
type nopCloser struct{}

func (nopCloser) Close() {}

// asyncRecord carries a record together with the handler that must write it
// and the context it was logged under.
type asyncRecord struct {
	h   slog.Handler
	ctx context.Context
	rec slog.Record
}

// asyncState is shared by an AsyncHandler and every handler derived from it.
type asyncState struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan asyncRecord
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// AsyncHandler wraps an slog.Handler with a buffered channel and worker pool.
// Records are dropped (and counted) when the buffer is full.
type AsyncHandler struct {
	inner slog.Handler
	state *asyncState
}

// NewAsyncHandler creates an AsyncHandler with the given channel capacity and worker count.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	st := &asyncState{ch: make(chan asyncRecord, chanSize)}
	for range workers {
		st.wg.Add(1)
		go st.drain()
	}
	return &AsyncHandler{inner: inner, state: st}
}

func (s *asyncState) drain() {
	defer s.wg.Done()
	for r := range s.ch {
		_ = r.h.Handle(r.ctx, r.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. Drops if the channel is full or the handler is closed.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	st := h.state
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.closed {
		st.dropped.Add(1)
		return nil
	}
	select {
	case st.ch <- asyncRecord{h: h.inner, ctx: context.WithoutCancel(ctx), rec: rec.Clone()}:
	default:
		st.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the same queue but writing through a derived inner handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), state: h.state}
}

// WithGroup returns a handler sharing the same queue but writing through a derived inner handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), state: h.state}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.state.dropped.Load()
}

// Close stops accepting records and waits for the workers to drain the
// queue. It is safe to call more than once.
func (h *AsyncHandler) Close() {
	st := h.state
	st.mu.Lock()
	if !st.closed {
		st.closed = true
		close(st.ch)
	}
	st.mu.Unlock()
	st.wg.Wait()
}
