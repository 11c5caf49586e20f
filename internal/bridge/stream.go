// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bridge

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/hostevent"
)

// Chunk is the result of one Read: either a fragment value or the done
// marker.
type Chunk struct {
	Done  bool
	Value []byte // {"content": ...} for streams opened by a Bridge
}

// Body is a pull-based response body.
type Body interface {
	// Read blocks until the next chunk, the end of the body, or a failure.
	Read(ctx context.Context) (Chunk, error)

	// Cancel stops delivery. Safe to call more than once.
	Cancel()
}

// =============================================================================
// LISTENER SET
// =============================================================================

// listenerSet holds the three subscriptions of one request. It is released
// exactly once; later calls are no-ops, and a subscription added after the
// release is released on the spot.
type listenerSet struct {
	mu       sync.Mutex
	released bool
	subs     []*hostevent.Subscription
}

func (l *listenerSet) add(sub *hostevent.Subscription) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		sub.Release()
		return
	}
	l.subs = append(l.subs, sub)
	l.mu.Unlock()
}

func (l *listenerSet) release() bool {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return false
	}
	l.released = true
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	for _, sub := range subs {
		sub.Release()
	}
	return true
}

// =============================================================================
// STREAM
// =============================================================================

// Stream is the body of a response opened through a Bridge. It owns the
// listener set of its request.
//
// Fragments are delivered in the order their chunk events arrived. After an
// end event, buffered fragments are drained and then Read reports Done.
// After an error event, buffered fragments are drained and then Read
// returns the error. Cancel and the deadline drop buffered fragments.
type Stream struct {
	id  string
	log zerolog.Logger

	listeners listenerSet

	mu      sync.Mutex
	pending [][]byte
	done    bool
	err     error // terminal error, delivered after pending
	stopped error // cancel or timeout, delivered immediately
	notify  chan struct{}
	cleanup []func()
}

func newStream(id string, logger zerolog.Logger) *Stream {
	return &Stream{
		id:     id,
		log:    logger,
		notify: make(chan struct{}, 1),
	}
}

// RequestID returns the id of the host request behind the stream.
func (s *Stream) RequestID() string {
	return s.id
}

// Read returns the next fragment, Chunk{Done: true} after the end event, or
// the stream's error. Abandoning a Read through ctx does not cancel the
// stream.
func (s *Stream) Read(ctx context.Context) (Chunk, error) {
	for {
		s.mu.Lock()
		switch {
		case s.stopped != nil:
			err := s.stopped
			s.mu.Unlock()
			return Chunk{}, err
		case len(s.pending) > 0:
			value := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return Chunk{Value: value}, nil
		case s.err != nil:
			err := s.err
			s.mu.Unlock()
			return Chunk{}, err
		case s.done:
			s.mu.Unlock()
			return Chunk{Done: true}, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
}

// Cancel stops delivery immediately and releases the listener set. The host
// is not told to stop. Reads after Cancel return a KindCanceled error.
func (s *Stream) Cancel() {
	s.stop(newError(KindCanceled, s.id, "stream canceled", nil))
}

// Released reports whether the stream reached a terminal state.
func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal()
}

// terminal must be called with mu held.
func (s *Stream) terminal() bool {
	return s.done || s.err != nil || s.stopped != nil
}

// push queues a fragment unless the stream is terminal.
func (s *Stream) push(value []byte) {
	s.mu.Lock()
	if s.terminal() {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, value)
	s.mu.Unlock()
	s.signal()
}

// end marks the stream done.
func (s *Stream) end() {
	s.settle(func() { s.done = true })
}

// fail records a terminal error delivered after buffered fragments.
func (s *Stream) fail(err error) {
	s.settle(func() { s.err = err })
}

// stop records a terminal error and drops buffered fragments.
func (s *Stream) stop(err error) {
	s.settle(func() {
		s.stopped = err
		s.pending = nil
	})
}

// settle applies the first terminal transition and tears down. Later
// transitions are ignored.
func (s *Stream) settle(apply func()) {
	s.mu.Lock()
	if s.terminal() {
		s.mu.Unlock()
		return
	}
	apply()
	s.mu.Unlock()

	s.teardown()
	s.signal()
}

// onTeardown registers fn to run when the stream settles. If it already
// has, fn runs immediately.
func (s *Stream) onTeardown(fn func()) {
	s.mu.Lock()
	if s.terminal() {
		s.mu.Unlock()
		fn()
		return
	}
	s.cleanup = append(s.cleanup, fn)
	s.mu.Unlock()
}

func (s *Stream) teardown() {
	if s.listeners.release() {
		s.log.Debug().Str("request_id", s.id).Msg("Stream listeners released")
	}

	s.mu.Lock()
	fns := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// =============================================================================
// STATIC BODY
// =============================================================================

// BytesBody is a Body holding one value, used for non-streaming responses
// such as error replies.
type BytesBody struct {
	mu       sync.Mutex
	data     []byte
	read     bool
	canceled bool
}

// NewBytesBody creates a body that yields data once and then Done.
func NewBytesBody(data []byte) *BytesBody {
	return &BytesBody{data: data}
}

// Read implements Body.
func (b *BytesBody) Read(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.canceled {
		return Chunk{}, newError(KindCanceled, "", "stream canceled", nil)
	}
	if b.read || len(b.data) == 0 {
		return Chunk{Done: true}, nil
	}
	b.read = true
	return Chunk{Value: b.data}, nil
}

// Cancel implements Body.
func (b *BytesBody) Cancel() {
	b.mu.Lock()
	b.canceled = true
	b.mu.Unlock()
}

// ReadAll concatenates every value of body until Done.
func ReadAll(ctx context.Context, body Body) ([]byte, error) {
	var out []byte
	for {
		chunk, err := body.Read(ctx)
		if err != nil {
			return out, err
		}
		if chunk.Done {
			return out, nil
		}
		out = append(out, chunk.Value...)
	}
}
