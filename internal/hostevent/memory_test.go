// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package hostevent

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_ErrorMessage(t *testing.T) {
	assert.Equal(t, "boom", Error("r1", "boom").ErrorMessage())
	assert.Equal(t, UnknownError, Event{Name: EventError}.ErrorMessage())
	assert.Equal(t, UnknownError, Event{Name: EventError, HasPayload: true}.ErrorMessage())
}

func TestMemoryBus_DeliversInOrder(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	var got []string
	sub, err := bus.Listen(EventChunk, func(evt Event) {
		got = append(got, evt.Payload)
	})
	require.NoError(t, err)
	defer sub.Release()

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Emit(ctx, Chunk("r1", p)))
	}
	require.NoError(t, bus.Emit(ctx, End("r1")))

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestMemoryBus_RoutesByName(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	var chunks, ends int
	_, err := bus.Listen(EventChunk, func(Event) { chunks++ })
	require.NoError(t, err)
	_, err = bus.Listen(EventEnd, func(Event) { ends++ })
	require.NoError(t, err)

	require.NoError(t, bus.Emit(ctx, Chunk("", "x")))
	require.NoError(t, bus.Emit(ctx, End("")))
	require.NoError(t, bus.Emit(ctx, Error("", "nobody listens")))

	assert.Equal(t, 1, chunks)
	assert.Equal(t, 1, ends)
}

func TestSubscription_ReleaseIsIdempotent(t *testing.T) {
	bus := NewMemoryBus()

	sub, err := bus.Listen(EventChunk, func(Event) {})
	require.NoError(t, err)
	other, err := bus.Listen(EventChunk, func(Event) {})
	require.NoError(t, err)
	require.Equal(t, 2, bus.ListenerCount(EventChunk))

	sub.Release()
	sub.Release()
	assert.True(t, sub.Released())
	assert.Equal(t, 1, bus.ListenerCount(EventChunk), "second release must not remove another handler")

	other.Release()
	assert.Equal(t, 0, bus.TotalListeners())
}

func TestSubscription_ConcurrentRelease(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Listen(EventEnd, func(Event) {})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, bus.ListenerCount(EventEnd))
}

func TestMemoryBus_ReleaseDuringEmit(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	var second *Subscription
	calls := 0
	first, err := bus.Listen(EventEnd, func(Event) { second.Release() })
	require.NoError(t, err)
	defer first.Release()
	second, err = bus.Listen(EventEnd, func(Event) { calls++ })
	require.NoError(t, err)

	require.NoError(t, bus.Emit(ctx, End("")))
	assert.Equal(t, 0, calls, "handler released earlier in the same emit is skipped")
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Listen(EventChunk, func(Event) {})
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	sub.Release()

	assert.ErrorIs(t, bus.Emit(context.Background(), Chunk("", "x")), ErrBusClosed)
	_, err = bus.Listen(EventChunk, func(Event) {})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestMemoryBus_NilHandler(t *testing.T) {
	_, err := NewMemoryBus().Listen(EventChunk, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestMemoryBus_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewMemoryBus().Emit(ctx, End("")), context.Canceled)
}
