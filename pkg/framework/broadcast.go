// Package framework provides the streaming primitive that fans the commits
// of a sync run out to its consumers, and per-run profiling.
package framework

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyConnected is returned when Connect is called twice.
var ErrAlreadyConnected = errors.New("broadcast already connected")

// errLateSubscriber is the panic value for Subscribe after Connect.
var errLateSubscriber = errors.New("subscribe after connect")

// DefaultBuffer is the subscriber buffer used when Subscribe gets a negative size.
const DefaultBuffer = 16

// Broadcast delivers every value produced by a single producer to all
// subscribers, in production order. Subscribers register before Connect;
// production starts only when Connect is called.
type Broadcast[T any] struct {
	mu        sync.Mutex
	subs      []chan T
	connected bool
}

// NewBroadcast returns an unconnected broadcast.
func NewBroadcast[T any]() *Broadcast[T] {
	return &Broadcast[T]{}
}

// Subscribe registers a consumer and returns its channel. The channel is
// closed once production ends. Subscribe panics after Connect.
func (b *Broadcast[T]) Subscribe(buffer int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		panic(errLateSubscriber)
	}

	if buffer < 0 {
		buffer = DefaultBuffer
	}

	ch := make(chan T, buffer)
	b.subs = append(b.subs, ch)

	return ch
}

// Subscribers returns the number of registered consumers.
func (b *Broadcast[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

// Connect runs produce on the calling goroutine. Each emit blocks until every
// subscriber channel has accepted the value, so consumers must drain their
// channel to the end even after they stop doing work. Subscriber channels are
// closed when produce returns.
func (b *Broadcast[T]) Connect(ctx context.Context, produce func(ctx context.Context, emit func(T) error) error) error {
	b.mu.Lock()

	if b.connected {
		b.mu.Unlock()

		return ErrAlreadyConnected
	}

	b.connected = true
	subs := b.subs
	b.mu.Unlock()

	defer func() {
		for _, ch := range subs {
			close(ch)
		}
	}()

	emit := func(v T) error {
		for _, ch := range subs {
			select {
			case ch <- v:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return nil
	}

	return produce(ctx, emit)
}

// Items returns a producer that emits items in order.
func Items[T any](items []T) func(context.Context, func(T) error) error {
	return func(ctx context.Context, emit func(T) error) error {
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := emit(item); err != nil {
				return err
			}
		}

		return nil
	}
}
