package pubsub

import (
	"context"
	"sync"

	"github.com/hatcher/agentloop/pkg/logs"
)

const bufferSize = 64

// Broker fans events out to subscriber channels. Publishing never blocks:
// a subscriber whose buffer is full is dropped and its channel closed, so
// one stalled consumer cannot hold back the rest.
type Broker[T any] struct {
	subs     map[chan T]struct{}
	mu       sync.RWMutex
	done     chan struct{}
	subCount int
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subs: make(map[chan T]struct{}),
		done: make(chan struct{}),
	}
}

func (b *Broker[T]) Shutdown() {
	select {
	case <-b.done: // Already closed
		return
	default:
		close(b.done)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}

	b.subCount = 0
}

func (b *Broker[T]) Subscribe(ctx context.Context) <-chan T {
	return b.SubscribeWithSnapshot(ctx, nil)
}

// SubscribeWithSnapshot registers a subscriber whose channel is pre-filled
// with replay events. The caller must hold whatever lock guards the snapshot
// source so that no publish can slip between snapshot and registration.
func (b *Broker[T]) SubscribeWithSnapshot(ctx context.Context, replay []T) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan T)
		close(ch)
		return ch
	default:
	}

	sub := make(chan T, len(replay)+bufferSize)
	for _, ev := range replay {
		sub <- ev
	}
	b.subs[sub] = struct{}{}
	b.subCount++

	go func() {
		<-ctx.Done()

		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return
		default:
		}

		if _, ok := b.subs[sub]; !ok {
			return
		}
		delete(b.subs, sub)
		close(sub)
		b.subCount--
	}()

	return sub
}

func (b *Broker[T]) GetSubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subCount
}

func (b *Broker[T]) Publish(event T) {
	b.mu.RLock()

	select {
	case <-b.done:
		b.mu.RUnlock()
		return
	default:
	}

	var slow []chan T
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			// Channel is full, subscriber can't keep up - drop it
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()

	if len(slow) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range slow {
		if _, ok := b.subs[sub]; !ok {
			continue
		}
		delete(b.subs, sub)
		close(sub)
		b.subCount--
		logs.Warnf("dropped slow subscriber, buffer full")
	}
}
