package store

import (
	"context"
	"log/slog"
	"sync"
)

// broadcaster wakes subscribers after a change. Each subscriber refetches its
// own view, so differently-filtered streams can share one broadcaster. Sends
// coalesce: a slow subscriber sees the latest snapshot, not every
// intermediate one, which is safe because every emission is the complete
// current set.
type broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[uint64]chan T
	next uint64
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{subs: make(map[uint64]chan T)}
}

func (b *broadcaster[T]) subscribe() (uint64, chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan T, 1)
	b.subs[id] = ch
	return id, ch
}

func (b *broadcaster[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		// replace a stale pending snapshot instead of blocking
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}

// onceAndStream implements the replay contract shared by all store streams:
// emit the full current set on subscribe, then the full set again after every
// change, until ctx is cancelled.
func onceAndStream[T any](ctx context.Context, b *broadcaster[T], fetch func() (T, error)) (<-chan T, error) {
	id, updates := b.subscribe()

	snapshot, err := fetch()
	if err != nil {
		b.unsubscribe(id)
		return nil, err
	}

	out := make(chan T, 1)
	out <- snapshot

	go func() {
		defer close(out)
		defer b.unsubscribe(id)

		for {
			select {
			case <-ctx.Done():
				return
			case <-updates:
				v, err := fetch()
				if err != nil {
					slog.Error("stream refresh failed", "error", err)
					continue
				}
				select {
				case out <- v:
				default:
					// drop the undelivered snapshot, deliver the newer one
					select {
					case <-out:
					default:
					}
					out <- v
				}
			}
		}
	}()

	return out, nil
}
