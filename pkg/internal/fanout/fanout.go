// Package fanout delivers published values to any number of subscribers
// without blocking the publisher and without dropping values. Each subscriber
// owns an unbounded queue drained by its own goroutine, so a slow consumer
// only delays itself.
package fanout

import (
    "context"
    "sync"
)

type Fanout[T any] struct {
    mu     sync.Mutex
    subs   map[*queue[T]]struct{}
    closed bool
}

type queue[T any] struct {
    mu     sync.Mutex
    items  []T
    wake   chan struct{}
    done   chan struct{}
    once   sync.Once
}

func New[T any]() *Fanout[T] { return &Fanout[T]{subs: make(map[*queue[T]]struct{})} }

// Subscribe returns a channel receiving every value published after the call.
// The channel is closed when ctx is done or the fanout is closed.
func (f *Fanout[T]) Subscribe(ctx context.Context) <-chan T {
    out := make(chan T)
    q := &queue[T]{wake: make(chan struct{}, 1), done: make(chan struct{})}
    f.mu.Lock()
    if f.closed {
        f.mu.Unlock()
        close(out)
        return out
    }
    f.subs[q] = struct{}{}
    f.mu.Unlock()

    go func() {
        defer close(out)
        defer f.remove(q)
        for {
            q.mu.Lock()
            if len(q.items) == 0 {
                q.mu.Unlock()
                select {
                case <-ctx.Done():
                    return
                case <-q.done:
                    return
                case <-q.wake:
                    continue
                }
            }
            v := q.items[0]
            var zero T
            q.items[0] = zero
            q.items = q.items[1:]
            q.mu.Unlock()
            select {
            case out <- v:
            case <-ctx.Done():
                return
            case <-q.done:
                return
            }
        }
    }()
    return out
}

// Publish enqueues v for every current subscriber. It never blocks on a
// consumer.
func (f *Fanout[T]) Publish(v T) {
    f.mu.Lock()
    defer f.mu.Unlock()
    for q := range f.subs {
        q.mu.Lock()
        q.items = append(q.items, v)
        q.mu.Unlock()
        select {
        case q.wake <- struct{}{}:
        default:
        }
    }
}

// Len returns the number of live subscribers.
func (f *Fanout[T]) Len() int {
    f.mu.Lock()
    defer f.mu.Unlock()
    return len(f.subs)
}

// Close terminates every subscription. Values still queued are discarded.
func (f *Fanout[T]) Close() {
    f.mu.Lock()
    defer f.mu.Unlock()
    if f.closed { return }
    f.closed = true
    for q := range f.subs {
        q.once.Do(func() { close(q.done) })
        delete(f.subs, q)
    }
}

func (f *Fanout[T]) remove(q *queue[T]) {
    f.mu.Lock()
    delete(f.subs, q)
    f.mu.Unlock()
}
