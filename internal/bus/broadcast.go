package bus

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("subscription closed")

// Broadcaster fans every published value out to all live subscriptions.
// Each subscription buffers without bound, so Publish never blocks and a
// subscriber observes values in publish order without gaps.
type Broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[*Subscription[T]]struct{}
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[*Subscription[T]]struct{})}
}

func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		owner:  b,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		s.push(v)
	}
}

func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

type Subscription[T any] struct {
	owner *Broadcaster[T]

	mu     sync.Mutex
	queue  []T
	notify chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a value is available, the context ends or the
// subscription is closed.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			v := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return v, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.done:
			return zero, ErrClosed
		case <-s.notify:
		}
	}
}

func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		s.owner.remove(s)
		close(s.done)
	})
}
