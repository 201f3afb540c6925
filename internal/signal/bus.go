package signal

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("signal subscription closed")

// Bus fans signals out to subscribers. Publishing never blocks on a
// subscriber: each subscription buffers without bound until read.
type Bus struct {
	nextID atomic.Int64

	mu        sync.Mutex
	subs      map[int]*Subscription
	nextSubID int
	closed    bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Publish numbers sigs and delivers them, in order, to every current
// subscriber. A batch is delivered contiguously.
func (b *Bus) Publish(sigs ...Signal) []Envelope {
	if len(sigs) == 0 {
		return nil
	}
	now := time.Now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	envs := make([]Envelope, 0, len(sigs))
	for _, s := range sigs {
		envs = append(envs, Envelope{ID: b.nextID.Add(1), At: now, Signal: s})
	}
	for _, sub := range b.subs {
		sub.push(envs)
	}
	return envs
}

// Subscribe attaches a subscription that sees only signals published after
// this call returns.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSubID
	b.nextSubID++
	sub := &Subscription{notify: make(chan struct{}, 1)}
	if b.closed {
		sub.closed = true
		return sub
	}
	b.subs[id] = sub
	sub.detach = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return sub
}

// Subscribers returns the number of attached subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription once its buffered signals are drained.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.markClosed()
	}
}

// Subscription is a lazy, unbounded sequence of envelopes.
type Subscription struct {
	mu     sync.Mutex
	queue  []Envelope
	closed bool
	notify chan struct{}
	detach func()
	once   sync.Once
}

func (s *Subscription) push(envs []Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, envs...)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

// Next blocks until a signal is available, ctx ends, or the subscription is
// closed and drained (ErrClosed).
func (s *Subscription) Next(ctx context.Context) (Envelope, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			env := s.queue[0]
			s.queue[0] = Envelope{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return env, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Envelope{}, ErrClosed
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// All ranges over signals until ctx ends or the subscription closes.
func (s *Subscription) All(ctx context.Context) iter.Seq[Envelope] {
	return func(yield func(Envelope) bool) {
		for {
			env, err := s.Next(ctx)
			if err != nil || !yield(env) {
				return
			}
		}
	}
}

// Close detaches from the bus and discards anything buffered.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		s.wake()
	})
}
