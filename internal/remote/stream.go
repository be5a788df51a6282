package remote

import (
	"context"
	"sync"
)

// Stream is a cancellable subscription. Snapshots arrive on C and
// subscription errors on Err. C is closed once the producer stops, which
// happens after Cancel or when the subscribing context ends.
type Stream[T any] struct {
	C      <-chan T
	Err    <-chan error
	Cancel func()
}

// Emitter is the producing side of a Stream.
type Emitter[T any] struct {
	ctx   context.Context
	c     chan T
	err   chan error
	close sync.Once
}

// NewStream creates a stream bound to ctx. The caller produces through the
// returned Emitter and must call Emitter.Close when done.
func NewStream[T any](ctx context.Context, buf int) (*Stream[T], *Emitter[T]) {
	ctx, cancel := context.WithCancel(ctx)
	e := &Emitter[T]{
		ctx: ctx,
		c:   make(chan T, buf),
		err: make(chan error, 1),
	}
	return &Stream[T]{C: e.c, Err: e.err, Cancel: cancel}, e
}

// Send delivers v, blocking until it is consumed or the stream is cancelled.
// Reports whether v was delivered.
func (e *Emitter[T]) Send(v T) bool {
	select {
	case <-e.ctx.Done():
		return false
	default:
	}
	select {
	case e.c <- v:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// Fail reports err to the consumer. Only the first pending error is kept.
func (e *Emitter[T]) Fail(err error) {
	select {
	case e.err <- err:
	default:
	}
}

// Done is closed when the consumer cancels the stream.
func (e *Emitter[T]) Done() <-chan struct{} {
	return e.ctx.Done()
}

// Close closes the snapshot channel. Safe to call more than once.
func (e *Emitter[T]) Close() {
	e.close.Do(func() { close(e.c) })
}

// Latest forwards snapshots to an Emitter, keeping only the newest one a
// slow consumer has not picked up yet. Put never blocks.
type Latest[T any] struct {
	em     *Emitter[T]
	mu     sync.Mutex
	value  T
	has    bool
	signal chan struct{}
}

// StartLatest starts forwarding to em. onDone runs once the consumer cancels,
// before the stream is closed.
func StartLatest[T any](em *Emitter[T], onDone func()) *Latest[T] {
	l := &Latest[T]{em: em, signal: make(chan struct{}, 1)}
	go l.run(onDone)
	return l
}

// Put replaces the pending snapshot with v.
func (l *Latest[T]) Put(v T) {
	l.mu.Lock()
	l.value, l.has = v, true
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Fail forwards err to the consumer.
func (l *Latest[T]) Fail(err error) {
	l.em.Fail(err)
}

func (l *Latest[T]) take() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	v, ok := l.value, l.has
	l.value, l.has = zero, false
	return v, ok
}

func (l *Latest[T]) run(onDone func()) {
	defer l.em.Close()
	for {
		select {
		case <-l.em.Done():
			if onDone != nil {
				onDone()
			}
			return
		case <-l.signal:
			if v, ok := l.take(); ok {
				l.em.Send(v)
			}
		}
	}
}
