package poll

import (
	"context"
	"sync"
)

// Executor runs the completion of a fetch: the merge into the list and the
// listener callbacks.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// Inline runs completions on the goroutine that fetched.
var Inline Executor = ExecutorFunc(func(fn func()) { fn() })

// Serial runs completions in order on a single goroutine owned by the context
// it was created with. Once that context is done completions run inline.
type Serial struct {
	mu      sync.Mutex
	closed  bool
	pending []func()
	wake    chan struct{}
}

var _ Executor = (*Serial)(nil)

func NewSerial(ctx context.Context) *Serial {
	s := &Serial{wake: make(chan struct{}, 1)}
	go s.run(ctx)
	return s
}

func (s *Serial) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.closed = true
			rest := s.pending
			s.pending = nil
			s.mu.Unlock()

			for _, fn := range rest {
				fn()
			}
			return
		case <-s.wake:
			for fn := s.next(); fn != nil; fn = s.next() {
				fn()
			}
		}
	}
}

func (s *Serial) next() func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	fn := s.pending[0]
	s.pending = s.pending[1:]
	return fn
}

func (s *Serial) Execute(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.pending = append(s.pending, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}
