package locker

import (
	"context"

	"github.com/sour-is/potato/internal/lg"
)

// Locked guards a value with a single slot channel so waiting on it can be
// abandoned through a context.
type Locked[T any] struct {
	state chan *T
}

// New creates a new locker for the given value.
func New[T any](initial *T) *Locked[T] {
	s := &Locked[T]{}
	s.state = make(chan *T, 1)
	s.state <- initial
	return s
}

// Modify will call the function with the locked value
func (s *Locked[T]) Modify(ctx context.Context, fn func(context.Context, *T) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	ctx, span := lg.Span(ctx)
	defer span.End()

	select {
	case state := <-s.state:
		defer func() { s.state <- state }()
		err := fn(ctx, state)
		if err != nil {
			span.RecordError(err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Copy will return a shallow copy of the locked object.
func (s *Locked[T]) Copy(ctx context.Context) (T, error) {
	var t T

	err := s.Modify(ctx, func(ctx context.Context, c *T) error {
		if c != nil {
			t = *c
		}
		return nil
	})

	return t, err
}
