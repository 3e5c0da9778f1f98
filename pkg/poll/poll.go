// package poll keeps a storage list up to date from a paged remote source.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/potato/internal/lg"
	"github.com/sour-is/potato/pkg/locker"
	"github.com/sour-is/potato/pkg/storage"
)

var ErrFetchPanic = errors.New("fetch panicked")

// Source fetches pages from the remote. NewItems returns what is newer than
// the list head, OldItems the page after the list tail.
type Source[T storage.Identifiable] interface {
	NewItems(ctx context.Context) ([]T, error)
	OldItems(ctx context.Context) ([]T, error)
}

// Appender merges fetched pages into the poll list and returns the number of
// items that were new to it.
type Appender[T storage.Identifiable] interface {
	AppendNewItems(ctx context.Context, p *Poll[T], items []T, cleanUp bool) (int, error)
	AppendOldItems(ctx context.Context, p *Poll[T], items []T) (int, error)
}

type op int

const (
	opUpdate op = iota
	opFetchMore
)

func (o op) String() string {
	if o == opUpdate {
		return "update"
	}
	return "fetch more"
}

type flight struct {
	id        ulid.ULID
	op        op
	listeners []Listener
}

func (f *flight) join(l Listener) {
	if l == nil || slices.Contains(f.listeners, l) {
		return
	}
	f.listeners = append(f.listeners, l)
}

type flights map[op]*flight

// Poll runs at most one update and one fetch more at a time against a list.
type Poll[T storage.Identifiable] struct {
	list     *storage.List[T]
	source   Source[T]
	appender Appender[T]
	refresh  time.Duration
	exec     Executor
	clock    func() time.Time

	flights *locker.Locked[flights]

	mu          sync.Mutex
	state       State
	exhausted   bool
	lastUpdated time.Time

	m_fetch syncint64.Counter
	m_error syncint64.Counter
}

func New[T storage.Identifiable](ctx context.Context, list *storage.List[T], source Source[T], appender Appender[T], opts ...Option) (*Poll[T], error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	c := &config{
		refresh: DefaultRefreshPeriod,
		exec:    Inline,
		clock:   time.Now,
	}
	for _, o := range opts {
		o.Apply(c)
	}

	p := &Poll[T]{
		list:     list,
		source:   source,
		appender: appender,
		refresh:  c.refresh,
		exec:     c.exec,
		clock:    c.clock,
		flights:  locker.New(&flights{}),
	}

	m := lg.Meter(ctx)
	var err, errs error

	p.m_fetch, err = m.SyncInt64().Counter("poll_fetch")
	errs = multierr.Append(errs, err)

	p.m_error, err = m.SyncInt64().Counter("poll_error")
	errs = multierr.Append(errs, err)

	span.RecordError(errs)
	return p, errs
}

func (p *Poll[T]) List() *storage.List[T] { return p.list }

// Update fetches new items and merges them at the head of the list.
func (p *Poll[T]) Update(ctx context.Context, l Listener) {
	p.update(ctx, l, false)
}

// Refresh is Update with the list cleared before the merge.
func (p *Poll[T]) Refresh(ctx context.Context, l Listener) {
	p.update(ctx, l, true)
}

func (p *Poll[T]) update(ctx context.Context, l Listener, cleanUp bool) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	p.start(ctx, opUpdate, l,
		p.source.NewItems,
		func(ctx context.Context, items []T) (int, error) {
			return p.appender.AppendNewItems(ctx, p, items, cleanUp)
		},
	)
}

// FetchMore fetches the page after the list tail. An exhausted poll only
// notifies OnExhausted.
func (p *Poll[T]) FetchMore(ctx context.Context, l Listener) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	if p.Exhausted() {
		if l != nil {
			l.OnExhausted()
		}
		return
	}

	p.start(ctx, opFetchMore, l,
		p.source.OldItems,
		func(ctx context.Context, items []T) (int, error) {
			return p.appender.AppendOldItems(ctx, p, items)
		},
	)
}

// UpdateIfNecessary updates when the last update is older than the refresh period.
func (p *Poll[T]) UpdateIfNecessary(ctx context.Context, l Listener) {
	if p.ShouldUpdate() {
		p.Update(ctx, l)
	}
}

func (p *Poll[T]) ShouldUpdate() bool {
	return p.clock().Sub(p.LastTimeUpdated()) > p.refresh
}

// State reports OK while the list holds items, otherwise the outcome of the
// last completed update.
func (p *Poll[T]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.list != nil && !p.list.Empty() {
		p.state = StateOK
	}
	return p.state
}

func (p *Poll[T]) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

func (p *Poll[T]) SetExhausted(exhausted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exhausted = exhausted
}

func (p *Poll[T]) LastTimeUpdated() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUpdated
}

func (p *Poll[T]) ResetLastTimeUpdated() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastUpdated = time.Time{}
}

// OkToSave reports whether the list is worth persisting.
func (p *Poll[T]) OkToSave() bool {
	if a, ok := p.appender.(interface{ OkToSave(*Poll[T]) bool }); ok {
		return a.OkToSave(p)
	}
	return true
}

// SuccessMessage describes an update that brought newCount items.
func (p *Poll[T]) SuccessMessage(newCount int) string {
	if s, ok := p.source.(interface{ SuccessMessage(int) string }); ok {
		return s.SuccessMessage(newCount)
	}
	switch newCount {
	case 0:
		return "no new items"
	case 1:
		return "1 new item"
	default:
		return fmt.Sprintf("%d new items", newCount)
	}
}

type fetchFunc[T any] func(context.Context) ([]T, error)
type mergeFunc[T any] func(context.Context, []T) (int, error)

// start joins l to the flight of o or launches a new one.
func (p *Poll[T]) start(ctx context.Context, o op, l Listener, fetch fetchFunc[T], merge mergeFunc[T]) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var f *flight
	launch := false

	err := p.flights.Modify(ctx, func(ctx context.Context, fs *flights) error {
		if f = (*fs)[o]; f != nil {
			f.join(l)
			return nil
		}

		f = &flight{id: ulid.Make(), op: o}
		f.join(l)
		(*fs)[o] = f
		launch = true

		return nil
	})
	if err != nil {
		span.RecordError(err)
		if l != nil {
			l.OnError(fmt.Errorf("poll %s: %w", o, err))
		}
		return
	}

	span.SetAttributes(
		attribute.String("flight", f.id.String()),
		attribute.Bool("launch", launch),
	)

	if !launch {
		if l != nil {
			l.OnAlreadyPolling()
		}
		return
	}

	if l != nil {
		l.OnStart()
	}

	ctx, fspan := lg.Fork(ctx)
	go func() {
		defer fspan.End()
		p.run(ctx, f, fetch, merge)
	}()
}

func (p *Poll[T]) run(ctx context.Context, f *flight, fetch fetchFunc[T], merge mergeFunc[T]) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	span.SetAttributes(attribute.String("flight", f.id.String()))
	count(p.m_fetch, 1)

	items, err := guard(func() ([]T, error) { return fetch(ctx) })

	done := make(chan struct{})
	p.exec.Execute(func() {
		defer close(done)

		n := 0
		if err == nil {
			n, err = guard(func() (int, error) { return merge(ctx, items) })
		}
		if err != nil {
			err = fmt.Errorf("poll %s: %w", f.op, err)
			span.RecordError(err)
			count(p.m_error, 1)
			log.Printf("%s %s: %v", f.op, f.id, err)
		}

		p.complete(ctx, f, n, err)
	})
	<-done
}

// complete closes the flight and notifies everyone who joined it.
func (p *Poll[T]) complete(ctx context.Context, f *flight, n int, err error) {
	var listeners []Listener
	_ = p.flights.Modify(ctx, func(ctx context.Context, fs *flights) error {
		delete(*fs, f.op)
		listeners = f.listeners
		f.listeners = nil
		return nil
	})

	if f.op == opUpdate {
		if state, changed := p.settle(err); changed {
			for _, l := range listeners {
				l.OnStateChanged(state)
			}
		}
	}

	for _, l := range listeners {
		if err != nil {
			l.OnError(err)
		} else {
			l.OnSuccess(n)
		}
	}
}

// settle records the outcome of an update.
func (p *Poll[T]) settle(err error) (State, bool) {
	empty := p.list == nil || p.list.Empty()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.lastUpdated = p.clock()
	}

	prev := p.state
	switch {
	case err == nil && empty:
		p.state = StateNoContent
	case err == nil:
		p.state = StateOK
	case empty:
		p.state = StateError
	}

	return p.state, p.state != prev
}

func guard[R any](fn func() (R, error)) (r R, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%w: %v", ErrFetchPanic, v)
		}
	}()
	return fn()
}

func count(c syncint64.Counter, n int) {
	if c != nil {
		c.Add(context.Background(), int64(n))
	}
}
