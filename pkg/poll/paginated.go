package poll

import (
	"context"
	"time"

	"github.com/sour-is/potato/internal/lg"
	"github.com/sour-is/potato/pkg/math"
	"github.com/sour-is/potato/pkg/storage"
)

const (
	DefaultLimit           = 30
	PaginatedRefreshPeriod = 5 * time.Minute
)

// Paginated merges pages of a feed sorted by cmp. New items go to the head of
// the list, old items to the tail. When an old page would overflow the storage
// the middle of the list is dropped first.
type Paginated[T storage.Identifiable] struct {
	cmp   func(a, b T) int
	limit int
}

var _ Appender[storage.Identifiable] = (*Paginated[storage.Identifiable])(nil)

// NewPaginated pages by limit items, DefaultLimit when limit is below one.
func NewPaginated[T storage.Identifiable](cmp func(a, b T) int, limit int) *Paginated[T] {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &Paginated[T]{cmp: cmp, limit: limit}
}

// NewPaginatedPoll attaches a Paginated merge to list and returns a poll over
// it refreshing every five minutes unless opts say otherwise.
func NewPaginatedPoll[T storage.Identifiable](ctx context.Context, list *storage.List[T], source Source[T], cmp func(a, b T) int, limit int, opts ...Option) (*Poll[T], error) {
	pg := NewPaginated(cmp, limit)
	pg.Attach(list)

	opts = append([]Option{WithRefreshPeriod(PaginatedRefreshPeriod)}, opts...)
	return New[T](ctx, list, source, pg, opts...)
}

func (pg *Paginated[T]) Limit() int { return pg.limit }

// Attach turns on dedupe and sorting for list.
func (pg *Paginated[T]) Attach(list *storage.List[T]) {
	list.EnableDedupe(true)
	if pg.cmp != nil {
		list.EnableSort(pg.cmp)
	}
}

// Offset is the position the next old page starts at.
func (pg *Paginated[T]) Offset(list *storage.List[T]) int {
	return math.Max(list.Size(), pg.limit)
}

func (pg *Paginated[T]) OkToSave(p *Poll[T]) bool {
	return !p.List().Empty()
}

func (pg *Paginated[T]) AppendNewItems(ctx context.Context, p *Poll[T], items []T, cleanUp bool) (int, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	list := p.List()
	n := netNew(list, items)

	list.Publish(storage.NewAction(storage.ActionWillChange))

	tx := list.Transaction()
	if cleanUp {
		tx.Clear()
		p.SetExhausted(false)
	}
	tx.InsertAll(0, items...)
	tx.CommitWith(storage.NewAction(storage.ActionAddUpFront))

	return n, nil
}

func (pg *Paginated[T]) AppendOldItems(ctx context.Context, p *Poll[T], items []T) (int, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	list := p.List()
	s := list.Storage()
	n := netNew(list, items)

	if n == 0 {
		p.SetExhausted(true)
		return 0, nil
	}

	list.Publish(storage.NewAction(storage.ActionWillChange))

	if n+s.CurrentSize() > s.MaxSize() {
		tx := list.Transaction()
		gap := tx.MakeGap(pg.limit)
		tx.AddAll(items...)
		tx.CommitWith(storage.NewAction(storage.ActionAddAll).With(storage.ParamGap, storage.Int(gap)))
		s.Sweep()

		return n, nil
	}

	list.AddAll(items...)
	return n, nil
}

func netNew[T storage.Identifiable](list *storage.List[T], items []T) int {
	seen := make(map[string]struct{}, len(items))
	n := 0
	for _, item := range items {
		id := item.ID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if list.IndexOfID(id) < 0 {
			n++
		}
	}
	return n
}
