package poll_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/matryer/is"

	"github.com/sour-is/potato/pkg/poll"
	"github.com/sour-is/potato/pkg/storage"
)

type actions struct {
	mu  sync.Mutex
	lis []storage.Action
}

func (a *actions) OnUpdate(act storage.Action) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lis = append(a.lis, act)
}

func (a *actions) names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, len(a.lis))
	for i, act := range a.lis {
		names[i] = act.Name
	}
	return names
}

func (a *actions) last() storage.Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lis[len(a.lis)-1]
}

func numbered(from, to int) []*post {
	var lis []*post
	for i := from; i < to; i++ {
		lis = append(lis, &post{PostID: fmt.Sprintf("%03d", i)})
	}
	return lis
}

func TestPaginatedSortedInsert(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	list := newList(t)

	var next []*post
	src := &mockSource{
		onNew: func(ctx context.Context) ([]*post, error) { return next, nil },
	}

	pg := poll.NewPaginated(byID, 0)
	pg.Attach(list)

	p, err := poll.New[*post](ctx, list, src, pg)
	is.NoErr(err)

	for _, id := range []string{"F", "G", "A", "B", "H", "D"} {
		next = posts(id)
		w := newWaiter()
		p.Update(ctx, w)
		is.Equal(w.wait(t).n, 1)
	}

	is.Equal(ids(list), "A B D F G H")
}

func TestPaginatedNewItems(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	list := newList(t)
	rec := &actions{}
	list.Subscribe(rec)

	src := &mockSource{
		onNew: func(ctx context.Context) ([]*post, error) { return posts("b c c d"), nil },
	}

	p, err := poll.NewPaginatedPoll[*post](ctx, list, src, nil, 0)
	is.NoErr(err)

	list.AddAll(posts("a b")...)

	w := newWaiter()
	p.Update(ctx, w)
	is.Equal(w.wait(t).n, 2)

	// unsorted lists keep the fetched order at the head.
	is.Equal(ids(list), "b c d a")
	is.Equal(rec.names(), []string{
		storage.ActionAddAll,
		storage.ActionWillChange,
		storage.ActionAddUpFront,
	})
	is.Equal(list.Storage().OpenTransactions(), 0)
}

func TestPaginatedCapacityGap(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	list := newList(t, storage.WithCapacity(100))
	list.AddAll(numbered(0, 95)...)
	is.Equal(list.Storage().CurrentSize(), 95)

	rec := &actions{}
	list.Subscribe(rec)

	src := &mockSource{
		onOld: func(ctx context.Context) ([]*post, error) { return numbered(95, 105), nil },
	}

	pg := poll.NewPaginated(byID, 0)
	p, err := poll.New[*post](ctx, list, src, pg)
	is.NoErr(err)
	pg.Attach(list)

	w := newWaiter()
	p.FetchMore(ctx, w)
	is.Equal(w.wait(t).n, 10)

	is.True(list.Size() <= 100)
	is.Equal(list.Size(), 2*pg.Limit()+10)
	is.Equal(list.Storage().CurrentSize(), list.Size())

	is.Equal(rec.names(), []string{storage.ActionWillChange, storage.ActionAddAll})
	gap, ok := rec.last().Param(storage.ParamGap)
	is.True(ok)
	n, _ := gap.AsInt()
	is.Equal(n, 95-2*pg.Limit())

	is.Equal(list.IDForPosition(0), "000")
	is.Equal(list.IDForPosition(pg.Limit()), "065")
	is.Equal(list.LastID(), "104")
	is.True(!p.Exhausted())
}

func TestPaginatedKnownPage(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	list := newList(t)
	list.AddAll(posts("a b")...)

	rec := &actions{}
	list.Subscribe(rec)

	for _, page := range [][]*post{nil, posts("b a")} {
		src := &mockSource{
			onOld: func(ctx context.Context) ([]*post, error) { return page, nil },
		}
		p, err := poll.NewPaginatedPoll[*post](ctx, list, src, nil, 0)
		is.NoErr(err)

		w := newWaiter()
		p.FetchMore(ctx, w)
		is.Equal(w.wait(t).n, 0)
		is.True(p.Exhausted())
	}

	// a page without new ids leaves the list untouched.
	is.Equal(ids(list), "a b")
	is.Equal(len(rec.names()), 0)
}

func TestPaginatedOffset(t *testing.T) {
	is := is.New(t)

	list := newList(t)
	pg := poll.NewPaginated(byID, 10)

	is.Equal(pg.Limit(), 10)
	is.Equal(pg.Offset(list), 10)

	list.AddAll(numbered(0, 25)...)
	is.Equal(pg.Offset(list), 25)
	is.Equal(poll.NewPaginated(byID, -1).Limit(), poll.DefaultLimit)
}
