package poll_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/sour-is/potato/pkg/poll"
	"github.com/sour-is/potato/pkg/storage"
)

type post struct {
	PostID string
}

func (p *post) ID() string { return p.PostID }

func byID(a, b *post) int { return strings.Compare(a.PostID, b.PostID) }

func posts(ids string) []*post {
	var lis []*post
	for _, id := range strings.Fields(ids) {
		lis = append(lis, &post{PostID: id})
	}
	return lis
}

func newList(t *testing.T, opts ...storage.Option) *storage.List[*post] {
	t.Helper()

	s, err := storage.New[*post](context.Background(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return s.ObtainList("feed")
}

type mockSource struct {
	onNew func(context.Context) ([]*post, error)
	onOld func(context.Context) ([]*post, error)
}

func (m *mockSource) NewItems(ctx context.Context) ([]*post, error) { return m.onNew(ctx) }
func (m *mockSource) OldItems(ctx context.Context) ([]*post, error) { return m.onOld(ctx) }

type result struct {
	n   int
	err error
}

type waiter struct {
	poll.ListenerFuncs

	started   atomic.Int32
	already   atomic.Int32
	exhausted atomic.Int32
	states    chan poll.State
	done      chan result
}

func newWaiter() *waiter {
	w := &waiter{
		states: make(chan poll.State, 8),
		done:   make(chan result, 8),
	}
	w.ListenerFuncs = poll.ListenerFuncs{
		Start:          func() { w.started.Add(1) },
		AlreadyPolling: func() { w.already.Add(1) },
		Success:        func(n int) { w.done <- result{n: n} },
		Error:          func(err error) { w.done <- result{err: err} },
		StateChanged:   func(s poll.State) { w.states <- s },
		Exhausted:      func() { w.exhausted.Add(1) },
	}
	return w
}

func (w *waiter) wait(t *testing.T) result {
	t.Helper()

	select {
	case r := <-w.done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for poll")
	}
	return result{}
}

func ids(l *storage.List[*post]) string {
	return strings.Join(l.IDs(), " ")
}

func TestPollSingleFlight(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	list := newList(t)

	var calls atomic.Int32
	release := make(chan struct{})
	src := &mockSource{
		onNew: func(ctx context.Context) ([]*post, error) {
			calls.Add(1)
			<-release
			return posts("a b"), nil
		},
	}

	p, err := poll.New[*post](ctx, list, src, poll.NewPaginated(byID, 0))
	is.NoErr(err)

	w1, w2 := newWaiter(), newWaiter()
	p.Update(ctx, w1)
	p.Update(ctx, w2)
	close(release)

	r1, r2 := w1.wait(t), w2.wait(t)
	is.NoErr(r1.err)
	is.NoErr(r2.err)
	is.Equal(r1.n, 2)
	is.Equal(r2.n, 2)

	is.Equal(calls.Load(), int32(1))
	is.Equal(w1.started.Load(), int32(1))
	is.Equal(w1.already.Load(), int32(0))
	is.Equal(w2.started.Load(), int32(0))
	is.Equal(w2.already.Load(), int32(1))

	is.Equal(ids(list), "a b")

	// the flight is over so the next update fetches again.
	w3 := newWaiter()
	p.Update(ctx, w3)
	r3 := w3.wait(t)
	is.NoErr(r3.err)
	is.Equal(r3.n, 0)
	is.Equal(calls.Load(), int32(2))
}

func TestPollSingleFlightError(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	list := newList(t)

	errFeed := errors.New("feed down")
	release := make(chan struct{})
	src := &mockSource{
		onNew: func(ctx context.Context) ([]*post, error) {
			<-release
			return nil, errFeed
		},
	}

	p, err := poll.New[*post](ctx, list, src, poll.NewPaginated(byID, 0))
	is.NoErr(err)

	w1, w2 := newWaiter(), newWaiter()
	p.Update(ctx, w1)
	p.Update(ctx, w2)
	close(release)

	r1, r2 := w1.wait(t), w2.wait(t)
	is.True(errors.Is(r1.err, errFeed))
	is.True(errors.Is(r2.err, errFeed))
	is.True(strings.HasPrefix(r1.err.Error(), "poll update: "))

	is.True(list.Empty())
	is.True(p.LastTimeUpdated().IsZero())
}

func TestPollState(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	list := newList(t)

	var next []*post
	var fail error
	src := &mockSource{
		onNew: func(ctx context.Context) ([]*post, error) { return next, fail },
	}

	p, err := poll.New[*post](ctx, list, src, poll.NewPaginated(byID, 0))
	is.NoErr(err)
	is.Equal(p.State(), poll.StateUnknown)

	fail = errors.New("offline")
	w := newWaiter()
	p.Update(ctx, w)
	is.True(w.wait(t).err != nil)
	is.Equal(<-w.states, poll.StateError)
	is.Equal(p.State(), poll.StateError)

	fail = nil
	w = newWaiter()
	p.Update(ctx, w)
	is.NoErr(w.wait(t).err)
	is.Equal(<-w.states, poll.StateNoContent)
	is.Equal(p.State(), poll.StateNoContent)

	next = posts("a")
	w = newWaiter()
	p.Update(ctx, w)
	is.Equal(w.wait(t).n, 1)
	is.Equal(<-w.states, poll.StateOK)

	// a failure with content keeps the list and reports ok.
	fail = errors.New("offline")
	w = newWaiter()
	p.Update(ctx, w)
	is.True(w.wait(t).err != nil)
	is.Equal(len(w.states), 0)
	is.Equal(p.State(), poll.StateOK)
	is.Equal(ids(list), "a")
}

func TestPollExhausted(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	list := newList(t)
	list.AddAll(posts("a b")...)

	var calls atomic.Int32
	src := &mockSource{
		onOld: func(ctx context.Context) ([]*post, error) {
			calls.Add(1)
			if calls.Load() == 1 {
				return posts("c d"), nil
			}
			return posts("d"), nil
		},
	}

	p, err := poll.New[*post](ctx, list, src, poll.NewPaginated(byID, 0))
	is.NoErr(err)

	w := newWaiter()
	p.FetchMore(ctx, w)
	is.Equal(w.wait(t).n, 2)
	is.True(!p.Exhausted())
	is.Equal(ids(list), "a b c d")

	w = newWaiter()
	p.FetchMore(ctx, w)
	is.Equal(w.wait(t).n, 0)
	is.True(p.Exhausted())

	w = newWaiter()
	p.FetchMore(ctx, w)
	is.Equal(w.exhausted.Load(), int32(1))
	is.Equal(w.started.Load(), int32(0))
	is.Equal(len(w.done), 0)
	is.Equal(calls.Load(), int32(2))
}

func TestPollPanic(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	list := newList(t)
	list.AddAll(posts("a")...)

	src := &mockSource{
		onNew: func(ctx context.Context) ([]*post, error) { panic("boom") },
	}

	p, err := poll.New[*post](ctx, list, src, poll.NewPaginated(byID, 0))
	is.NoErr(err)

	w := newWaiter()
	p.Update(ctx, w)
	r := w.wait(t)
	is.True(errors.Is(r.err, poll.ErrFetchPanic))
	is.Equal(ids(list), "a")
}

func TestPollUpdateIfNecessary(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	list := newList(t)

	var calls atomic.Int32
	src := &mockSource{
		onNew: func(ctx context.Context) ([]*post, error) {
			calls.Add(1)
			return posts(fmt.Sprint("p", calls.Load())), nil
		},
	}

	now := time.Date(2022, 8, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	p, err := poll.NewPaginatedPoll[*post](ctx, list, src, byID, 0, poll.WithClock(clock))
	is.NoErr(err)
	is.True(p.ShouldUpdate())

	w := newWaiter()
	p.UpdateIfNecessary(ctx, w)
	is.NoErr(w.wait(t).err)
	is.Equal(p.LastTimeUpdated(), now)
	is.True(!p.ShouldUpdate())

	advance(4 * time.Minute)
	w = newWaiter()
	p.UpdateIfNecessary(ctx, w)
	is.Equal(w.started.Load(), int32(0))
	is.Equal(calls.Load(), int32(1))

	advance(2 * time.Minute)
	w = newWaiter()
	p.UpdateIfNecessary(ctx, w)
	is.Equal(w.wait(t).n, 1)
	is.Equal(calls.Load(), int32(2))

	p.ResetLastTimeUpdated()
	is.True(p.ShouldUpdate())
}

func TestPollRefresh(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	list := newList(t)
	list.AddAll(posts("a b")...)

	src := &mockSource{
		onNew: func(ctx context.Context) ([]*post, error) { return posts("c"), nil },
	}

	p, err := poll.New[*post](ctx, list, src, poll.NewPaginated(byID, 0))
	is.NoErr(err)
	p.SetExhausted(true)

	w := newWaiter()
	p.Refresh(ctx, w)
	is.Equal(w.wait(t).n, 1)
	is.Equal(ids(list), "c")
	is.True(!p.Exhausted())
}

func TestPollSerialExecutor(t *testing.T) {
	is := is.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	list := newList(t)

	src := &mockSource{
		onNew: func(ctx context.Context) ([]*post, error) { return posts("a"), nil },
		onOld: func(ctx context.Context) ([]*post, error) { return posts("b"), nil },
	}

	exec := poll.NewSerial(ctx)
	p, err := poll.New[*post](ctx, list, src, poll.NewPaginated(byID, 0), poll.WithExecutor(exec))
	is.NoErr(err)

	w1, w2 := newWaiter(), newWaiter()
	p.Update(ctx, w1)
	p.FetchMore(ctx, w2)
	is.NoErr(w1.wait(t).err)
	is.NoErr(w2.wait(t).err)
	is.Equal(ids(list), "a b")

	cancel()

	var ran atomic.Bool
	exec.Execute(func() { ran.Store(true) })
	deadline := time.Now().Add(5 * time.Second)
	for !ran.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	is.True(ran.Load())
}

func TestPollMessages(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	list := newList(t)
	p, err := poll.New[*post](ctx, list, &mockSource{}, poll.NewPaginated(byID, 0))
	is.NoErr(err)

	is.Equal(p.SuccessMessage(0), "no new items")
	is.Equal(p.SuccessMessage(1), "1 new item")
	is.Equal(p.SuccessMessage(7), "7 new items")

	is.True(!p.OkToSave())
	list.Add(&post{PostID: "a"})
	is.True(p.OkToSave())
	is.Equal(p.State(), poll.StateOK)
	is.Equal(p.State().String(), "ok")
}

func TestPollCanceled(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	list := newList(t)
	p, err := poll.New[*post](context.Background(), list, &mockSource{}, poll.NewPaginated(byID, 0))
	is.NoErr(err)

	w := newWaiter()
	p.Update(ctx, w)
	r := w.wait(t)
	is.True(errors.Is(r.err, context.Canceled))
	is.Equal(w.started.Load(), int32(0))
}
