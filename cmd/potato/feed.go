package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sour-is/potato/internal/lg"
	"github.com/sour-is/potato/pkg/math"
	"github.com/sour-is/potato/pkg/poll"
	"github.com/sour-is/potato/pkg/storage"
)

type entry struct {
	EntryID   string    `json:"id" msgpack:"id"`
	Title     string    `json:"title" msgpack:"title"`
	Published time.Time `json:"published" msgpack:"published"`
}

func (e *entry) ID() string { return e.EntryID }

// newest orders entries by publish time, latest first.
func newest(a, b *entry) int {
	if c := b.Published.Compare(a.Published); c != 0 {
		return c
	}
	switch {
	case a.EntryID > b.EntryID:
		return -1
	case a.EntryID < b.EntryID:
		return 1
	}
	return 0
}

// remoteFeed pages a JSON feed. New items are requested with after set to the
// list head, old items with before set to the list tail.
type remoteFeed struct {
	endpoint string
	limit    int
	list     *storage.List[*entry]
	client   *http.Client
}

var _ poll.Source[*entry] = (*remoteFeed)(nil)

func newRemoteFeed(endpoint string, limit int, list *storage.List[*entry]) *remoteFeed {
	return &remoteFeed{
		endpoint: endpoint,
		limit:    limit,
		list:     list,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (f *remoteFeed) NewItems(ctx context.Context) ([]*entry, error) {
	return f.fetch(ctx, "after", f.list.IDForPosition(0))
}

func (f *remoteFeed) OldItems(ctx context.Context) ([]*entry, error) {
	return f.fetch(ctx, "before", f.list.LastID())
}

func (f *remoteFeed) fetch(ctx context.Context, dir, id string) ([]*entry, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	u, err := url.Parse(f.endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(f.limit))
	if id != "" {
		q.Set(dir, id)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := f.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		err = fmt.Errorf("feed %s: %s", u.Redacted(), res.Status)
		span.RecordError(err)
		return nil, err
	}

	var lis []*entry
	if err = json.NewDecoder(res.Body).Decode(&lis); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return lis, nil
}

// demoFeed invents entries. Each update publishes a few new ones and the
// history runs out after depth pages.
type demoFeed struct {
	limit int
	depth int

	mu      sync.Mutex
	clock   func() time.Time
	entropy *ulid.MonotonicEntropy
	oldest  time.Time
	pages   int
}

var _ poll.Source[*entry] = (*demoFeed)(nil)

func newDemoFeed(limit, depth int, clock func() time.Time) *demoFeed {
	return &demoFeed{
		limit:   limit,
		depth:   depth,
		clock:   clock,
		entropy: ulid.Monotonic(rand.Reader, 0),
		oldest:  clock(),
	}
}

func (f *demoFeed) NewItems(ctx context.Context) ([]*entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock()
	n := math.Clamp(1, int(now.Unix()%4), 3)

	lis := make([]*entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := f.entry(now.Add(time.Duration(-i) * time.Second))
		if err != nil {
			return nil, err
		}
		lis = append(lis, e)
	}
	return lis, nil
}

func (f *demoFeed) OldItems(ctx context.Context) ([]*entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pages >= f.depth {
		return nil, nil
	}
	f.pages++

	lis := make([]*entry, 0, f.limit)
	for i := 0; i < f.limit; i++ {
		f.oldest = f.oldest.Add(-time.Minute)
		e, err := f.entry(f.oldest)
		if err != nil {
			return nil, err
		}
		lis = append(lis, e)
	}
	return lis, nil
}

func (f *demoFeed) SuccessMessage(n int) string {
	return fmt.Sprintf("%d fresh potatoes", n)
}

// entry needs f.mu held.
func (f *demoFeed) entry(at time.Time) (*entry, error) {
	id, err := ulid.New(ulid.Timestamp(at), f.entropy)
	if err != nil {
		return nil, err
	}
	return &entry{
		EntryID:   id.String(),
		Title:     "potato " + id.String()[20:],
		Published: at.UTC().Truncate(time.Second),
	}, nil
}
