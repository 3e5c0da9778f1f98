package storage

import (
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sour-is/potato/pkg/math"
	"github.com/sour-is/potato/pkg/set"
)

// Query selects items for FilterSelf and Filter.
type Query[T any] interface {
	Eval(T) bool
}

type QueryFunc[T any] func(T) bool

func (fn QueryFunc[T]) Eval(t T) bool { return fn(t) }

// List is a named ordered sequence of item ids backed by a Storage.
//
// Readers see an immutable snapshot of the ids. Writers serialize on the list
// and publish a new snapshot together with the items they store.
type List[T Identifiable] struct {
	name    string
	storage *Storage[T]
	subs    *Subscribers
	parent  *List[T]

	mu       sync.Mutex
	ids      atomic.Pointer[[]string]
	dedupe   bool
	cmp      func(a, b T) int
	trimSize int
	meta     map[string]Param

	holders atomic.Int32
	retains atomic.Int32

	out outbox
}

func newList[T Identifiable](s *Storage[T], name string) *List[T] {
	l := &List[T]{
		name:     name,
		storage:  s,
		subs:     NewSubscribers(),
		trimSize: s.trimSize,
		meta:     make(map[string]Param),
	}
	l.ids.Store(&[]string{})
	return l
}

func (l *List[T]) Name() string              { return l.name }
func (l *List[T]) Storage() *Storage[T]      { return l.storage }
func (l *List[T]) Subscribers() *Subscribers { return l.subs }

func (l *List[T]) snapshot() []string {
	if p := l.ids.Load(); p != nil {
		return *p
	}
	return nil
}

// update runs fn on a private copy of the ids and publishes the result
// together with items in a single step. The action fn returns is queued in
// that same step, so subscribers see actions in commit order. A zero Action
// is not delivered.
func (l *List[T]) update(items []T, fn func(ids []string) ([]string, Action)) {
	drain := func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()

		next, a := fn(slices.Clone(l.snapshot()))
		l.publishLocked(items, next)
		return a.Name != "" && l.out.push(a)
	}()
	if drain {
		l.out.drain(l.subs)
	}
}

// publishLocked stores items and next. l.mu must be held.
func (l *List[T]) publishLocked(items []T, next []string) {
	s := l.storage

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		s.cache[item.ID()] = item
	}
	if l.cmp != nil {
		sortIDs(next, s.cache, l.cmp)
	}
	l.ids.Store(&next)
}

func sortIDs[T Identifiable](ids []string, cache map[string]T, cmp func(a, b T) int) {
	slices.SortStableFunc(ids, func(a, b string) int {
		ta, oka := cache[a]
		tb, okb := cache[b]
		switch {
		case oka && okb:
			return cmp(ta, tb)
		case oka:
			return -1
		case okb:
			return 1
		}
		return 0
	})
}

func validItems[T Identifiable](items []T) ([]T, []string) {
	lis := make([]T, 0, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if isNil(item) {
			continue
		}
		lis = append(lis, item)
		ids = append(ids, item.ID())
	}
	return lis, ids
}

// Add appends item unless dedupe is on and its id is already present.
func (l *List[T]) Add(item T) bool {
	return l.Insert(-1, item)
}

// Insert places item at index. An index out of range appends.
func (l *List[T]) Insert(index int, item T) bool {
	if isNil(item) {
		return false
	}
	id := item.ID()

	l.update([]T{item}, func(ids []string) ([]string, Action) {
		if l.dedupe && slices.Contains(ids, id) {
			return ids, NewAction(ActionAdd)
		}
		if index < 0 || index > len(ids) {
			index = len(ids)
		}
		return slices.Insert(ids, index, id), NewAction(ActionAdd)
	})

	return true
}

// AddAll appends items. With dedupe on, ids already present keep their place.
func (l *List[T]) AddAll(items ...T) {
	items, batch := validItems(items)

	l.update(items, func(ids []string) ([]string, Action) {
		for _, id := range batch {
			if l.dedupe && slices.Contains(ids, id) {
				continue
			}
			ids = append(ids, id)
		}
		return ids, NewAction(ActionAddAll)
	})
}

// InsertAll places items at index. With dedupe on, ids already present move
// to the insertion point and duplicates inside items collapse to the first.
func (l *List[T]) InsertAll(index int, items ...T) {
	items, batch := validItems(items)

	l.update(items, func(ids []string) ([]string, Action) {
		insert := make([]string, 0, len(batch))
		if l.dedupe {
			seen := set.New[string]()
			for _, id := range batch {
				if i := slices.Index(ids, id); i >= 0 {
					ids = slices.Delete(ids, i, i+1)
				}
				if !seen.Has(id) {
					seen.Add(id)
					insert = append(insert, id)
				}
			}
		} else {
			insert = append(insert, batch...)
		}

		index = math.Clamp(0, index, len(ids))
		return slices.Insert(ids, index, insert...), NewAction(ActionAddAll)
	})
}

// AddUpFront places the ids not already present at the head of the list and
// fires addUpFront carrying params.
func (l *List[T]) AddUpFront(items []T, params map[string]Param) {
	items, batch := validItems(items)

	l.update(items, func(ids []string) ([]string, Action) {
		front := make([]string, 0, len(batch))
		for _, id := range batch {
			if l.dedupe && (slices.Contains(ids, id) || slices.Contains(front, id)) {
				continue
			}
			front = append(front, id)
		}
		return append(front, ids...), NewAction(ActionAddUpFront).WithAll(params)
	})
}

// Remove drops the first occurrence of item. Only an actual removal notifies.
func (l *List[T]) Remove(item T) bool {
	if isNil(item) {
		return false
	}
	_, ok := l.RemoveByID(item.ID())
	return ok
}

func (l *List[T]) RemoveAt(index int) (T, bool) {
	var id string
	l.update(nil, func(ids []string) ([]string, Action) {
		if index < 0 || index >= len(ids) {
			return ids, Action{}
		}
		id = ids[index]
		return slices.Delete(ids, index, index+1), NewAction(ActionRemove)
	})
	if id == "" {
		var zero T
		return zero, false
	}

	item, _ := l.storage.Get(id)
	return item, true
}

func (l *List[T]) RemoveByID(id string) (T, bool) {
	removed := false
	l.update(nil, func(ids []string) ([]string, Action) {
		if i := slices.Index(ids, id); i >= 0 {
			removed = true
			return slices.Delete(ids, i, i+1), NewAction(ActionRemove)
		}
		return ids, Action{}
	})
	if !removed {
		var zero T
		return zero, false
	}

	item, _ := l.storage.Get(id)
	return item, true
}

// removeEvery drops all occurrences of id.
func (l *List[T]) removeEvery(id string) {
	l.update(nil, func(ids []string) ([]string, Action) {
		n := len(ids)
		ids = slices.DeleteFunc(ids, func(s string) bool { return s == id })
		if len(ids) == n {
			return ids, Action{}
		}
		return ids, NewAction(ActionRemove).With(ParamObjectID, String(id))
	})
}

// RemoveAll drops every occurrence of the given items.
func (l *List[T]) RemoveAll(items ...T) bool {
	_, batch := validItems(items)
	drop := set.New(batch...)

	changed := false
	l.update(nil, func(ids []string) ([]string, Action) {
		n := len(ids)
		ids = slices.DeleteFunc(ids, drop.Has)
		changed = len(ids) != n
		return ids, NewAction(ActionRemoveAll)
	})

	return changed
}

// RetainAll keeps only ids of the given items.
func (l *List[T]) RetainAll(items ...T) bool {
	_, batch := validItems(items)
	keep := set.New(batch...)

	changed := false
	l.update(nil, func(ids []string) ([]string, Action) {
		n := len(ids)
		ids = slices.DeleteFunc(ids, func(id string) bool { return !keep.Has(id) })
		changed = len(ids) != n
		return ids, NewAction(ActionRetainAll)
	})

	return changed
}

func (l *List[T]) Clear() {
	l.update(nil, func([]string) ([]string, Action) {
		return []string{}, NewAction(ActionClear)
	})
}

// Set replaces the item at index and returns the previous one. It does not notify.
func (l *List[T]) Set(index int, item T) (T, bool) {
	var prev string
	if isNil(item) {
		var zero T
		return zero, false
	}

	l.update([]T{item}, func(ids []string) ([]string, Action) {
		if index < 0 || index >= len(ids) {
			return ids, Action{}
		}
		prev = ids[index]
		ids[index] = item.ID()
		return ids, Action{}
	})

	return l.storage.Get(prev)
}

func (l *List[T]) Size() int   { return len(l.snapshot()) }
func (l *List[T]) Empty() bool { return l.Size() == 0 }

// IDs returns a copy of the current ids.
func (l *List[T]) IDs() []string { return slices.Clone(l.snapshot()) }

func (l *List[T]) Get(index int) (T, bool) {
	id := l.IDForPosition(index)
	if id == "" {
		var zero T
		return zero, false
	}
	return l.storage.Get(id)
}

func (l *List[T]) GetByID(id string) (T, bool) {
	if !slices.Contains(l.snapshot(), id) {
		var zero T
		return zero, false
	}
	return l.storage.Get(id)
}

// IDForPosition returns the id at index or empty when out of range.
func (l *List[T]) IDForPosition(index int) string {
	ids := l.snapshot()
	if index < 0 || index >= len(ids) {
		return ""
	}
	return ids[index]
}

func (l *List[T]) IndexOfID(id string) int {
	return slices.Index(l.snapshot(), id)
}

func (l *List[T]) IndexOf(item T) int {
	if isNil(item) {
		return -1
	}
	return l.IndexOfID(item.ID())
}

func (l *List[T]) LastIndexOf(item T) int {
	if isNil(item) {
		return -1
	}
	ids := l.snapshot()
	id := item.ID()
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == id {
			return i
		}
	}
	return -1
}

func (l *List[T]) Contains(item T) bool {
	return l.IndexOf(item) >= 0
}

func (l *List[T]) ContainsAll(items ...T) bool {
	have := set.New(l.snapshot()...)
	for _, item := range items {
		if isNil(item) || !have.Has(item.ID()) {
			return false
		}
	}
	return true
}

func (l *List[T]) LastID() string {
	ids := l.snapshot()
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

// All iterates the items present in the cache, yielding their position.
func (l *List[T]) All() iter.Seq2[int, T] {
	ids := l.snapshot()
	return func(yield func(int, T) bool) {
		for i, id := range ids {
			item, ok := l.storage.Get(id)
			if !ok {
				continue
			}
			if !yield(i, item) {
				return
			}
		}
	}
}

func (l *List[T]) Items() []T {
	return l.ToSlice(0)
}

// ToSlice returns up to limit items present in the cache in list order. A
// limit below one returns all of them.
func (l *List[T]) ToSlice(limit int) []T {
	ids := l.snapshot()

	s := l.storage
	s.mu.RLock()
	defer s.mu.RUnlock()

	lis := make([]T, 0, len(ids))
	for _, id := range ids {
		if limit > 0 && len(lis) >= limit {
			break
		}
		if item, ok := s.cache[id]; ok {
			lis = append(lis, item)
		}
	}
	return lis
}

// Trim keeps the first size ids.
func (l *List[T]) Trim(size int) {
	l.update(nil, func(ids []string) ([]string, Action) {
		return ids[:math.Clamp(0, size, len(ids))], NewAction(ActionTrim)
	})
}

// TrimAtEnd keeps the last size ids and returns how many were dropped.
func (l *List[T]) TrimAtEnd(size int) int {
	removed := 0
	l.update(nil, func(ids []string) ([]string, Action) {
		keep := math.Clamp(0, size, len(ids))
		removed = len(ids) - keep
		return ids[removed:], NewAction(ActionTrimAtEnd)
	})

	return removed
}

// MakeGap keeps size ids at each end and drops the middle. It returns the
// number of ids dropped and does not notify.
func (l *List[T]) MakeGap(size int) int {
	gap := 0
	l.update(nil, func(ids []string) ([]string, Action) {
		size = math.Max(size, 0)
		gap = len(ids) - 2*size
		if gap <= 0 {
			gap = 0
			return ids, Action{}
		}
		return slices.Delete(ids, size, len(ids)-size), Action{}
	})
	return gap
}

// EnableDedupe switches duplicate suppression. Turning it on collapses ids
// already duplicated to their first occurrence.
func (l *List[T]) EnableDedupe(dedupe bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.dedupe = dedupe
	if !dedupe {
		return
	}

	ids := l.snapshot()
	seen := set.New[string]()
	next := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen.Has(id) {
			seen.Add(id)
			next = append(next, id)
		}
	}
	l.publishLocked(nil, next)
}

func (l *List[T]) Dedupe() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dedupe
}

// EnableSort keeps the list ordered by cmp after every change. A nil cmp
// disables sorting.
func (l *List[T]) EnableSort(cmp func(a, b T) int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cmp = cmp
	l.publishLocked(nil, slices.Clone(l.snapshot()))
}

// SortSelf orders the list once by cmp.
func (l *List[T]) SortSelf(cmp func(a, b T) int) {
	if cmp == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.storage
	next := slices.Clone(l.snapshot())

	s.mu.Lock()
	defer s.mu.Unlock()

	sortIDs(next, s.cache, cmp)
	l.ids.Store(&next)
}

func (l *List[T]) SetTrimSize(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trimSize = n
}

func (l *List[T]) TrimSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trimSize
}

// FilterSelf keeps only items matching q and fires reloadQuery.
func (l *List[T]) FilterSelf(q Query[T]) *List[T] {
	if q == nil {
		return l
	}

	s := l.storage
	l.update(nil, func(ids []string) ([]string, Action) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		next := ids[:0]
		for _, id := range ids {
			if item, ok := s.cache[id]; ok && q.Eval(item) {
				next = append(next, id)
			}
		}
		return next, NewAction(ActionReloadQuery)
	})

	return l
}

// Filter returns a transaction holding the items matching q. Like any
// transaction it stays registered with the storage and keeps its items from
// being swept until Commit or EndTransaction is called on it.
func (l *List[T]) Filter(q Query[T]) *List[T] {
	return l.Transaction().FilterSelf(q)
}

func (l *List[T]) SetMeta(key string, value Param) *List[T] {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.meta[key] = value
	return l
}

// SetMetaAll merges meta into the list metadata.
func (l *List[T]) SetMetaAll(meta map[string]Param) *List[T] {
	l.mu.Lock()
	defer l.mu.Unlock()

	maps.Copy(l.meta, meta)
	return l
}

func (l *List[T]) Meta(key string) (Param, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.meta[key]
	return p, ok
}

func (l *List[T]) MetaAll() map[string]Param {
	l.mu.Lock()
	defer l.mu.Unlock()

	return maps.Clone(l.meta)
}

func (l *List[T]) Subscribe(sub Subscription)   { l.subs.Add(sub) }
func (l *List[T]) Unsubscribe(sub Subscription) { l.subs.Remove(sub) }
func (l *List[T]) UnsubscribeAll()              { l.subs.RemoveAll() }

// Publish delivers a to the list subscribers as is, after any action
// already queued.
func (l *List[T]) Publish(a Action) {
	if l.out.push(a) {
		l.out.drain(l.subs)
	}
}

// Mute stops notifications until Unmute.
func (l *List[T]) Mute()   { l.subs.Mute() }
func (l *List[T]) Unmute() { l.subs.Unmute() }

// EnsureConsistence clears the list when it references an id missing from
// the cache. It reports whether the list was consistent.
func (l *List[T]) EnsureConsistence() bool {
	s := l.storage
	s.mu.RLock()
	missing := false
	for _, id := range l.snapshot() {
		if _, ok := s.cache[id]; !ok {
			missing = true
			break
		}
	}
	s.mu.RUnlock()

	if missing {
		l.Clear()
	}
	return !missing
}

// Retain keeps the list and its items alive while not held.
func (l *List[T]) Retain() { l.retains.Add(1) }

func (l *List[T]) Recycle() { decrement(&l.retains) }

func (l *List[T]) RetainCount() int { return int(l.retains.Load()) }

// Release drops the handle given out by ObtainList.
func (l *List[T]) Release() { decrement(&l.holders) }

func (l *List[T]) reachable() bool {
	return l.holders.Load() > 0 || l.retains.Load() > 0
}

func decrement(n *atomic.Int32) {
	for {
		v := n.Load()
		if v <= 0 || n.CompareAndSwap(v, v-1) {
			return
		}
	}
}
