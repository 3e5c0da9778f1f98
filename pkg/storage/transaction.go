package storage

import (
	"context"
	"log"
	"maps"

	"github.com/sour-is/potato/internal/lg"
)

// Transaction returns a muted copy of the list. Changes made to it become
// visible on the list with a single notification on Commit. Until Commit or
// EndTransaction the copy keeps its items from being swept.
func (l *List[T]) Transaction() *List[T] {
	s := l.storage

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &List[T]{
		name:     l.name,
		storage:  s,
		subs:     NewSubscribers(),
		parent:   l,
		dedupe:   l.dedupe,
		cmp:      l.cmp,
		trimSize: l.trimSize,
		meta:     maps.Clone(l.meta),
	}
	tx.subs.Mute()

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := l.snapshot()
	tx.ids.Store(&ids)
	s.txs.Add(tx)

	return tx
}

// IsTransaction reports whether the list was created by Transaction.
func (l *List[T]) IsTransaction() bool { return l.parent != nil }

// Commit publishes the transaction and fires commit on the original list.
func (l *List[T]) Commit() {
	l.CommitWith(NewAction(ActionCommit))
}

// CommitWith publishes the transaction ids and metadata to the original list,
// ends the transaction and fires a on the list. Ids deleted from the storage
// while the transaction was open are not published. Committing a list that is
// not a transaction does nothing.
func (l *List[T]) CommitWith(a Action) {
	p := l.parent
	if p == nil {
		return
	}

	l.mu.Lock()
	ids := l.snapshot()
	meta := maps.Clone(l.meta)
	l.mu.Unlock()

	p.mu.Lock()
	s := p.storage
	s.mu.Lock()
	next := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.cache[id]; ok {
			next = append(next, id)
		}
	}
	p.ids.Store(&next)
	s.txs.Delete(l)
	s.mu.Unlock()
	p.meta = meta
	drain := p.out.push(a)
	p.mu.Unlock()

	if drain {
		p.out.drain(p.subs)
	}
}

// EndTransaction discards the transaction.
func (l *List[T]) EndTransaction() {
	if l.parent == nil {
		return
	}

	s := l.storage
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txs.Delete(l)
}

// OpenTransactions returns the number of transactions not yet ended.
func (s *Storage[T]) OpenTransactions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.txs)
}

// Load fills an empty list from the transport in the background.
func (l *List[T]) Load(ctx context.Context) {
	if !l.Empty() || l.storage.transport == nil {
		return
	}

	ctx, span := lg.Fork(ctx)
	go func() {
		defer span.End()

		if !l.LoadSync(ctx) {
			log.Printf("%s/%s: load failed", l.storage.class, l.name)
		}
	}()
}

// LoadSync fills the list from the transport and reports success. The list
// always receives loaded when the transport was reached.
func (l *List[T]) LoadSync(ctx context.Context) bool {
	t := l.storage.transport
	if t == nil {
		return false
	}
	return t.LoadSync(ctx, l)
}

// Save persists the list in the background using its trim size.
func (l *List[T]) Save(ctx context.Context) {
	if l.storage.transport == nil {
		return
	}

	ctx, span := lg.Fork(ctx)
	go func() {
		defer span.End()

		if !l.SaveSync(ctx) {
			log.Printf("%s/%s: save failed", l.storage.class, l.name)
		}
	}()
}

func (l *List[T]) SaveSync(ctx context.Context) bool {
	return l.SaveSyncLimit(ctx, l.TrimSize())
}

// SaveSyncLimit persists the first limit items present in the cache.
func (l *List[T]) SaveSyncLimit(ctx context.Context, limit int) bool {
	t := l.storage.transport
	if t == nil {
		return false
	}
	return t.SaveSync(ctx, l, limit)
}
