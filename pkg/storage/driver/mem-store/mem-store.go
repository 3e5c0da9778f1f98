// package memstore provides a driver that keeps list snapshots in memory.
package memstore

import (
	"context"
	"maps"
	"slices"

	"github.com/sour-is/potato/internal/lg"
	"github.com/sour-is/potato/pkg/locker"
	"github.com/sour-is/potato/pkg/storage"
	"github.com/sour-is/potato/pkg/storage/driver"
)

type state struct {
	snapshots map[driver.Key]*driver.Snapshot
}

type memstore struct {
	state *locker.Locked[state]
}

func Init(ctx context.Context) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return storage.Register(ctx, "mem", &memstore{})
}

var _ driver.Driver = (*memstore)(nil)

func (memstore) Open(ctx context.Context, name string) (driver.Driver, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	s := &state{snapshots: make(map[driver.Key]*driver.Snapshot)}
	return &memstore{locker.New(s)}, nil
}

func (m *memstore) Save(ctx context.Context, s *driver.Snapshot) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	c := clone(s)
	return m.state.Modify(ctx, func(ctx context.Context, state *state) error {
		state.snapshots[c.Key] = c
		return nil
	})
}

func (m *memstore) Load(ctx context.Context, key driver.Key) (*driver.Snapshot, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var s *driver.Snapshot
	err := m.state.Modify(ctx, func(ctx context.Context, state *state) error {
		found, ok := state.snapshots[key]
		if !ok {
			return driver.ErrNotFound
		}
		s = clone(found)
		return nil
	})
	return s, err
}

func (m *memstore) Purge(ctx context.Context, class, keep string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return m.state.Modify(ctx, func(ctx context.Context, state *state) error {
		maps.DeleteFunc(state.snapshots, func(k driver.Key, _ *driver.Snapshot) bool {
			return k.Class == class && k.Version != keep
		})
		return nil
	})
}

func clone(s *driver.Snapshot) *driver.Snapshot {
	c := &driver.Snapshot{
		Key:   s.Key,
		IDs:   slices.Clone(s.IDs),
		Meta:  slices.Clone(s.Meta),
		Items: make(map[string][]byte, len(s.Items)),
	}
	for id, b := range s.Items {
		c.Items[id] = slices.Clone(b)
	}
	return c
}
