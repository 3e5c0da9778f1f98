package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sour-is/potato/internal/lg"
	"github.com/sour-is/potato/pkg/storage/driver"
)

// TransportLayer persists lists. Both calls report success and never panic on
// backend faults.
type TransportLayer[T Identifiable] interface {
	SaveSync(ctx context.Context, l *List[T], limit int) bool
	LoadSync(ctx context.Context, l *List[T]) bool
}

// Transport stores lists through a byte level driver.
type Transport[T Identifiable] struct {
	driver driver.Driver
	codec  Codec[T]
}

var _ TransportLayer[Identifiable] = (*Transport[Identifiable])(nil)

// NewTransport uses codec to encode items, JSON when nil.
func NewTransport[T Identifiable](d driver.Driver, codec Codec[T]) *Transport[T] {
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	return &Transport[T]{driver: d, codec: codec}
}

func (t *Transport[T]) Driver() driver.Driver { return t.driver }

// Key returns the persistence key of l.
func Key[T Identifiable](l *List[T]) driver.Key {
	s := l.Storage()
	return driver.Key{Class: s.Class(), Version: s.Version(), List: l.Name()}
}

// SaveSync writes the first limit items of l that are present in the cache
// along with the list metadata. A limit below one saves every item.
func (t *Transport[T]) SaveSync(ctx context.Context, l *List[T], limit int) bool {
	ctx, span := lg.Span(ctx)
	defer span.End()

	key := Key(l)
	span.SetAttributes(attribute.String("key", key.String()))

	err := t.save(ctx, key, l, limit)
	if err != nil {
		span.RecordError(err)
		log.Printf("%s: save: %v", key, err)
		return false
	}
	return true
}

func (t *Transport[T]) save(ctx context.Context, key driver.Key, l *List[T], limit int) error {
	items := l.ToSlice(limit)

	s := &driver.Snapshot{
		Key:   key,
		IDs:   make([]string, 0, len(items)),
		Items: make(map[string][]byte, len(items)),
	}

	for _, item := range items {
		id := item.ID()
		b, err := t.codec.Encode(item)
		if err != nil {
			return fmt.Errorf("encode %s: %w", id, err)
		}
		s.IDs = append(s.IDs, id)
		s.Items[id] = b
	}

	var err error
	s.Meta, err = json.Marshal(l.MetaAll())
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	return t.driver.Save(ctx, s)
}

// LoadSync appends the persisted items to l. Items already in the cache win
// over their persisted copy. When nothing is stored for the current version
// the class data of other versions is purged. l receives loaded whether or
// not the load succeeded.
func (t *Transport[T]) LoadSync(ctx context.Context, l *List[T]) bool {
	ctx, span := lg.Span(ctx)
	defer span.End()

	key := Key(l)
	span.SetAttributes(attribute.String("key", key.String()))

	s, err := t.driver.Load(ctx, key)
	if errors.Is(err, driver.ErrNotFound) {
		if perr := t.driver.Purge(ctx, key.Class, key.Version); perr != nil {
			span.RecordError(perr)
			log.Printf("%s: purge: %v", key, perr)
		}
	}
	if err != nil {
		return t.loadFailed(span, key, l, err)
	}

	meta := make(map[string]Param)
	if len(s.Meta) > 0 {
		if err := json.Unmarshal(s.Meta, &meta); err != nil {
			return t.loadFailed(span, key, l, fmt.Errorf("decode meta: %w", err))
		}
	}

	store := l.Storage()
	items := make([]T, 0, len(s.IDs))
	for _, id := range s.IDs {
		if item, ok := store.Get(id); ok {
			items = append(items, item)
			continue
		}

		b, ok := s.Items[id]
		if !ok {
			continue
		}
		item, err := t.codec.Decode(b)
		if err != nil {
			span.RecordError(err)
			log.Printf("%s: decode %s: %v", key, id, err)
			continue
		}
		items = append(items, item)
	}

	tx := l.Transaction()
	tx.SetMetaAll(meta)
	tx.AddAll(items...)
	tx.CommitWith(NewAction(ActionLoaded).With(ParamCount, Int(len(items))))

	return true
}

func (t *Transport[T]) loadFailed(span trace.Span, key driver.Key, l *List[T], err error) bool {
	if !errors.Is(err, driver.ErrNotFound) {
		span.RecordError(err)
		log.Printf("%s: load: %v", key, err)
	}
	l.Publish(NewAction(ActionLoaded))
	return false
}
