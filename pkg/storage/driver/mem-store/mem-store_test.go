package memstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/matryer/is"

	"github.com/sour-is/potato/pkg/storage"
	"github.com/sour-is/potato/pkg/storage/driver"
	memstore "github.com/sour-is/potato/pkg/storage/driver/mem-store"
)

func TestMemStore(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	memstore.Init(ctx)

	d, err := storage.Open(ctx, "mem:")
	is.NoErr(err)

	key := driver.Key{Class: "photo", Version: "1", List: "feed"}

	_, err = d.Load(ctx, key)
	is.True(errors.Is(err, driver.ErrNotFound))

	s := &driver.Snapshot{
		Key:   key,
		IDs:   []string{"a"},
		Items: map[string][]byte{"a": []byte("A")},
	}
	is.NoErr(d.Save(ctx, s))

	// stored copy is independent of the caller
	s.Items["a"][0] = 'Z'

	got, err := d.Load(ctx, key)
	is.NoErr(err)
	is.Equal(got.IDs, []string{"a"})
	is.Equal(string(got.Items["a"]), "A")

	old := driver.Key{Class: "photo", Version: "0", List: "feed"}
	is.NoErr(d.Save(ctx, &driver.Snapshot{Key: old}))

	is.NoErr(d.Purge(ctx, "photo", "1"))

	_, err = d.Load(ctx, old)
	is.True(errors.Is(err, driver.ErrNotFound))
	_, err = d.Load(ctx, key)
	is.NoErr(err)
}
