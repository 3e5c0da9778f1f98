package blobstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/matryer/is"

	"github.com/sour-is/potato/pkg/storage"
	"github.com/sour-is/potato/pkg/storage/driver"
	blobstore "github.com/sour-is/potato/pkg/storage/driver/blob-store"
)

func TestBlobStore(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	blobstore.Init(ctx)

	dir := t.TempDir()
	d, err := storage.Open(ctx, "file:"+dir)
	is.NoErr(err)
	defer d.(driver.Closer).Close()

	key := driver.Key{Class: "photo", Version: "1", List: "user/feed"}

	_, err = d.Load(ctx, key)
	is.True(errors.Is(err, driver.ErrNotFound))

	for _, ids := range [][]string{{"a"}, {"b", "a"}, {"c", "b", "a"}} {
		s := &driver.Snapshot{Key: key, IDs: ids, Items: map[string][]byte{}}
		for _, id := range ids {
			s.Items[id] = []byte(id)
		}
		is.NoErr(d.Save(ctx, s))
	}

	got, err := d.Load(ctx, key)
	is.NoErr(err)
	is.Equal(got.IDs, []string{"c", "b", "a"})
	is.Equal(string(got.Items["c"]), "c")

	// the list name is escaped into a single directory
	_, err = os.Stat(filepath.Join(dir, "photo", "1", "user%2Ffeed"))
	is.NoErr(err)

	old := driver.Key{Class: "photo", Version: "0", List: "feed"}
	is.NoErr(d.Save(ctx, &driver.Snapshot{Key: old}))

	is.NoErr(d.Purge(ctx, "photo", "1"))

	_, err = os.Stat(filepath.Join(dir, "photo", "0"))
	is.True(errors.Is(err, os.ErrNotExist))

	_, err = d.Load(ctx, old)
	is.True(errors.Is(err, driver.ErrNotFound))

	_, err = d.Load(ctx, key)
	is.NoErr(err)
}

func TestBlobStoreReopen(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	blobstore.Init(ctx)

	dir := t.TempDir()
	key := driver.Key{Class: "photo", Version: "1", List: "feed"}

	d, err := storage.Open(ctx, "file:"+dir)
	is.NoErr(err)
	is.NoErr(d.Save(ctx, &driver.Snapshot{Key: key, IDs: []string{"x"}}))
	is.NoErr(d.(driver.Closer).Close())

	d, err = storage.Open(ctx, "file:"+dir)
	is.NoErr(err)
	defer d.(driver.Closer).Close()

	got, err := d.Load(ctx, key)
	is.NoErr(err)
	is.Equal(got.IDs, []string{"x"})
}

func TestBlobStoreDotNames(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	blobstore.Init(ctx)

	dir := t.TempDir()
	d, err := storage.Open(ctx, "file:"+dir)
	is.NoErr(err)
	defer d.(driver.Closer).Close()

	for _, name := range []string{"..", ".", "", "~..", "~"} {
		key := driver.Key{Class: "photo", Version: "1", List: name}
		is.NoErr(d.Save(ctx, &driver.Snapshot{Key: key, IDs: []string{name, "x"}}))
		is.NoErr(d.Save(ctx, &driver.Snapshot{Key: driver.Key{Class: "photo", Version: "0", List: name}}))

		is.NoErr(d.Purge(ctx, "photo", "1"))

		got, err := d.Load(ctx, key)
		is.NoErr(err)
		is.Equal(got.IDs, []string{name, "x"}) // each name keeps its own snapshot
	}

	// every name lives in its own directory below the version
	entries, err := os.ReadDir(filepath.Join(dir, "photo", "1"))
	is.NoErr(err)
	is.Equal(len(entries), 5)

	_, err = os.Stat(filepath.Join(dir, "photo", "1", "~.."))
	is.NoErr(err)
	_, err = os.Stat(filepath.Join(dir, "photo", "0"))
	is.True(errors.Is(err, os.ErrNotExist))
}
