package sqlstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/matryer/is"

	"github.com/sour-is/potato/pkg/storage"
	"github.com/sour-is/potato/pkg/storage/driver"
	sqlstore "github.com/sour-is/potato/pkg/storage/driver/sql-store"
)

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	sqlstore.Init(ctx)

	testStore(t, "sqlite:"+filepath.Join(t.TempDir(), "db", "potato.db"))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POTATO_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("POTATO_TEST_POSTGRES not set")
	}

	ctx := context.Background()
	sqlstore.Init(ctx)

	testStore(t, "postgres:"+dsn)
}

func testStore(t *testing.T, dsn string) {
	is := is.New(t)
	ctx := context.Background()

	d, err := storage.Open(ctx, dsn)
	is.NoErr(err)
	defer d.(driver.Closer).Close()

	key := driver.Key{Class: "photo", Version: "1", List: "feed"}
	is.NoErr(d.Purge(ctx, "photo", "none"))

	_, err = d.Load(ctx, key)
	is.True(errors.Is(err, driver.ErrNotFound))

	err = d.Save(ctx, &driver.Snapshot{
		Key:  key,
		IDs:  []string{"c", "a", "b"},
		Meta: []byte(`{}`),
		Items: map[string][]byte{
			"a": []byte("A"),
			"b": []byte("B"),
			"c": []byte("C"),
		},
	})
	is.NoErr(err)

	got, err := d.Load(ctx, key)
	is.NoErr(err)
	is.Equal(got.IDs, []string{"c", "a", "b"}) // descriptor order
	is.Equal(string(got.Items["a"]), "A")
	is.Equal(string(got.Meta), `{}`)

	// a second save replaces the descriptor and upserts objects
	err = d.Save(ctx, &driver.Snapshot{
		Key:   key,
		IDs:   []string{"b", "d"},
		Items: map[string][]byte{"b": []byte("B2"), "d": []byte("D")},
	})
	is.NoErr(err)

	got, err = d.Load(ctx, key)
	is.NoErr(err)
	is.Equal(got.IDs, []string{"b", "d"})
	is.Equal(string(got.Items["b"]), "B2")

	old := driver.Key{Class: "photo", Version: "0", List: "feed"}
	is.NoErr(d.Save(ctx, &driver.Snapshot{Key: old, IDs: []string{"z"}, Items: map[string][]byte{"z": []byte("Z")}}))

	is.NoErr(d.Purge(ctx, "photo", "1"))

	_, err = d.Load(ctx, old)
	is.True(errors.Is(err, driver.ErrNotFound))

	_, err = d.Load(ctx, key)
	is.NoErr(err)
}
