// package blobstore provides a driver that writes each list snapshot as a
// single binary blob to a write ahead log on disk.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/tidwall/wal"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/potato/internal/lg"
	"github.com/sour-is/potato/pkg/locker"
	"github.com/sour-is/potato/pkg/storage"
	"github.com/sour-is/potato/pkg/storage/driver"
)

const CacheExpire = 5 * time.Minute

type openLog struct {
	path string
	log  *wal.Log
}
type lockedLog = locker.Locked[openLog]

type openlogs struct {
	logs *cache.Cache
}

type blobStore struct {
	path     string
	openlogs *locker.Locked[openlogs]

	m_blob_open  syncint64.Counter
	m_blob_evict syncint64.Counter
	m_blob_read  syncint64.Counter
	m_blob_write syncint64.Counter
}

func Init(ctx context.Context) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	d := &blobStore{}

	m := lg.Meter(ctx)
	var err, errs error

	d.m_blob_open, err = m.SyncInt64().Counter("blob_open")
	errs = multierr.Append(errs, err)

	d.m_blob_evict, err = m.SyncInt64().Counter("blob_evict")
	errs = multierr.Append(errs, err)

	d.m_blob_read, err = m.SyncInt64().Counter("blob_read")
	errs = multierr.Append(errs, err)

	d.m_blob_write, err = m.SyncInt64().Counter("blob_write")
	errs = multierr.Append(errs, err)

	errs = multierr.Append(errs, storage.Register(ctx, "file", d))

	return errs
}

var _ driver.Driver = (*blobStore)(nil)
var _ driver.Closer = (*blobStore)(nil)

func (d *blobStore) Open(ctx context.Context, dsn string) (driver.Driver, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	scheme, path, ok := strings.Cut(dsn, ":")
	if !ok {
		return nil, fmt.Errorf("expected scheme")
	}

	if scheme != "file" {
		return nil, fmt.Errorf("expeted scheme=file, got=%s", scheme)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, 0700)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	b := &blobStore{
		path:         path,
		m_blob_open:  d.m_blob_open,
		m_blob_evict: d.m_blob_evict,
		m_blob_read:  d.m_blob_read,
		m_blob_write: d.m_blob_write,
	}

	c := cache.New(CacheExpire, CacheExpire/2)
	c.OnEvicted(func(key string, v interface{}) {
		l, ok := v.(*lockedLog)
		if !ok {
			return
		}
		b.closeLog(context.Background(), l)
	})
	b.openlogs = locker.New(&openlogs{logs: c})

	return b, nil
}

func (d *blobStore) closeLog(ctx context.Context, l *lockedLog) {
	_ = l.Modify(ctx, func(ctx context.Context, o *openLog) error {
		_, span := lg.Span(ctx)
		defer span.End()

		if o.log == nil {
			return nil
		}
		add(ctx, d.m_blob_evict, 1)

		err := o.log.Close()
		o.log = nil
		span.RecordError(err)
		return err
	})
}

// Close closes every open log.
func (d *blobStore) Close() error {
	ctx := context.Background()
	return d.openlogs.Modify(ctx, func(ctx context.Context, openlogs *openlogs) error {
		for k := range openlogs.logs.Items() {
			openlogs.logs.Delete(k)
		}
		return nil
	})
}

func (d *blobStore) keyPath(key driver.Key) string {
	return filepath.Join(d.path, segment(key.Class), segment(key.Version), segment(key.List))
}

// segment escapes name into a single path element. Names that would resolve
// to the current or parent directory, and names already starting with ~, get
// a ~ prefix.
func segment(name string) string {
	switch {
	case name == "", name == ".", name == "..", strings.HasPrefix(name, "~"):
		return "~" + url.PathEscape(name)
	}
	return url.PathEscape(name)
}

func (d *blobStore) blobLog(ctx context.Context, key driver.Key) (*lockedLog, error) {
	var l *lockedLog
	path := d.keyPath(key)

	err := d.openlogs.Modify(ctx, func(ctx context.Context, openlogs *openlogs) error {
		if v, ok := openlogs.logs.Get(path); ok {
			l = v.(*lockedLog)
		} else {
			l = locker.New(&openLog{path: path})
		}
		openlogs.logs.SetDefault(path, l)
		return nil
	})
	return l, err
}

func (d *blobStore) withLog(ctx context.Context, o *openLog) error {
	if o.log != nil {
		return nil
	}

	add(ctx, d.m_blob_open, 1)

	l, err := wal.Open(o.path, wal.DefaultOptions)
	if err != nil {
		return err
	}
	o.log = l
	return nil
}

func (d *blobStore) Save(ctx context.Context, s *driver.Snapshot) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	b, err := driver.MarshalBlob(s)
	if err != nil {
		span.RecordError(err)
		return err
	}

	l, err := d.blobLog(ctx, s.Key)
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = l.Modify(ctx, func(ctx context.Context, o *openLog) error {
		if err := d.withLog(ctx, o); err != nil {
			return err
		}

		last, err := o.log.LastIndex()
		if err != nil {
			return err
		}
		if err := o.log.Write(last+1, b); err != nil {
			return err
		}

		add(ctx, d.m_blob_write, 1)

		if last > 0 {
			return o.log.TruncateFront(last + 1)
		}
		return nil
	})
	span.RecordError(err)

	return err
}

func (d *blobStore) Load(ctx context.Context, key driver.Key) (*driver.Snapshot, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	if _, err := os.Stat(d.keyPath(key)); errors.Is(err, os.ErrNotExist) {
		return nil, driver.ErrNotFound
	}

	l, err := d.blobLog(ctx, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var s *driver.Snapshot
	err = l.Modify(ctx, func(ctx context.Context, o *openLog) error {
		if err := d.withLog(ctx, o); err != nil {
			return err
		}

		last, err := o.log.LastIndex()
		if err != nil {
			return err
		}
		if last == 0 {
			return driver.ErrNotFound
		}

		b, err := o.log.Read(last)
		if err != nil {
			return err
		}
		add(ctx, d.m_blob_read, 1)

		s, err = driver.UnmarshalBlob(b)
		return err
	})
	if err != nil && !errors.Is(err, driver.ErrNotFound) {
		span.RecordError(err)
	}

	return s, err
}

// Purge removes the on disk data of class for every version but keep.
func (d *blobStore) Purge(ctx context.Context, class, keep string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	root := filepath.Join(d.path, segment(class))
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	keepDir := segment(keep)

	var errs error
	for _, e := range entries {
		if !e.IsDir() || e.Name() == keepDir {
			continue
		}
		dir := filepath.Join(root, e.Name())

		err := d.openlogs.Modify(ctx, func(ctx context.Context, openlogs *openlogs) error {
			for k := range openlogs.logs.Items() {
				if strings.HasPrefix(k, dir+string(filepath.Separator)) {
					openlogs.logs.Delete(k)
				}
			}
			return nil
		})
		errs = multierr.Append(errs, err)
		errs = multierr.Append(errs, os.RemoveAll(dir))
	}
	span.RecordError(errs)

	return errs
}

func add(ctx context.Context, c syncint64.Counter, n int64) {
	if c != nil {
		c.Add(ctx, n)
	}
}
