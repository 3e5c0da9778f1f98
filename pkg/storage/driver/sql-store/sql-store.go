// package sqlstore provides a driver that keeps items in an objects table and
// list descriptors in a lists table, on SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/sour-is/potato/internal/lg"
	"github.com/sour-is/potato/pkg/storage"
	"github.com/sour-is/potato/pkg/storage/driver"
)

// BatchSize bounds the number of ids fetched per query.
const BatchSize = 500

type dialect struct {
	driver   string
	blob     string
	numbered bool
}

var dialects = map[string]dialect{
	"sqlite":   {driver: "sqlite", blob: "BLOB"},
	"postgres": {driver: "pgx", blob: "BYTEA", numbered: true},
}

// rebind rewrites ? placeholders to $n for dialects that need it.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}

	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteRune('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS objects (
			class TEXT NOT NULL,
			version TEXT NOT NULL,
			object_id TEXT NOT NULL,
			payload ` + d.blob + ` NOT NULL,
			PRIMARY KEY (class, version, object_id)
		)`,
		`CREATE TABLE IF NOT EXISTS lists (
			class TEXT NOT NULL,
			version TEXT NOT NULL,
			list_name TEXT NOT NULL,
			list_ids TEXT NOT NULL,
			list_meta ` + d.blob + `,
			PRIMARY KEY (class, version, list_name)
		)`,
	}
}

type sqlStore struct {
	db      *sql.DB
	dialect dialect

	m_sql_read  syncint64.Counter
	m_sql_write syncint64.Counter
}

func Init(ctx context.Context) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	d := &sqlStore{}

	m := lg.Meter(ctx)
	var err, errs error

	d.m_sql_read, err = m.SyncInt64().Counter("sql_read")
	errs = multierr.Append(errs, err)

	d.m_sql_write, err = m.SyncInt64().Counter("sql_write")
	errs = multierr.Append(errs, err)

	for name := range dialects {
		errs = multierr.Append(errs, storage.Register(ctx, name, d))
	}

	return errs
}

var _ driver.Driver = (*sqlStore)(nil)
var _ driver.Closer = (*sqlStore)(nil)

// Open accepts sqlite:<path> and postgres:<conn string or url>.
func (d *sqlStore) Open(ctx context.Context, dsn string) (driver.Driver, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	scheme, rest, ok := strings.Cut(dsn, ":")
	if !ok {
		return nil, fmt.Errorf("expected scheme")
	}
	dia, ok := dialects[scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported scheme=%s", scheme)
	}

	conn := rest
	switch {
	case scheme == "postgres" && strings.HasPrefix(rest, "//"):
		conn = dsn
	case scheme == "sqlite" && rest != "" && !strings.HasPrefix(rest, "file:") && rest != ":memory:":
		if err := os.MkdirAll(filepath.Dir(rest), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			span.RecordError(err)
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}

	db, err := sql.Open(dia.driver, conn)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("open %s: %w", scheme, err)
	}
	if scheme == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	for _, q := range dia.schema() {
		if _, err := db.ExecContext(ctx, q); err != nil {
			span.RecordError(err)
			return nil, multierr.Append(fmt.Errorf("create schema: %w", err), db.Close())
		}
	}

	return &sqlStore{
		db:          db,
		dialect:     dia,
		m_sql_read:  d.m_sql_read,
		m_sql_write: d.m_sql_write,
	}, nil
}

func (d *sqlStore) Close() error {
	return d.db.Close()
}

func (d *sqlStore) Save(ctx context.Context, s *driver.Snapshot) (retErr error) {
	ctx, span := lg.Span(ctx)
	defer span.End()
	defer func() { span.RecordError(retErr) }()

	ids, err := json.Marshal(s.IDs)
	if err != nil {
		return fmt.Errorf("encode ids: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	upsertObject := d.dialect.rebind(`INSERT INTO objects(class, version, object_id, payload) VALUES(?, ?, ?, ?)
		ON CONFLICT(class, version, object_id) DO UPDATE SET payload=excluded.payload`)
	for _, id := range s.IDs {
		payload, ok := s.Items[id]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsertObject, s.Key.Class, s.Key.Version, id, payload); err != nil {
			return fmt.Errorf("upsert object %s: %w", id, err)
		}
	}

	meta := s.Meta
	if meta == nil {
		meta = []byte{}
	}
	upsertList := d.dialect.rebind(`INSERT INTO lists(class, version, list_name, list_ids, list_meta) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(class, version, list_name) DO UPDATE SET list_ids=excluded.list_ids, list_meta=excluded.list_meta`)
	if _, err := tx.ExecContext(ctx, upsertList, s.Key.Class, s.Key.Version, s.Key.List, string(ids), meta); err != nil {
		return fmt.Errorf("upsert list: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	add(ctx, d.m_sql_write, int64(len(s.IDs)))

	return nil
}

// Load reads the list descriptor and returns the stored objects in
// descriptor order. Ids without a stored object are dropped.
func (d *sqlStore) Load(ctx context.Context, key driver.Key) (*driver.Snapshot, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var rawIDs string
	var meta []byte
	err := d.db.QueryRowContext(ctx,
		d.dialect.rebind(`SELECT list_ids, list_meta FROM lists WHERE class=? AND version=? AND list_name=?`),
		key.Class, key.Version, key.List,
	).Scan(&rawIDs, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driver.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal([]byte(rawIDs), &ids); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decode ids: %w", err)
	}

	s := &driver.Snapshot{
		Key:   key,
		Meta:  meta,
		Items: make(map[string][]byte, len(ids)),
	}

	for start := 0; start < len(ids); start += BatchSize {
		end := min(start+BatchSize, len(ids))
		if err := d.fetch(ctx, key, ids[start:end], s.Items); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	s.IDs = make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.Items[id]; ok {
			s.IDs = append(s.IDs, id)
		}
	}
	add(ctx, d.m_sql_read, int64(len(s.IDs)))

	return s, nil
}

func (d *sqlStore) fetch(ctx context.Context, key driver.Key, ids []string, into map[string][]byte) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, 0, len(ids)+2)
	args = append(args, key.Class, key.Version)
	for _, id := range ids {
		args = append(args, id)
	}

	q := `SELECT object_id, payload FROM objects WHERE class=? AND version=? AND object_id IN (?` +
		strings.Repeat(", ?", len(ids)-1) + `)`

	rows, err := d.db.QueryContext(ctx, d.dialect.rebind(q), args...)
	if err != nil {
		return fmt.Errorf("select objects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		into[id] = payload
	}
	return rows.Err()
}

func (d *sqlStore) Purge(ctx context.Context, class, keep string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var errs error
	for _, table := range []string{"objects", "lists"} {
		_, err := d.db.ExecContext(ctx,
			d.dialect.rebind(`DELETE FROM `+table+` WHERE class=? AND version<>?`),
			class, keep,
		)
		errs = multierr.Append(errs, err)
	}
	span.RecordError(errs)

	return errs
}

func add(ctx context.Context, c syncint64.Counter, n int64) {
	if c != nil {
		c.Add(ctx, n)
	}
}
