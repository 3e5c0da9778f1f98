// package driver defines the byte level contract persistence backends implement.
package driver

import (
	"context"
	"errors"
	"path"
)

var ErrNotFound = errors.New("snapshot not found")

// Key addresses one persisted list.
type Key struct {
	Class   string `msgpack:"class" json:"class"`
	Version string `msgpack:"version" json:"version"`
	List    string `msgpack:"list" json:"list"`
}

func (k Key) String() string {
	return path.Join(k.Class, k.Version, k.List)
}

// Snapshot is the persisted form of a list: its ordered ids, its metadata
// encoded as JSON and the encoded item for each id.
type Snapshot struct {
	Key   Key               `msgpack:"key"`
	IDs   []string          `msgpack:"ids"`
	Meta  []byte            `msgpack:"meta"`
	Items map[string][]byte `msgpack:"items"`
}

type Driver interface {
	Open(ctx context.Context, dsn string) (Driver, error)
	// Save replaces whatever was stored under s.Key.
	Save(ctx context.Context, s *Snapshot) error
	// Load returns ErrNotFound when nothing is stored under key.
	Load(ctx context.Context, key Key) (*Snapshot, error)
	// Purge removes every list of class stored under a version other than keep.
	Purge(ctx context.Context, class, keep string) error
}

// Closer is implemented by drivers holding resources.
type Closer interface {
	Close() error
}
