package driver

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const blobVersion uint8 = 1

type blob struct {
	Version  uint8     `msgpack:"v"`
	Snapshot *Snapshot `msgpack:"s"`
}

// MarshalBlob encodes s as a single binary blob.
func MarshalBlob(s *Snapshot) ([]byte, error) {
	return msgpack.Marshal(blob{Version: blobVersion, Snapshot: s})
}

// UnmarshalBlob decodes a blob written by MarshalBlob.
func UnmarshalBlob(b []byte) (*Snapshot, error) {
	var bl blob
	if err := msgpack.Unmarshal(b, &bl); err != nil {
		return nil, err
	}
	if bl.Version != blobVersion {
		return nil, fmt.Errorf("unsupported blob version %d", bl.Version)
	}
	if bl.Snapshot == nil {
		return nil, fmt.Errorf("empty blob")
	}
	if bl.Snapshot.Items == nil {
		bl.Snapshot.Items = make(map[string][]byte)
	}
	return bl.Snapshot, nil
}
