package storage

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts items to and from their persisted form.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(t T) ([]byte, error) { return json.Marshal(t) }
func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var t T
	err := json.Unmarshal(b, &t)
	return t, err
}

type MsgpackCodec[T any] struct{}

func (MsgpackCodec[T]) Encode(t T) ([]byte, error) { return msgpack.Marshal(t) }
func (MsgpackCodec[T]) Decode(b []byte) (T, error) {
	var t T
	err := msgpack.Unmarshal(b, &t)
	return t, err
}
