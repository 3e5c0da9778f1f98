package storage

import "errors"

var (
	ErrNoDriver    = errors.New("no driver")
	ErrNoTransport = errors.New("no transport")
	ErrParamKind   = errors.New("unknown param kind")
)
