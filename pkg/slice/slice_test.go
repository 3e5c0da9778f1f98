package slice_test

import (
	"testing"

	"github.com/matryer/is"

	"github.com/sour-is/potato/pkg/slice"
)

type named interface{ Name() string }

type thing string

func (t thing) Name() string { return string(t) }

func TestFilterType(t *testing.T) {
	is := is.New(t)

	lis := slice.FilterType[named](thing("a"), 1, thing("b"), "c")
	is.Equal(len(lis), 2)
	is.Equal(lis[1].Name(), "b")

	is.Equal(len(slice.FilterType[named](1, 2)), 0)
}
