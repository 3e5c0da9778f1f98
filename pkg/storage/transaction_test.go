package storage_test

import (
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/sour-is/potato/pkg/storage"
)

func TestTransactionCommit(t *testing.T) {
	is := is.New(t)
	s := newPhotos(t)

	l := s.ObtainList("feed")
	defer l.Release()
	l.AddAll(photos("a b")...)
	l.SetMeta("page", storage.Int(1))

	rec := &recorder{}
	l.Subscribe(rec)

	tx := l.Transaction()
	is.True(tx.IsTransaction())
	is.True(!l.IsTransaction())
	is.Equal(s.OpenTransactions(), 1)

	tx.Clear()
	tx.AddAll(photos("x y z")...)
	tx.Remove(&photo{PhotoID: "y"})
	tx.SetMeta("page", storage.Int(2))

	// nothing is visible before commit
	is.Equal(l.IDs(), []string{"a", "b"})
	is.Equal(len(rec.names()), 0)

	tx.Commit()

	is.Equal(l.IDs(), []string{"x", "z"})
	is.Equal(rec.names(), []string{storage.ActionCommit})
	is.Equal(s.OpenTransactions(), 0)

	page, _ := l.Meta("page")
	n, _ := page.AsInt()
	is.Equal(n, 2)
}

func TestTransactionCommitWith(t *testing.T) {
	is := is.New(t)
	s := newPhotos(t)

	l := s.ObtainList("feed")
	defer l.Release()

	rec := &recorder{}
	l.Subscribe(rec)

	tx := l.Transaction()
	tx.AddAll(photos("a")...)
	tx.CommitWith(storage.NewAction(storage.ActionAddAll).With(storage.ParamGap, storage.Int(4)))

	is.Equal(l.IDs(), []string{"a"})
	a := rec.last()
	is.Equal(a.Name, storage.ActionAddAll)
	gap, _ := a.Params[storage.ParamGap].AsInt()
	is.Equal(gap, 4)
}

func TestTransactionKeepsPolicies(t *testing.T) {
	is := is.New(t)
	s := newPhotos(t)

	l := s.ObtainList("feed")
	defer l.Release()
	l.EnableDedupe(true)
	l.EnableSort(byRank)
	l.SetTrimSize(7)

	tx := l.Transaction()
	is.True(tx.Dedupe())
	is.Equal(tx.TrimSize(), 7)

	tx.AddAll(&photo{PhotoID: "b", Rank: 2}, &photo{PhotoID: "a", Rank: 1}, &photo{PhotoID: "b", Rank: 2})
	tx.Commit()

	is.Equal(l.IDs(), []string{"a", "b"})
}

func TestTransactionEnd(t *testing.T) {
	is := is.New(t)
	s := newPhotos(t)

	l := s.ObtainList("feed")
	defer l.Release()
	l.AddAll(photos("a")...)

	rec := &recorder{}
	l.Subscribe(rec)

	tx := l.Transaction()
	tx.Add(&photo{PhotoID: "b"})

	// the open transaction keeps b alive
	s.Sweep()
	is.True(s.Contains("b"))

	tx.EndTransaction()
	is.Equal(l.IDs(), []string{"a"})
	is.Equal(len(rec.names()), 0)

	s.Sweep()
	is.True(!s.Contains("b"))

	// committing a plain list does nothing
	l.Commit()
	is.Equal(len(rec.names()), 0)
}

func TestTransactionCommitDuringDelete(t *testing.T) {
	is := is.New(t)
	s := newPhotos(t)

	l := s.ObtainList("feed")
	defer l.Release()
	l.AddAll(photos("a b")...)

	tx := l.Transaction()
	tx.Add(&photo{PhotoID: "z"})

	entered, release := make(chan struct{}), make(chan struct{})
	block := storage.OnUpdate(func(a storage.Action) {
		if a.Name == storage.ActionRemove {
			close(entered)
			<-release
		}
	})
	rec := &recorder{}
	l.Subscribe(block)
	l.Subscribe(rec)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Delete("a")
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("remove was not delivered")
	}

	// the transaction still holds a while the delete is under way
	tx.Commit()
	close(release)
	<-done

	is.True(!s.Contains("a"))
	is.Equal(l.IDs(), []string{"b", "z"})
	is.True(l.EnsureConsistence())
	is.Equal(rec.names(), []string{storage.ActionRemove, storage.ActionCommit})
	is.Equal(s.OpenTransactions(), 0)
}
