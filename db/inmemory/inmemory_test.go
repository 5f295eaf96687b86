package inmemory

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/etherpay/txqueue/db"
)

func TestWriteTx(t *testing.T) {
	c := qt.New(t)
	database, err := New(db.Options{})
	c.Assert(err, qt.IsNil)

	wTx := database.WriteTx()
	c.Assert(wTx.Set([]byte("key"), []byte("value")), qt.IsNil)

	// Uncommitted writes are visible inside the tx but not outside.
	v, err := wTx.Get([]byte("key"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(v), qt.Equals, "value")
	_, err = database.Get([]byte("key"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)

	c.Assert(wTx.Commit(), qt.IsNil)
	v, err = database.Get([]byte("key"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(v), qt.Equals, "value")

	// A committed tx cannot commit again.
	c.Assert(wTx.Commit(), qt.IsNotNil)
}

func TestDelete(t *testing.T) {
	c := qt.New(t)
	database, err := New(db.Options{})
	c.Assert(err, qt.IsNil)

	wTx := database.WriteTx()
	c.Assert(wTx.Set([]byte("key"), []byte("value")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)

	wTx = database.WriteTx()
	c.Assert(wTx.Delete([]byte("key")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)

	_, err = database.Get([]byte("key"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)
}

func TestConflictDetection(t *testing.T) {
	c := qt.New(t)
	database, err := New(db.Options{})
	c.Assert(err, qt.IsNil)

	tx1 := database.WriteTx()
	tx2 := database.WriteTx()

	c.Assert(tx1.Set([]byte("key"), []byte("one")), qt.IsNil)
	c.Assert(tx2.Set([]byte("key"), []byte("two")), qt.IsNil)

	c.Assert(tx1.Commit(), qt.IsNil)
	// tx2 read the key at an older version, so its commit must fail.
	c.Assert(tx2.Commit(), qt.Equals, db.ErrConflict)

	v, err := database.Get([]byte("key"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(v), qt.Equals, "one")
}

func TestIterateOrderAndPrefix(t *testing.T) {
	c := qt.New(t)
	database, err := New(db.Options{})
	c.Assert(err, qt.IsNil)

	wTx := database.WriteTx()
	for _, k := range []string{"b/2", "a/1", "b/1", "c/1"} {
		c.Assert(wTx.Set([]byte(k), []byte(k)), qt.IsNil)
	}
	c.Assert(wTx.Commit(), qt.IsNil)

	var keys []string
	c.Assert(database.Iterate([]byte("b/"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}), qt.IsNil)
	c.Assert(keys, qt.DeepEquals, []string{"b/1", "b/2"})

	// Early stop.
	keys = nil
	c.Assert(database.Iterate(nil, func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return false
	}), qt.IsNil)
	c.Assert(keys, qt.DeepEquals, []string{"a/1"})
}

func TestIterateSeesPendingWrites(t *testing.T) {
	c := qt.New(t)
	database, err := New(db.Options{})
	c.Assert(err, qt.IsNil)

	wTx := database.WriteTx()
	c.Assert(wTx.Set([]byte("a/1"), []byte("x")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)

	wTx = database.WriteTx()
	c.Assert(wTx.Set([]byte("a/2"), []byte("y")), qt.IsNil)
	c.Assert(wTx.Delete([]byte("a/1")), qt.IsNil)

	var keys []string
	c.Assert(wTx.Iterate([]byte("a/"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}), qt.IsNil)
	c.Assert(keys, qt.DeepEquals, []string{"a/2"})
	wTx.Discard()
}
