package storage

import (
	"bytes"
	"errors"
	"testing"
)

// testDB runs the shared test suite against a DB implementation.
func testDB(t *testing.T, db DB) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		if err := db.Put([]byte("key1"), []byte("value1")); err != nil {
			t.Fatalf("Put() error: %v", err)
		}
		val, err := db.Get([]byte("key1"))
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if !bytes.Equal(val, []byte("value1")) {
			t.Errorf("Get() = %q, want %q", val, "value1")
		}
	})

	t.Run("GetNonexistent", func(t *testing.T) {
		_, err := db.Get([]byte("nonexistent"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() for missing key: got %v, want ErrNotFound", err)
		}
	})

	t.Run("Has", func(t *testing.T) {
		db.Put([]byte("exists"), []byte("yes"))
		if ok, _ := db.Has([]byte("exists")); !ok {
			t.Error("Has() = false for existing key")
		}
		if ok, _ := db.Has([]byte("missing")); ok {
			t.Error("Has() = true for missing key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		db.Put([]byte("del"), []byte("x"))
		if err := db.Delete([]byte("del")); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if ok, _ := db.Has([]byte("del")); ok {
			t.Error("key still present after Delete")
		}
	})

	t.Run("ForEachPrefix", func(t *testing.T) {
		db.Put([]byte("pfx/a"), []byte("1"))
		db.Put([]byte("pfx/b"), []byte("2"))
		db.Put([]byte("other/c"), []byte("3"))

		seen := map[string]string{}
		err := db.ForEach([]byte("pfx/"), func(k, v []byte) error {
			seen[string(k)] = string(v)
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach() error: %v", err)
		}
		if len(seen) != 2 || seen["pfx/a"] != "1" || seen["pfx/b"] != "2" {
			t.Errorf("ForEach() saw %v", seen)
		}
	})

	t.Run("ForEachStopEarly", func(t *testing.T) {
		stop := errors.New("stop")
		n := 0
		err := db.ForEach([]byte("pfx/"), func(k, v []byte) error {
			n++
			return stop
		})
		if !errors.Is(err, stop) {
			t.Errorf("ForEach() error = %v, want stop", err)
		}
		if n != 1 {
			t.Errorf("callback ran %d times, want 1", n)
		}
	})
}

func TestMemoryDB(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	testDB(t, db)
}

func TestMemoryDB_GetReturnsCopy(t *testing.T) {
	db := NewMemory()
	db.Put([]byte("k"), []byte("abc"))
	v, _ := db.Get([]byte("k"))
	v[0] = 'z'
	again, _ := db.Get([]byte("k"))
	if string(again) != "abc" {
		t.Errorf("stored value mutated through Get result: %q", again)
	}
}

func TestBadgerDB(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB_Persistence(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	db.Put([]byte("persist"), []byte("me"))
	db.Close()

	db2, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer db2.Close()
	val, err := db2.Get([]byte("persist"))
	if err != nil {
		t.Fatalf("Get() after reopen: %v", err)
	}
	if string(val) != "me" {
		t.Errorf("Get() = %q, want %q", val, "me")
	}
}

func TestPrefixDB(t *testing.T) {
	inner := NewMemory()
	a := NewPrefixDB(inner, "a/")
	b := NewPrefixDB(inner, "b/")

	a.Put([]byte("k"), []byte("from-a"))
	b.Put([]byte("k"), []byte("from-b"))

	va, _ := a.Get([]byte("k"))
	vb, _ := b.Get([]byte("k"))
	if string(va) != "from-a" || string(vb) != "from-b" {
		t.Errorf("namespaces leaked: a=%q b=%q", va, vb)
	}
	if ok, _ := inner.Has([]byte("a/k")); !ok {
		t.Error("inner DB should hold the prefixed key")
	}

	var keys []string
	a.ForEach(nil, func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	if len(keys) != 1 || keys[0] != "k" {
		t.Errorf("ForEach should strip the namespace prefix, got %v", keys)
	}

	testDB(t, NewPrefixDB(NewMemory(), "ns/"))
}
