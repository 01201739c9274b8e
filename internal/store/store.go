// Package store wraps an embedded Badger database behind three ordered
// key/value collections. Keys are opaque byte-ordered strings; values are
// JSON-encoded records. The store is the single source of truth for
// desired state: everything in memory is re-derived from it on start.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store owns the Badger database and hands out namespaced collections.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Cameras returns the cameras collection.
func (s *Store) Cameras() Collection { return Collection{db: s.db, prefix: "cameras:"} }

// Settings returns the settings collection (holds the singleton record).
func (s *Store) Settings() Collection { return Collection{db: s.db, prefix: "settings:"} }

// Motion returns the motion-events collection. Motion keys are fixed-width
// millisecond timestamps, so iteration order is chronological.
func (s *Store) Motion() Collection { return Collection{db: s.db, prefix: "motion:"} }

// Collection is a keyed namespace inside the store.
type Collection struct {
	db     *badger.DB
	prefix string
}

// Sub returns a nested namespace under this collection.
func (c Collection) Sub(name string) Collection {
	return Collection{db: c.db, prefix: c.prefix + name + ":"}
}

// Get unmarshals the value at key into out. Returns ErrNotFound when the
// key is absent.
func (c Collection) Get(key string, out any) error {
	return c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(c.prefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

// Put marshals v and writes it at key.
func (c Collection) Put(key string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(c.prefix+key), buf)
	})
}

// DeleteBatch removes a set of keys in one write batch. Missing keys are
// not an error.
func (c Collection) DeleteBatch(keys []string) error {
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete([]byte(c.prefix + key)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Bounds restrict a scan by key. Zero-valued fields are ignored. GT/GTE
// and LT/LTE are mutually exclusive per side.
type Bounds struct {
	GT  string
	GTE string
	LT  string
	LTE string
}

func (b Bounds) admits(key string) bool {
	if b.GT != "" && !(key > b.GT) {
		return false
	}
	if b.GTE != "" && !(key >= b.GTE) {
		return false
	}
	if b.LT != "" && !(key < b.LT) {
		return false
	}
	if b.LTE != "" && !(key <= b.LTE) {
		return false
	}
	return true
}

// Iter receives each key and its raw JSON value. Returning stop=true ends
// the scan early.
type Iter func(key string, value []byte) (stop bool, err error)

// Ascend scans the collection in key order within bounds.
func (c Collection) Ascend(b Bounds, fn Iter) error {
	return c.scan(b, false, fn)
}

// Descend scans the collection in reverse key order within bounds.
func (c Collection) Descend(b Bounds, fn Iter) error {
	return c.scan(b, true, fn)
}

func (c Collection) scan(b Bounds, reverse bool, fn Iter) error {
	prefix := []byte(c.prefix)
	return c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefix
		if reverse {
			// 0xff sorts after every key sharing the prefix.
			seek = append(append([]byte{}, prefix...), 0xff)
		}
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(prefix):])
			if !b.admits(key) {
				continue
			}
			var stop bool
			err := item.Value(func(val []byte) error {
				s, ferr := fn(key, val)
				stop = s
				return ferr
			})
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
		return nil
	})
}

// Keys collects all keys within bounds in ascending order.
func (c Collection) Keys(b Bounds) ([]string, error) {
	var keys []string
	err := c.Ascend(b, func(key string, _ []byte) (bool, error) {
		keys = append(keys, key)
		return false, nil
	})
	return keys, err
}
