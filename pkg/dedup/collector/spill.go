package collector

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// SpillStore is the Go module's answer to "memory is soft-bounded": when a
// collector shard's in-memory entry count exceeds its configured
// high-water mark, it spills its coldest entries here and evicts them from
// its map, falling through to the store transparently on lookup. Backed by
// an embedded badger/v4 KV store rather than the object-store spill the
// original implementation delegated to its scheduler.
type SpillStore struct {
	db *badger.DB
}

// OpenSpillStore opens (creating if absent) a badger database rooted at
// dir.
func OpenSpillStore(dir string) (*SpillStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open spill store at %s: %w", dir, err)
	}
	return &SpillStore{db: db}, nil
}

// Close releases the underlying badger database.
func (s *SpillStore) Close() error {
	return s.db.Close()
}

// Put gob-encodes value and stores it under key.
func (s *SpillStore) Put(key []byte, value any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return fmt.Errorf("encode spill value: %w", err)
	}
	payload := append([]byte(nil), buf.Bytes()...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, payload)
	})
}

// Get decodes the value stored under key into dest, reporting whether the
// key was present.
func (s *SpillStore) Get(key []byte, dest any) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(dest)
		})
	})
	if err != nil {
		return false, fmt.Errorf("read spill value: %w", err)
	}
	return found, nil
}

// Delete removes key, if present.
func (s *SpillStore) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}
