package hskeystore

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var keysBucket = []byte("keys")

// BoltBackend is the production Backend: a single embedded key-value
// database under the state directory, so key writes commit durably in a
// single fsync'd transaction before any on-disk inventory record can
// reference them, with no hand-rolled rename-into-place file I/O.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBoltBackend opens (creating if needed) the keystore database at
// <stateDir>/hs_keystore_<nickname>.db.
func OpenBoltBackend(stateDir, nickname string) (*BoltBackend, error) {
	path := filepath.Join(stateDir, fmt.Sprintf("hs_keystore_%s.db", nickname))
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open keystore db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init keystore bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// Get implements Backend.
func (b *BoltBackend) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(keysBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// Put implements Backend.
func (b *BoltBackend) Put(key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).Put([]byte(key), value)
	})
}

// Delete implements Backend.
func (b *BoltBackend) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).Delete([]byte(key))
	})
}

// Close releases the database file.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
