package bolt

import (
	"errors"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/blockmirror/internal/blocks/repos/kv"
)

var bucketData = []byte("blockmirror")

// bucketCreator abstracts bucket creation for tests.
type bucketCreator interface {
	CreateBucketIfNotExists(name []byte) (*bbolt.Bucket, error)
}

var ensureBucketFn = func(tx bucketCreator) error {
	_, err := tx.CreateBucketIfNotExists(bucketData)
	return err
}

// boltStore implements kv.Storage using bbolt. Each Set is its own
// transaction, so a crash mid-write leaves either the old or the new value.
type boltStore struct {
	db *bbolt.DB
}

// New opens (or creates) a Bolt database at path and ensures the data bucket exists.
func New(path string) (kv.Storage, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		return ensureBucketFn(tx)
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

func (s *boltStore) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketData)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			// bbolt memory is only valid for the life of the transaction
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, false, mapErr(err)
	}
	return out, out != nil, nil
}

func (s *boltStore) Set(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return mapErr(s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketData)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	}))
}

func (s *boltStore) Remove(key string) error {
	return mapErr(s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketData)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	}))
}

func mapErr(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return kv.ErrClosed
	}
	return err
}

var _ kv.Storage = (*boltStore)(nil)
