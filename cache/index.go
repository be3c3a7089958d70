package cache

import (
	"bytes"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const indexFile = "index.db"

// index maps (tenant, page key, fingerprint) to a content digest, one bucket
// per artifact type
type index struct {
	db *bbolt.DB
}

func openIndex(path string) (*index, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open index database")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, t := range []ArtifactType{Critical, Unused, Combined} {
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create index buckets")
	}

	return &index{db: db}, nil
}

func indexKey(tenant, pageKey, vary string) []byte {
	return []byte(tenant + "\x00" + pageKey + "\x00" + vary)
}

func tenantPrefix(tenant string) []byte {
	return []byte(tenant + "\x00")
}

func (i *index) get(t ArtifactType, key []byte) (string, error) {
	var digest string
	err := i.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(t))
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			digest = string(v)
		}
		return nil
	})
	return digest, err
}

func (i *index) put(t ArtifactType, key []byte, digest string) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(t))
		if err != nil {
			return err
		}
		return b.Put(key, []byte(digest))
	})
}

// digests returns the set of digests referenced by the keys under prefix
func (i *index) digests(t ArtifactType, prefix []byte) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	err := i.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(t))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			out[string(v)] = struct{}{}
		}
		return nil
	})
	return out, err
}

// drop deletes every key under prefix, an empty prefix empties the bucket
func (i *index) drop(t ArtifactType, prefix []byte) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		if len(prefix) == 0 {
			if err := tx.DeleteBucket([]byte(t)); err != nil && err != bbolt.ErrBucketNotFound {
				return err
			}
			_, err := tx.CreateBucket([]byte(t))
			return err
		}
		b := tx.Bucket([]byte(t))
		if b == nil {
			return nil
		}
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (i *index) close() error {
	return i.db.Close()
}
