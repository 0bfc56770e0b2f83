package presence

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketPresence = []byte("presence")

const keyBroker = "broker"

// localCache durably mirrors the last-known `/broker` presence record
// to a BoltDB file, in the teacher's pkg/storage bucket-per-resource
// style. Every record the FSM applies is written here, and Get reads
// the last one back without a linearizable Raft read; the `broker
// members` and `broker election-status` commands do not read it.
type localCache struct {
	db *bolt.DB
}

func newLocalCache(dataDir string) (*localCache, error) {
	path := filepath.Join(dataDir, "presence.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("presence: open cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPresence)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("presence: init cache bucket: %w", err)
	}
	return &localCache{db: db}, nil
}

func (c *localCache) Set(value []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPresence).Put([]byte(keyBroker), value)
	})
}

func (c *localCache) Get() ([]byte, bool, error) {
	var value []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPresence).Get([]byte(keyBroker))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

func (c *localCache) Close() error {
	return c.db.Close()
}
