package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	songcdn "github.com/wannadance/songcdn"
)

// bucketEntries maps key strings ("id/variant") to entryRecord JSON. A
// record exists if and only if the artifact completed a fill; it is the
// completion marker consulted when rehydrating after a restart.
var bucketEntries = []byte("entries")

// entryRecord is the durable metadata for one Ready artifact.
type entryRecord struct {
	Key          string       `json:"key"`
	Name         string       `json:"name"` // storage name relative to the cache root
	Size         int64        `json:"size"`
	CreatedAt    time.Time    `json:"created_at"`
	LastAccessed time.Time    `json:"last_accessed"`
	Digest       songcdn.Hash `json:"digest"`
}

// metaDB is the bbolt-backed metadata index for the cache directory.
type metaDB struct {
	db  *bbolt.DB
	now func() time.Time
}

func openMetaDB(path string) (*metaDB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating cache index bucket: %w", err)
	}

	return &metaDB{db: db, now: time.Now}, nil
}

func (m *metaDB) close() error {
	return m.db.Close()
}

func (m *metaDB) get(key string) (*entryRecord, bool, error) {
	var rec *entryRecord
	err := m.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(key))
		if data == nil {
			return nil
		}
		var r entryRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decoding entry record: %w", err)
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rec, rec != nil, nil
}

func (m *metaDB) put(rec *entryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding entry record: %w", err)
	}
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(rec.Key), data)
	})
}

func (m *metaDB) delete(key string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// touch updates the last access time for an entry. Missing entries are
// ignored: the artifact may have been evicted between open and touch.
func (m *metaDB) touch(key string) error {
	return m.setLastAccessed(key, m.now())
}

func (m *metaDB) setLastAccessed(key string, at time.Time) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		var rec entryRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding entry record: %w", err)
		}
		rec.LastAccessed = at
		updated, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encoding entry record: %w", err)
		}
		return b.Put([]byte(rec.Key), updated)
	})
}

// list returns all records, in no particular order.
func (m *metaDB) list() ([]*entryRecord, error) {
	var records []*entryRecord
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var rec entryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				// Skip undecodable rows; the sweep will not see the file
				// and rehydrate removes orphans.
				return nil
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
