package store

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	streamsBucket    = []byte("streams")
	partitionsBucket = []byte("partitions")
)

// streamRecord is the JSON-encoded value persisted per read stream in the
// "streams" bucket. The matcher's persisted form is HMAC-fingerprinted so a
// reopen can detect a substituted or corrupted matcher definition.
type streamRecord struct {
	Name         string    `json:"name"`
	MatcherKind  string    `json:"matcherKind"`
	MatcherSrc   []byte    `json:"matcherSrc"`
	MatcherHMAC  []byte    `json:"matcherHmac"`
	CreatedAt    time.Time `json:"createdAt"`
}

// partitionRecord is the JSON-encoded value persisted per write stream in
// the "partitions" bucket: just enough to rediscover and reopen a write
// stream's partition and implicit same-named index on a fresh process.
type partitionRecord struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Catalog is the durable, transactional record of every stream an
// EventStore knows about, backed by a single bbolt database file. It
// plays the role of the original design's flat JSON-like catalog file,
// gaining atomic multi-key commits in exchange for a binary format.
type Catalog struct {
	db *bolt.DB
}

// OpenCatalog opens or creates the catalog database at path.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stream catalog")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(streamsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(partitionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize stream catalog")
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) PutStream(rec streamRecord) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(streamsBucket).Put([]byte(rec.Name), b)
	})
}

func (c *Catalog) DeleteStream(name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(streamsBucket).Delete([]byte(name))
	})
}

func (c *Catalog) AllStreams() ([]streamRecord, error) {
	var out []streamRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(streamsBucket).ForEach(func(_, v []byte) error {
			var rec streamRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (c *Catalog) PutPartition(rec partitionRecord) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(partitionsBucket).Put([]byte(rec.Name), b)
	})
}

func (c *Catalog) AllPartitions() ([]partitionRecord, error) {
	var out []partitionRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(partitionsBucket).ForEach(func(_, v []byte) error {
			var rec partitionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (c *Catalog) Close() error {
	return c.db.Close()
}
