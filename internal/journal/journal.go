// Package journal keeps a durable record of what happened to every message
// the importer touched: which run handled it, how many attempts it took and
// why it failed. The working directory stays the source of truth for what is
// left to do; the journal explains it.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/listmigrate/internal/runid"
)

var bucketItems = []byte("items")

// ErrNotFound is returned by Get for a key that was never recorded.
var ErrNotFound = errors.New("journal: entry not found")

// Status is the final outcome of one import attempt cycle.
type Status string

const (
	StatusImported Status = "imported"
	StatusFailed   Status = "failed"
)

// Entry is the last recorded outcome for a message key.
type Entry struct {
	Key       string    `json:"key"`
	RunID     runid.ID  `json:"run_id"`
	Group     string    `json:"group"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Journal is a bbolt-backed map from message key to its latest Entry.
type Journal struct {
	db *bbolt.DB
}

// Open opens (or creates) the journal database at path. It fails fast when
// another importer holds the file open.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketItems)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: init bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record upserts e, replacing whatever an earlier run recorded for e.Key.
func (j *Journal) Record(e Entry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal entry for %s: %w", e.Key, err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketItems).Put([]byte(e.Key), val)
	})
}

// Get returns the entry recorded for key.
func (j *Journal) Get(key string) (Entry, error) {
	var e Entry
	err := j.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketItems).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &e)
	})
	return e, err
}

// ForEach calls fn for every entry in key order, stopping at the first error.
func (j *Journal) ForEach(fn func(Entry) error) error {
	return j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketItems).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("journal: decode %s: %w", k, err)
			}
			return fn(e)
		})
	})
}

// Failed returns every entry whose latest outcome is a failure.
func (j *Journal) Failed() ([]Entry, error) {
	var out []Entry
	err := j.ForEach(func(e Entry) error {
		if e.Status == StatusFailed {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Reset forgets every recorded entry. Keys are positions within one mailbox,
// so entries from a previous unpack describe different messages.
func (j *Journal) Reset() error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketItems); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("journal: drop entries: %w", err)
		}
		_, err := tx.CreateBucket(bucketItems)
		return err
	})
}

// Close closes the underlying bbolt database.
func (j *Journal) Close() error {
	return j.db.Close()
}
