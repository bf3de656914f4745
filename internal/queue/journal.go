package queue

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"fhirag/internal/model"
)

var (
	itemsBucket       = []byte("items")
	deadLettersBucket = []byte("dead_letters")
)

// journal is the disk-backed record of every enqueued, not-yet-terminated
// item, plus the append-only dead-letter log.
type journal struct {
	db *bolt.DB
}

func openJournal(path string) (*journal, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(itemsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(deadLettersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal buckets: %w", err)
	}
	return &journal{db: db}, nil
}

func (j *journal) close() error { return j.db.Close() }

func (j *journal) putItem(item *Item) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).Put([]byte(item.ID), b)
	})
}

func (j *journal) deleteItem(id string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).Delete([]byte(id))
	})
}

// loadItems returns every item currently journaled, reclassifying any
// in_flight item back to pending (at-least-once semantics after a crash).
func (j *journal) loadItems() ([]*Item, error) {
	var items []*Item
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).ForEach(func(_, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.State == StateInFlight {
				item.State = StatePending
			}
			items = append(items, &item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (j *journal) putDeadLetter(rec model.DeadLetterRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s:%d", rec.ChunkID, rec.LastSeen.UnixNano())
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(deadLettersBucket).Put([]byte(key), b)
	})
}

func (j *journal) countDeadLetters() (int, error) {
	var n int
	err := j.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(deadLettersBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (j *journal) listDeadLetters() ([]model.DeadLetterRecord, error) {
	var out []model.DeadLetterRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(deadLettersBucket).ForEach(func(_, v []byte) error {
			var rec model.DeadLetterRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
