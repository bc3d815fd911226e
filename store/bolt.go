package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/burntcarrot/otpad/commons"
	bolt "go.etcd.io/bbolt"
)

var historyBucket = []byte("history")

// BoltStore keeps histories in a bbolt database, one nested bucket per document keyed by big-endian revision.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func revisionKey(revision int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(revision))
	return key
}

func (s *BoltStore) Append(_ context.Context, documentID string, commit commons.Commit) error {
	data, err := json.Marshal(commit)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		doc, err := tx.Bucket(historyBucket).CreateBucketIfNotExists([]byte(documentID))
		if err != nil {
			return err
		}

		last := 0
		if k, _ := doc.Cursor().Last(); k != nil {
			last = int(binary.BigEndian.Uint64(k))
		}
		if err := checkNext(last, commit); err != nil {
			return err
		}

		return doc.Put(revisionKey(commit.Revision), data)
	})
}

func (s *BoltStore) Load(_ context.Context, documentID string) ([]commons.Commit, error) {
	var history []commons.Commit

	err := s.db.View(func(tx *bolt.Tx) error {
		doc := tx.Bucket(historyBucket).Bucket([]byte(documentID))
		if doc == nil {
			return nil
		}

		return doc.ForEach(func(_, v []byte) error {
			var c commons.Commit
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			history = append(history, c)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load history of %s: %w", documentID, err)
	}

	return history, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

var _ HistoryStore = (*BoltStore)(nil)
