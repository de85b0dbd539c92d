package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mqy/minichat/chat"
)

var messagesBucket = []byte("messages")

// BoltLog keeps the message log in a bbolt file, one record per message keyed by id.
type BoltLog struct {
	db *bbolt.DB
}

func OpenBoltLog(path string) (*BoltLog, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db `%s`: %w", path, err)
	}
	return &BoltLog{db: db}, nil
}

func (l *BoltLog) Load() ([]chat.Message, error) {
	var out []chat.Message
	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var m chat.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("record %d: %w", btoi(k), err)
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save rewrites the bucket within one transaction.
func (l *BoltLog) Save(msgs []chat.Message) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(messagesBucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(messagesBucket)
		if err != nil {
			return err
		}
		for i := range msgs {
			v, err := json.Marshal(&msgs[i])
			if err != nil {
				return err
			}
			if err := b.Put(itob(msgs[i].ID), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *BoltLog) Close() error {
	return l.db.Close()
}
