package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/rag-chat-client/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB keeps the conversation history in a BoltDB file so that it survives restarts. Messages are keyed by their
// insertion sequence, which makes a bucket scan return them in conversation order.
type BoltDB struct {
	db *bolt.DB
}

var messagesBucket = []byte("messages")

// NewBoltDB opens (or creates with 0600 permissions) the database file at path and makes sure the messages bucket
// exists. It fails after a second if another process holds the file.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create messages bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Messages returns every stored message in sequence order.
func (b BoltDB) Messages(context.Context) ([]models.StoredMessage, error) {
	var messages []models.StoredMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messagesBucket)
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(k, v []byte) error {
			var msg models.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, models.StoredMessage{
				Seq:     binary.BigEndian.Uint64(k),
				Message: msg,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// SaveMessage stores msg under seq, replacing what was stored there before.
func (b BoltDB) SaveMessage(_ context.Context, seq uint64, msg models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messagesBucket)
		if bk == nil {
			return fmt.Errorf("bucket %s not found", messagesBucket)
		}

		v, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bk.Put(seqKey(seq), v)
	})
}

// ClearMessages removes the whole history.
func (b BoltDB) ClearMessages(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(messagesBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete messages bucket: %w", err)
		}
		_, err := tx.CreateBucket(messagesBucket)
		return err
	})
}
