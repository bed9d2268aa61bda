package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/shopmate/chat-web-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB persists session transcripts in a BoltDB file. It is the
// authoritative history when running against a local assistant backend, and a
// fallback cache of the upstream chatbot's history otherwise. Messages are
// keyed by a monotonically increasing sequence so iteration preserves
// insertion order.
type BoltDB struct {
	db *bolt.DB
}

const sessionsBucket = "sessions"

// NewBoltDB creates a new BoltDB instance with the specified file path. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket))
		return err
	})

	return BoltDB{db: db}, err
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func transcriptBucketName(sessionKey string) []byte {
	return []byte(fmt.Sprintf("session-%s", sessionKey))
}

func itob(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

// Sessions returns the keys of all sessions with a stored transcript.
func (b BoltDB) Sessions(context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Messages retrieves the transcript for a session key in insertion order.
func (b BoltDB) Messages(_ context.Context, sessionKey string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(transcriptBucketName(sessionKey))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AppendMessage stores a new message at the end of a session's transcript,
// creating the transcript and registering the session on first use.
func (b BoltDB) AppendMessage(_ context.Context, sessionKey string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := b.transcriptBucket(tx, sessionKey)
		if err != nil {
			return err
		}

		seq, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bkt.Put(itob(seq), v)
	})
}

// UpdateMessage rewrites the stored record whose message ID matches. If the
// message doesn't exist, the operation is silently ignored; transcripts are
// small enough that a scan is fine here.
func (b BoltDB) UpdateMessage(_ context.Context, sessionKey string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(transcriptBucketName(sessionKey))
		if bkt == nil {
			return nil
		}

		c := bkt.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var stored models.Message
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			if stored.ID != message.ID {
				continue
			}

			nv, err := json.Marshal(message)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			return bkt.Put(k, nv)
		}
		return nil
	})
}

// ReplaceMessages swaps a session's entire transcript for the given ordered
// sequence, used to refresh the cache from the upstream history.
func (b BoltDB) ReplaceMessages(_ context.Context, sessionKey string, messages []models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		name := transcriptBucketName(sessionKey)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to delete transcript bucket: %w", err)
			}
		}

		bkt, err := b.transcriptBucket(tx, sessionKey)
		if err != nil {
			return err
		}
		for _, message := range messages {
			seq, err := bkt.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}
			v, err := json.Marshal(message)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := bkt.Put(itob(seq), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearSession removes a session's transcript and its registry entry.
func (b BoltDB) ClearSession(_ context.Context, sessionKey string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		name := transcriptBucketName(sessionKey)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to delete transcript bucket: %w", err)
			}
		}

		bkt := tx.Bucket([]byte(sessionsBucket))
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(sessionKey))
	})
}

func (b BoltDB) transcriptBucket(tx *bolt.Tx, sessionKey string) (*bolt.Bucket, error) {
	bkt, err := tx.CreateBucketIfNotExists(transcriptBucketName(sessionKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript bucket: %w", err)
	}

	reg := tx.Bucket([]byte(sessionsBucket))
	if reg != nil {
		if err := reg.Put([]byte(sessionKey), []byte{}); err != nil {
			return nil, fmt.Errorf("failed to register session: %w", err)
		}
	}
	return bkt, nil
}
