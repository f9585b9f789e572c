// Package bolt persists index records in a single bbolt file, one key per
// chunk, so vector, text and tags are always written in the same transaction.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"machina/internal/vectorstore"
)

// FileName is the database file created inside the vector store directory.
const FileName = "index.db"

var bucketRecords = []byte("records")

// Store implements vectorstore.RecordStore on top of bbolt.
type Store struct {
	db *bbolt.DB
}

type recordValue struct {
	Vector []float32 `json:"vector"`
	Text   string    `json:"text"`
	Source string    `json:"source"`
	Meta   string    `json:"meta"`
}

// Open opens (or creates) dir/index.db. A file bbolt cannot read is moved
// aside and replaced with an empty database.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bolt: create %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName)
	db, err := openDB(path)
	if isCorrupt(err) {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		logger.Error("vector store database unreadable, starting fresh", "path", path, "moved_to", aside, "err", err)
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("bolt: move corrupt database: %w", rerr)
		}
		db, err = openDB(path)
	}
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func openDB(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func isCorrupt(err error) bool {
	return errors.Is(err, bbolt.ErrInvalid) || errors.Is(err, bbolt.ErrVersionMismatch) || errors.Is(err, bbolt.ErrChecksum)
}

// Load returns every record in id order.
func (s *Store) Load(_ context.Context) ([]vectorstore.Record, error) {
	var records []vectorstore.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("%w: key of %d bytes", vectorstore.ErrCorrupt, len(k))
			}
			var val recordValue
			if err := json.Unmarshal(v, &val); err != nil {
				return fmt.Errorf("%w: record %x: %v", vectorstore.ErrCorrupt, k, err)
			}
			records = append(records, vectorstore.Record{
				ID:     binary.BigEndian.Uint64(k),
				Vector: val.Vector,
				Text:   val.Text,
				Source: val.Source,
				Meta:   val.Meta,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: load: %w", err)
	}
	return records, nil
}

// Append writes only the added records, in one transaction.
func (s *Store) Append(_ context.Context, _, added []vectorstore.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for _, r := range added {
			data, err := json.Marshal(recordValue{Vector: r.Vector, Text: r.Text, Source: r.Source, Meta: r.Meta})
			if err != nil {
				return err
			}
			if err := b.Put(key(r.ID), data); err != nil {
				return fmt.Errorf("bolt: put %d: %w", r.ID, err)
			}
		}
		return nil
	})
}

// Reset drops and recreates the records bucket.
func (s *Store) Reset(_ context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketRecords); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketRecords)
		return err
	})
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}
