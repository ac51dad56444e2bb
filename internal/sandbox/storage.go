// Package sandbox captures outgoing messages in bbolt instead of delivering
// them, for dry runs and test environments.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketOutbox = []byte("sandbox_outbox")

// Message represents a message captured by the sandbox transport
type Message struct {
	ID           string    `json:"id"`
	BatchID      string    `json:"batch_id"`
	Position     int       `json:"position"`
	CustomerID   string    `json:"customer_id"`
	Name         string    `json:"customer_name,omitempty"`
	Phone        string    `json:"phone_number,omitempty"`
	Email        string    `json:"email,omitempty"`
	OriginalTo   string    `json:"original_to,omitempty"` // Recipient before redirect
	Content      string    `json:"message"`
	Mode         string    `json:"mode"` // capture, redirect
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// Storage provides sandbox message storage
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new sandbox storage using the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOutbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// Save stores a message in the sandbox
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return tx.Bucket(bucketOutbox).Put(makeIndexKey(msg.CapturedAt, msg.ID), data)
	})
}

// Get retrieves the latest capture of a message by ID
func (s *Storage) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if m.ID == id {
				msg = &m
				return nil
			}
		}
		return nil
	})

	return msg, err
}

// ListFilter contains filters for listing messages
type ListFilter struct {
	BatchID    string
	CustomerID string
	Mode       string
	Limit      int
	Offset     int
}

// List returns messages matching the filter, newest first
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()

		skipped := 0
		count := 0

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}

			if filter.BatchID != "" && msg.BatchID != filter.BatchID {
				continue
			}
			if filter.CustomerID != "" && msg.CustomerID != filter.CustomerID {
				continue
			}
			if filter.Mode != "" && msg.Mode != filter.Mode {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			messages = append(messages, &msg)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return messages, err
}

// Clear removes captured messages, optionally filtered by batch or age
func (s *Storage) Clear(ctx context.Context, batchID string, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		c := bucket.Cursor()

		var keysToDelete [][]byte

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}

			if batchID != "" && msg.BatchID != batchID {
				continue
			}
			if olderThan > 0 && msg.CapturedAt.After(cutoff) {
				continue
			}

			keysToDelete = append(keysToDelete, append([]byte{}, k...))
		}

		for _, k := range keysToDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}

		return nil
	})

	return count, err
}

// Prune removes messages captured more than maxAge ago, then the oldest
// messages beyond maxCount. Zero disables either bound.
func (s *Storage) Prune(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	var count int

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		remaining := bucket.Stats().KeyN

		// Keys sort by capture time, oldest first
		var cutoff []byte
		if maxAge > 0 {
			cutoff = []byte(time.Now().Add(-maxAge).UTC().Format(keyTimeLayout))
		}

		var keysToDelete [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			expired := cutoff != nil && bytes.Compare(k, cutoff) < 0
			overflow := maxCount > 0 && remaining > maxCount
			if !expired && !overflow {
				break
			}
			keysToDelete = append(keysToDelete, append([]byte{}, k...))
			remaining--
		}

		for _, k := range keysToDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}

		return nil
	})

	return count, err
}

// Stats contains sandbox statistics
type Stats struct {
	Total     int64            `json:"total"`
	Failed    int64            `json:"failed"`
	ByBatch   map[string]int64 `json:"by_batch"`
	OldestAt  time.Time        `json:"oldest_at,omitempty"`
	NewestAt  time.Time        `json:"newest_at,omitempty"`
	TotalSize int64            `json:"total_size"`
}

// Stats returns sandbox statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByBatch: make(map[string]int64),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}

			stats.Total++
			stats.TotalSize += int64(len(v))
			stats.ByBatch[msg.BatchID]++
			if msg.SimulatedErr != "" {
				stats.Failed++
			}

			if stats.OldestAt.IsZero() || msg.CapturedAt.Before(stats.OldestAt) {
				stats.OldestAt = msg.CapturedAt
			}
			if msg.CapturedAt.After(stats.NewestAt) {
				stats.NewestAt = msg.CapturedAt
			}
			return nil
		})
	})

	return stats, err
}

// Fixed width so that keys sort chronologically
const keyTimeLayout = "2006-01-02T15:04:05.000000000Z"

func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(keyTimeLayout) + ":" + id)
}
