package customer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketCustomers = []byte("customers")

// Storage provides customer storage operations
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new customer storage
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCustomers)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create customer bucket: %w", err)
	}
	return &Storage{db: db}, nil
}

// Import stores customers in one transaction. Records without a category
// are classified from their purchase metrics.
func (s *Storage) Import(ctx context.Context, customers []*Customer) (*ImportResult, error) {
	for i, c := range customers {
		if c.Name == "" || c.Phone == "" {
			return nil, fmt.Errorf("%w: record %d: name and phone are required", ErrInvalidCustomer, i)
		}
	}

	result := &ImportResult{
		Classifications: make(map[Category]int),
		Customers:       customers,
	}
	now := time.Now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCustomers)

		for _, c := range customers {
			if c.ID == "" {
				c.ID = uuid.New().String()
			}
			if c.Category == "" {
				c.Category = Classify(c)
			}
			c.UploadedAt = now

			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("failed to marshal customer: %w", err)
			}
			if err := bucket.Put([]byte(c.ID), data); err != nil {
				return fmt.Errorf("failed to store customer: %w", err)
			}

			result.Classifications[c.Category]++
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	result.TotalCustomers = len(customers)
	return result, nil
}

// Get retrieves a customer by ID
func (s *Storage) Get(ctx context.Context, id string) (*Customer, error) {
	var c *Customer

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getCustomer(tx.Bucket(bucketCustomers), id)
		return err
	})

	return c, err
}

// GetMany retrieves customers in the order of ids. The first unknown id
// fails the whole lookup with ErrCustomerNotFound.
func (s *Storage) GetMany(ctx context.Context, ids []string) ([]*Customer, error) {
	customers := make([]*Customer, 0, len(ids))

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCustomers)
		for _, id := range ids {
			c, err := getCustomer(bucket, id)
			if err != nil {
				return err
			}
			customers = append(customers, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return customers, nil
}

// List returns customers, most recently uploaded first
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Customer, error) {
	var customers []*Customer

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCustomers).ForEach(func(k, v []byte) error {
			var c Customer
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if filter.Category != "" && c.Category != filter.Category {
				return nil
			}
			customers = append(customers, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(customers, func(i, j int) bool {
		return customers[i].UploadedAt.After(customers[j].UploadedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(customers) {
			return nil, nil
		}
		customers = customers[filter.Offset:]
	}
	if filter.Limit > 0 && len(customers) > filter.Limit {
		customers = customers[:filter.Limit]
	}

	return customers, nil
}

// Classifications returns the number of customers per category
func (s *Storage) Classifications(ctx context.Context) (map[Category]int, error) {
	counts := make(map[Category]int)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCustomers).ForEach(func(k, v []byte) error {
			var c Customer
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			counts[c.Category]++
			return nil
		})
	})

	return counts, err
}

// Count returns the number of stored customers
func (s *Storage) Count(ctx context.Context) (int64, error) {
	var n int64

	err := s.db.View(func(tx *bolt.Tx) error {
		n = int64(countKeys(tx.Bucket(bucketCustomers)))
		return nil
	})

	return n, err
}

// Clear removes every customer and returns how many were deleted
func (s *Storage) Clear(ctx context.Context) (int, error) {
	var deleted int

	err := s.db.Update(func(tx *bolt.Tx) error {
		deleted = countKeys(tx.Bucket(bucketCustomers))

		if err := tx.DeleteBucket(bucketCustomers); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketCustomers)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear customers: %w", err)
	}

	return deleted, nil
}

func getCustomer(bucket *bolt.Bucket, id string) (*Customer, error) {
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrCustomerNotFound, id)
	}

	c := &Customer{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal customer: %w", err)
	}
	return c, nil
}

func countKeys(bucket *bolt.Bucket) int {
	n := 0
	c := bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}
