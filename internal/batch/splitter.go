package batch

import (
	"fmt"
)

// Definition is one chunk produced by Split
type Definition struct {
	Number      int
	Total       int
	CustomerIDs []string
}

// Count returns ceil(total / batchSize)
func Count(total, batchSize int) int {
	if total <= 0 || batchSize <= 0 {
		return 0
	}
	return (total + batchSize - 1) / batchSize
}

// Split partitions customerIDs into contiguous chunks of batchSize.
// The last chunk may be shorter. total must match len(customerIDs).
func Split(total, batchSize int, customerIDs []string) ([]Definition, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be at least 1, got %d", ErrInvalidConfiguration, batchSize)
	}
	if total < 0 {
		return nil, fmt.Errorf("%w: total customers must not be negative, got %d", ErrInvalidConfiguration, total)
	}
	if total != len(customerIDs) {
		return nil, fmt.Errorf("%w: total customers %d does not match %d ids", ErrInvalidConfiguration, total, len(customerIDs))
	}

	n := Count(total, batchSize)
	defs := make([]Definition, 0, n)
	for i := 0; i < n; i++ {
		start := i * batchSize
		end := start + batchSize
		if end > total {
			end = total
		}

		// Copy so that callers cannot mutate a batch through the input slice
		ids := make([]string, end-start)
		copy(ids, customerIDs[start:end])

		defs = append(defs, Definition{
			Number:      i + 1,
			Total:       n,
			CustomerIDs: ids,
		})
	}

	return defs, nil
}
