// Package customer stores imported recipients and their classification.
package customer

import (
	"errors"
	"strconv"
	"time"
)

var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrInvalidCustomer  = errors.New("invalid customer")
)

// Category is the purchase-pattern classification of a customer
type Category string

const (
	CategoryBulkBuyer        Category = "bulk_buyer"
	CategoryFrequentCustomer Category = "frequent_customer"
	CategoryBoth             Category = "both"
	CategoryRegular          Category = "regular"
)

// Classification thresholds
const (
	BulkQuantityThreshold   = 50
	BulkOrderValueThreshold = 5000
	FrequentPurchaseCount   = 10
)

// Customer is one recipient. Immutable after import.
type Customer struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Phone           string    `json:"phone"`
	Email           string    `json:"email,omitempty"`
	TotalQuantity   float64   `json:"total_quantity"`
	PurchaseCount   int       `json:"purchase_count"`
	OrderValue      float64   `json:"order_value"`
	ProductCategory string    `json:"product_category,omitempty"`
	Category        Category  `json:"category"`
	UploadedAt      time.Time `json:"uploaded_at"`
}

// Classify derives the category from purchase metrics
func Classify(c *Customer) Category {
	bulk := c.TotalQuantity >= BulkQuantityThreshold || c.OrderValue >= BulkOrderValueThreshold
	frequent := c.PurchaseCount >= FrequentPurchaseCount

	switch {
	case bulk && frequent:
		return CategoryBoth
	case bulk:
		return CategoryBulkBuyer
	case frequent:
		return CategoryFrequentCustomer
	default:
		return CategoryRegular
	}
}

// Fields returns the values available to template placeholders
func (c *Customer) Fields() map[string]string {
	return map[string]string{
		"id":               c.ID,
		"name":             c.Name,
		"phone":            c.Phone,
		"email":            c.Email,
		"category":         string(c.Category),
		"product_category": c.ProductCategory,
		"total_quantity":   strconv.FormatFloat(c.TotalQuantity, 'f', -1, 64),
		"purchase_count":   strconv.Itoa(c.PurchaseCount),
		"order_value":      strconv.FormatFloat(c.OrderValue, 'f', -1, 64),
	}
}

// ImportResult summarizes an import
type ImportResult struct {
	TotalCustomers  int              `json:"total_customers"`
	Classifications map[Category]int `json:"classifications"`
	Customers       []*Customer      `json:"customers"`
}

// ListFilter contains filters for listing customers
type ListFilter struct {
	Category Category
	Limit    int
	Offset   int
}
