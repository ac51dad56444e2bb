package customer

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		customer Customer
		want     Category
	}{
		{"regular", Customer{TotalQuantity: 5, PurchaseCount: 2, OrderValue: 100}, CategoryRegular},
		{"bulk by quantity", Customer{TotalQuantity: 50}, CategoryBulkBuyer},
		{"bulk by value", Customer{OrderValue: 5000}, CategoryBulkBuyer},
		{"frequent", Customer{PurchaseCount: 10}, CategoryFrequentCustomer},
		{"both", Customer{TotalQuantity: 80, PurchaseCount: 12}, CategoryBoth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(&tt.customer); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCustomerFields(t *testing.T) {
	c := &Customer{
		ID:            "c1",
		Name:          "Ada",
		Phone:         "+15550100",
		PurchaseCount: 3,
		OrderValue:    19.5,
		Category:      CategoryRegular,
	}

	fields := c.Fields()

	want := map[string]string{
		"name":           "Ada",
		"phone":          "+15550100",
		"purchase_count": "3",
		"order_value":    "19.5",
		"category":       "regular",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("Fields()[%q] = %q, want %q", k, fields[k], v)
		}
	}
}
