package customer

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for files that are not csv, xlsx or json
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Alternative spreadsheet columns for the purchase metrics
var columnAliases = map[string]string{
	"quantity": "total_quantity",
	"orders":   "purchase_count",
	"amount":   "order_value",
}

// ParseFile reads customer records from a csv, xlsx or json file. The
// format is chosen by the file extension. Spreadsheet headers are matched
// case-insensitively; name and phone columns are required. Returned
// customers carry no category so that Import classifies them.
func ParseFile(filename string, r io.Reader) ([]*Customer, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		rows, err := csv.NewReader(r).ReadAll()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read csv: %v", ErrInvalidCustomer, err)
		}
		return parseRows(rows)
	case ".xlsx":
		return parseXLSX(r)
	case ".json":
		var customers []*Customer
		if err := json.NewDecoder(r).Decode(&customers); err != nil {
			return nil, fmt.Errorf("%w: failed to decode json: %v", ErrInvalidCustomer, err)
		}
		return customers, nil
	default:
		return nil, fmt.Errorf("%w: %q, use .csv, .xlsx or .json", ErrUnsupportedFormat, filename)
	}
}

func parseXLSX(r io.Reader) ([]*Customer, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open workbook: %v", ErrInvalidCustomer, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read sheet %q: %v", ErrInvalidCustomer, sheet, err)
	}
	return parseRows(rows)
}

// parseRows turns a header row plus data rows into customers
func parseRows(rows [][]string) ([]*Customer, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidCustomer)
	}

	index := make(map[string]int)
	for i, h := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(h))
		if alias, ok := columnAliases[key]; ok {
			if _, exists := index[alias]; !exists {
				index[alias] = i
			}
			continue
		}
		index[key] = i
	}

	for _, col := range []string{"name", "phone"} {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: file must contain columns: name, phone", ErrInvalidCustomer)
		}
	}

	// Without a count column every customer has bought once
	_, hasCount := index["purchase_count"]

	var customers []*Customer
	for n, row := range rows[1:] {
		line := n + 2
		cell := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		if isBlank(row) {
			continue
		}

		c := &Customer{
			ID:              cell("id"),
			Name:            cell("name"),
			Phone:           cell("phone"),
			Email:           cell("email"),
			ProductCategory: cell("product_category"),
		}
		if c.ProductCategory == "" {
			c.ProductCategory = cell("category")
		}

		var err error
		if c.TotalQuantity, err = parseFloat(cell("total_quantity")); err != nil {
			return nil, fmt.Errorf("%w: row %d: total_quantity: %v", ErrInvalidCustomer, line, err)
		}
		if c.OrderValue, err = parseFloat(cell("order_value")); err != nil {
			return nil, fmt.Errorf("%w: row %d: order_value: %v", ErrInvalidCustomer, line, err)
		}
		if hasCount {
			if c.PurchaseCount, err = parseInt(cell("purchase_count")); err != nil {
				return nil, fmt.Errorf("%w: row %d: purchase_count: %v", ErrInvalidCustomer, line, err)
			}
		} else {
			c.PurchaseCount = 1
		}

		customers = append(customers, c)
	}

	return customers, nil
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	// Spreadsheets often store counts as 12.0
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}
