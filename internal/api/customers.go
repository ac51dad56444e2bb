package api

import (
	"net/http"

	"github.com/foxzi/dispatchry/internal/customer"
)

// CustomerImportRequest is the request body for POST /customers
type CustomerImportRequest struct {
	Customers []*CustomerRecord `json:"customers" validate:"required,min=1,dive,required"`
}

// CustomerRecord is one imported customer row
type CustomerRecord struct {
	ID              string  `json:"id,omitempty"`
	Name            string  `json:"name" validate:"required"`
	Phone           string  `json:"phone" validate:"required"`
	Email           string  `json:"email,omitempty" validate:"omitempty,email"`
	TotalQuantity   float64 `json:"total_quantity" validate:"gte=0"`
	PurchaseCount   int     `json:"purchase_count" validate:"gte=0"`
	OrderValue      float64 `json:"order_value" validate:"gte=0"`
	ProductCategory string  `json:"product_category,omitempty"`
	Category        string  `json:"category,omitempty" validate:"omitempty,oneof=bulk_buyer frequent_customer both regular"`
}

// CustomerListResponse is the response for GET /customers
type CustomerListResponse struct {
	Customers []*customer.Customer `json:"customers"`
	Total     int64                `json:"total"`
}

// ClassificationsResponse is the response for GET /customers/classifications
type ClassificationsResponse struct {
	Classifications map[customer.Category]int `json:"classifications"`
}

// handleImportCustomers handles POST /api/v1/customers
func (s *Server) handleImportCustomers(w http.ResponseWriter, r *http.Request) {
	var req CustomerImportRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	customers := make([]*customer.Customer, len(req.Customers))
	for i, rec := range req.Customers {
		customers[i] = &customer.Customer{
			ID:              rec.ID,
			Name:            rec.Name,
			Phone:           rec.Phone,
			Email:           rec.Email,
			TotalQuantity:   rec.TotalQuantity,
			PurchaseCount:   rec.PurchaseCount,
			OrderValue:      rec.OrderValue,
			ProductCategory: rec.ProductCategory,
			Category:        customer.Category(rec.Category),
		}
	}

	result, err := s.customers.Import(r.Context(), customers)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.logger.Info("customers imported", "count", result.TotalCustomers)
	s.sendJSON(w, http.StatusCreated, result)
}

// maxUploadSize bounds the in-memory part of a customer file upload
const maxUploadSize = 10 << 20

// handleUploadCustomers handles POST /api/v1/customers/upload, a multipart
// form with a csv, xlsx or json file in the "file" field
func (s *Server) handleUploadCustomers(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.sendErrorCode(w, http.StatusBadRequest, CodeValidation, "Invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendErrorCode(w, http.StatusBadRequest, CodeValidation, "file is required")
		return
	}
	defer file.Close()

	customers, err := customer.ParseFile(header.Filename, file)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	result, err := s.customers.Import(r.Context(), customers)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.logger.Info("customers uploaded", "file", header.Filename, "count", result.TotalCustomers)
	s.sendJSON(w, http.StatusCreated, result)
}

// handleListCustomers handles GET /api/v1/customers
func (s *Server) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	filter := customer.ListFilter{Category: customer.Category(r.URL.Query().Get("category"))}

	var ok bool
	if filter.Limit, filter.Offset, ok = s.parsePaging(w, r); !ok {
		return
	}

	customers, err := s.customers.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if customers == nil {
		customers = []*customer.Customer{}
	}

	total, err := s.customers.Count(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, CustomerListResponse{Customers: customers, Total: total})
}

// handleClassifications handles GET /api/v1/customers/classifications
func (s *Server) handleClassifications(w http.ResponseWriter, r *http.Request) {
	counts, err := s.customers.Classifications(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, ClassificationsResponse{Classifications: counts})
}

// handleClearCustomers handles DELETE /api/v1/customers
func (s *Server) handleClearCustomers(w http.ResponseWriter, r *http.Request) {
	n, err := s.customers.Clear(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.logger.Info("customers cleared", "count", n)
	s.sendJSON(w, http.StatusOK, map[string]int{"deleted": n})
}
