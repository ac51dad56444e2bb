package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/dispatchry/internal/template"
)

// TemplateCreateRequest is the request for creating a template
type TemplateCreateRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Content string `json:"content" validate:"required"`
}

// TemplateListResponse is the response for listing templates
type TemplateListResponse struct {
	Templates []*template.Template `json:"templates"`
	Total     int64                `json:"total"`
}

// TemplatePreviewRequest renders a template for one customer or for
// explicit values
type TemplatePreviewRequest struct {
	CustomerID string            `json:"customer_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// TemplatePreviewResponse is the rendered preview
type TemplatePreviewResponse struct {
	Content string   `json:"content"`
	Missing []string `json:"missing,omitempty"`
}

// handleCreateTemplate handles POST /api/v1/templates
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateCreateRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	tmpl := &template.Template{Name: req.Name, Content: req.Content}
	if err := s.templates.Create(r.Context(), tmpl); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.logger.Info("template created", "id", tmpl.ID, "name", tmpl.Name, "placeholders", tmpl.Placeholders)
	s.sendJSON(w, http.StatusCreated, tmpl)
}

// handleListTemplates handles GET /api/v1/templates
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	filter := template.ListFilter{Search: r.URL.Query().Get("search")}

	var ok bool
	if filter.Limit, filter.Offset, ok = s.parsePaging(w, r); !ok {
		return
	}

	templates, err := s.templates.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if templates == nil {
		templates = []*template.Template{}
	}

	stats, err := s.templates.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, TemplateListResponse{Templates: templates, Total: stats.Total})
}

// handleGetTemplate handles GET /api/v1/templates/{id}
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleDeleteTemplate handles DELETE /api/v1/templates/{id}
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.templates.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.logger.Info("template deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handlePreviewTemplate handles POST /api/v1/templates/{id}/preview
func (s *Server) handlePreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplatePreviewRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	tmpl, err := s.templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	data := req.Data
	if req.CustomerID != "" {
		c, err := s.customers.Get(r.Context(), req.CustomerID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		data = c.Fields()
	}

	s.sendJSON(w, http.StatusOK, TemplatePreviewResponse{
		Content: s.engine.Render(tmpl.Content, data),
		Missing: s.engine.Missing(tmpl, data),
	})
}
