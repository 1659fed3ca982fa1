package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleListBrands returns every luxury hall brand without item lists.
func (s *Server) handleListBrands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"brands": s.catalog.Brands()})
}

// handleGetBrand returns one brand with its full rack.
func (s *Server) handleGetBrand(w http.ResponseWriter, r *http.Request) {
	brand, ok := s.catalog.Brand(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Brand not found")
		return
	}
	items, _ := s.catalog.Items(brand.ID, "")
	writeJSON(w, http.StatusOK, map[string]any{"brand": brand, "items": items})
}

// handleBrandItems returns a brand's garments, optionally filtered by the
// section query parameter (tops, bottoms, dresses).
func (s *Server) handleBrandItems(w http.ResponseWriter, r *http.Request) {
	items, ok := s.catalog.Items(chi.URLParam(r, "id"), r.URL.Query().Get("section"))
	if !ok {
		writeError(w, http.StatusNotFound, "Brand not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
