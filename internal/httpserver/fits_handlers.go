package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fitsa/fitsa-server/internal/identity"
	"github.com/fitsa/fitsa-server/internal/savedfits"
)

// handleSaveFit stores a fitting result with its shopping metadata.
func (s *Server) handleSaveFit(w http.ResponseWriter, r *http.Request) {
	userKey := identity.EnsureSession(w, r)

	var in savedfits.SaveInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	fit, err := s.fits.Save(r.Context(), userKey, in)
	if err != nil {
		if errors.Is(err, savedfits.ErrInvalidURL) {
			writeError(w, http.StatusBadRequest, "Invalid product URL (must be HTTPS)")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": fit.ID, "fit": fit})
}

// handleListFits returns one page of the caller's saved fits.
func (s *Server) handleListFits(w http.ResponseWriter, r *http.Request) {
	userKey := identity.EnsureSession(w, r)

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	result, err := s.fits.List(r.Context(), userKey, page, perPage, q.Get("q"))
	if err != nil {
		s.logger.Printf("list fits failed for user %s: %v", userKey, err)
		writeError(w, http.StatusInternalServerError, "Failed to list saved fits")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetFit(w http.ResponseWriter, r *http.Request) {
	userKey := identity.EnsureSession(w, r)

	fit, err := s.fits.Get(r.Context(), userKey, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, savedfits.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Fit not found")
			return
		}
		s.logger.Printf("get fit failed for user %s: %v", userKey, err)
		writeError(w, http.StatusInternalServerError, "Failed to load fit")
		return
	}
	writeJSON(w, http.StatusOK, fit)
}

func (s *Server) handleDeleteFit(w http.ResponseWriter, r *http.Request) {
	userKey := identity.EnsureSession(w, r)

	if err := s.fits.Delete(r.Context(), userKey, chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, savedfits.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Fit not found")
			return
		}
		s.logger.Printf("delete fit failed for user %s: %v", userKey, err)
		writeError(w, http.StatusInternalServerError, "Failed to delete fit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
