package httpserver

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/fitsa/fitsa-server/internal/credits"
	"github.com/fitsa/fitsa-server/internal/identity"
	"github.com/fitsa/fitsa-server/internal/provider"
)

// maxUploadBytes caps the whole multipart body. Two phone photos fit
// comfortably; anything larger is abuse.
const maxUploadBytes = 16 << 20

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

type fittingResponse struct {
	Success       bool   `json:"success"`
	ResultURL     string `json:"resultUrl"`
	Method        string `json:"method"`
	Status        string `json:"status"`
	ChargeType    string `json:"charge_type"`
	IsRefit       bool   `json:"is_refit"`
	RemainingFree int    `json:"remaining_free"`
	Credits       int    `json:"credits"`
}

// handleVirtualFitting runs the full pipeline: resolve identity, charge the
// ledger, generate the composite, refund if generation fails.
func (s *Server) handleVirtualFitting(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userKey := identity.EnsureSession(w, r)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Both userPhoto and clothingPhoto are required")
		return
	}

	personBytes, err := readUpload(r, "userPhoto")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	garmentBytes, err := readUpload(r, "clothingPhoto")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	category := provider.Category(r.FormValue("category"))
	if category == "" {
		category = provider.CategoryUpperBody
	}
	if !category.Valid() {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Unsupported category: %s. Only upper_body, lower_body, dress are supported.", category))
		return
	}

	// The ledger hash covers the bytes as uploaded. Background removal runs
	// after hashing: its output is not deterministic, and a re-run of the
	// same two photos must count as a refit either way.
	req := provider.Request{
		PersonImage:  personBytes,
		GarmentImage: garmentBytes,
		Category:     category,
	}
	contentHash := req.ContentHash()

	if strings.EqualFold(r.FormValue("removeBackground"), "true") && s.bgRemover != nil {
		cleaned, err := s.bgRemover.RemoveBackground(ctx, garmentBytes)
		if err != nil {
			s.logger.Printf("background removal failed, using original image: %v", err)
		} else {
			req.GarmentImage = cleaned
		}
	}

	outcome, err := s.credits.TryConsume(ctx, userKey, contentHash)
	if err != nil {
		s.logger.Printf("try consume failed for user %s: %v", userKey, err)
		writeError(w, http.StatusInternalServerError, "Credit check failed")
		return
	}
	switch outcome.Decision {
	case credits.DecisionNeedsPayment:
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":            "No free fittings or credits remaining",
			"requires_payment": true,
			"remaining_free":   outcome.RemainingFree,
			"credits":          outcome.Credits,
		})
		return
	case credits.DecisionRefitLimitExceeded:
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "Refit limit reached for this outfit. Try a different photo or garment.",
			"refit_count": outcome.RefitCount,
		})
		return
	}

	result, err := s.provider.TryOn(ctx, req)
	if err != nil {
		s.logger.Printf("virtual fitting failed for user %s: %v", userKey, err)
		// Reverse the charge; a failed generation must not cost anything.
		if outcome.ChargeType == credits.ChargeFree || outcome.ChargeType == credits.ChargeCredit {
			if rerr := s.credits.Refund(ctx, userKey, outcome.ChargeType, contentHash); rerr != nil {
				s.logger.Printf("refund failed for user %s: %v", userKey, rerr)
			}
		}
		writeError(w, http.StatusBadGateway,
			fmt.Sprintf("All virtual fitting methods failed for category: %s", category))
		return
	}

	status, err := s.credits.Status(ctx, userKey)
	if err != nil {
		s.logger.Printf("status read failed for user %s: %v", userKey, err)
		status = credits.Status{RemainingFree: outcome.RemainingFree, Credits: outcome.Credits}
	}

	writeJSON(w, http.StatusOK, fittingResponse{
		Success:       true,
		ResultURL:     result.ImageDataURI,
		Method:        result.Method,
		Status:        "completed",
		ChargeType:    string(outcome.ChargeType),
		IsRefit:       outcome.ChargeType == credits.ChargeRefit,
		RemainingFree: status.RemainingFree,
		Credits:       status.Credits,
	})
}

// handleCreditsStatus reports the caller's balances without consuming
// anything.
func (s *Server) handleCreditsStatus(w http.ResponseWriter, r *http.Request) {
	userKey := identity.EnsureSession(w, r)
	status, err := s.credits.Status(r.Context(), userKey)
	if err != nil {
		s.logger.Printf("status read failed for user %s: %v", userKey, err)
		writeError(w, http.StatusInternalServerError, "Credit check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_key":       userKey,
		"remaining_free": status.RemainingFree,
		"credits":        status.Credits,
		"daily_limit":    credits.DailyFreeLimit,
	})
}

// readUpload pulls one image file out of the multipart form, enforcing the
// extension allowlist.
func readUpload(r *http.Request, field string) ([]byte, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("Both userPhoto and clothingPhoto are required")
	}
	defer file.Close()

	if header.Filename == "" {
		return nil, fmt.Errorf("Empty filename")
	}
	if !allowedFile(header) {
		return nil, fmt.Errorf("Invalid file type")
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("Failed to read %s", field)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("Empty file for %s", field)
	}
	return data, nil
}

func allowedFile(header *multipart.FileHeader) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(header.Filename))]
}
