// Package http provides the HTTP handlers of the pseudonymisation API.
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/middleware"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/service"
)

// SlideService defines the slide operations required by the SlideHandler.
type SlideService interface {
	// Pseudonymise rewrites the container named by record.Path under a
	// surrogate identity on behalf of operator.
	Pseudonymise(ctx context.Context, operator string, record models.SlideIdentity) (*service.Outcome, error)
	// DePseudonymise returns the original identity of a surrogate record.
	DePseudonymise(ctx context.Context, record models.SlideIdentity) (*models.SlideIdentity, error)
	// Restore rewrites a pseudonymised container back to its original form.
	Restore(ctx context.Context, pseudonymID, src, dst string) (*service.RestoreOutcome, error)
}

// MappingResolver looks up stored mappings.
type MappingResolver interface {
	ResolveByPseudonym(ctx context.Context, pseudonymID string) (*models.PseudonymMapping, error)
}

// SlideHandler handles HTTP requests for pseudonymisation and its reversal.
type SlideHandler struct {
	Slides   SlideService
	Mappings MappingResolver
	Log      *zap.Logger
}

// RestoreRequest is the JSON payload of POST /api/restore.
type RestoreRequest struct {
	PseudonymID string `json:"pseudonym_id"`
	// Path names the pseudonymised container relative to the input directory.
	Path string `json:"path"`
}

// Pseudonymise handles POST /api/pseudonymise.
// It expects a SlideIdentity whose path names a container in the server's
// input directory and responds with the surrogate and the output location.
func (h *SlideHandler) Pseudonymise(w http.ResponseWriter, r *http.Request) {
	var record models.SlideIdentity
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil || record.ID == "" || record.Path == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	operator := middleware.OperatorFromContext(r.Context())
	out, err := h.Slides.Pseudonymise(r.Context(), operator, record)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// DePseudonymise handles POST /api/depseudonymise.
// The body is a surrogate SlideIdentity; only its id is used for the
// lookup. The response is the stored original, field for field.
func (h *SlideHandler) DePseudonymise(w http.ResponseWriter, r *http.Request) {
	var record models.SlideIdentity
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil || record.ID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	original, err := h.Slides.DePseudonymise(r.Context(), record)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger().Info("slide de-pseudonymised",
		zap.String("operator", middleware.OperatorFromContext(r.Context())),
		zap.String("surrogate_id", record.ID),
	)
	writeJSON(w, http.StatusOK, original)
}

// Mapping handles GET /api/mappings/{pseudonymID}.
func (h *SlideHandler) Mapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pseudonymID")
	if id == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	m, err := h.Mappings.ResolveByPseudonym(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Restore handles POST /api/restore. The restored container is written
// next to the pseudonymised one under the original file name.
func (h *SlideHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PseudonymID == "" || req.Path == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	out, err := h.Slides.Restore(r.Context(), req.PseudonymID, req.Path, "")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// WhoAmI handles GET /api/whoami and echoes the operator named by the
// client certificate.
func (h *SlideHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"operator": middleware.OperatorFromContext(r.Context()),
	})
}

func (h *SlideHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *SlideHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger().Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	http.Error(w, msg, code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
