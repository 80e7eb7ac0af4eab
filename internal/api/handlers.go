/**
 * @description
 * HTTP handlers for credit analysis, offer acceptance and offer listing.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ecs/credit-pipeline/internal/app"
	"github.com/ecs/credit-pipeline/internal/domain"
)

// CreditAPI is the part of the credit service exposed over HTTP.
type CreditAPI interface {
	Analyze(ctx context.Context, userID string) (*domain.Decision, error)
	RequestAcceptance(ctx context.Context, offerID uuid.UUID, userID string) error
	ListOffers(ctx context.Context, userID string, page, pageSize int) (*domain.OfferPage, error)
}

// CreditHandler serves the credit routes.
type CreditHandler struct {
	service CreditAPI
}

// NewCreditHandler creates a new CreditHandler.
func NewCreditHandler(service CreditAPI) *CreditHandler {
	return &CreditHandler{service: service}
}

type acceptOfferRequest struct {
	UserID string `json:"userId"`
}

func (h *CreditHandler) handleCreditAnalysis(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "User ID is required")
		return
	}
	if !authorizedFor(r, userID) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	decision, err := h.service.Analyze(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api msg=\"credit analysis failed\" user_id=%s err=%v", userID, err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

func (h *CreditHandler) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	offerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offer ID")
		return
	}

	var req acceptOfferRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if !authorizedFor(r, req.UserID) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	if err := h.service.RequestAcceptance(r.Context(), offerID, req.UserID); err != nil {
		log.Printf("level=warn component=api msg=\"offer acceptance rejected\" offer_id=%s user_id=%s err=%v", offerID, req.UserID, err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processing"})
}

func (h *CreditHandler) handleListOffers(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "User ID is required")
		return
	}
	if !authorizedFor(r, userID) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	page, err := intQuery(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	pageSize, err := intQuery(r, "page_size", app.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "page_size must be an integer")
		return
	}

	offers, err := h.service.ListOffers(r.Context(), userID, page, pageSize)
	if err != nil {
		log.Printf("level=error component=api msg=\"list offers failed\" user_id=%s err=%v", userID, err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, offers)
}

func intQuery(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrScorerOverloaded),
		errors.Is(err, app.ErrScorerUnavailable),
		errors.Is(err, app.ErrPublishFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, app.ErrAuthNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, app.ErrOfferNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, app.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, app.ErrInvalidPagination),
		errors.Is(err, app.ErrInvalidUserID),
		errors.Is(err, app.ErrInvalidRegistration),
		errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal Server Error"
	}
	writeError(w, status, msg)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeJSON writes JSON responses.
func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
