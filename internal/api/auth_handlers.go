package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/ecs/credit-pipeline/internal/app"
	"github.com/ecs/credit-pipeline/internal/domain"
)

// AuthAPI is the account service exposed over HTTP.
type AuthAPI interface {
	Register(ctx context.Context, email, password string) (*domain.User, error)
	Login(ctx context.Context, email, password string) (*domain.AccessToken, error)
}

// AuthHandler serves registration and login. Its routes are public.
type AuthHandler struct {
	service AuthAPI
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(service AuthAPI) *AuthHandler {
	return &AuthHandler{service: service}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	var req credentialsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return req, false
	}
	return req, true
}

func (h *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if !errors.Is(err, app.ErrEmailTaken) && !errors.Is(err, app.ErrInvalidRegistration) {
			log.Printf("level=error component=api msg=\"registration failed\" err=%v", err)
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	token, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, app.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		log.Printf("level=error component=api msg=\"login failed\" err=%v", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, token)
}
