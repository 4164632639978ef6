package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
	"github.com/arjunmenon888/riskwatch-app/internal/identity"
	"github.com/go-chi/chi/v5"
)

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse is returned on successful login.
type LoginResponse struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	User        domain.Identity `json:"user"`
}

// AuthHandler handles registration, login and the current identity.
type AuthHandler struct {
	*Handler
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(base *Handler) *AuthHandler {
	return &AuthHandler{Handler: base}
}

// RegisterPublicRoutes registers routes that need no token.
func (h *AuthHandler) RegisterPublicRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
	})
}

// RegisterRoutes registers routes behind the identity middleware.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/me", h.GetMe)
}

// Register creates a new identity.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	hash, err := identity.HashPassword(req.Password)
	if err != nil {
		h.fail(w, r, "failed to hash password", err)
		return
	}

	user := &domain.Identity{
		Name:  strings.TrimSpace(req.Name),
		Email: req.Email,
		Role:  domain.RoleUser,
	}
	if err := h.repo.CreateUser(r.Context(), user, hash); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			Error(w, http.StatusConflict, "email already registered")
			return
		}
		h.fail(w, r, "failed to create user", err)
		return
	}

	h.log.Info("User registered", "user_id", user.ID)
	JSON(w, http.StatusCreated, user)
}

// Login verifies credentials and issues a bearer token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	user, hash, err := h.repo.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		h.fail(w, r, "failed to load user", err)
		return
	}
	if user == nil {
		Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ok, err := identity.ComparePassword(req.Password, hash)
	if err != nil || !ok {
		Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.fail(w, r, "failed to issue token", err)
		return
	}

	JSON(w, http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        *user,
	})
}

// GetMe returns the current user's information.
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, user)
}
