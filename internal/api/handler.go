// Package api provides HTTP handlers for the messaging API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/arjunmenon888/riskwatch-app/internal/config"
	"github.com/arjunmenon888/riskwatch-app/internal/domain"
	"github.com/arjunmenon888/riskwatch-app/internal/identity"
	"github.com/arjunmenon888/riskwatch-app/internal/store"
	"github.com/go-playground/validator/v10"
)

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	tokens   *identity.JWTIssuer
	cfg      *config.Config
	validate *validator.Validate
	log      *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, tokens *identity.JWTIssuer, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:     repo,
		tokens:   tokens,
		cfg:      cfg,
		validate: validator.New(),
		log:      logger.With("component", "api"),
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail logs server-side failures and writes the mapped error response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error(msg, "error", err, "user_id", identity.UserIDFromContext(r.Context()), "path", r.URL.Path)
		Error(w, status, msg)
		return
	}
	Error(w, status, err.Error())
}

// decodeJSON reads a bounded JSON body into v and validates it.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			Error(w, http.StatusBadRequest, "invalid "+verrs[0].Field())
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

// currentUser returns the authenticated identity or writes 401.
func currentUser(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	user, ok := identity.UserFromContext(r.Context())
	if !ok || user.ID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return domain.Identity{}, false
	}
	return user, true
}
