package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ukydev/fleet-odometer/internal/db"
	"github.com/ukydev/fleet-odometer/internal/middleware"
	"github.com/ukydev/fleet-odometer/internal/models"
)

// ProfileHandler exposes the caller's identity as the API sees it.
type ProfileHandler struct {
	userCollection db.UserCollection
}

// NewProfileHandler creates a new profile handler
func NewProfileHandler(userCollection db.UserCollection) *ProfileHandler {
	return &ProfileHandler{
		userCollection: userCollection,
	}
}

type profileResponse struct {
	Username    string      `json:"username"`
	Role        models.Role `json:"role"`
	CanCorrect  bool        `json:"can_correct"`
	Contact     string      `json:"contact,omitempty"`
	InDirectory bool        `json:"in_directory"`
}

// GetProfile returns the current user's role and correction privilege
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User context not found", http.StatusUnauthorized)
		return
	}

	response := profileResponse{Username: claims.Username, Role: claims.Role}

	// The ledger identifies actors by username, so the directory is looked up the same way.
	user, err := h.userCollection.FindUserByUsername(r.Context(), claims.Username)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		http.Error(w, "Failed to load user", http.StatusInternalServerError)
		return
	default:
		response.InDirectory = true
		response.Role = user.Role
		response.Contact = user.Contact()
		response.CanCorrect = user.IsActive && user.HasPermission(models.PermCorrectOdometer)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}
