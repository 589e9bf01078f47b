package api

import (
	"encoding/json"
	"log"
	"net/http"

	"provisio/internal/provisioning/store"
)

// UserHandler exposes the read side of the canonical user store. Creation
// only happens through the saga; there is no HTTP create endpoint here.
type UserHandler struct {
	repo store.UserRepository
}

func NewUserHandler(repo store.UserRepository) *UserHandler {
	return &UserHandler{repo: repo}
}

// HandleList returns every canonical user.
func (h *UserHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	users, err := h.repo.ListUsers(r.Context())
	if err != nil {
		log.Printf("Error listing users: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(users)
}
