// Package handler provides the HTTP handlers for message history, sending,
// presence and health.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/accreditation-portal/messaging/internal/model"
)

// maxBodyBytes caps request bodies above the longest accepted message.
const maxBodyBytes = 256 * 1024

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, &model.ErrorResponse{Error: message})
}

// decodeJSON reads a size-capped JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}
