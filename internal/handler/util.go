// Package handler implements the relay's HTTP endpoints.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAck writes the success acknowledgement every webhook call receives.
func writeAck(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, model.Ack{Code: 0, Msg: "success"})
}
