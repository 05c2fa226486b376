package server

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// APIError is the problem-style JSON body of every error response.
// The same shape travels inside WebSocket error responses.
type APIError struct {
	Status int    `json:"status"`
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.Warningf("writeJSON: cannot serialize response: %s", err)
	}
}

func writeError(w http.ResponseWriter, status int, errType string, title string, detail string) {
	writeJSON(w, status, &APIError{
		Status: status,
		Type:   errType,
		Title:  title,
		Detail: detail,
	})
}
