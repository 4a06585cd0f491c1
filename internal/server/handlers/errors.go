package handlers

import (
	"encoding/json"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// ErrorBody is the JSON error envelope returned by every endpoint.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// WriteError writes an error envelope with status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	body := ErrorResponse{Error: ErrorBody{Code: code, Message: message, Details: details}}
	if r != nil {
		body.Error.RequestID = chimw.GetReqID(r.Context())
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NotFound answers unknown routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path, nil)
}

// MethodNotAllowed answers known routes hit with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" not allowed on "+r.URL.Path, nil)
}
