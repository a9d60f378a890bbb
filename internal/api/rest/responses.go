package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorBody is the uniform error envelope for every non-2xx response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ErrorID string `json:"error_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeInternalError hides the failure cause behind an opaque error id. The
// id lets operators correlate the response with the tracked error record.
func writeInternalError(w http.ResponseWriter, errorID string) {
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
		Code:    "INTERNAL_ERROR",
		Message: "An internal error occurred",
		ErrorID: errorID,
	}})
}
