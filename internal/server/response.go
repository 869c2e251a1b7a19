package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every API response.
type Envelope struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeValidation   = "VALIDATION_ERROR"
	codeUnauthorized = "UNAUTHORIZED"
	codeNotFound     = "NOT_FOUND"
	codeConflict     = "CONFLICT"
	codeUnavailable  = "UNAVAILABLE"
	codeUpstream     = "UPSTREAM_ERROR"
	codeInternal     = "INTERNAL"
)

func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil)
}

func respondAccepted(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusAccepted, reqID, data, nil)
}

func respondError(w http.ResponseWriter, reqID string, status int, code, msg string) {
	respondJSON(w, status, reqID, nil, &APIError{Code: code, Message: msg})
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, apiErr *APIError) {
	resp := Envelope{
		Status:    "ok",
		RequestID: reqID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Error:     apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
