// Package api defines shared wire types and HTTP helpers for the relay
// status surface.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// Component types identify the kind of component in status responses.
const (
	TypeOrchestrator = "orchestrator"
	TypeStatusServer = "status-server"
)

// Backend identifiers for the external agent products relay can drive.
const (
	BackendClaude = "claude"
	BackendCodex  = "codex"
	BackendGemini = "gemini"
	BackendMock   = "mock"
)

// Error codes used across HTTP responses.
const (
	ErrorNotFound     = "not_found"
	ErrorValidation   = "validation_error"
	ErrorUnauthorized = "unauthorized"
	ErrorStateInvalid = "state_invalid"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response with the given code and message.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// ParseIntParam parses an integer query parameter with bounds validation.
// Returns defaultVal if value is empty.
// Returns error if value is invalid or out of bounds [min, max].
func ParseIntParam(value string, min, max, defaultVal int) (int, error) {
	if value == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("must be a valid integer")
	}
	if v < min || v > max {
		return 0, fmt.Errorf("must be between %d and %d", min, max)
	}
	return v, nil
}
