package main

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Authentication failure taxonomy. All of these surface to the client as a
// generic unauthorized response; the specific value is for internal
// diagnostics only.
var (
	ErrAuthenticationFailed    = errors.New("authentication failed")
	ErrInvalidSession          = errors.New("invalid or expired session")
	ErrUserNotFound            = errors.New("user not found in directory")
	ErrMalformedCredentials    = errors.New("malformed credentials")
	ErrInvalidToken            = errors.New("invalid token")
	ErrNoCredentialsProvided   = errors.New("no credentials provided")
	ErrInsufficientFreshness   = errors.New("fresh credentials required")
	ErrBackendUnavailable      = errors.New("auth backend unavailable")
	ErrSessionStoreUnavailable = errors.New("session store unavailable")
)

// ErrUserExists is returned by Directory.CreateUser on a username collision.
var ErrUserExists = errors.New("user already exists")

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeUnauthorized sends the uniform rejection the client sees for every
// authentication failure. The real reason stays in the logs.
func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}
