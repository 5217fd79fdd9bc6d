package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rx3lixir/boltalka/internal/db"
)

// respondJSON sends a JSON response with the given status code
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.log.Error("Failed to encode JSON response", "error", err)
		}
	}
}

// respondError sends an error response with appropriate status code
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// handleError maps an error to the appropriate HTTP response
func (s *Server) handleError(w http.ResponseWriter, err error) {
	var validationErr *ValidationErr
	if errors.As(err, &validationErr) {
		s.respondError(w, http.StatusBadRequest, validationErr.Error())
		return
	}

	var unauthorizedErr *UnauthorizedErr
	if errors.As(err, &unauthorizedErr) {
		s.respondError(w, http.StatusUnauthorized, unauthorizedErr.Error())
		return
	}

	if errors.Is(err, db.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "Not found")
		return
	}

	// Default to 500 for unknown errors
	s.log.Error("Internal server error", "error", err)
	s.respondError(w, http.StatusInternalServerError, "An unexpected error occurred")
}

type ValidationErr struct {
	Message string
}

func (e *ValidationErr) Error() string {
	return e.Message
}

func NewValidationError(message string) error {
	return &ValidationErr{
		Message: message,
	}
}

type UnauthorizedErr struct {
	Message string
}

func (e *UnauthorizedErr) Error() string {
	return e.Message
}

func NewUnauthorizedError(message string) error {
	return &UnauthorizedErr{
		Message: message,
	}
}
