package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthenticated is matched by any 401/403 or a negative /auth answer.
	ErrUnauthenticated = errors.New("backend: not authenticated")
	// ErrTooLarge is matched by a 413 response.
	ErrTooLarge = errors.New("backend: payload too large")
	// ErrNotFound is matched by a 404 response.
	ErrNotFound = errors.New("backend: not found")
)

// APIError describes a non-success answer from the remote backend.
type APIError struct {
	Status        int
	Code          int
	Message       string
	Detail        string
	RetryAt       float64 // seconds since epoch, set on 429
	MissingFields []string
}

func (e *APIError) Error() string {
	text := e.Detail
	if text == "" {
		text = e.Message
	}
	if text == "" {
		text = http.StatusText(e.Status)
	}
	return fmt.Sprintf("backend: status %d code %d: %s", e.Status, e.Code, text)
}

// Unwrap maps well-known statuses onto the package sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthenticated
	case http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// RateLimited reports whether the backend asked the caller to come back later.
func (e *APIError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests && e.RetryAt > 0
}

// Missing reports whether field was listed in detail.missing_fields.
func (e *APIError) Missing(field string) bool {
	for _, f := range e.MissingFields {
		if f == field {
			return true
		}
	}
	return false
}

// UserMessage picks the most specific human readable text, or fallback.
func (e *APIError) UserMessage(fallback string) string {
	if strings.TrimSpace(e.Detail) != "" {
		return e.Detail
	}
	if strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	return fallback
}

// UserMessage returns the backend's own text when err carries one.
func UserMessage(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.UserMessage(fallback)
	}
	return fallback
}

// envelope is the common shape of every JSON answer.
type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

func (env envelope) apiError(status int) *APIError {
	apiErr := &APIError{Status: status, Message: env.Message}
	if env.Code != nil {
		apiErr.Code = *env.Code
	}
	if len(env.Detail) == 0 {
		return apiErr
	}

	// detail is either a plain message or an object with retry/missing hints.
	var text string
	if err := json.Unmarshal(env.Detail, &text); err == nil {
		apiErr.Detail = text
		return apiErr
	}
	var hints struct {
		RetryAt       float64  `json:"retry_at"`
		MissingFields []string `json:"missing_fields"`
	}
	if err := json.Unmarshal(env.Detail, &hints); err == nil {
		apiErr.RetryAt = hints.RetryAt
		apiErr.MissingFields = hints.MissingFields
	}
	return apiErr
}
