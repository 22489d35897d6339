// Package response provides standardized HTTP response helpers
package response

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/saas-invoice/saas-invoice/internal/platform/validation"
)

// ErrorBody is the error envelope
type ErrorBody struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// Page is the paginated list envelope
type Page struct {
	Count    int         `json:"count"`
	Next     *string     `json:"next"`
	Previous *string     `json:"previous"`
	Results  interface{} `json:"results"`
}

// APIError represents an API error with HTTP status
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]string
}

func (e *APIError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error carrying one more detail
func (e *APIError) WithDetails(key, value string) *APIError {
	out := *e
	out.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// WithMessage returns a copy of the error with a specific message
func (e *APIError) WithMessage(message string) *APIError {
	out := *e
	out.Message = message
	return &out
}

// Common errors
var (
	ErrBadRequest = &APIError{
		StatusCode: http.StatusBadRequest,
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
	}

	ErrUnauthorized = &APIError{
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
	}

	ErrForbidden = &APIError{
		StatusCode: http.StatusForbidden,
		Code:       "FORBIDDEN",
		Message:    "You do not have permission to perform this action",
	}

	ErrNotFound = &APIError{
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
	}

	ErrConflict = &APIError{
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT",
		Message:    "Resource already exists",
	}

	ErrValidation = &APIError{
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "VALIDATION_ERROR",
		Message:    "Validation failed",
	}

	ErrPayloadTooLarge = &APIError{
		StatusCode: http.StatusRequestEntityTooLarge,
		Code:       "PAYLOAD_TOO_LARGE",
		Message:    "Request body too large",
	}

	ErrTooManyRequests = &APIError{
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMITED",
		Message:    "Too many requests",
	}

	ErrInternal = &APIError{
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    "Internal server error",
	}

	ErrServiceUnavailable = &APIError{
		StatusCode: http.StatusServiceUnavailable,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    "Service temporarily unavailable",
	}
)

// JSON writes data as the response body
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error writes the error envelope
func Error(w http.ResponseWriter, err *APIError) {
	JSON(w, err.StatusCode, ErrorBody{
		Error:   err.Message,
		Code:    err.Code,
		Details: err.Details,
	})
}

// NoContent sends a 204 No Content response
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Created sends a 201 Created response
func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

// OK sends a 200 OK response
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// PageParams reads page and page_size from the query string
func PageParams(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	switch {
	case pageSize < 1:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// Paginated writes one page of results with links to its neighbours
func Paginated(w http.ResponseWriter, r *http.Request, results interface{}, page, pageSize, total int) {
	body := Page{Count: total, Results: results}
	if page*pageSize < total {
		body.Next = pageLink(r, page+1, pageSize)
	}
	if page > 1 {
		body.Previous = pageLink(r, page-1, pageSize)
	}
	OK(w, body)
}

func pageLink(r *http.Request, page, pageSize int) *string {
	u := url.URL{Path: r.URL.Path}
	if r.Host != "" {
		u.Host = r.Host
		u.Scheme = "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			u.Scheme = "https"
		}
	}
	q := r.URL.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()
	link := u.String()
	return &link
}

// Decode reads a JSON request body into dst. An empty body leaves dst untouched.
func Decode(r *http.Request, dst interface{}) *APIError {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case errors.As(err, &tooLarge):
		return ErrPayloadTooLarge
	default:
		return ErrBadRequest.WithMessage("Malformed JSON body")
	}
}

// Invalid converts a *validation.Error into a 422 carrying one detail per field.
// Other errors become a plain 400 with their message.
func Invalid(err error) *APIError {
	var verr *validation.Error
	if errors.As(err, &verr) {
		out := ErrValidation.WithMessage(verr.Error())
		out.Details = make(map[string]string, len(verr.Fields))
		for k, v := range verr.Fields {
			out.Details[k] = v
		}
		return out
	}
	return ErrBadRequest.WithMessage(err.Error())
}
