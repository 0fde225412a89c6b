package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProxyError represents an error that can be returned to clients of the
// control surface as a JSON envelope.
type ProxyError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *ProxyError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *ProxyError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base errors (no details/requestID) use pre-serialized JSON to avoid allocations.
func (e *ProxyError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &ProxyError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &ProxyError{
		Code:    http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrBadRequest = &ProxyError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrBadGateway = &ProxyError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrInternalServer = &ProxyError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*ProxyError][]byte

func init() {
	bases := []*ProxyError{
		ErrNotFound, ErrMethodNotAllowed, ErrBadRequest,
		ErrBadGateway, ErrInternalServer,
	}
	preSerialized = make(map[*ProxyError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new ProxyError.
func New(code int, message string) *ProxyError {
	return &ProxyError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a client-facing code and message.
func Wrap(err error, code int, message string) *ProxyError {
	return &ProxyError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy of the error with details attached.
func (e *ProxyError) WithDetails(details string) *ProxyError {
	return &ProxyError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID returns a copy of the error with a request ID attached.
func (e *ProxyError) WithRequestID(requestID string) *ProxyError {
	return &ProxyError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}
