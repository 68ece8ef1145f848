package tdclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind is a low-cardinality classification of API failures, used as a
// metric label and for retry decisions.
type ErrorKind string

const (
	KindNotFound      ErrorKind = "not_found"
	KindAlreadyExists ErrorKind = "already_exists"
	KindAuth          ErrorKind = "auth"
	KindClientError   ErrorKind = "client_error"
	KindRateLimit     ErrorKind = "rate_limit"
	KindServerError   ErrorKind = "server_error"
	KindNetwork       ErrorKind = "network"
	KindTimeout       ErrorKind = "timeout"
	KindUnknown       ErrorKind = "unknown"
)

var (
	// ErrNotFound matches any APIError for a missing database or table.
	ErrNotFound = errors.New("tdclient: not found")
	// ErrAlreadyExists matches any APIError for a database or table that exists.
	ErrAlreadyExists = errors.New("tdclient: already exists")
)

// maxMessageLen bounds the response text carried in an APIError.
const maxMessageLen = 512

// APIError is returned for every failed API call.
type APIError struct {
	Op         string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tdclient: %s failed: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the ErrNotFound and ErrAlreadyExists sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrAlreadyExists:
		return e.Kind == KindAlreadyExists
	}
	return false
}

// IsRetryable reports whether the same request may succeed later.
func (e *APIError) IsRetryable() bool {
	switch e.Kind {
	case KindServerError, KindNetwork, KindTimeout, KindRateLimit:
		return true
	default:
		return false
	}
}

// classifyStatus maps an HTTP status code to an ErrorKind.
func classifyStatus(code int) ErrorKind {
	switch {
	case code == 404:
		return KindNotFound
	case code == 409:
		return KindAlreadyExists
	case code == 401 || code == 403:
		return KindAuth
	case code == 429:
		return KindRateLimit
	case code >= 400 && code < 500:
		return KindClientError
	case code >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}

// classifyError categorizes a transport error.
func classifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "EOF"):
		return KindNetwork
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	}
	return KindUnknown
}

// responseMessage extracts a human-readable message from an error body.
// The API answers with {"error": "...", "message": "..."} JSON; anything
// else is returned as trimmed text.
func responseMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen] + "..."
	}
	return msg
}
