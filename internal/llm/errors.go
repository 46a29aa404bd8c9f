package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass categorizes backend errors for retry and failover decisions.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassTransient       ErrorClass = "TRANSIENT"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// APIError is a non-2xx backend response.
type APIError struct {
	Backend string
	Status  int
	Body    string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Sprintf("%s request failed: status %d: %s", e.Backend, e.Status, strings.TrimSpace(body))
}

// Classify categorizes a backend error. Status codes win over message
// patterns when an APIError is present.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 401 || apiErr.Status == 403:
			return ErrorClassAuth
		case apiErr.Status == 402:
			return ErrorClassBilling
		case apiErr.Status == 429:
			return ErrorClassRateLimit
		case apiErr.Status == 408 || apiErr.Status == 504:
			return ErrorClassTimeout
		case apiErr.Status >= 500:
			return ErrorClassTransient
		}
		if apiErr.Status == 400 || apiErr.Status == 413 || apiErr.Status == 422 {
			if isOverflowMessage(apiErr.Body) {
				return ErrorClassContextOverflow
			}
		}
		return ErrorClassUnknown
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "forbidden"):
		return ErrorClassAuth
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "too many requests"):
		return ErrorClassRateLimit
	case strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return ErrorClassTimeout
	case strings.Contains(msg, "billing"),
		strings.Contains(msg, "payment"),
		strings.Contains(msg, "insufficient funds"):
		return ErrorClassBilling
	case isOverflowMessage(msg):
		return ErrorClassContextOverflow
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "no such host"):
		return ErrorClassTransient
	}
	return ErrorClassUnknown
}

func isOverflowMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "too large")
}

// Retriable reports whether a retry can help. Auth, billing and
// overflow errors are permanent for the same request.
func Retriable(err error) bool {
	switch Classify(err) {
	case ErrorClassTransient, ErrorClassRateLimit, ErrorClassTimeout:
		return true
	}
	return false
}
