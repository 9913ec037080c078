package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Classification buckets an upstream failure for the retry and failover
// logic. The set is closed; clients map every HTTP status and transport
// error onto exactly one value.
type Classification string

const (
	ClassBadRequest        Classification = "bad_request"
	ClassAuthError         Classification = "auth_error"
	ClassPaymentRequired   Classification = "payment_required"
	ClassRecoverable       Classification = "recoverable"
	ClassRateLimited       Classification = "rate_limited"
	ClassTransientUpstream Classification = "transient_upstream"
	ClassTransientNetwork  Classification = "transient_network"
)

// APIError is a classified upstream failure from one provider.
type APIError struct {
	Provider   string
	StatusCode int
	Class      Classification
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Class, e.Message)
}

// HTTPStatus implements StatusCoder. Zero for pure transport failures.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Retryable reports whether the same provider may be attempted again.
func (e *APIError) Retryable() bool {
	switch e.Class {
	case ClassRateLimited, ClassTransientUpstream, ClassTransientNetwork, ClassRecoverable:
		return true
	}
	return false
}

// ClassifyStatus maps a non-200 HTTP status to an APIError.
func ClassifyStatus(provider string, status int, message string) *APIError {
	e := &APIError{Provider: provider, StatusCode: status, Message: message}
	switch {
	case status == http.StatusBadRequest:
		e.Class = ClassBadRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Class = ClassAuthError
	case status == http.StatusPaymentRequired:
		e.Class = ClassPaymentRequired
	case status == http.StatusTooManyRequests:
		e.Class = ClassRateLimited
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		e.Class = ClassTransientUpstream
	case status >= 500:
		e.Class = ClassTransientUpstream
	default:
		e.Class = ClassBadRequest
	}
	return e
}

// ClassifyTransport maps a transport-level error (no HTTP status) to an
// APIError. Timeouts and resets are transient_network.
func ClassifyTransport(provider string, err error) *APIError {
	msg := err.Error()
	e := &APIError{Provider: provider, Class: ClassTransientNetwork, Message: msg}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.Message = "request timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Message = "request timed out"
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "EOF"):
		// keep transient_network
	case errors.Is(err, context.Canceled):
		e.Message = "request cancelled"
	}
	return e
}

// HealthKind maps a probe failure to the health-status kind vocabulary.
func HealthKind(status int, err error) string {
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return "timeout"
		}
		if _, ok := err.(*net.OpError); ok {
			return "connection_error"
		}
		if strings.Contains(err.Error(), "connection") {
			return "connection_error"
		}
		return "request_error"
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "unauthorized"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusBadGateway:
		return "bad_gateway"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		return fmt.Sprintf("http_%d", status)
	}
}
