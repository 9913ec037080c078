// Package apierr renders errors in the OpenAI envelope shape that LLM
// tooling already knows how to parse.
//
// Routing failures carry a closed taxonomy of kinds; the kind string becomes
// the error code so callers can branch on it without parsing messages.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants. The first block mirrors the routing taxonomy verbatim;
// the rest are surface-local.
const (
	CodeRateLimitedLocal   = "rate_limited_local"
	CodeQuotaExhausted     = "quota_exhausted"
	CodePaymentRequired    = "payment_required"
	CodeAuthError          = "auth_error"
	CodeBadRequest         = "bad_request"
	CodeTransient          = "transient"
	CodeAllProvidersFailed = "all_providers_failed"

	CodeInvalidRequest = "invalid_request"
	CodeInternalError  = "internal_error"
	CodeNotFound       = "not_found"
	CodeRequestTimeout = "request_timeout"
)

// APIError is the client-facing error record inside the envelope.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write renders the envelope onto the response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteKind renders a classified routing failure. The caller supplies the
// HTTP status it resolved for the kind; the kind string becomes the error
// code. 429 responses carry a Retry-After hint.
func WriteKind(ctx *fasthttp.RequestCtx, status int, kind, message string) {
	if status == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	Write(ctx, status, message, typeFor(kind), kind)
}

// WriteInvalid writes a 400 for a malformed client request.
func WriteInvalid(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteNotFound writes a 404.
func WriteNotFound(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusNotFound, message, TypeInvalidRequest, CodeNotFound)
}

// WriteInternal writes a 500. The message should already be safe for
// callers; panics and raw upstream errors must be sanitized first.
func WriteInternal(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, message, TypeServerError, CodeInternalError)
}

// WriteTimeout writes the 504 returned when a request deadline lapses.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "request timed out", TypeProviderError, CodeRequestTimeout)
}

// typeFor maps a taxonomy code onto the OpenAI-style error type. Upstream
// credential and infrastructure failures are provider errors from the
// caller's point of view.
func typeFor(code string) string {
	switch code {
	case CodeRateLimitedLocal, CodeQuotaExhausted:
		return TypeRateLimitError
	case CodeBadRequest, CodeInvalidRequest:
		return TypeInvalidRequest
	case CodeInternalError:
		return TypeServerError
	default:
		return TypeProviderError
	}
}
