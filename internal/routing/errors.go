package routing

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Kind is the closed error taxonomy the router surfaces to callers. The
// adapter renders these; the router never throws anything else across its
// boundary.
type Kind string

const (
	KindRateLimitedLocal   Kind = "rate_limited_local"
	KindQuotaExhausted     Kind = "quota_exhausted"
	KindPaymentRequired    Kind = "payment_required"
	KindAuthError          Kind = "auth_error"
	KindBadRequest         Kind = "bad_request"
	KindTransient          Kind = "transient"
	KindAllProvidersFailed Kind = "all_providers_failed"
)

// RouteError is a classified routing failure. Message is already
// sanitized and safe to show to end users.
type RouteError struct {
	Kind     Kind
	Provider string
	// LastKind carries the classification of the final provider failure
	// when Kind is all_providers_failed.
	LastKind Kind
	Message  string
}

func (e *RouteError) Error() string {
	if e.Kind == KindAllProvidersFailed && e.LastKind != "" {
		return fmt.Sprintf("routing: %s (last: %s from %s): %s", e.Kind, e.LastKind, e.Provider, e.Message)
	}
	if e.Provider != "" {
		return fmt.Sprintf("routing: %s (%s): %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("routing: %s: %s", e.Kind, e.Message)
}

// HTTPStatus maps the error kind onto the status the ops surface answers
// with. Upstream credential and infrastructure problems are the agent's
// fault from the caller's point of view, hence 502.
func (e *RouteError) HTTPStatus() int {
	switch e.Kind {
	case KindRateLimitedLocal, KindQuotaExhausted:
		return http.StatusTooManyRequests
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindBadRequest:
		return http.StatusBadRequest
	case KindTransient, KindAuthError, KindAllProvidersFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// maxErrorLen bounds sanitized messages.
const maxErrorLen = 200

var (
	// Order matters: URIs before bare paths, otherwise the path part of a
	// URL survives as a false positive.
	reURI    = regexp.MustCompile(`\b[a-z][a-z0-9+.-]*://[^\s"']+`)
	reEmail  = regexp.MustCompile(`\b[\w.+-]+@[\w.-]+\.\w+\b`)
	reIP     = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b`)
	rePath   = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.~-]+){2,}[\\/]?`)
	reLongID = regexp.MustCompile(`\b[A-Za-z0-9_-]{24,}\b`)
)

// Sanitize strips file paths, URIs, emails, IPs, long identifiers and
// traceback noise from an upstream error message and truncates it to 200
// characters. The result is what callers are allowed to see.
func Sanitize(msg string) string {
	// Tracebacks only add noise after the first line that mentions them.
	for _, marker := range []string{"Traceback", "goroutine "} {
		if idx := strings.Index(msg, marker); idx >= 0 {
			msg = msg[:idx]
		}
	}

	msg = reURI.ReplaceAllString(msg, "[url]")
	msg = reEmail.ReplaceAllString(msg, "[email]")
	msg = reIP.ReplaceAllString(msg, "[ip]")
	msg = rePath.ReplaceAllString(msg, "[path]")
	msg = reLongID.ReplaceAllString(msg, "[id]")

	msg = strings.Join(strings.Fields(msg), " ")
	if runes := []rune(msg); len(runes) > maxErrorLen {
		msg = string(runes[:maxErrorLen])
	}
	return msg
}
